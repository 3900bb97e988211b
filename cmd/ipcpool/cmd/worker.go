package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msto63/ipcpool/internal/ipc/builtin"
	"github.com/msto63/ipcpool/internal/ipc/wire"
	"github.com/msto63/ipcpool/internal/ipc/worker"
	"github.com/msto63/ipcpool/pkg/core/config"
	"github.com/msto63/ipcpool/pkg/core/logging"
)

var (
	workerCodec  string
	workerSocket string
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a pool worker (started by the controller)",
	Hidden: true,
	// Workers take everything from flags; stdout belongs to the wire
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.SetDefaults(os.Getenv("IPCPOOL_LOG_LEVEL"), "json", os.Stderr)
		return nil
	},
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerCodec, "codec", config.CodecProto, "Wire codec: proto or json")
	workerCmd.Flags().StringVar(&workerSocket, "socket", "", "Unix socket to serve on (grpc transport)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return serveWorker(ctx, builtin.Capabilities(), transport, workerCodec, workerSocket, os.Stdin, os.Stdout)
}

// serveWorker runs the worker loop for caps until the controller goes away
func serveWorker(ctx context.Context, caps *worker.Capabilities, transportName, codecName, socket string, stdin io.Reader, stdout io.Writer) error {
	d := worker.NewDispatcher(caps)

	switch transportName {
	case "", config.TransportPipe:
		codec, err := wire.ByName(codecName)
		if err != nil {
			return err
		}
		return worker.ServeStream(ctx, d, stdin, stdout, codec)

	case config.TransportGRPC:
		if socket == "" {
			return fmt.Errorf("--socket is required with the grpc transport")
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The controller holds our stdin open; EOF means it is gone
		go func() {
			_, _ = io.Copy(io.Discard, stdin)
			cancel()
		}()
		return worker.ServeGRPC(ctx, d, socket)

	default:
		return fmt.Errorf("unknown transport %q", transportName)
	}
}
