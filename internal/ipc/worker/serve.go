package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/msto63/ipcpool/internal/ipc/transport"
	"github.com/msto63/ipcpool/internal/ipc/wire"
	coregrpc "github.com/msto63/ipcpool/pkg/core/grpc"
)

// ServeStream runs the worker loop over a byte stream pair: read one
// command from r, dispatch it, write one response to w. It returns nil
// once r is exhausted or closed, which is how a worker learns that the
// controller dropped it. A command that cannot be decoded ends the loop
// with an error.
func ServeStream(ctx context.Context, d *Dispatcher, r io.Reader, w io.Writer, codec wire.Codec) error {
	dec := codec.NewDecoder(r)
	enc := codec.NewEncoder(w)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		in := &structpb.Struct{}
		if err := dec.Decode(in); err != nil {
			if isClosed(err) {
				return nil
			}
			// Framing is lost; the controller recycles this worker once
			// its call fails
			d.logger.Error("Unreadable command, worker stops", "error", err)
			return fmt.Errorf("read command: %w", err)
		}

		if err := enc.Encode(d.handle(ctx, in)); err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

type callServer struct {
	d *Dispatcher
}

// Call implements transport.CallHandler
func (s callServer) Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.d.handle(ctx, in), nil
}

// ServeGRPC runs the worker loop as a gRPC service on a unix socket until
// ctx is done. The socket file is removed on return.
func ServeGRPC(ctx context.Context, d *Dispatcher, socketPath string) error {
	srv := coregrpc.NewServer(coregrpc.DefaultServerConfig(socketPath))
	transport.RegisterCallHandler(srv.GRPCServer(), callServer{d: d})

	if err := srv.Listen(); err != nil {
		return err
	}
	defer os.Remove(socketPath)

	stop := context.AfterFunc(ctx, srv.Stop)
	defer stop()

	d.logger.Info("Worker serving", "socket", socketPath, "pid", os.Getpid())
	return srv.Start()
}
