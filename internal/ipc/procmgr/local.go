package procmgr

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/msto63/ipcpool/internal/ipc/pool"
	"github.com/msto63/ipcpool/internal/ipc/transport"
	"github.com/msto63/ipcpool/internal/ipc/wire"
	"github.com/msto63/ipcpool/internal/ipc/worker"
)

// LocalLauncher runs each worker loop in a goroutine of the current
// process, connected through in-memory pipes with the same framing as a
// real worker. PIDs are synthetic. A method that ignores its context
// cannot be stopped by Kill.
type LocalLauncher struct {
	dispatcher *worker.Dispatcher
	codec      wire.Codec
	nextPID    atomic.Int64
}

// NewLocalLauncher creates a launcher serving caps in-process
func NewLocalLauncher(caps *worker.Capabilities, codec wire.Codec) *LocalLauncher {
	if codec == nil {
		codec = wire.Proto
	}
	return &LocalLauncher{
		dispatcher: worker.NewDispatcher(caps),
		codec:      codec,
	}
}

// Launch implements Launcher
func (l *LocalLauncher) Launch(ctx context.Context) (*pool.Handle, error) {
	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()

	workerCtx, cancel := context.WithCancel(context.Background())
	proc := &localProcess{
		pid:    int(l.nextPID.Add(1)),
		cancel: cancel,
		cmdR:   cmdR,
		respW:  respW,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(proc.done)
		_ = worker.ServeStream(workerCtx, l.dispatcher, cmdR, respW, l.codec)
		_ = respW.Close()
	}()

	return pool.NewHandle(proc, transport.NewStream(cmdW, respR, l.codec)), nil
}

type localProcess struct {
	pid    int
	cancel context.CancelFunc
	cmdR   *io.PipeReader
	respW  *io.PipeWriter
	done   chan struct{}
}

func (p *localProcess) PID() int {
	return p.pid
}

func (p *localProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Kill cancels the running method and closes the worker's pipe ends
func (p *localProcess) Kill() error {
	p.cancel()
	_ = p.cmdR.Close()
	_ = p.respW.Close()

	select {
	case <-p.done:
	case <-time.After(reapTimeout):
	}
	return nil
}
