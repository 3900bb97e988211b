// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     procmgr
// Description: Worker process launchers and the pool manager that keeps
//              the pool at capacity
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package procmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/msto63/ipcpool/internal/ipc/pool"
	"github.com/msto63/ipcpool/internal/ipc/protocol"
	"github.com/msto63/ipcpool/internal/ipc/transport"
	"github.com/msto63/ipcpool/internal/ipc/wire"
	"github.com/msto63/ipcpool/pkg/core/config"
	"github.com/msto63/ipcpool/pkg/core/logging"
)

// Launcher starts one worker bound to a freshly created channel and
// returns its handle with a use count of zero
type Launcher interface {
	Launch(ctx context.Context) (*pool.Handle, error)
}

// reapTimeout bounds how long Kill waits for the process to be reaped
const reapTimeout = 5 * time.Second

// ExecConfig describes how worker processes are started
type ExecConfig struct {
	Command        string
	Args           []string
	Env            map[string]string
	Transport      string
	Codec          wire.Codec
	SocketDir      string
	StartupTimeout time.Duration
}

// ExecConfigFrom builds an ExecConfig from the application configuration
func ExecConfigFrom(cfg *config.Config) (ExecConfig, error) {
	command, err := cfg.WorkerCommand()
	if err != nil {
		return ExecConfig{}, err
	}
	codec, err := wire.ByName(cfg.Worker.Codec)
	if err != nil {
		return ExecConfig{}, err
	}

	return ExecConfig{
		Command:        command,
		Args:           cfg.Worker.Args,
		Env:            cfg.Worker.Env,
		Transport:      cfg.Worker.Transport,
		Codec:          codec,
		SocketDir:      cfg.Worker.SocketDir,
		StartupTimeout: cfg.Worker.StartupTimeout.Duration,
	}, nil
}

// ExecLauncher starts workers as child processes in their own process
// group. With the pipe transport the channel is the child's stdin and
// stdout; with the gRPC transport it is a unix socket named after a
// fresh uuid. Stderr is forwarded into the controller's log.
type ExecLauncher struct {
	cfg    ExecConfig
	logger *logging.Logger
}

// NewExecLauncher creates a launcher for cfg
func NewExecLauncher(cfg ExecConfig) *ExecLauncher {
	if cfg.Codec == nil {
		cfg.Codec = wire.Proto
	}
	if cfg.Transport == "" {
		cfg.Transport = config.TransportPipe
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	return &ExecLauncher{
		cfg:    cfg,
		logger: logging.New("launcher"),
	}
}

// Launch implements Launcher
func (l *ExecLauncher) Launch(ctx context.Context) (*pool.Handle, error) {
	args := append([]string(nil), l.cfg.Args...)
	args = append(args, "--transport", l.cfg.Transport, "--codec", l.cfg.Codec.Name())

	var socketPath string
	if l.cfg.Transport == config.TransportGRPC {
		socketPath = filepath.Join(l.cfg.SocketDir, "ipcpool-"+uuid.NewString()+".sock")
		args = append(args, "--socket", socketPath)
	}

	cmd := exec.Command(l.cfg.Command, args...)
	cmd.Env = os.Environ()
	for k, v := range l.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	// Own process group, so a kill also takes down anything the worker forked
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Plain os pipes: the controller keeps its ends across the background
	// Wait, which would otherwise close them under a pending read.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start worker %s: %w", l.cfg.Command, err)
	}
	closeAll(stdinR, stdoutW, stderrW)

	proc := newExecProcess(cmd, socketPath)
	logger := l.logger.With("pid", proc.pid)
	go forwardOutput(stderrR, logger)

	var endpoint transport.Endpoint
	switch l.cfg.Transport {
	case config.TransportGRPC:
		// stdout is unused; the worker watches stdin to notice a dead parent
		go forwardOutput(stdoutR, logger)
		endpoint, err = l.connectGRPC(ctx, proc, stdinW)
		if err != nil {
			closeAll(stdinW)
			_ = proc.Kill()
			return nil, err
		}
	default:
		endpoint = transport.NewStream(stdinW, stdoutR, l.cfg.Codec)
	}

	logger.Info("Worker started", "transport", l.cfg.Transport, "codec", l.cfg.Codec.Name())
	return pool.NewHandle(proc, endpoint), nil
}

// connectGRPC waits for the worker's socket and dials it
func (l *ExecLauncher) connectGRPC(ctx context.Context, proc *execProcess, stdin io.Closer) (transport.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(proc.socketPath); err == nil {
			break
		}
		select {
		case <-proc.done:
			return nil, fmt.Errorf("worker %d exited during startup: %v", proc.pid, proc.waitErr)
		case <-ctx.Done():
			return nil, fmt.Errorf("worker %d socket not ready: %w", proc.pid, ctx.Err())
		case <-ticker.C:
		}
	}

	ep, err := transport.DialGRPC(proc.socketPath)
	if err != nil {
		return nil, err
	}
	return &grpcEndpoint{GRPC: ep, stdin: stdin, proc: proc}, nil
}

// grpcEndpoint also owns the worker's stdin, whose closing tells the
// worker to exit
type grpcEndpoint struct {
	*transport.GRPC
	stdin io.Closer
	proc  *execProcess
}

// RoundTrip refuses calls to a worker that has already exited
func (e *grpcEndpoint) RoundTrip(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	if !e.proc.Alive() {
		return nil, fmt.Errorf("worker %d exited: %w", e.proc.pid, transport.ErrBroken)
	}
	return e.GRPC.RoundTrip(ctx, cmd)
}

func (e *grpcEndpoint) Close() error {
	return errors.Join(e.GRPC.Close(), e.stdin.Close())
}

// execProcess is a started worker process. Wait runs in the background so
// a crashed worker is reaped at once.
type execProcess struct {
	cmd        *exec.Cmd
	pid        int
	socketPath string
	done       chan struct{}
	waitErr    error
}

func newExecProcess(cmd *exec.Cmd, socketPath string) *execProcess {
	p := &execProcess{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		socketPath: socketPath,
		done:       make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p
}

func (p *execProcess) PID() int {
	return p.pid
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Kill sends SIGKILL to the worker's process group and waits until it is
// reaped
func (p *execProcess) Kill() error {
	var killErr error
	if p.Alive() {
		if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			killErr = fmt.Errorf("kill worker %d: %w", p.pid, err)
		}
	}

	select {
	case <-p.done:
	case <-time.After(reapTimeout):
		return errors.Join(killErr, fmt.Errorf("worker %d not reaped after %v", p.pid, reapTimeout))
	}

	if p.socketPath != "" {
		_ = os.Remove(p.socketPath)
	}
	return killErr
}

// forwardOutput copies a worker's output lines into the log
func forwardOutput(r io.ReadCloser, logger *logging.Logger) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info("Worker output", "line", scanner.Text())
	}
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
