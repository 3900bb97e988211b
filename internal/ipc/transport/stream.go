package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/msto63/ipcpool/internal/ipc/protocol"
	"github.com/msto63/ipcpool/internal/ipc/wire"
)

// Stream is an Endpoint over a pair of byte streams, typically a worker's
// stdin and stdout.
type Stream struct {
	mu     sync.Mutex
	enc    wire.Encoder
	dec    wire.Decoder
	w      io.WriteCloser
	r      io.ReadCloser
	closed bool
	broken bool
}

type streamResult struct {
	resp *protocol.Response
	err  error
}

// NewStream creates an endpoint writing commands to w and reading
// responses from r
func NewStream(w io.WriteCloser, r io.ReadCloser, codec wire.Codec) *Stream {
	return &Stream{
		enc: codec.NewEncoder(w),
		dec: codec.NewDecoder(r),
		w:   w,
		r:   r,
	}
}

// RoundTrip implements Endpoint
func (s *Stream) RoundTrip(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.broken {
		return nil, ErrBroken
	}

	msg, err := wire.CommandToStruct(cmd)
	if err != nil {
		return nil, err
	}

	done := make(chan streamResult, 1)
	go func() {
		done <- s.exchange(cmd, msg)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			// Framing position is unknown after a failed read or write
			s.broken = true
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		s.broken = true
		return nil, ctx.Err()
	}
}

func (s *Stream) exchange(cmd *protocol.Command, msg *structpb.Struct) streamResult {
	if err := s.enc.Encode(msg); err != nil {
		return streamResult{err: fmt.Errorf("send %s: %w", cmd.Method, err)}
	}

	in := &structpb.Struct{}
	if err := s.dec.Decode(in); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return streamResult{err: fmt.Errorf("receive %s: %w", cmd.Method, err)}
	}

	resp, err := wire.ResponseFromStruct(in)
	if err != nil {
		return streamResult{err: fmt.Errorf("receive %s: %w", cmd.Method, err)}
	}
	if err := wire.CheckCallID(cmd, resp); err != nil {
		return streamResult{err: err}
	}
	return streamResult{resp: resp}
}

// Close closes both streams. A reader left behind by an abandoned round
// trip unblocks with an error.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return errors.Join(s.w.Close(), s.r.Close())
}
