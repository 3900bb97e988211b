package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned by Checkout after Close
	ErrPoolClosed = errors.New("pool closed")

	// ErrPoolFull is returned when adding beyond capacity
	ErrPoolFull = errors.New("pool at capacity")

	// ErrUnknownHandle is returned for a handle not in circulation
	ErrUnknownHandle = errors.New("handle not in circulation")
)

// drainPoll is how often Drain rechecks the circulation count
const drainPoll = 10 * time.Millisecond

// Pool is a bounded FIFO of idle handles. It also tracks every handle in
// circulation (queued or checked out), so the capacity invariant can be
// observed at any time with Size.
type Pool struct {
	capacity int
	queue    chan *Handle

	mu   sync.Mutex
	live map[*Handle]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates an empty pool with the given capacity
func New(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		capacity: capacity,
		queue:    make(chan *Handle, capacity),
		live:     make(map[*Handle]struct{}, capacity),
		closed:   make(chan struct{}),
	}
}

// Capacity returns the configured number of workers
func (p *Pool) Capacity() int {
	return p.capacity
}

// Checkout takes the oldest idle handle, blocking while none is idle
func (p *Pool) Checkout(ctx context.Context) (*Handle, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case h := <-p.queue:
		return h, nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return puts a checked-out handle back at the end of the queue
func (p *Pool) Return(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[h]; !ok {
		return ErrUnknownHandle
	}
	p.queue <- h
	return nil
}

// Add brings a new handle into circulation and enqueues it
func (p *Pool) Add(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.live) >= p.capacity {
		return ErrPoolFull
	}
	p.live[h] = struct{}{}
	p.queue <- h
	return nil
}

// Replace swaps a checked-out handle for its successor in one step, so
// the circulation count never changes.
func (p *Pool) Replace(old, h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[old]; !ok {
		return ErrUnknownHandle
	}
	delete(p.live, old)
	p.live[h] = struct{}{}
	p.queue <- h
	return nil
}

// Remove takes a checked-out handle out of circulation
func (p *Pool) Remove(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, h)
}

// Contains reports whether h is in circulation
func (p *Pool) Contains(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[h]
	return ok
}

// Size returns the number of handles in circulation: queued plus checked
// out
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Idle returns the number of queued handles
func (p *Pool) Idle() int {
	return len(p.queue)
}

// CheckedOut returns the number of handles currently held by callers
func (p *Pool) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live) - len(p.queue)
}

// Handles returns a snapshot of all handles in circulation ordered by
// pid
func (p *Pool) Handles() []*Handle {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.live))
	for h := range p.live {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].PID() < handles[j].PID() })
	return handles
}

// Close stops further checkouts. Returned handles are still queued so
// Drain can collect them.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Closed reports whether Close was called
func (p *Pool) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Drain waits until every handle in circulation is idle and takes them
// out of the queue. On ctx expiry it returns what it collected so far
// together with the context error.
func (p *Pool) Drain(ctx context.Context) ([]*Handle, error) {
	var drained []*Handle
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		select {
		case h := <-p.queue:
			drained = append(drained, h)
			continue
		default:
		}

		if len(drained) >= p.Size() {
			return drained, nil
		}

		select {
		case h := <-p.queue:
			drained = append(drained, h)
		case <-ticker.C:
		case <-ctx.Done():
			return drained, ctx.Err()
		}
	}
}
