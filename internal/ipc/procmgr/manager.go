package procmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msto63/ipcpool/internal/ipc/pool"
	"github.com/msto63/ipcpool/pkg/core/logging"
)

// ErrSpawnFailed is returned when no replacement worker could be started
var ErrSpawnFailed = errors.New("worker spawn failed")

// EventKind identifies a worker lifecycle event
type EventKind string

const (
	EventSpawned     EventKind = "spawned"
	EventRecycled    EventKind = "recycled"
	EventTerminated  EventKind = "terminated"
	EventSpawnFailed EventKind = "spawn_failed"
)

// WorkerEvent represents a worker lifecycle change
type WorkerEvent struct {
	PID       int
	Kind      EventKind
	Reason    string
	Uses      int64
	Timestamp time.Time
}

// Config holds pool manager settings
type Config struct {
	// SpawnAttempts is how often a replacement spawn is tried before the
	// slot is handed to the background replenisher
	SpawnAttempts int
	// RetryDelay separates spawn attempts
	RetryDelay time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		SpawnAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// Manager spawns workers into a pool and replaces the ones it recycles,
// so the number of handles in circulation stays at the pool capacity.
type Manager struct {
	pool     *pool.Pool
	launcher Launcher
	cfg      Config
	logger   *logging.Logger

	// ctx is cancelled on Shutdown and stops the replenishers
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	replenishWG sync.WaitGroup

	eventsMu     sync.RWMutex
	eventsClosed bool
	statusCh     chan WorkerEvent
	subscribers  []chan WorkerEvent
	subscriberMu sync.RWMutex
}

// New creates a pool manager
func New(p *pool.Pool, launcher Launcher, cfg Config) *Manager {
	if cfg.SpawnAttempts < 1 {
		cfg.SpawnAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pool:        p,
		launcher:    launcher,
		cfg:         cfg,
		logger:      logging.New("procmgr"),
		ctx:         ctx,
		cancel:      cancel,
		statusCh:    make(chan WorkerEvent, 100),
		subscribers: make([]chan WorkerEvent, 0),
	}

	go m.dispatchEvents()

	return m
}

// Pool returns the managed pool
func (m *Manager) Pool() *pool.Pool {
	return m.pool
}

// Initialize spawns n workers one after another and enqueues them
func (m *Manager) Initialize(ctx context.Context, n int) error {
	m.logger.Info("Initializing worker pool", "workers", n)

	for i := 0; i < n; i++ {
		if _, err := m.LaunchChild(ctx); err != nil {
			return fmt.Errorf("initialize worker %d of %d: %w", i+1, n, err)
		}
	}
	return nil
}

// LaunchChild starts one worker with a fresh channel and enqueues its
// handle
func (m *Manager) LaunchChild(ctx context.Context) (*pool.Handle, error) {
	h, err := m.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	if err := m.pool.Add(h); err != nil {
		m.terminate(h)
		return nil, err
	}

	m.emitEvent(h.PID(), EventSpawned, "", 0)
	return h, nil
}

// Recycle tears down a checked-out worker and puts exactly one fresh
// replacement into circulation before returning. The caller gives up its
// ownership of h.
//
// If no replacement can be started after the configured attempts, h
// leaves circulation, ErrSpawnFailed is returned and a background
// replenisher keeps trying until the pool is back at capacity.
func (m *Manager) Recycle(ctx context.Context, h *pool.Handle, reason string) error {
	pid, uses := h.PID(), h.UseCount()
	m.logger.Info("Recycling worker", "pid", pid, "reason", reason, "uses", uses)

	m.terminate(h)

	if m.pool.Closed() {
		m.pool.Remove(h)
		m.emitEvent(pid, EventTerminated, reason, uses)
		return nil
	}

	repl, err := m.spawn(ctx)
	if err != nil {
		m.pool.Remove(h)
		m.emitEvent(pid, EventSpawnFailed, err.Error(), uses)
		m.logger.Error("Replacement spawn failed", "pid", pid, "error", err)
		m.startReplenisher()
		return fmt.Errorf("%w: replacing worker %d: %v", ErrSpawnFailed, pid, err)
	}

	if err := m.pool.Replace(h, repl); err != nil {
		m.terminate(repl)
		return fmt.Errorf("replace worker %d: %w", pid, err)
	}

	m.emitEvent(pid, EventRecycled, reason, uses)
	m.emitEvent(repl.PID(), EventSpawned, fmt.Sprintf("replaces %d", pid), 0)
	return nil
}

// spawn launches a worker, retrying up to SpawnAttempts times
func (m *Manager) spawn(ctx context.Context) (*pool.Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.SpawnAttempts; attempt++ {
		h, err := m.launcher.Launch(ctx)
		if err == nil {
			return h, nil
		}
		lastErr = err
		m.logger.Warn("Worker spawn failed", "attempt", attempt, "error", err)

		if attempt == m.cfg.SpawnAttempts {
			break
		}
		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.ctx.Done():
			return nil, m.ctx.Err()
		}
	}
	return nil, lastErr
}

// startReplenisher keeps launching until one worker joins the pool
func (m *Manager) startReplenisher() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}

	m.replenishWG.Add(1)
	go func() {
		defer m.replenishWG.Done()

		for {
			select {
			case <-time.After(m.cfg.RetryDelay):
			case <-m.ctx.Done():
				return
			}

			h, err := m.launcher.Launch(m.ctx)
			if err != nil {
				m.logger.Warn("Replenish spawn failed", "error", err)
				continue
			}

			if m.ctx.Err() != nil {
				m.terminate(h)
				return
			}
			if err := m.pool.Add(h); err != nil {
				m.terminate(h)
				return
			}

			m.logger.Info("Pool replenished", "pid", h.PID(), "size", m.pool.Size())
			m.emitEvent(h.PID(), EventSpawned, "replenish", 0)
			return
		}
	}()
}

// terminate closes the channel first, then kills and reaps the worker.
// Failures are logged and otherwise ignored.
func (m *Manager) terminate(h *pool.Handle) {
	if ep := h.Endpoint(); ep != nil {
		if err := ep.Close(); err != nil {
			m.logger.Debug("Closing worker channel", "pid", h.PID(), "error", err)
		}
	}
	if err := h.Process().Kill(); err != nil {
		m.logger.Warn("Killing worker", "pid", h.PID(), "error", err)
	}
}

// Shutdown closes the pool, waits (bounded by ctx) for checked-out handles
// to come back and terminates every worker in parallel. Handles still
// checked out when ctx expires are terminated as well.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.pool.Close()

	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.replenishWG.Wait()

	_, drainErr := m.pool.Drain(ctx)
	if drainErr != nil {
		m.logger.Warn("Shutdown with handles still checked out", "checked_out", m.pool.CheckedOut())
	}

	handles := m.pool.Handles()
	m.logger.Info("Terminating workers", "count", len(handles))

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			uses := h.UseCount()
			m.terminate(h)
			m.pool.Remove(h)
			m.emitEvent(h.PID(), EventTerminated, "shutdown", uses)
			return nil
		})
	}
	_ = g.Wait()

	m.closeEvents()
	return drainErr
}

// Subscribe returns a channel for worker events
func (m *Manager) Subscribe() chan WorkerEvent {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()

	ch := make(chan WorkerEvent, 10)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber
func (m *Manager) Unsubscribe(ch chan WorkerEvent) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// emitEvent queues a worker event for the subscribers
func (m *Manager) emitEvent(pid int, kind EventKind, reason string, uses int64) {
	event := WorkerEvent{
		PID:       pid,
		Kind:      kind,
		Reason:    reason,
		Uses:      uses,
		Timestamp: time.Now(),
	}

	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.eventsClosed {
		return
	}

	select {
	case m.statusCh <- event:
	default:
		m.logger.Warn("Worker event channel full, dropping event", "kind", kind, "pid", pid)
	}
}

// dispatchEvents dispatches events to all subscribers
func (m *Manager) dispatchEvents() {
	for event := range m.statusCh {
		m.subscriberMu.RLock()
		for _, ch := range m.subscribers {
			select {
			case ch <- event:
			default:
				// Subscriber channel full, skip
			}
		}
		m.subscriberMu.RUnlock()
	}

	m.subscriberMu.Lock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	m.subscriberMu.Unlock()
}

func (m *Manager) closeEvents() {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if !m.eventsClosed {
		m.eventsClosed = true
		close(m.statusCh)
	}
}
