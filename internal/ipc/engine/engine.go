package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/msto63/ipcpool/internal/ipc/pool"
	"github.com/msto63/ipcpool/internal/ipc/protocol"
	"github.com/msto63/ipcpool/internal/ipc/transport"
	"github.com/msto63/ipcpool/internal/ipc/wire"
	"github.com/msto63/ipcpool/pkg/core/config"
	"github.com/msto63/ipcpool/pkg/core/logging"
)

// Recycle reasons
const (
	ReasonTimeout    = "timeout"
	ReasonUnexpected = "unexpected"
	ReasonMaxUses    = "max_uses"
)

// Recycler replaces a contaminated or worn-out worker. procmgr.Manager
// implements it.
type Recycler interface {
	Recycle(ctx context.Context, h *pool.Handle, reason string) error
}

// Recorder observes attempts, calls and recycles
type Recorder interface {
	ObserveAttempt(method string, class Class, d time.Duration)
	ObserveCall(method string, class Class, attempts int, d time.Duration)
	ObserveRecycle(reason string)
}

// Config holds call engine settings
type Config struct {
	// Label prefixes every terminal error
	Label string
	// Capabilities names the worker capability set in local error details
	Capabilities    string
	MaxAttempts     int
	RetryDelay      time.Duration
	ResponseTimeout time.Duration
	// MaxUses is the use count a worker may reach; one more and it is
	// recycled
	MaxUses int64
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Label:           "default",
		Capabilities:    "Worker",
		MaxAttempts:     3,
		RetryDelay:      time.Second,
		ResponseTimeout: 180 * time.Second,
		MaxUses:         5000,
	}
}

// ConfigFrom builds an engine Config from the application configuration
func ConfigFrom(cfg *config.Config, capabilities string) Config {
	return Config{
		Label:           cfg.Pool.Label,
		Capabilities:    capabilities,
		MaxAttempts:     cfg.Pool.MaxAttempts,
		RetryDelay:      cfg.Pool.RetryDelay.Duration,
		ResponseTimeout: cfg.Pool.ResponseTimeout.Duration,
		MaxUses:         int64(cfg.Pool.MaxUses),
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithRateLimit throttles attempts to r per second with the given burst.
// This only spaces out calls; routing stays plain FIFO.
func WithRateLimit(r float64, burst int) Option {
	return func(e *Engine) {
		if r > 0 {
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithLogger replaces the engine's logger
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l.With("vo", e.cfg.Label)
	}
}

// Engine invokes worker methods through the pool
type Engine struct {
	pool     *pool.Pool
	recycler Recycler
	cfg      Config
	limiter  *rate.Limiter
	recorder Recorder
	logger   *logging.Logger
}

// New creates a call engine
func New(p *pool.Pool, recycler Recycler, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = def.MaxUses
	}
	if cfg.Capabilities == "" {
		cfg.Capabilities = def.Capabilities
	}

	e := &Engine{
		pool:     p,
		recycler: recycler,
		cfg:      cfg,
		recorder: nopRecorder{},
		logger:   logging.New("engine").With("vo", cfg.Label),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// attemptResult is the outcome of one round trip
type attemptResult struct {
	class Class
	value any
	err   *CallError
}

// Invoke runs method on a pooled worker and returns its return value.
// Transient, timeout and unexpected failures are retried on another
// checkout after RetryDelay, up to MaxAttempts attempts; a fatal answer
// ends the call at once. A terminal failure is returned as *CallError.
// Checkout failures and a ctx ending between attempts are returned as
// they are.
func (e *Engine) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	start := time.Now()
	var res attemptResult
	attempts := 0

	for attempts < e.cfg.MaxAttempts {
		if attempts > 0 {
			if err := sleep(ctx, e.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		h, err := e.pool.Checkout(ctx)
		if err != nil {
			return nil, fmt.Errorf("VO=%s checkout for %s: %w", e.cfg.Label, method, err)
		}

		attempts++
		res = e.attempt(ctx, h, method, args, kwargs)

		if res.class == ClassSuccess || !res.class.Retryable() {
			break
		}
		// The caller gave up; the worker was already recycled
		if ctx.Err() != nil {
			break
		}
		if attempts < e.cfg.MaxAttempts {
			e.logger.Warn("Call attempt failed, retrying",
				"method", method,
				"attempt", attempts,
				"class", res.class.String(),
				"detail", res.err.Detail,
			)
		}
	}

	e.recorder.ObserveCall(method, res.class, attempts, time.Since(start))

	if res.class == ClassSuccess {
		return res.value, nil
	}
	res.err.Attempts = attempts
	return nil, res.err
}

// attempt performs one round trip on h and hands h back: to the pool, or
// to the recycler when the worker is contaminated or worn out
func (e *Engine) attempt(ctx context.Context, h *pool.Handle, method string, args []any, kwargs map[string]any) attemptResult {
	start := time.Now()
	cmd := protocol.NewCommand(method, args, kwargs)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ResponseTimeout)
	resp, err := h.Endpoint().RoundTrip(callCtx, cmd)
	cancel()

	var res attemptResult
	if err != nil {
		res = e.localFailure(ctx, method, err)
	} else {
		res = e.classify(method, resp)
	}

	uses := h.IncrementUses()
	e.recorder.ObserveAttempt(method, res.class, time.Since(start))

	reason := ""
	switch {
	case res.class == ClassTimeout:
		reason = ReasonTimeout
	case res.class == ClassUnexpected:
		reason = ReasonUnexpected
	case uses > e.cfg.MaxUses:
		reason = ReasonMaxUses
	}

	if reason == "" {
		if err := e.pool.Return(h); err != nil {
			e.logger.Error("Returning handle", "pid", h.PID(), "error", err)
		}
		return res
	}

	e.recorder.ObserveRecycle(reason)
	// The replacement must be in circulation before this attempt completes,
	// even if the caller has given up
	if err := e.recycler.Recycle(context.WithoutCancel(ctx), h, reason); err != nil {
		e.logger.Error("Recycling worker", "pid", h.PID(), "reason", reason, "error", err)
	}
	return res
}

// classify maps a delivered response onto a class
func (e *Engine) classify(method string, resp *protocol.Response) attemptResult {
	var class Class
	switch resp.Status {
	case protocol.StatusSucceeded:
		return attemptResult{class: ClassSuccess, value: resp.ReturnValue}
	case protocol.StatusFailed:
		class = ClassTransient
	default:
		class = ClassFatal
	}

	return attemptResult{
		class: class,
		err: &CallError{
			Class:      class,
			Label:      e.cfg.Label,
			Method:     method,
			Detail:     renderValue(resp.ErrorValue),
			ErrorValue: resp.ErrorValue,
		},
	}
}

// localFailure classifies a failed round trip. A deadline of the attempt
// itself is a timeout; everything else, including the caller's own
// cancellation, leaves the channel in an unknown state.
func (e *Engine) localFailure(ctx context.Context, method string, err error) attemptResult {
	class := ClassUnexpected
	kind := localKind(err)
	msg := err.Error()

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		class = ClassTimeout
		kind = "TimeoutError"
		msg = fmt.Sprintf("didn't return response for %v", e.cfg.ResponseTimeout)
	}

	return attemptResult{
		class: class,
		err: &CallError{
			Class:  class,
			Label:  e.cfg.Label,
			Method: method,
			Detail: fmt.Sprintf("type=%s : %s.%s %s", kind, e.cfg.Capabilities, method, msg),
			Err:    err,
		},
	}
}

// localKind names the cause of a local failure for error details
func localKind(err error) string {
	switch {
	case errors.Is(err, wire.ErrStaleResponse):
		return "StaleResponse"
	case errors.Is(err, wire.ErrMalformed):
		return "DecodeError"
	case errors.Is(err, transport.ErrBroken), errors.Is(err, transport.ErrClosed):
		return "ChannelError"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "EOFError"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return protocol.ErrorKind(root)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(string, Class, time.Duration) {}

func (nopRecorder) ObserveCall(string, Class, int, time.Duration) {}

func (nopRecorder) ObserveRecycle(string) {}
