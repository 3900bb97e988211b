package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/msto63/ipcpool/internal/ipc/pool"
	"github.com/msto63/ipcpool/internal/ipc/procmgr"
	"github.com/msto63/ipcpool/internal/ipc/protocol"
	"github.com/msto63/ipcpool/internal/ipc/worker"
	"github.com/msto63/ipcpool/pkg/core/logging"
)

// counters records how often each test method ran on any worker
type counters struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counters) hit(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	return c.calls[method]
}

func (c *counters) get(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func testCapabilities(c *counters) *worker.Capabilities {
	return worker.NewCapabilities("Test").
		Register("echo", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			c.hit("echo")
			if len(args) == 0 {
				return nil, nil
			}
			return protocol.Succeeded(args[0]), nil
		}).
		Register("pair", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return protocol.Succeeded(1, "a"), nil
		}).
		Register("flaky", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			// Fails the first two calls overall
			if c.hit("flaky") <= 2 {
				return protocol.Failed("busy"), nil
			}
			return "recovered", nil
		}).
		Register("busy", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			c.hit("busy")
			return protocol.Failed("busy"), nil
		}).
		Register("reject", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			c.hit("reject")
			return protocol.Fatal("bad input"), nil
		}).
		Register("raise", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			c.hit("raise")
			return nil, errors.New("division by zero")
		}).
		Register("hang", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			c.hit("hang")
			<-ctx.Done()
			return nil, ctx.Err()
		})
}

func testConfig() Config {
	return Config{
		Label:           "test",
		Capabilities:    "Test",
		MaxAttempts:     3,
		RetryDelay:      5 * time.Millisecond,
		ResponseTimeout: 50 * time.Millisecond,
		MaxUses:         1000,
	}
}

func newEngine(t *testing.T, n int, cfg Config, opts ...Option) (*Engine, *procmgr.Manager, *counters) {
	t.Helper()
	c := &counters{calls: make(map[string]int)}
	m := procmgr.New(pool.New(n), procmgr.NewLocalLauncher(testCapabilities(c), nil),
		procmgr.Config{SpawnAttempts: 2, RetryDelay: 5 * time.Millisecond})
	if err := m.Initialize(context.Background(), n); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return New(m.Pool(), m, cfg, opts...), m, c
}

func pids(p *pool.Pool) map[int]bool {
	out := make(map[int]bool)
	for _, h := range p.Handles() {
		out[h.PID()] = true
	}
	return out
}

func totalUses(p *pool.Pool) int64 {
	var n int64
	for _, h := range p.Handles() {
		n += h.UseCount()
	}
	return n
}

func TestInvoke_Success(t *testing.T) {
	e, m, _ := newEngine(t, 2, testConfig())

	got, err := e.Invoke(context.Background(), "echo", []any{"hello"}, nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("Invoke() = %v, want hello", got)
	}
	if n := totalUses(m.Pool()); n != 1 {
		t.Errorf("total uses = %d, want 1", n)
	}
	if m.Pool().Size() != 2 || m.Pool().Idle() != 2 {
		t.Errorf("Size() = %d, Idle() = %d, want 2, 2", m.Pool().Size(), m.Pool().Idle())
	}
}

func TestInvoke_ResultShapes(t *testing.T) {
	e, _, _ := newEngine(t, 1, testConfig())

	tests := []struct {
		name   string
		method string
		args   []any
		want   any
	}{
		{"string", "echo", []any{"x"}, "x"},
		{"number decodes as float64", "echo", []any{42}, float64(42)},
		{"no payload", "echo", nil, nil},
		{"grouped payload", "pair", nil, []any{float64(1), "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Invoke(context.Background(), tt.method, tt.args, nil)
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Invoke() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestInvoke_TransientRetried(t *testing.T) {
	e, m, c := newEngine(t, 2, testConfig())
	before := pids(m.Pool())

	got, err := e.Invoke(context.Background(), "flaky", nil, nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got != "recovered" {
		t.Errorf("Invoke() = %v, want recovered", got)
	}
	if n := c.get("flaky"); n != 3 {
		t.Errorf("flaky calls = %d, want 3", n)
	}
	// Transient failures keep their workers
	after := pids(m.Pool())
	for pid := range before {
		if !after[pid] {
			t.Errorf("worker %d replaced after transient failure", pid)
		}
	}
	if n := totalUses(m.Pool()); n != 3 {
		t.Errorf("total uses = %d, want 3", n)
	}
}

func TestInvoke_TransientExhausted(t *testing.T) {
	e, _, c := newEngine(t, 2, testConfig())

	_, err := e.Invoke(context.Background(), "busy", nil, nil)

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Invoke() error = %v, want *CallError", err)
	}
	if callErr.Class != ClassTransient {
		t.Errorf("Class = %v, want transient", callErr.Class)
	}
	if callErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", callErr.Attempts)
	}
	if !errors.Is(err, ErrTransient) {
		t.Error("errors.Is(err, ErrTransient) = false")
	}
	if got, want := err.Error(), "VO=test transient error: busy"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if n := c.get("busy"); n != 3 {
		t.Errorf("busy calls = %d, want 3", n)
	}
}

func TestInvoke_RetryWarnings(t *testing.T) {
	tests := []struct {
		method   string
		attempts int
		warnings int
	}{
		{"busy", 1, 0},
		{"busy", 3, 2},
		{"reject", 3, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.method, tt.attempts), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxAttempts = tt.attempts
			var buf bytes.Buffer
			logger := logging.NewLogger(logging.LoggerConfig{Level: "debug", Output: &buf})
			e, _, _ := newEngine(t, 2, cfg, WithLogger(logger))

			if _, err := e.Invoke(context.Background(), tt.method, nil, nil); err == nil {
				t.Fatal("Invoke() error = nil")
			}
			if n := strings.Count(buf.String(), "Call attempt failed, retrying"); n != tt.warnings {
				t.Errorf("retry warnings = %d, want %d", n, tt.warnings)
			}
		})
	}
}

func TestInvoke_FatalNotRetried(t *testing.T) {
	tests := []struct {
		method string
		detail string
	}{
		{"reject", "bad input"},
		{"raise", "type=errors.errorString : Test.raise : division by zero"},
		{"missing", "type=AttributeNotFound : Test.missing : attribute not found: missing"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			e, m, c := newEngine(t, 2, testConfig())
			before := pids(m.Pool())

			_, err := e.Invoke(context.Background(), tt.method, nil, nil)

			var callErr *CallError
			if !errors.As(err, &callErr) {
				t.Fatalf("Invoke() error = %v, want *CallError", err)
			}
			if callErr.Class != ClassFatal || callErr.Attempts != 1 {
				t.Errorf("Class = %v, Attempts = %d, want fatal, 1", callErr.Class, callErr.Attempts)
			}
			if callErr.Detail != tt.detail {
				t.Errorf("Detail = %q, want %q", callErr.Detail, tt.detail)
			}
			if !errors.Is(err, ErrFatal) {
				t.Error("errors.Is(err, ErrFatal) = false")
			}
			if n := c.get(tt.method); tt.method != "missing" && n != 1 {
				t.Errorf("%s calls = %d, want 1", tt.method, n)
			}
			after := pids(m.Pool())
			for pid := range before {
				if !after[pid] {
					t.Errorf("worker %d replaced after fatal answer", pid)
				}
			}
		})
	}
}

func TestInvoke_TimeoutRecycles(t *testing.T) {
	e, m, c := newEngine(t, 3, testConfig())
	before := pids(m.Pool())
	events := m.Subscribe()

	// Sample the pool size while the call is running
	stop := make(chan struct{})
	sizes := make(chan []int, 1)
	go func() {
		var seen []int
		for {
			seen = append(seen, m.Pool().Size())
			select {
			case <-stop:
				sizes <- seen
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	_, err := e.Invoke(context.Background(), "hang", nil, nil)
	close(stop)

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Invoke() error = %v, want *CallError", err)
	}
	if callErr.Class != ClassTimeout || callErr.Attempts != 3 {
		t.Errorf("Class = %v, Attempts = %d, want timeout, 3", callErr.Class, callErr.Attempts)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}
	if want := "type=TimeoutError : Test.hang didn't return response for 50ms"; callErr.Detail != want {
		t.Errorf("Detail = %q, want %q", callErr.Detail, want)
	}
	if n := c.get("hang"); n != 3 {
		t.Errorf("hang calls = %d, want 3", n)
	}

	for _, n := range <-sizes {
		if n != 3 {
			t.Errorf("Size() during call = %d, want 3", n)
			break
		}
	}

	// Every attempt went to a different worker and each was replaced
	recycled := make(map[int]bool)
	for len(recycled) < 3 {
		select {
		case ev := <-events:
			if ev.Kind == procmgr.EventRecycled {
				if ev.Reason != ReasonTimeout {
					t.Errorf("worker %d recycled for %q, want %q", ev.PID, ev.Reason, ReasonTimeout)
				}
				recycled[ev.PID] = true
			}
		case <-time.After(time.Second):
			t.Fatalf("recycled workers = %d, want 3", len(recycled))
		}
	}
	for pid := range before {
		if !recycled[pid] {
			t.Errorf("worker %d was not recycled", pid)
		}
	}

	if m.Pool().Size() != 3 {
		t.Errorf("Size() = %d, want 3", m.Pool().Size())
	}
	for pid := range pids(m.Pool()) {
		if before[pid] {
			t.Errorf("timed out worker %d still in circulation", pid)
		}
	}
	for _, h := range m.Pool().Handles() {
		if h.UseCount() != 0 {
			t.Errorf("replacement %d UseCount() = %d, want 0", h.PID(), h.UseCount())
		}
	}

	// The replacements answer normally
	if got, err := e.Invoke(context.Background(), "echo", []any{"ok"}, nil); err != nil || got != "ok" {
		t.Errorf("Invoke() after recycle = %v, %v", got, err)
	}
}

func TestInvoke_CallerCancel(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 5 * time.Second
	e, m, _ := newEngine(t, 1, cfg)
	before := pids(m.Pool())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := e.Invoke(ctx, "hang", nil, nil)

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Invoke() error = %v, want *CallError", err)
	}
	if callErr.Class != ClassUnexpected || callErr.Attempts != 1 {
		t.Errorf("Class = %v, Attempts = %d, want unexpected, 1", callErr.Class, callErr.Attempts)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("errors.Is(err, context.Canceled) = false")
	}

	// The abandoned worker is replaced even though the caller left
	if m.Pool().Size() != 1 {
		t.Errorf("Size() = %d, want 1", m.Pool().Size())
	}
	for pid := range pids(m.Pool()) {
		if before[pid] {
			t.Errorf("abandoned worker %d still in circulation", pid)
		}
	}
}

func TestInvoke_MaxUsesRecycles(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUses = 2
	e, m, _ := newEngine(t, 1, cfg)
	events := m.Subscribe()
	first := m.Pool().Handles()[0].PID()

	for i := 0; i < 2; i++ {
		if _, err := e.Invoke(context.Background(), "echo", []any{i}, nil); err != nil {
			t.Fatalf("Invoke() #%d error = %v", i, err)
		}
	}
	if got := m.Pool().Handles()[0].PID(); got != first {
		t.Fatalf("worker replaced at use count 2, pid %d -> %d", first, got)
	}

	got, err := e.Invoke(context.Background(), "echo", []any{"third"}, nil)
	if err != nil || got != "third" {
		t.Fatalf("Invoke() = %v, %v, want third", got, err)
	}

	h := m.Pool().Handles()[0]
	if h.PID() == first {
		t.Error("worn out worker still in circulation")
	}
	if h.UseCount() != 0 {
		t.Errorf("replacement UseCount() = %d, want 0", h.UseCount())
	}

	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == procmgr.EventRecycled {
				if ev.PID != first || ev.Reason != ReasonMaxUses || ev.Uses != 3 {
					t.Errorf("recycle event = %+v", ev)
				}
				return
			}
		case <-timeout:
			t.Fatal("no recycle event")
		}
	}
}

func TestInvoke_ConcurrentKeepsPoolSize(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	e, m, _ := newEngine(t, 3, cfg)

	methods := []string{"echo", "busy", "reject", "hang", "echo"}
	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := methods[i%len(methods)]
			if _, err := e.Invoke(context.Background(), method, []any{i}, nil); err == nil {
				succeeded.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := succeeded.Load(); got != 12 {
		t.Errorf("succeeded = %d, want 12", got)
	}
	if m.Pool().Size() != 3 {
		t.Errorf("Size() = %d, want 3", m.Pool().Size())
	}
	if m.Pool().Idle() != 3 {
		t.Errorf("Idle() = %d, want 3", m.Pool().Idle())
	}
	for _, h := range m.Pool().Handles() {
		if !h.Process().Alive() {
			t.Errorf("worker %d in circulation but dead", h.PID())
		}
	}
}

func TestInvoke_ClosedPool(t *testing.T) {
	e, m, _ := newEngine(t, 1, testConfig())
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_, err := e.Invoke(context.Background(), "echo", []any{"x"}, nil)
	if !errors.Is(err, pool.ErrPoolClosed) {
		t.Errorf("Invoke() error = %v, want ErrPoolClosed", err)
	}
}

func TestInvoke_RateLimit(t *testing.T) {
	e, _, _ := newEngine(t, 1, testConfig(), WithRateLimit(20, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := e.Invoke(context.Background(), "echo", []any{i}, nil); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 calls at 20/s took %v, want at least 80ms", elapsed)
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []Class
	calls    []int
	recycles []string
}

func (r *fakeRecorder) ObserveAttempt(method string, class Class, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, class)
}

func (r *fakeRecorder) ObserveCall(method string, class Class, attempts int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, attempts)
}

func (r *fakeRecorder) ObserveRecycle(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recycles = append(r.recycles, reason)
}

func TestWithRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	e, _, _ := newEngine(t, 2, cfg, WithRecorder(rec))

	_, _ = e.Invoke(context.Background(), "echo", []any{"x"}, nil)
	_, _ = e.Invoke(context.Background(), "hang", nil, nil)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	wantAttempts := []Class{ClassSuccess, ClassTimeout, ClassTimeout}
	if fmt.Sprint(rec.attempts) != fmt.Sprint(wantAttempts) {
		t.Errorf("attempts = %v, want %v", rec.attempts, wantAttempts)
	}
	if fmt.Sprint(rec.calls) != "[1 2]" {
		t.Errorf("calls = %v, want [1 2]", rec.calls)
	}
	if fmt.Sprint(rec.recycles) != "[timeout timeout]" {
		t.Errorf("recycles = %v, want [timeout timeout]", rec.recycles)
	}
}

func TestStubs(t *testing.T) {
	e, _, _ := newEngine(t, 1, testConfig())

	echo := e.Method("echo")
	got, err := echo(context.Background(), []any{"via stub"}, nil)
	if err != nil || got != "via stub" {
		t.Errorf("Method(echo)() = %v, %v", got, err)
	}

	echoInt := Typed[int](e, "echo")
	n, err := echoInt(context.Background(), []any{7}, nil)
	if err != nil || n != 7 {
		t.Errorf("Typed[int]() = %v, %v, want 7", n, err)
	}

	type point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	echoPoint := Typed[point](e, "echo")
	p, err := echoPoint(context.Background(), []any{map[string]any{"x": 1.5, "y": -2}}, nil)
	if err != nil || p != (point{X: 1.5, Y: -2}) {
		t.Errorf("Typed[point]() = %+v, %v", p, err)
	}

	_, err = Typed[int](e, "echo")(context.Background(), []any{"not a number"}, nil)
	if err == nil {
		t.Error("Typed[int]() on a string result succeeded")
	}

	_, err = Typed[int](e, "reject")(context.Background(), nil, nil)
	if !errors.Is(err, ErrFatal) {
		t.Errorf("Typed[int]() error = %v, want ErrFatal", err)
	}
}

func TestClass(t *testing.T) {
	tests := []struct {
		class        Class
		name         string
		retryable    bool
		contaminates bool
		sentinel     error
	}{
		{ClassSuccess, "success", false, false, nil},
		{ClassTransient, "transient", true, false, ErrTransient},
		{ClassFatal, "fatal", false, false, ErrFatal},
		{ClassTimeout, "timeout", true, true, ErrTimeout},
		{ClassUnexpected, "unexpected", true, true, ErrUnexpected},
		{Class(42), "unknown", false, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.class.String(); got != tt.name {
				t.Errorf("String() = %v, want %v", got, tt.name)
			}
			if got := tt.class.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
			if got := tt.class.Contaminates(); got != tt.contaminates {
				t.Errorf("Contaminates() = %v, want %v", got, tt.contaminates)
			}
			if got := tt.class.Sentinel(); got != tt.sentinel {
				t.Errorf("Sentinel() = %v, want %v", got, tt.sentinel)
			}
		})
	}
}

func TestCallError(t *testing.T) {
	cause := context.DeadlineExceeded
	err := &CallError{
		Class:  ClassTimeout,
		Label:  "images",
		Method: "resize",
		Detail: "type=TimeoutError : Worker.resize didn't return response for 1s",
		Err:    cause,
	}

	if want := "VO=images timeout error: type=TimeoutError : Worker.resize didn't return response for 1s"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}
	if errors.Is(err, ErrFatal) {
		t.Error("errors.Is(err, ErrFatal) = true")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is(err, DeadlineExceeded) = false")
	}
	if got := protocol.ErrorKind(err); got != "CallError" {
		t.Errorf("ErrorKind() = %v, want CallError", got)
	}

	wrapped := fmt.Errorf("resize thumbnails: %w", err)
	var callErr *CallError
	if !errors.As(wrapped, &callErr) || callErr.Method != "resize" {
		t.Errorf("errors.As() = %+v", callErr)
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New(pool.New(1), nil, Config{Label: "x"})
	cfg := e.Config()
	def := DefaultConfig()

	if cfg.MaxAttempts != def.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", cfg.MaxAttempts, def.MaxAttempts)
	}
	if cfg.ResponseTimeout != def.ResponseTimeout {
		t.Errorf("ResponseTimeout = %v, want %v", cfg.ResponseTimeout, def.ResponseTimeout)
	}
	if cfg.MaxUses != def.MaxUses {
		t.Errorf("MaxUses = %d, want %d", cfg.MaxUses, def.MaxUses)
	}
	if cfg.Capabilities != "Worker" {
		t.Errorf("Capabilities = %v, want Worker", cfg.Capabilities)
	}
	if cfg.Label != "x" {
		t.Errorf("Label = %v, want x", cfg.Label)
	}
}
