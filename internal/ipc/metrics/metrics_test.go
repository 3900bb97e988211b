package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msto63/ipcpool/internal/ipc/engine"
	"github.com/msto63/ipcpool/internal/ipc/pool"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics error = %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics error = %v", err)
	}
	return string(body)
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, "images")

	var rec engine.Recorder = c
	rec.ObserveAttempt("resize", engine.ClassTimeout, 2*time.Second)
	rec.ObserveAttempt("resize", engine.ClassSuccess, 10*time.Millisecond)
	rec.ObserveCall("resize", engine.ClassSuccess, 2, 2*time.Second)
	rec.ObserveRecycle(engine.ReasonTimeout)

	body := scrape(t, reg)

	tests := []string{
		`ipcpool_attempts_total{class="timeout",method="resize",vo="images"} 1`,
		`ipcpool_attempts_total{class="success",method="resize",vo="images"} 1`,
		`ipcpool_calls_total{class="success",method="resize",vo="images"} 1`,
		`ipcpool_recycles_total{reason="timeout",vo="images"} 1`,
		`ipcpool_call_attempts_sum{vo="images"} 2`,
		`ipcpool_attempt_duration_seconds_count{method="resize",vo="images"} 2`,
	}
	for _, want := range tests {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRegisterPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := pool.New(3)
	RegisterPool(reg, "images", p)

	for i := 0; i < 2; i++ {
		if err := p.Add(pool.NewHandle(fakeProcess(i+1), nil)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if _, err := p.Checkout(context.Background()); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	body := scrape(t, reg)

	tests := []string{
		`ipcpool_pool_capacity{vo="images"} 3`,
		`ipcpool_pool_workers{vo="images"} 2`,
		`ipcpool_pool_idle{vo="images"} 1`,
		`ipcpool_pool_checked_out{vo="images"} 1`,
	}
	for _, want := range tests {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg, "a")

	defer func() {
		if recover() == nil {
			t.Error("second NewCollector() on the same registry did not panic")
		}
	}()
	NewCollector(reg, "a")
}

type fakeProcess int

func (p fakeProcess) PID() int { return int(p) }

func (p fakeProcess) Alive() bool { return true }

func (p fakeProcess) Kill() error { return nil }
