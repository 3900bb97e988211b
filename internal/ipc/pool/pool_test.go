package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	pid int
}

func (p *fakeProcess) PID() int { return p.pid }
func (p *fakeProcess) Alive() bool { return true }
func (p *fakeProcess) Kill() error { return nil }

func newHandle(pid int) *Handle {
	return NewHandle(&fakeProcess{pid: pid}, nil)
}

func filledPool(t *testing.T, pids ...int) (*Pool, []*Handle) {
	t.Helper()
	p := New(len(pids))
	handles := make([]*Handle, 0, len(pids))
	for _, pid := range pids {
		h := newHandle(pid)
		if err := p.Add(h); err != nil {
			t.Fatalf("Add(%d) error = %v", pid, err)
		}
		handles = append(handles, h)
	}
	return p, handles
}

func TestHandle_UseCount(t *testing.T) {
	h := newHandle(7)
	if h.PID() != 7 {
		t.Errorf("PID() = %d, want 7", h.PID())
	}
	if h.UseCount() != 0 {
		t.Errorf("UseCount() = %d, want 0", h.UseCount())
	}
	if got := h.IncrementUses(); got != 1 {
		t.Errorf("IncrementUses() = %d, want 1", got)
	}
	if h.StartedAt().IsZero() {
		t.Error("StartedAt() is zero")
	}
}

func TestPool_FIFO(t *testing.T) {
	p, _ := filledPool(t, 1, 2, 3)
	ctx := context.Background()

	first, _ := p.Checkout(ctx)
	if first.PID() != 1 {
		t.Fatalf("first checkout pid = %d, want 1", first.PID())
	}
	if err := p.Return(first); err != nil {
		t.Fatalf("Return() error = %v", err)
	}

	var order []int
	for i := 0; i < 3; i++ {
		h, err := p.Checkout(ctx)
		if err != nil {
			t.Fatalf("Checkout() error = %v", err)
		}
		order = append(order, h.PID())
	}

	want := []int{2, 3, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("checkout order = %v, want %v", order, want)
			break
		}
	}
}

func TestPool_CheckoutBlocks(t *testing.T) {
	p, _ := filledPool(t, 1)
	h, _ := p.Checkout(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Checkout(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Checkout() on empty pool error = %v, want DeadlineExceeded", err)
	}

	got := make(chan *Handle, 1)
	go func() {
		h2, _ := p.Checkout(context.Background())
		got <- h2
	}()

	time.Sleep(10 * time.Millisecond)
	if err := p.Return(h); err != nil {
		t.Fatalf("Return() error = %v", err)
	}

	select {
	case h2 := <-got:
		if h2 != h {
			t.Error("blocked checkout received a different handle")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked checkout was not released by Return")
	}
}

func TestPool_Capacity(t *testing.T) {
	p, _ := filledPool(t, 1, 2)

	if p.Capacity() != 2 {
		t.Errorf("Capacity() = %d, want 2", p.Capacity())
	}
	if err := p.Add(newHandle(3)); !errors.Is(err, ErrPoolFull) {
		t.Errorf("Add() beyond capacity error = %v, want ErrPoolFull", err)
	}
	if err := p.Return(newHandle(4)); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Return(stranger) error = %v, want ErrUnknownHandle", err)
	}
}

func TestPool_Replace(t *testing.T) {
	p, handles := filledPool(t, 1, 2)
	old, _ := p.Checkout(context.Background())

	if p.Size() != 2 || p.CheckedOut() != 1 || p.Idle() != 1 {
		t.Fatalf("size/out/idle = %d/%d/%d, want 2/1/1", p.Size(), p.CheckedOut(), p.Idle())
	}

	repl := newHandle(10)
	if err := p.Replace(old, repl); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if p.Size() != 2 || p.CheckedOut() != 0 {
		t.Errorf("after Replace size/out = %d/%d, want 2/0", p.Size(), p.CheckedOut())
	}
	if p.Contains(handles[0]) {
		t.Error("replaced handle still in circulation")
	}
	if !p.Contains(repl) {
		t.Error("replacement not in circulation")
	}
	if err := p.Replace(old, newHandle(11)); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("second Replace() error = %v, want ErrUnknownHandle", err)
	}
}

func TestPool_Remove(t *testing.T) {
	p, _ := filledPool(t, 1, 2)
	h, _ := p.Checkout(context.Background())

	p.Remove(h)
	if p.Size() != 1 {
		t.Errorf("Size() = %d, want 1", p.Size())
	}
	if err := p.Add(newHandle(3)); err != nil {
		t.Errorf("Add() after Remove error = %v", err)
	}
}

func TestPool_Handles(t *testing.T) {
	p, _ := filledPool(t, 30, 10, 20)

	var pids []int
	for _, h := range p.Handles() {
		pids = append(pids, h.PID())
	}
	want := []int{10, 20, 30}
	for i := range want {
		if pids[i] != want[i] {
			t.Errorf("Handles() pids = %v, want %v", pids, want)
			break
		}
	}
}

func TestPool_Close(t *testing.T) {
	p, _ := filledPool(t, 1, 2)
	h, _ := p.Checkout(context.Background())

	p.Close()
	p.Close()

	if !p.Closed() {
		t.Error("Closed() = false after Close")
	}
	if _, err := p.Checkout(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Checkout() after Close error = %v, want ErrPoolClosed", err)
	}
	if err := p.Return(h); err != nil {
		t.Errorf("Return() after Close error = %v", err)
	}
}

func TestPool_Drain(t *testing.T) {
	p, _ := filledPool(t, 1, 2, 3)
	h, _ := p.Checkout(context.Background())
	p.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Return(h)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	drained, err := p.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(drained) != 3 {
		t.Errorf("Drain() returned %d handles, want 3", len(drained))
	}
}

func TestPool_DrainTimeout(t *testing.T) {
	p, _ := filledPool(t, 1, 2)
	_, _ = p.Checkout(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	drained, err := p.Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() error = %v, want DeadlineExceeded", err)
	}
	if len(drained) != 1 {
		t.Errorf("Drain() returned %d handles, want 1", len(drained))
	}
}

func TestPool_ConcurrentCirculation(t *testing.T) {
	p, _ := filledPool(t, 1, 2, 3)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := p.Checkout(context.Background())
				if err != nil {
					t.Errorf("Checkout() error = %v", err)
					return
				}
				if size := p.Size(); size != 3 {
					t.Errorf("Size() = %d during circulation, want 3", size)
				}
				h.IncrementUses()
				_ = p.Return(h)
			}
		}()
	}
	wg.Wait()

	var total int64
	for _, h := range p.Handles() {
		total += h.UseCount()
	}
	if total != 16*50 {
		t.Errorf("total uses = %d, want %d", total, 16*50)
	}
}
