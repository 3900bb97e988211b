// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     pool
// Description: Worker handles and the bounded FIFO pool they circulate in
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package pool

import (
	"sync/atomic"
	"time"

	"github.com/msto63/ipcpool/internal/ipc/transport"
)

// Process controls the worker behind a handle
type Process interface {
	PID() int
	Alive() bool
	// Kill terminates the worker and reaps it. Errors are informational;
	// the worker is gone either way.
	Kill() error
}

// Handle pairs a worker process with the controller's end of its private
// channel. Between checkout and return it belongs to exactly one caller.
type Handle struct {
	proc      Process
	endpoint  transport.Endpoint
	useCount  atomic.Int64
	startedAt time.Time
}

// NewHandle creates a handle with a use count of zero
func NewHandle(proc Process, endpoint transport.Endpoint) *Handle {
	return &Handle{
		proc:      proc,
		endpoint:  endpoint,
		startedAt: time.Now(),
	}
}

// PID returns the worker's process id
func (h *Handle) PID() int {
	return h.proc.PID()
}

// Process returns the worker process
func (h *Handle) Process() Process {
	return h.proc
}

// Endpoint returns the channel endpoint
func (h *Handle) Endpoint() transport.Endpoint {
	return h.endpoint
}

// UseCount returns the number of completed calls
func (h *Handle) UseCount() int64 {
	return h.useCount.Load()
}

// IncrementUses records one completed call and returns the new count
func (h *Handle) IncrementUses() int64 {
	return h.useCount.Add(1)
}

// StartedAt returns when the handle was created
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}
