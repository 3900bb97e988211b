// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     transport
// Description: Controller-side channel endpoints for talking to one worker
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package transport

import (
	"context"
	"errors"

	"github.com/msto63/ipcpool/internal/ipc/protocol"
)

var (
	// ErrClosed is returned by RoundTrip after Close
	ErrClosed = errors.New("endpoint closed")

	// ErrBroken is returned when an earlier round trip was abandoned
	// mid-flight and the channel can no longer be trusted
	ErrBroken = errors.New("endpoint broken by abandoned call")
)

// Endpoint is the controller's exclusive end of a worker channel. One
// command is in flight at a time; callers serialize through the pool.
type Endpoint interface {
	// RoundTrip sends cmd and waits for the matching response. A ctx
	// deadline abandons the wait and leaves the endpoint broken.
	RoundTrip(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error)

	// Close releases the channel. It does not stop the worker process.
	Close() error
}
