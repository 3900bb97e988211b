// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     protocol
// Description: Status codes and the two messages exchanged with workers
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package protocol

import (
	"github.com/google/uuid"
)

// StatusCode is the outcome of a worker method, shared by both sides of
// the channel. Values are part of the wire format.
type StatusCode int

const (
	StatusSucceeded StatusCode = 0
	StatusFailed    StatusCode = 1
	StatusFatal     StatusCode = 2
)

func (s StatusCode) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsValid reports whether s is one of the three defined codes
func (s StatusCode) IsValid() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusFatal
}

// Command asks a worker to run one method. A new Command is built for
// every call attempt; CallID must be echoed by the Response.
type Command struct {
	CallID string
	Method string
	Args   []any
	Kwargs map[string]any
}

// NewCommand creates a Command with a fresh call id
func NewCommand(method string, args []any, kwargs map[string]any) *Command {
	return &Command{
		CallID: uuid.NewString(),
		Method: method,
		Args:   args,
		Kwargs: kwargs,
	}
}

// Response carries the outcome of a Command. ReturnValue is meaningful
// when Status is StatusSucceeded, ErrorValue otherwise.
type Response struct {
	CallID      string
	Status      StatusCode
	ReturnValue any
	ErrorValue  any
}

// Succeeded builds an explicit success result for a worker method.
// With one value it becomes the return value; with more they are grouped.
func Succeeded(values ...any) []any {
	return append([]any{StatusSucceeded}, values...)
}

// Failed builds a transient failure result. The caller may retry on
// another worker.
func Failed(values ...any) []any {
	return append([]any{StatusFailed}, values...)
}

// Fatal builds a definitive failure result. The caller does not retry.
func Fatal(values ...any) []any {
	return append([]any{StatusFatal}, values...)
}
