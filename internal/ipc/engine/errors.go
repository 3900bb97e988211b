// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     engine
// Description: Call engine: checkout, round trip, classify, retry, recycle
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package engine

import (
	"errors"
	"fmt"
)

// Class is the outcome category of one call attempt. It decides whether
// the call is retried and whether the worker is recycled.
type Class int

const (
	ClassSuccess Class = iota
	// ClassTransient: the worker answered Failed. Retried, worker kept.
	ClassTransient
	// ClassFatal: the worker answered Fatal. Not retried, worker kept.
	ClassFatal
	// ClassTimeout: no answer within the response timeout. Retried,
	// worker recycled.
	ClassTimeout
	// ClassUnexpected: the channel failed locally. Retried, worker
	// recycled.
	ClassUnexpected
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassTimeout:
		return "timeout"
	case ClassUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may follow
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout || c == ClassUnexpected
}

// Contaminates reports whether the worker must not be used again
func (c Class) Contaminates() bool {
	return c == ClassTimeout || c == ClassUnexpected
}

// Sentinel errors, one per failure class, for errors.Is
var (
	ErrTransient  = errors.New("transient failure")
	ErrFatal      = errors.New("fatal failure")
	ErrTimeout    = errors.New("worker timeout")
	ErrUnexpected = errors.New("unexpected local failure")
)

// Sentinel returns the error matched by a CallError of this class
func (c Class) Sentinel() error {
	switch c {
	case ClassTransient:
		return ErrTransient
	case ClassFatal:
		return ErrFatal
	case ClassTimeout:
		return ErrTimeout
	case ClassUnexpected:
		return ErrUnexpected
	default:
		return nil
	}
}

// CallError is the terminal failure of an invocation
type CallError struct {
	Class  Class
	Label  string
	Method string
	// Detail is the worker's error value rendered as text, or for local
	// failures "type=<kind> : <capabilities>.<method> <message>"
	Detail string
	// ErrorValue is the worker's error value as received
	ErrorValue any
	Attempts   int
	// Err is the local cause for timeout and unexpected failures
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("VO=%s %s error: %s", e.Label, e.Class, e.Detail)
}

// Is matches the sentinel of the error's class
func (e *CallError) Is(target error) bool {
	s := e.Class.Sentinel()
	return s != nil && target == s
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Kind implements protocol.Kinded so a CallError raised inside a worker
// method keeps a readable kind
func (e *CallError) Kind() string {
	return "CallError"
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
