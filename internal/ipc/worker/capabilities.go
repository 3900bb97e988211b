// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     worker
// Description: Worker side of the call protocol: capability sets, dispatch
//              and the serve loops for both transports
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Method is a remotely callable function. It may return a bare value
// (implicit success) or a status-coded sequence built with
// protocol.Succeeded, protocol.Failed or protocol.Fatal. A returned error
// or a panic becomes a fatal response.
type Method func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Capabilities is the named set of methods a worker exposes
type Capabilities struct {
	mu      sync.RWMutex
	name    string
	methods map[string]Method
}

// NewCapabilities creates an empty capability set
func NewCapabilities(name string) *Capabilities {
	return &Capabilities{
		name:    name,
		methods: make(map[string]Method),
	}
}

// Name returns the capability set name used in error values
func (c *Capabilities) Name() string {
	return c.name
}

// Register adds a method. Registering the same name twice is a
// programming error and panics.
func (c *Capabilities) Register(name string, m Method) *Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.methods[name]; exists {
		panic(fmt.Sprintf("worker: method %s.%s registered twice", c.name, name))
	}
	c.methods[name] = m
	return c
}

// Lookup returns the method registered under name
func (c *Capabilities) Lookup(name string) (Method, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.methods[name]
	return m, ok
}

// Methods returns the registered method names in sorted order
func (c *Capabilities) Methods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
