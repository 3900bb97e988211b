// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     builtin
// Description: Capability set served by the ipcpool worker command
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package builtin

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/msto63/ipcpool/internal/ipc/protocol"
	"github.com/msto63/ipcpool/internal/ipc/worker"
)

// Name is the capability set name shown in error details
const Name = "Builtin"

// exit is replaced in tests
var exit = os.Exit

// Capabilities returns the built-in methods:
//
//	echo(values...)       returns its arguments (one value unwrapped)
//	add(numbers...)       returns the sum
//	pid()                 returns the worker's process id
//	env(name)             returns an environment variable of the worker
//	sleep(seconds)        sleeps, then returns the seconds slept
//	fail(message)         answers with a transient failure
//	fatal(message)        answers with a definitive failure
//	raise(message)        returns an error from the method
//	flaky(probability)    fails transiently with the given probability
//	crash(code)           exits the worker process without answering
func Capabilities() *worker.Capabilities {
	return worker.NewCapabilities(Name).
		Register("echo", echo).
		Register("add", add).
		Register("pid", pid).
		Register("env", env).
		Register("sleep", sleep).
		Register("fail", fail).
		Register("fatal", fatal).
		Register("raise", raise).
		Register("flaky", flaky).
		Register("crash", crash)
}

func echo(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	switch len(args) {
	case 0:
		return protocol.StatusSucceeded, nil
	case 1:
		return args[0], nil
	default:
		return args, nil
	}
}

func add(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var sum float64
	for i, a := range args {
		n, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("argument %d: %v is not a number", i, a)
		}
		sum += n
	}
	return sum, nil
}

func pid(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return os.Getpid(), nil
}

func env(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	name, err := stringArg(args, kwargs, "name")
	if err != nil {
		return nil, err
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return protocol.Failed(fmt.Sprintf("%s not set", name)), nil
	}
	return v, nil
}

func sleep(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	seconds, err := numberArg(args, kwargs, "seconds")
	if err != nil {
		return nil, err
	}

	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return seconds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	msg, _ := stringArg(args, kwargs, "message")
	return protocol.Failed(msg), nil
}

func fatal(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	msg, _ := stringArg(args, kwargs, "message")
	return protocol.Fatal(msg), nil
}

func raise(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	msg, _ := stringArg(args, kwargs, "message")
	if msg == "" {
		msg = "raised on request"
	}
	return nil, errors.New(msg)
}

func flaky(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	p, err := numberArg(args, kwargs, "probability")
	if err != nil {
		return nil, err
	}
	if rand.Float64() < p {
		return protocol.Failed("unlucky"), nil
	}
	return "ok", nil
}

func crash(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	code, err := numberArg(args, kwargs, "code")
	if err != nil {
		code = 1
	}
	exit(int(code))
	return nil, nil
}

// stringArg returns the first positional argument or the named one
func stringArg(args []any, kwargs map[string]any, name string) (string, error) {
	v, ok := arg(args, kwargs, name)
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q: %v is not a string", name, v)
	}
	return s, nil
}

func numberArg(args []any, kwargs map[string]any, name string) (float64, error) {
	v, ok := arg(args, kwargs, name)
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("argument %q: %v is not a number", name, v)
	}
	return n, nil
}

func arg(args []any, kwargs map[string]any, name string) (any, bool) {
	if v, ok := kwargs[name]; ok {
		return v, true
	}
	if len(args) > 0 {
		return args[0], true
	}
	return nil, false
}
