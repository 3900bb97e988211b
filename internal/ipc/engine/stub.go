package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Stub calls one worker method as if it were local
type Stub func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Method returns a stub bound to method name
func (e *Engine) Method(name string) Stub {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return e.Invoke(ctx, name, args, kwargs)
	}
}

// Typed returns a stub whose result is decoded into T. Values arrive in
// their generic wire shape (numbers as float64, objects as maps) and are
// converted through their JSON form.
func Typed[T any](e *Engine, name string) func(ctx context.Context, args []any, kwargs map[string]any) (T, error) {
	return func(ctx context.Context, args []any, kwargs map[string]any) (T, error) {
		var out T
		v, err := e.Invoke(ctx, name, args, kwargs)
		if err != nil {
			return out, err
		}
		if err := Decode(v, &out); err != nil {
			return out, fmt.Errorf("decode result of %s: %w", name, err)
		}
		return out, nil
	}
}

// Decode converts a generic result value into out
func Decode(v any, out any) error {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
