// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     wire
// Description: Conversion of Command/Response to protobuf Struct messages
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/msto63/ipcpool/internal/ipc/protocol"
)

// Field names of the two record shapes
const (
	fieldCallID = "call_id"
	fieldMethod = "method"
	fieldArgs   = "args"
	fieldKwargs = "kwargs"
	fieldStatus = "status"
	fieldReturn = "return"
	fieldError  = "error"
)

var (
	// ErrMalformed is returned when a decoded message lacks required fields
	ErrMalformed = errors.New("malformed message")

	// ErrStaleResponse is returned when a response answers a different call
	ErrStaleResponse = errors.New("stale response")
)

// CommandToStruct converts a Command into its wire representation
func CommandToStruct(cmd *protocol.Command) (*structpb.Struct, error) {
	args, err := toList(cmd.Args)
	if err != nil {
		return nil, fmt.Errorf("encode args of %s: %w", cmd.Method, err)
	}
	kwargs, err := toStruct(cmd.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode kwargs of %s: %w", cmd.Method, err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldCallID: structpb.NewStringValue(cmd.CallID),
		fieldMethod: structpb.NewStringValue(cmd.Method),
		fieldArgs:   structpb.NewListValue(args),
		fieldKwargs: structpb.NewStructValue(kwargs),
	}}, nil
}

// CommandFromStruct converts a wire message back into a Command
func CommandFromStruct(s *structpb.Struct) (*protocol.Command, error) {
	fields := s.GetFields()
	method, ok := fields[fieldMethod]
	if !ok {
		return nil, fmt.Errorf("%w: command without method", ErrMalformed)
	}

	cmd := &protocol.Command{
		CallID: fields[fieldCallID].GetStringValue(),
		Method: method.GetStringValue(),
	}
	if list := fields[fieldArgs].GetListValue(); list != nil {
		cmd.Args = list.AsSlice()
	}
	if kw := fields[fieldKwargs].GetStructValue(); kw != nil && len(kw.GetFields()) > 0 {
		cmd.Kwargs = kw.AsMap()
	}
	return cmd, nil
}

// ResponseToStruct converts a Response into its wire representation
func ResponseToStruct(resp *protocol.Response) (*structpb.Struct, error) {
	ret, err := toValue(resp.ReturnValue)
	if err != nil {
		return nil, fmt.Errorf("encode return value: %w", err)
	}
	errVal, err := toValue(resp.ErrorValue)
	if err != nil {
		return nil, fmt.Errorf("encode error value: %w", err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldCallID: structpb.NewStringValue(resp.CallID),
		fieldStatus: structpb.NewNumberValue(float64(resp.Status)),
		fieldReturn: ret,
		fieldError:  errVal,
	}}, nil
}

// ResponseFromStruct converts a wire message back into a Response
func ResponseFromStruct(s *structpb.Struct) (*protocol.Response, error) {
	fields := s.GetFields()
	status, ok := fields[fieldStatus]
	if !ok {
		return nil, fmt.Errorf("%w: response without status", ErrMalformed)
	}

	code := protocol.StatusCode(int(status.GetNumberValue()))
	if !code.IsValid() {
		return nil, fmt.Errorf("%w: unknown status code %v", ErrMalformed, status.GetNumberValue())
	}

	return &protocol.Response{
		CallID:      fields[fieldCallID].GetStringValue(),
		Status:      code,
		ReturnValue: fields[fieldReturn].AsInterface(),
		ErrorValue:  fields[fieldError].AsInterface(),
	}, nil
}

// CheckCallID verifies that resp answers cmd
func CheckCallID(cmd *protocol.Command, resp *protocol.Response) error {
	if resp.CallID != cmd.CallID {
		return fmt.Errorf("%w: got %q, want %q", ErrStaleResponse, resp.CallID, cmd.CallID)
	}
	return nil
}

func toList(values []any) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(values))}
	for _, v := range values {
		pv, err := toValue(v)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, pv)
	}
	return list, nil
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		pv, err := toValue(v)
		if err != nil {
			return nil, err
		}
		s.Fields[k] = pv
	}
	return s, nil
}

// toValue converts an opaque value. Types structpb does not know natively
// (typed slices, structs, typed maps) take a detour through their JSON
// form; the receiving side sees the generic JSON shape.
func toValue(v any) (*structpb.Value, error) {
	switch x := v.(type) {
	case protocol.StatusCode:
		return structpb.NewNumberValue(float64(x)), nil
	case []any:
		list, err := toList(x)
		if err != nil {
			return nil, err
		}
		return structpb.NewListValue(list), nil
	case map[string]any:
		s, err := toStruct(x)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	}

	if pv, err := structpb.NewValue(v); err == nil {
		return pv, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported value of type %T: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("unsupported value of type %T: %w", v, err)
	}
	return structpb.NewValue(generic)
}
