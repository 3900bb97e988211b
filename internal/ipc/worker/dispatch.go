package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/msto63/ipcpool/internal/ipc/protocol"
	"github.com/msto63/ipcpool/internal/ipc/wire"
	"github.com/msto63/ipcpool/pkg/core/logging"
)

// AttributeError reports a command naming a method the capability set
// does not have
type AttributeError struct {
	Method string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("attribute not found: %s", e.Method)
}

// Kind implements protocol.Kinded
func (e *AttributeError) Kind() string { return "AttributeNotFound" }

// PanicError wraps a value recovered from a panicking method
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Kind implements protocol.Kinded
func (e *PanicError) Kind() string { return "Panic" }

// Dispatcher runs commands against a capability set
type Dispatcher struct {
	caps   *Capabilities
	logger *logging.Logger
}

// NewDispatcher creates a dispatcher for caps
func NewDispatcher(caps *Capabilities) *Dispatcher {
	return &Dispatcher{
		caps:   caps,
		logger: logging.New("worker").With("capabilities", caps.Name()),
	}
}

// Capabilities returns the dispatched capability set
func (d *Dispatcher) Capabilities() *Capabilities {
	return d.caps
}

// Dispatch runs one command and always produces a response; failures of
// the method never escape.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	start := time.Now()

	m, ok := d.caps.Lookup(cmd.Method)
	if !ok {
		d.logger.Warn("Unknown method", "method", cmd.Method, "call_id", cmd.CallID)
		return protocol.FatalResponse(cmd.CallID, d.caps.Name(), cmd.Method, &AttributeError{Method: cmd.Method})
	}

	ret, err := invoke(ctx, m, cmd)
	if err != nil {
		d.logger.Error("Method failed",
			"method", cmd.Method,
			"call_id", cmd.CallID,
			"kind", protocol.ErrorKind(err),
			"error", err,
		)
		return protocol.FatalResponse(cmd.CallID, d.caps.Name(), cmd.Method, err)
	}

	resp := protocol.Classify(cmd.CallID, ret)
	d.logger.Debug("Method completed",
		"method", cmd.Method,
		"call_id", cmd.CallID,
		"status", resp.Status.String(),
		"duration", time.Since(start),
	)
	return resp
}

func invoke(ctx context.Context, m Method, cmd *protocol.Command) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return m(ctx, cmd.Args, cmd.Kwargs)
}

// encode converts resp for the wire. A payload that cannot be encoded is
// replaced by a fatal response describing the failure.
func (d *Dispatcher) encode(cmd *protocol.Command, resp *protocol.Response) *structpb.Struct {
	msg, err := wire.ResponseToStruct(resp)
	if err == nil {
		return msg
	}

	d.logger.Error("Response not encodable", "method", cmd.Method, "call_id", cmd.CallID, "error", err)
	// A string error value always encodes
	msg, _ = wire.ResponseToStruct(protocol.FatalResponse(cmd.CallID, d.caps.Name(), cmd.Method, err))
	return msg
}

// handle decodes, dispatches and encodes one wire message
func (d *Dispatcher) handle(ctx context.Context, in *structpb.Struct) *structpb.Struct {
	cmd, err := wire.CommandFromStruct(in)
	if err != nil {
		callID := in.GetFields()["call_id"].GetStringValue()
		cmd = &protocol.Command{CallID: callID}
		return d.encode(cmd, protocol.FatalResponse(callID, d.caps.Name(), "", err))
	}
	return d.encode(cmd, d.Dispatch(ctx, cmd))
}
