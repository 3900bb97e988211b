package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/msto63/ipcpool/internal/ipc/protocol"
	"github.com/msto63/ipcpool/internal/ipc/wire"
	coregrpc "github.com/msto63/ipcpool/pkg/core/grpc"
)

// CallMethod is the full gRPC method name served by every worker
const CallMethod = "/ipcpool.Worker/Call"

// CallHandler is implemented by the worker side of the gRPC transport
type CallHandler interface {
	Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallHandler).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CallMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CallHandler).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc declares the single-method worker service. Messages are
// plain structpb.Struct values, so no generated code is involved.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "ipcpool.Worker",
	HandlerType: (*CallHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ipcpool/worker.proto",
}

// RegisterCallHandler registers h on s
func RegisterCallHandler(s grpc.ServiceRegistrar, h CallHandler) {
	s.RegisterService(&ServiceDesc, h)
}

// GRPC is an Endpoint backed by a client connection to one worker's
// unix socket
type GRPC struct {
	conn *grpc.ClientConn
}

// DialGRPC connects to the worker listening on socketPath
func DialGRPC(socketPath string) (*GRPC, error) {
	conn, err := coregrpc.DialSocket(socketPath)
	if err != nil {
		return nil, err
	}
	return &GRPC{conn: conn}, nil
}

// RoundTrip implements Endpoint. The worker must already be listening: a
// connection that cannot be (re)established fails at once with ErrBroken
// instead of waiting out the caller's deadline.
func (g *GRPC) RoundTrip(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	in, err := wire.CommandToStruct(cmd)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	ctx = coregrpc.WithCallID(ctx, cmd.CallID)
	if err := g.conn.Invoke(ctx, CallMethod, in, out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if status.Code(err) == codes.Unavailable {
			return nil, fmt.Errorf("call %s: %w: %w", cmd.Method, ErrBroken, err)
		}
		return nil, fmt.Errorf("call %s: %w", cmd.Method, err)
	}

	resp, err := wire.ResponseFromStruct(out)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", cmd.Method, err)
	}
	if err := wire.CheckCallID(cmd, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ready reports whether the connection is usable
func (g *GRPC) Ready() bool {
	return coregrpc.IsHealthy(g.conn)
}

// Close closes the client connection
func (g *GRPC) Close() error {
	return g.conn.Close()
}
