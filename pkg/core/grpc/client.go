package grpc

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientConfig holds gRPC client configuration
type ClientConfig struct {
	Target            string
	MaxRecvMsgSize    int
	MaxSendMsgSize    int
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// DefaultClientConfig returns a default client configuration for a unix
// socket path
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		Target:            UnixTarget(socketPath),
		MaxRecvMsgSize:    64 * 1024 * 1024, // 64MB
		MaxSendMsgSize:    64 * 1024 * 1024, // 64MB
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// UnixTarget turns a socket path into a gRPC target
func UnixTarget(socketPath string) string {
	if strings.HasPrefix(socketPath, "unix:") {
		return socketPath
	}
	return "unix://" + socketPath
}

// Dial creates a new gRPC client connection. The connection is lazy;
// the first call establishes it.
func Dial(cfg ClientConfig, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(cfg.MaxSendMsgSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(
			ClientCallIDInterceptor(),
			ClientLoggingInterceptor(),
		),
	}

	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Target, err)
	}

	return conn, nil
}

// DialSocket creates a client connection to a unix socket with defaults
func DialSocket(socketPath string) (*grpc.ClientConn, error) {
	return Dial(DefaultClientConfig(socketPath))
}

// IsHealthy checks if the connection is in a usable state
func IsHealthy(conn *grpc.ClientConn) bool {
	state := conn.GetState()
	return state == connectivity.Ready || state == connectivity.Idle
}
