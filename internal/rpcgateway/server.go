package rpcgateway

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/hanlabs/hookd/internal/coordinator"
	"github.com/hanlabs/hookd/internal/logging"
	"github.com/hanlabs/hookd/internal/slot"
	"github.com/hanlabs/hookd/internal/store"
)

// Server owns the listening *grpc.Server registered with the
// hand-written ServiceDesc.
type Server struct {
	gateway *Gateway
	server  *grpc.Server
}

// NewServer constructs a Server wrapping the given components; it does
// not start listening until Start is called.
func NewServer(coord *coordinator.Coordinator, st store.Store, slots *slot.Manager) *Server {
	return &Server{gateway: NewGateway(coord, st, slots)}
}

// Start binds addr and serves in a background goroutine.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcgateway: listen: %w", err)
	}

	s.server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor, errorHandlingInterceptor),
		grpc.ChainStreamInterceptor(streamLoggingInterceptor),
	)
	s.server.RegisterService(&ServiceDesc, s.gateway)

	logging.Op().Info("rpc gateway started", "addr", addr)

	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("rpc gateway stopped serving", "error", err)
		}
	}()

	return nil
}

// Stop gracefully drains in-flight RPCs before returning.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// loggingInterceptor logs every unary call's outcome and duration.
func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)
	if err != nil {
		logging.Op().Error("rpc call failed", "method", info.FullMethod, "duration", duration, "error", err)
	} else {
		logging.Op().Debug("rpc call completed", "method", info.FullMethod, "duration", duration)
	}
	return resp, err
}

// errorHandlingInterceptor is a no-op pass-through today: Gateway's
// methods already translate domain errors to grpc/status codes
// themselves, so there is nothing left to normalize here. Kept as a
// distinct interceptor stage so a future cross-cutting error policy
// (e.g. redacting internal error strings from unauthenticated
// callers) has a single place to land.
func errorHandlingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(ctx, req)
}

// streamLoggingInterceptor mirrors loggingInterceptor for the
// ExecuteHooks stream, logging once the stream has fully drained.
func streamLoggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	duration := time.Since(start)
	if err != nil {
		logging.Op().Error("rpc stream failed", "method", info.FullMethod, "duration", duration, "error", err)
	} else {
		logging.Op().Debug("rpc stream completed", "method", info.FullMethod, "duration", duration)
	}
	return err
}
