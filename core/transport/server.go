package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServerConfig tunes inbound request handling.
type ServerConfig struct {
	// RateLimit is the sustained number of requests per second accepted by
	// the node. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Server exposes a Backend over gRPC.
type Server struct {
	grpc   *grpc.Server
	logger *zap.Logger
}

// NewServer registers backend on a new gRPC server. opts may add credentials
// or more interceptors; they run after the built-in ones.
func NewServer(backend Backend, cfg ServerConfig, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport")

	interceptors := []grpc.UnaryServerInterceptor{recoverInterceptor(logger)}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		interceptors = append(interceptors, rateLimitInterceptor(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}, opts...)

	s := grpc.NewServer(opts...)
	s.RegisterService(&ServiceDesc, backend)
	return &Server{grpc: s, logger: logger}
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server failed to serve: %w", err)
	}
	s.logger.Info("gRPC server stopped")
	return nil
}

// GracefulStop waits for pending RPCs to finish.
func (s *Server) GracefulStop() { s.grpc.GracefulStop() }

// Stop closes every connection immediately.
func (s *Server) Stop() { s.grpc.Stop() }

// rateLimitInterceptor sheds load with ResourceExhausted. Pings are exempt so
// a busy node is not reported as failed.
func rateLimitInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod != MethodPing && !limiter.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "%s rejected: request rate limit exceeded", info.FullMethod)
		}
		return handler(ctx, req)
	}
}

func recoverInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in gRPC handler",
					zap.String("method", info.FullMethod), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = status.Errorf(codes.Internal, "%s panicked: %v", info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}
