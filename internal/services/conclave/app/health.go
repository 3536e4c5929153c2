package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service reported by the health endpoint.
const HealthServiceName = "conclave.v1.Live"

// HealthServer exposes the standard gRPC health service.
type HealthServer struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
}

// NewHealthServer listens on addr and reports SERVING.
func NewHealthServer(addr string) (*HealthServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return &HealthServer{listener: listener, grpcServer: grpcServer, health: healthServer}, nil
}

// Addr returns the listener address.
func (s *HealthServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs until ctx ends.
func (s *HealthServer) Serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC health: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC health: %w", err)
	}
}

// Close stops the server immediately.
func (s *HealthServer) Close() {
	s.health.Shutdown()
	s.grpcServer.Stop()
}
