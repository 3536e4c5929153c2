// Package grpc holds gRPC client helpers shared by conclave commands.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const maxHealthBackoff = time.Second

// WaitForHealth blocks until service reports SERVING or ctx ends. An empty
// service checks the server as a whole.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return errors.New("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 100 * time.Millisecond
	var last string
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		switch {
		case err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING:
			return nil
		case err != nil:
			last = err.Error()
		default:
			last = "status " + response.GetStatus().String()
		}
		if logf != nil {
			logf("waiting for gRPC health service=%q: %s", service, last)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health (%s): %w", last, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxHealthBackoff)
	}
}

// Probe dials addr and waits up to timeout for service to report SERVING.
// A listen address without a host, such as ":8091", is probed on loopback.
func Probe(ctx context.Context, addr, service string, timeout time.Duration) error {
	target, err := ProbeTarget(addr)
	if err != nil {
		return err
	}
	conn, err := gogrpc.NewClient(target,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return WaitForHealth(ctx, conn, service, nil)
}

// ProbeTarget turns a listen address into a dialable one.
func ProbeTarget(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("health address is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse health address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}
