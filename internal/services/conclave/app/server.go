package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/conclave/internal/platform/timeouts"
)

// Config defines the listener settings.
type Config struct {
	HTTPAddr          string
	HealthAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the WebSocket handler and, when configured, the gRPC health
// endpoint.
type Server struct {
	listener        net.Listener
	httpServer      *http.Server
	health          *HealthServer
	shutdownTimeout time.Duration
}

// NewServer listens on the configured addresses.
func NewServer(config Config, handler http.Handler) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	server := &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		shutdownTimeout: config.ShutdownTimeout,
	}
	if healthAddr := strings.TrimSpace(config.HealthAddr); healthAddr != "" {
		health, err := NewHealthServer(healthAddr)
		if err != nil {
			_ = listener.Close()
			return nil, err
		}
		server.health = health
	}
	return server, nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HealthAddr returns the health listener address, or "" when disabled.
func (s *Server) HealthAddr() string {
	if s == nil || s.health == nil {
		return ""
	}
	return s.health.Addr()
}

// ListenAndServe serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("conclave server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 2)
	log.Printf("conclave server listening on %s", s.Addr())
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	if s.health != nil {
		log.Printf("conclave health listening on %s", s.health.Addr())
		go func() {
			if err := s.health.Serve(healthCtx); err != nil {
				serveErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// Close releases listeners.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
}
