// Package grpc implements the gRPC transport for whiterabbit.
//
// It serves the standard grpc.health.v1 service so that orchestrators and
// sidecars can probe the daemon over gRPC. The overall service ("") is
// SERVING while the server runs; ServiceName follows the TTS engine.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reporting TTS engine readiness.
const ServiceName = "whiterabbit.tts"

// Transport implements transport.Transport over gRPC.
type Transport struct {
	port   int
	health *health.Server
	logger *slog.Logger

	mu     sync.Mutex
	server *grpc.Server
}

// New creates a new gRPC transport on the given port. The TTS service starts
// as NOT_SERVING until SetReady(true).
func New(port int, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Transport{
		port:   port,
		health: hs,
		logger: logger.With("component", "grpc"),
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "grpc" }

// SetReady reports whether the TTS engine is loaded.
func (t *Transport) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	t.health.SetServingStatus(ServiceName, status)
}

// Listen starts the gRPC server. It blocks until the context is cancelled.
func (t *Transport) Listen(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return t.Serve(ctx, lis)
}

// Serve accepts connections on lis until the context is cancelled.
func (t *Transport) Serve(ctx context.Context, lis net.Listener) error {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, t.health)
	reflection.Register(server)

	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	t.logger.Info("grpc transport listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		t.logger.Info("grpc transport shutting down")
		t.health.Shutdown()
		server.GracefulStop()
	}()

	if err := server.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Close gracefully stops the gRPC server.
func (t *Transport) Close() error {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server != nil {
		t.health.Shutdown()
		server.GracefulStop()
	}
	return nil
}
