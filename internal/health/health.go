// Package health provides liveness and readiness endpoints on a separate port.
//
// Docker and Kubernetes use /healthz to decide whether the daemon is alive
// and /readyz to decide whether to route traffic to it. Both report whether
// the TTS engine is loaded; only /readyz can depend on it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Server is a lightweight HTTP server that exposes /healthz and /readyz.
type Server struct {
	port       int
	ttsReady   func() bool
	requireTTS bool
	ready      atomic.Bool
	server     *http.Server
}

// New creates a new health check server. ttsReady must not block. When
// requireTTS is set, /readyz fails until the engine is loaded.
func New(port int, ttsReady func() bool, requireTTS bool) *Server {
	if ttsReady == nil {
		ttsReady = func() bool { return false }
	}
	return &Server{port: port, ttsReady: ttsReady, requireTTS: requireTTS}
}

// SetReady marks the daemon as ready to accept traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

type status struct {
	Status   string `json:"status"`
	TTSReady bool   `json:"tts_ready"`
}

// Handler returns the liveness and readiness routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.write(w, s.ready.Load())
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ok := s.ready.Load()
		if s.requireTTS && !s.ttsReady() {
			ok = false
		}
		s.write(w, ok)
	})

	return mux
}

func (s *Server) write(w http.ResponseWriter, ok bool) {
	body := status{Status: "ok", TTSReady: s.ttsReady()}
	code := http.StatusOK
	if !ok {
		body.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve answers probes on lis until the context is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("health server listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
