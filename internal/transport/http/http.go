// Package http implements the HTTP transport for whiterabbit.
//
// It exposes the text-to-speech API used by the web client, serves the
// cached audio files, and carries the metrics and API documentation routes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/afero"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/whiterabbit/internal/audio"
	"github.com/nadzzz/whiterabbit/internal/cache"
	"github.com/nadzzz/whiterabbit/internal/message"
	"github.com/nadzzz/whiterabbit/internal/speech"
)

const maxBodyBytes = 1 << 20

// Speech is the generation service behind the API.
type Speech interface {
	Generate(ctx context.Context, req speech.Request) (*speech.Result, error)
	Warmup(ctx context.Context) error
	Reset() bool
	Ready() bool
	Status() speech.Status
}

// Options configures the routes beyond the API itself.
type Options struct {
	// AudioFs and AudioDir locate the cache directory served under AudioURLPrefix.
	AudioFs        afero.Fs
	AudioDir       string
	AudioURLPrefix string

	// AllowedOrigins are the browser origins allowed by CORS.
	AllowedOrigins []string

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Logger *slog.Logger
}

// Transport implements transport.Transport over HTTP.
type Transport struct {
	port   int
	svc    Speech
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// New creates a new HTTP transport on the given port.
func New(port int, svc Speech, opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.AudioURLPrefix = "/" + strings.Trim(opts.AudioURLPrefix, "/")
	return &Transport{
		port:   port,
		svc:    svc,
		opts:   opts,
		logger: logger.With("component", "http"),
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "http" }

// Handler builds the routed, CORS- and logging-wrapped handler.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tts", t.handleTTS)
	mux.HandleFunc("POST /api/tts/warmup", t.handleWarmup)
	mux.HandleFunc("GET /api/tts/status", t.handleStatus)
	mux.HandleFunc("GET /health", t.handleHealth)

	if t.opts.AudioFs != nil {
		mux.HandleFunc("GET "+t.opts.AudioURLPrefix+"/{file}", t.handleAudio)
	}
	if t.opts.Metrics != nil {
		mux.Handle("GET /metrics", t.opts.Metrics)
	}

	// Swagger UI serving the generated OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	c := cors.New(cors.Options{
		AllowedOrigins:   t.opts.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{requestIDHeader},
	})
	return t.logRequests(c.Handler(mux))
}

// Listen starts the HTTP server. It blocks until the context is cancelled.
func (t *Transport) Listen(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return t.Serve(ctx, lis)
}

// Serve accepts connections on lis until the context is cancelled.
func (t *Transport) Serve(ctx context.Context, lis net.Listener) error {
	server := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	t.logger.Info("http transport listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		t.logger.Info("http transport shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Close gracefully shuts down the HTTP server.
func (t *Transport) Close() error {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// handleTTS processes a POST /api/tts request.
//
// @Summary     Generate speech audio
// @Description Returns the URL of a WAV file speaking the given text. Identical text and voice
// @Description reuse the cached file; otherwise the audio is synthesized first.
// @Tags        text-to-speech
// @Accept      json
// @Produce     json
// @Param       request  body      message.TTSRequest     true  "Text to speak"
// @Success     200      {object}  message.TTSResponse    "Audio location"
// @Failure     400      {object}  message.ErrorResponse  "Text too long"
// @Failure     422      {object}  message.ErrorResponse  "Invalid request body"
// @Failure     500      {object}  message.ErrorResponse  "Generation failed"
// @Failure     503      {object}  message.ErrorResponse  "Model not ready"
// @Router      /api/tts [post]
func (t *Transport) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req message.TTSRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			t.writeError(w, r, http.StatusRequestEntityTooLarge, "RequestTooLarge",
				"request body too large", nil)
			return
		}
		t.writeError(w, r, http.StatusUnprocessableEntity, "ValidationError",
			"invalid request body", []message.FieldError{{Field: "body", Message: err.Error()}})
		return
	}

	if fields := validateTTS(req); len(fields) > 0 {
		t.writeError(w, r, http.StatusUnprocessableEntity, "ValidationError",
			"request validation failed", fields)
		return
	}

	res, err := t.svc.Generate(r.Context(), speech.Request{
		Text:      req.Text,
		Voice:     req.VoiceID,
		MysteryID: req.MysteryID,
		RequestID: requestID(r.Context()),
	})
	if err != nil {
		t.writeSpeechError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, message.TTSResponse{AudioURL: res.AudioURL, Cached: res.Cached})
}

func validateTTS(req message.TTSRequest) []message.FieldError {
	var fields []message.FieldError
	if strings.TrimSpace(req.MysteryID) == "" {
		fields = append(fields, message.FieldError{Field: "mystery_id", Message: "field required"})
	}
	if strings.TrimSpace(req.Text) == "" {
		fields = append(fields, message.FieldError{Field: "text", Message: "text must not be empty"})
	}
	return fields
}

// writeSpeechError maps the speech error taxonomy onto HTTP responses.
func (t *Transport) writeSpeechError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLong *speech.TextTooLongError
	switch {
	case errors.As(err, &tooLong):
		t.writeError(w, r, http.StatusBadRequest, "TextTooLongError", tooLong.Error(),
			message.TextTooLongDetails{Length: tooLong.Length, Max: tooLong.Max})
	case errors.Is(err, speech.ErrEmptyText):
		t.writeError(w, r, http.StatusUnprocessableEntity, "ValidationError", "request validation failed",
			[]message.FieldError{{Field: "text", Message: "text must not be empty"}})
	case errors.Is(err, speech.ErrModelNotReady):
		w.Header().Set("Retry-After", "5")
		t.writeError(w, r, http.StatusServiceUnavailable, "TTSModelNotReadyError",
			"TTS model is not ready, try again shortly", nil)
	case errors.Is(err, speech.ErrGenerationFailed):
		t.writeError(w, r, http.StatusInternalServerError, "TTSGenerationError",
			"failed to generate audio", nil)
	default:
		t.logger.Error("unexpected tts error", "error", err)
		t.writeError(w, r, http.StatusInternalServerError, "InternalServerError",
			"an unexpected error occurred", nil)
	}
}

// handleWarmup processes a POST /api/tts/warmup request.
//
// @Summary     Load the TTS model
// @Description Loads the speech engine ahead of the first request. A previously failed load is retried.
// @Tags        text-to-speech
// @Produce     json
// @Success     200  {object}  message.WarmupResponse  "Model ready"
// @Failure     503  {object}  message.ErrorResponse   "Model failed to load"
// @Router      /api/tts/warmup [post]
func (t *Transport) handleWarmup(w http.ResponseWriter, r *http.Request) {
	t.svc.Reset()
	if err := t.svc.Warmup(r.Context()); err != nil {
		t.writeError(w, r, http.StatusServiceUnavailable, "TTSModelNotReadyError",
			"TTS model failed to load", nil)
		return
	}
	st := t.svc.Status()
	writeJSON(w, http.StatusOK, message.WarmupResponse{Ready: st.Ready, State: st.State})
}

// handleStatus processes a GET /api/tts/status request.
//
// @Summary     TTS subsystem status
// @Tags        text-to-speech
// @Produce     json
// @Success     200  {object}  message.StatusResponse
// @Router      /api/tts/status [get]
func (t *Transport) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := t.svc.Status()
	writeJSON(w, http.StatusOK, message.StatusResponse{
		Ready:     st.Ready,
		State:     st.State,
		LastError: st.LastError,
		Workers:   st.Workers,
	})
}

// handleHealth processes a GET /health request. The process is healthy as
// long as it answers; tts_ready reports the engine without loading it.
//
// @Summary     Health check
// @Tags        health
// @Produce     json
// @Success     200  {object}  map[string]any
// @Router      /health [get]
func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tts_ready": t.svc.Ready()})
}

// handleAudio serves one cached audio file. Only published entries are
// reachable: temp files and directory listings are not.
func (t *Transport) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if path.Ext(name) != audio.Extension || !cache.ValidKey(strings.TrimSuffix(name, audio.Extension)) {
		t.writeError(w, r, http.StatusNotFound, "NotFound", "audio not found", nil)
		return
	}

	f, err := t.opts.AudioFs.Open(path.Join(t.opts.AudioDir, name))
	if err != nil {
		t.writeError(w, r, http.StatusNotFound, "NotFound", "audio not found", nil)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		t.writeError(w, r, http.StatusNotFound, "NotFound", "audio not found", nil)
		return
	}

	w.Header().Set("Content-Type", audio.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (t *Transport) writeError(w http.ResponseWriter, r *http.Request, status int, kind, msg string, details any) {
	logArgs := []any{"error", kind, "status", status, "path", r.URL.Path, "message", msg,
		"request_id", requestID(r.Context())}
	if status >= http.StatusInternalServerError {
		t.logger.Error("request failed", logArgs...)
	} else {
		t.logger.Warn("request rejected", logArgs...)
	}

	writeJSON(w, status, message.ErrorResponse{
		Error:      kind,
		Message:    msg,
		StatusCode: status,
		Details:    details,
		Path:       r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
