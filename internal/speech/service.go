// Package speech turns text into cached audio files.
//
// Generate validates the request, derives the cache key and serves the
// existing entry when there is one. On a miss it obtains the engine from the
// model manager, synthesizes on the bounded worker pool, encodes the samples
// as WAV and publishes the result to the cache. Any failure on the miss path
// removes the key's entry before the error is returned.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/nadzzz/whiterabbit/internal/audio"
	"github.com/nadzzz/whiterabbit/internal/cache"
	"github.com/nadzzz/whiterabbit/internal/metrics"
	"github.com/nadzzz/whiterabbit/internal/tts"
	"github.com/nadzzz/whiterabbit/internal/tts/model"
	"github.com/nadzzz/whiterabbit/internal/workpool"
)

// DefaultVoiceAlias asks for the configured default voice.
const DefaultVoiceAlias = "default"

// Config holds the generation settings read at startup.
type Config struct {
	MaxTextLength   int
	DefaultVoice    string
	SampleRate      int
	AudioURLPrefix  string
	GenerateTimeout time.Duration // 0 disables

	// DedupeInFlight collapses concurrent misses for the same key into one
	// synthesis. Without it, concurrent misses each synthesize and the last
	// write wins.
	DedupeInFlight bool
}

// Request is one text-to-speech request.
type Request struct {
	Text  string
	Voice string

	// MysteryID and RequestID are carried for log correlation only.
	MysteryID string
	RequestID string
}

// Result points at the generated or cached audio.
type Result struct {
	AudioURL string
	Key      string
	Voice    string
	Cached   bool
}

// Status is a snapshot of the generation subsystem.
type Status struct {
	Ready     bool           `json:"ready"`
	State     string         `json:"state"`
	LastError string         `json:"last_error,omitempty"`
	Workers   workpool.Stats `json:"workers"`
}

// Service is the audio generation entry point.
type Service struct {
	cfg     Config
	store   *cache.Store
	evictor *cache.Evictor
	models  *model.Manager
	pool    *workpool.Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithEvictor sweeps the cache opportunistically before every request.
func WithEvictor(e *cache.Evictor) Option {
	return func(s *Service) { s.evictor = e }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service.
func New(cfg Config, store *cache.Store, models *model.Manager, pool *workpool.Pool, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		store:  store,
		models: models,
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "speech")
	s.cfg.AudioURLPrefix = strings.TrimRight(s.cfg.AudioURLPrefix, "/")
	return s
}

// ResolveVoice substitutes the default voice for an empty or "default" voice.
func (s *Service) ResolveVoice(voice string) string {
	voice = strings.TrimSpace(voice)
	if voice == "" || voice == DefaultVoiceAlias {
		return s.cfg.DefaultVoice
	}
	return voice
}

// AudioURL returns the public URL of the entry for key.
func (s *Service) AudioURL(key string) string {
	return s.cfg.AudioURLPrefix + "/" + s.store.FileName(key)
}

// Generate returns audio for req, from the cache when possible.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	length := utf8.RuneCountInString(req.Text)
	logger := s.logger.With("mystery_id", req.MysteryID, "request_id", req.RequestID, "text_length", length)

	if length > s.cfg.MaxTextLength {
		err := &TextTooLongError{Length: length, Max: s.cfg.MaxTextLength}
		logger.Warn("rejecting tts request", "error", err)
		s.metrics.Generation("text_too_long")
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		logger.Warn("rejecting tts request", "error", ErrEmptyText)
		s.metrics.Generation("invalid")
		return nil, ErrEmptyText
	}

	voice := s.ResolveVoice(req.Voice)
	key := cache.Key(req.Text, voice)
	logger = logger.With("voice", voice, "cache_key", key)
	logger.Info("tts request")

	s.sweep(logger)

	if _, ok := s.store.Lookup(key); ok {
		logger.Info("cache hit")
		s.metrics.CacheLookup(true)
		s.metrics.Generation("cached")
		return &Result{AudioURL: s.AudioURL(key), Key: key, Voice: voice, Cached: true}, nil
	}
	logger.Info("cache miss")
	s.metrics.CacheLookup(false)

	var err error
	if s.cfg.DedupeInFlight {
		_, err, _ = s.group.Do(key, func() (any, error) {
			return nil, s.fill(ctx, logger, key, req.Text, voice, length)
		})
	} else {
		err = s.fill(ctx, logger, key, req.Text, voice, length)
	}
	if err != nil {
		if errors.Is(err, ErrModelNotReady) {
			s.metrics.Generation("not_ready")
		} else {
			s.metrics.Generation("failed")
		}
		return nil, err
	}

	s.metrics.Generation("generated")
	return &Result{AudioURL: s.AudioURL(key), Key: key, Voice: voice, Cached: false}, nil
}

// fill synthesizes, encodes and stores the entry for key.
func (s *Service) fill(ctx context.Context, logger *slog.Logger, key, text, voice string, length int) error {
	engine, err := s.models.EnsureReady(ctx)
	if err != nil {
		logger.Error("tts model not ready", "error", err)
		return err
	}

	if s.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GenerateTimeout)
		defer cancel()
	}

	// The pool gives up on the task when ctx ends, but the task may still be
	// running. Cleanup waits for it so it cannot publish after the request
	// has failed, and a task that completed anyway counts as success.
	var (
		started   atomic.Bool
		finished  = make(chan struct{})
		succeeded bool
	)
	start := time.Now()
	err = s.pool.Do(ctx, func(ctx context.Context) error {
		started.Store(true)
		defer close(finished)
		if err := ctx.Err(); err != nil {
			return &GenerationError{Key: key, Voice: voice, TextLength: length, Stage: "synthesize", Cause: err}
		}
		if genErr := s.synthesizeAndStore(ctx, engine, key, text, voice, length); genErr != nil {
			return genErr
		}
		succeeded = true
		return nil
	})
	if err != nil && started.Load() {
		<-finished
		if succeeded {
			logger.Debug("audio stored as the request deadline passed")
			err = nil
		}
	}
	if err != nil {
		var genErr *GenerationError
		if !errors.As(err, &genErr) {
			// The pool gave up before the task reported: timeout, cancellation or panic.
			genErr = &GenerationError{Key: key, Voice: voice, TextLength: length, Stage: "synthesize", Cause: err}
		}
		s.cleanup(logger, key)
		logger.Error("audio generation failed", "stage", genErr.Stage, "error", genErr.Cause)
		return genErr
	}

	elapsed := time.Since(start)
	s.metrics.SynthesisDuration(elapsed)
	logger.Info("audio generated", "duration", elapsed)
	return nil
}

func (s *Service) synthesizeAndStore(ctx context.Context, engine tts.Engine, key, text, voice string, length int) *GenerationError {
	fail := func(stage string, cause error) *GenerationError {
		return &GenerationError{Key: key, Voice: voice, TextLength: length, Stage: stage, Cause: cause}
	}

	var samples []float32
	chunks := 0
	for chunk, err := range engine.Synthesize(ctx, text, voice) {
		if err != nil {
			return fail("synthesize", err)
		}
		if len(chunk) == 0 {
			continue
		}
		chunks++
		samples = append(samples, chunk...)
	}
	if chunks == 0 {
		return fail("synthesize", errNoAudio)
	}

	wav, err := audio.EncodeWAV(samples, s.cfg.SampleRate)
	if err != nil {
		return fail("encode", err)
	}

	if err := ctx.Err(); err != nil {
		return fail("write", err)
	}
	if _, err := s.store.Write(key, wav); err != nil {
		return fail("write", &StorageError{Op: "write", Path: s.store.Path(key), Cause: err})
	}

	s.logger.Debug("audio stored",
		"cache_key", key, "chunks", chunks, "seconds", audio.Duration(len(samples), s.cfg.SampleRate))
	return nil
}

// cleanup removes whatever entry exists for key after a failed miss.
func (s *Service) cleanup(logger *slog.Logger, key string) {
	if err := s.store.Remove(key); err != nil {
		logger.Error("failed to clean up cache entry", "error", err)
	}
}

// sweep runs an eviction pass unless one is already running.
func (s *Service) sweep(logger *slog.Logger) {
	if s.evictor == nil {
		return
	}
	if _, _, err := s.evictor.TrySweep(); err != nil {
		logger.Warn("cache sweep failed", "error", err)
	}
}

// Warmup loads the engine without serving a request.
func (s *Service) Warmup(ctx context.Context) error {
	s.logger.Info("warming up tts model")
	if _, err := s.models.Warmup(ctx); err != nil {
		s.logger.Error("tts model warmup failed", "error", err)
		return err
	}
	s.logger.Info("tts model warmup complete")
	return nil
}

// Reset clears a failed engine load so the next request or warmup retries it.
func (s *Service) Reset() bool {
	if s.models.Reset() {
		s.logger.Info("cleared failed tts model state")
		return true
	}
	return false
}

// Ready reports whether the engine is loaded. It never triggers a load.
func (s *Service) Ready() bool { return s.models.IsReady() }

// Status returns a snapshot for status endpoints.
func (s *Service) Status() Status {
	st := Status{
		Ready:   s.models.IsReady(),
		State:   s.models.State().String(),
		Workers: s.pool.Stats(),
	}
	if err := s.models.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Key exposes the cache key for a request after voice resolution.
func (s *Service) Key(text, voice string) string {
	return cache.Key(text, s.ResolveVoice(voice))
}
