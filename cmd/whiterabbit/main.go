// Whiterabbit is a text-to-speech daemon that synthesizes narration for the
// web client and caches the resulting audio on disk.
//
// Usage:
//
//	whiterabbit [flags]
//	whiterabbit --config /path/to/whiterabbit.yaml
//
// @title       whiterabbit API
// @version     1.0
// @description Text-to-speech generation with an on-disk audio cache.
// @BasePath    /
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	_ "github.com/nadzzz/whiterabbit/docs"
	"github.com/nadzzz/whiterabbit/internal/cache"
	"github.com/nadzzz/whiterabbit/internal/config"
	"github.com/nadzzz/whiterabbit/internal/health"
	"github.com/nadzzz/whiterabbit/internal/metrics"
	"github.com/nadzzz/whiterabbit/internal/speech"
	"github.com/nadzzz/whiterabbit/internal/transport"
	grpctransport "github.com/nadzzz/whiterabbit/internal/transport/grpc"
	httptransport "github.com/nadzzz/whiterabbit/internal/transport/http"
	"github.com/nadzzz/whiterabbit/internal/tts"
	"github.com/nadzzz/whiterabbit/internal/tts/model"
	"github.com/nadzzz/whiterabbit/internal/tts/piper"
	"github.com/nadzzz/whiterabbit/internal/workpool"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/whiterabbit.local.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("whiterabbit %s\n", version)
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging.
	config.SetupLogging(cfg.Logging)
	slog.Info("whiterabbit starting", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// An unusable cache directory prevents startup.
	fsys := afero.NewOsFs()
	store, err := cache.NewStore(fsys, cfg.TTS.CacheDir, slog.Default())
	if err != nil {
		slog.Error("failed to prepare audio cache", "dir", cfg.TTS.CacheDir, "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	pool := workpool.New(cfg.TTS.Workers)
	m.RegisterPool(pool)

	// Initialize the engine backend.
	var loader tts.Loader
	switch cfg.TTS.Backend {
	case "piper":
		loader = piper.NewLoader(cfg.TTS.Piper, cfg.TTS.SampleRate, slog.Default())
		slog.Info("using Piper engine", "endpoint", cfg.TTS.Piper.Endpoint)
	default:
		slog.Error("unknown tts backend", "backend", cfg.TTS.Backend)
		os.Exit(1)
	}

	var grpcT *grpctransport.Transport
	if cfg.Transports.GRPC.Enabled {
		grpcT = grpctransport.New(cfg.Transports.GRPC.Port, slog.Default())
	}

	models := model.New(loader, model.Options{
		LazyLoad:    cfg.TTS.LazyLoad,
		LoadTimeout: cfg.TTS.LoadTimeout,
		OnStateChange: func(s model.State) {
			m.SetModelState(s)
			if grpcT != nil {
				grpcT.SetReady(s == model.Ready)
			}
		},
	}, slog.Default())

	evictor := cache.NewEvictor(store, cache.Policy{
		MaxAge:  cfg.TTS.MaxAge(),
		MaxSize: cfg.TTS.MaxSizeBytes(),
	}, slog.Default(), cache.WithObserver(m.ObserveSweep))

	svc := speech.New(speech.Config{
		MaxTextLength:   cfg.TTS.MaxTextLength,
		DefaultVoice:    cfg.TTS.DefaultVoice,
		SampleRate:      cfg.TTS.SampleRate,
		AudioURLPrefix:  cfg.TTS.AudioURLPrefix,
		GenerateTimeout: cfg.TTS.GenerateTimeout,
		DedupeInFlight:  cfg.TTS.DedupeInFlight,
	}, store, models, pool,
		speech.WithEvictor(evictor),
		speech.WithMetrics(m),
		speech.WithLogger(slog.Default()),
	)

	// Initialize enabled transports.
	var transports []transport.Transport
	if cfg.Transports.HTTP.Enabled {
		transports = append(transports, httptransport.New(cfg.Transports.HTTP.Port, svc, httptransport.Options{
			AudioFs:        fsys,
			AudioDir:       cfg.TTS.CacheDir,
			AudioURLPrefix: cfg.TTS.AudioURLPrefix,
			AllowedOrigins: []string{cfg.Server.OriginURL, "http://127.0.0.1:3000"},
			Metrics:        m.Handler(),
			Logger:         slog.Default(),
		}))
	}
	if grpcT != nil {
		transports = append(transports, grpcT)
	}

	if len(transports) == 0 {
		slog.Error("no transports enabled, enable at least one in config")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	// Load the engine up front when requests may not do it themselves.
	if cfg.TTS.WarmupOnStart || !cfg.TTS.LazyLoad {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Warmup(ctx)
		}()
	}

	if cfg.TTS.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evictor.Run(ctx, cfg.TTS.SweepInterval)
		}()
	}

	// Start health check server.
	healthServer := health.New(cfg.Server.HealthPort, svc.Ready, !cfg.TTS.LazyLoad)
	go func() {
		if err := healthServer.ListenAndServe(ctx); err != nil {
			slog.Error("health server failed", "error", err)
		}
	}()

	// Start all transports.
	for _, t := range transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			slog.Info("starting transport", "name", t.Name())
			if err := t.Listen(ctx); err != nil {
				slog.Error("transport failed", "name", t.Name(), "error", err)
			}
		}(t)
	}

	// Mark as ready once all transports are started.
	healthServer.SetReady(true)
	slog.Info("whiterabbit ready",
		"transports", len(transports),
		"health_port", cfg.Server.HealthPort,
		"cache_dir", cfg.TTS.CacheDir,
		"lazy_load", cfg.TTS.LazyLoad)

	// Block until shutdown signal.
	<-ctx.Done()
	slog.Info("shutdown signal received, draining...")
	healthServer.SetReady(false)

	// Close all transports gracefully.
	for _, t := range transports {
		if err := t.Close(); err != nil {
			slog.Error("transport close error", "name", t.Name(), "error", err)
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := pool.Close(drainCtx); err != nil {
		slog.Error("worker pool drain incomplete", "error", err)
	}
	if err := models.Release(drainCtx); err != nil {
		slog.Error("failed to release tts engine", "error", err)
	}

	wg.Wait()
	slog.Info("whiterabbit stopped")
}
