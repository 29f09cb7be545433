// Package config handles loading and validating the whiterabbit configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the whiterabbit daemon.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Transports TransportsConfig `mapstructure:"transports"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the health check server and browser-facing settings.
type ServerConfig struct {
	HealthPort int    `mapstructure:"health_port"`
	OriginURL  string `mapstructure:"origin_url"` // web client origin allowed by CORS
}

// TransportsConfig holds the configuration for each transport layer.
type TransportsConfig struct {
	GRPC GRPCConfig `mapstructure:"grpc"`
	HTTP HTTPConfig `mapstructure:"http"`
}

// GRPCConfig configures the gRPC health transport.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HTTPConfig configures the HTTP API transport.
type HTTPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TTSConfig configures speech generation, the audio cache and the engine backend.
type TTSConfig struct {
	Backend string      `mapstructure:"backend"` // "piper"
	Piper   PiperConfig `mapstructure:"piper"`

	CacheDir         string `mapstructure:"cache_dir"`
	AudioURLPrefix   string `mapstructure:"audio_url_prefix"`
	CacheMaxAgeHours int    `mapstructure:"cache_max_age_hours"`
	CacheMaxSizeMB   int    `mapstructure:"cache_max_size_mb"`

	SampleRate    int    `mapstructure:"sample_rate"`
	DefaultVoice  string `mapstructure:"default_voice"`
	MaxTextLength int    `mapstructure:"max_text_length"`
	Workers       int    `mapstructure:"workers"`

	// LazyLoad allows the engine to be loaded by the first request that needs it.
	// When false the engine is only loaded eagerly at startup or via warmup.
	LazyLoad      bool `mapstructure:"lazy_load"`
	WarmupOnStart bool `mapstructure:"warmup_on_start"`

	LoadTimeout     time.Duration `mapstructure:"load_timeout"`     // 0 disables
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"` // 0 disables
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`   // 0 = sweep before each request only

	DedupeInFlight bool `mapstructure:"dedupe_inflight"`
}

// MaxAge returns the configured maximum cache entry age.
func (c TTSConfig) MaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeHours) * time.Hour
}

// MaxSizeBytes returns the configured maximum aggregate cache size in bytes.
func (c TTSConfig) MaxSizeBytes() int64 {
	return int64(c.CacheMaxSizeMB) * 1024 * 1024
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
type PiperConfig struct {
	Endpoint    string        `mapstructure:"endpoint"` // Wyoming TCP endpoint (host:port)
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Timeout     time.Duration `mapstructure:"timeout"` // per-connection deadline when the caller sets none
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./whiterabbit.yaml, ./configs/whiterabbit.yaml, /etc/whiterabbit/whiterabbit.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("whiterabbit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/whiterabbit")
	}

	// Environment variables: WHITERABBIT_TTS_CACHE_DIR, WHITERABBIT_TTS_WORKERS, etc.
	v.SetEnvPrefix("WHITERABBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional, env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references (e.g., "${PIPER_HOST}")
	cfg.TTS.Piper.Endpoint = resolveEnvRef(cfg.TTS.Piper.Endpoint)
	cfg.TTS.CacheDir = resolveEnvRef(cfg.TTS.CacheDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.origin_url", "http://localhost:3000")
	v.SetDefault("transports.http.enabled", true)
	v.SetDefault("transports.http.port", 8000)
	v.SetDefault("transports.grpc.enabled", false)
	v.SetDefault("transports.grpc.port", 50051)
	v.SetDefault("tts.backend", "piper")
	v.SetDefault("tts.piper.endpoint", "localhost:10200")
	v.SetDefault("tts.piper.dial_timeout", 10*time.Second)
	v.SetDefault("tts.piper.timeout", 30*time.Second)
	v.SetDefault("tts.cache_dir", "./static/audio")
	v.SetDefault("tts.audio_url_prefix", "/static/audio")
	v.SetDefault("tts.cache_max_age_hours", 168)
	v.SetDefault("tts.cache_max_size_mb", 500)
	v.SetDefault("tts.sample_rate", 22050) // Piper medium voices
	v.SetDefault("tts.default_voice", "en_US-lessac-medium")
	v.SetDefault("tts.max_text_length", 5000)
	v.SetDefault("tts.workers", 2)
	v.SetDefault("tts.lazy_load", true)
	v.SetDefault("tts.warmup_on_start", false)
	v.SetDefault("tts.load_timeout", 0)
	v.SetDefault("tts.generate_timeout", 0)
	v.SetDefault("tts.sweep_interval", 0)
	v.SetDefault("tts.dedupe_inflight", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the values that cannot be defaulted away.
func (c *Config) Validate() error {
	t := c.TTS
	switch {
	case strings.TrimSpace(t.CacheDir) == "":
		return fmt.Errorf("tts.cache_dir must not be empty")
	case t.SampleRate <= 0:
		return fmt.Errorf("tts.sample_rate must be positive, got %d", t.SampleRate)
	case t.Workers <= 0:
		return fmt.Errorf("tts.workers must be positive, got %d", t.Workers)
	case t.MaxTextLength <= 0:
		return fmt.Errorf("tts.max_text_length must be positive, got %d", t.MaxTextLength)
	case t.CacheMaxAgeHours < 0 || t.CacheMaxSizeMB < 0:
		return fmt.Errorf("tts cache bounds must not be negative")
	case t.DefaultVoice == "":
		return fmt.Errorf("tts.default_voice must not be empty")
	}
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
