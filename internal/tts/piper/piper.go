// Package piper implements the TTS engine using a Piper Wyoming protocol server.
//
// Piper is a fast, local neural text-to-speech system. The linuxserver/piper
// container exposes the Wyoming protocol on TCP port 10200. Loading the engine
// means reaching the server and confirming, via a describe/info exchange, that
// it has voices installed; synthesis then opens one connection per request.
package piper

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nadzzz/whiterabbit/internal/config"
	"github.com/nadzzz/whiterabbit/internal/tts"
)

// Engine implements tts.Engine against a Piper Wyoming server.
type Engine struct {
	endpoint    string
	dialTimeout time.Duration
	ioTimeout   time.Duration       // connection deadline when ctx has none
	sampleRate  int                 // rate the caller encodes at
	voices      map[string]struct{} // voices advertised by the server
	logger      *slog.Logger
}

type describeInfo struct {
	TTS []struct {
		Name   string `json:"name"`
		Voices []struct {
			Name string `json:"name"`
		} `json:"voices"`
	} `json:"tts"`
}

// RateMismatchError reports a voice whose sample rate differs from the rate
// the audio is encoded at.
type RateMismatchError struct {
	Got  int
	Want int
}

func (e *RateMismatchError) Error() string {
	return fmt.Sprintf("piper voice sample rate %d does not match configured tts.sample_rate %d", e.Got, e.Want)
}

type audioFormat struct {
	Rate     int `json:"rate"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// NewLoader returns a tts.Loader that connects to the configured Piper server.
func NewLoader(cfg config.PiperConfig, sampleRate int, logger *slog.Logger) tts.Loader {
	return func(ctx context.Context) (tts.Engine, error) {
		return Load(ctx, cfg, sampleRate, logger)
	}
}

// Load connects to the Piper server and asks it to describe its voices.
func Load(ctx context.Context, cfg config.PiperConfig, sampleRate int, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "tcp://"), "http://")
	if endpoint == "" {
		return nil, errors.New("no piper endpoint configured")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	ioTimeout := cfg.Timeout
	if ioTimeout <= 0 {
		ioTimeout = 30 * time.Second
	}

	e := &Engine{
		endpoint:    endpoint,
		dialTimeout: dialTimeout,
		ioTimeout:   ioTimeout,
		sampleRate:  sampleRate,
		voices:      make(map[string]struct{}),
		logger:      logger.With("component", "piper", "endpoint", endpoint),
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := e.watch(ctx, conn)
	defer stop()

	if err := writeEvent(conn, "describe", nil, nil); err != nil {
		return nil, fmt.Errorf("sending describe event: %w", err)
	}

	r := bufio.NewReader(conn)
	for {
		evt, err := readEvent(r)
		if err != nil {
			return nil, fmt.Errorf("waiting for piper info: %w", contextCause(ctx, err))
		}
		if evt.Type != "info" {
			e.logger.Debug("piper event before info", "type", evt.Type)
			continue
		}
		var info describeInfo
		if err := evt.decodeData(&info); err != nil {
			return nil, fmt.Errorf("decoding piper info: %w", err)
		}
		for _, program := range info.TTS {
			for _, v := range program.Voices {
				e.voices[v.Name] = struct{}{}
			}
		}
		break
	}

	if len(e.voices) == 0 {
		return nil, errors.New("piper server reports no installed voices")
	}
	e.logger.Info("piper engine loaded", "voices", len(e.voices))
	return e, nil
}

// HasVoice reports whether the server advertised voice.
func (e *Engine) HasVoice(voice string) bool {
	_, ok := e.voices[voice]
	return ok
}

// Synthesize streams audio chunks for text from the Piper server.
func (e *Engine) Synthesize(ctx context.Context, text, voice string) iter.Seq2[tts.Chunk, error] {
	return func(yield func(tts.Chunk, error) bool) {
		if text == "" {
			yield(nil, errors.New("empty text for synthesis"))
			return
		}
		if !e.HasVoice(voice) {
			e.logger.Warn("voice not advertised by piper, trying anyway", "voice", voice)
		}

		conn, err := e.dial(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer conn.Close()
		stop := e.watch(ctx, conn)
		defer stop()

		e.logger.Debug("piper synthesize", "text_length", len(text), "voice", voice)

		data := map[string]any{
			"text":  text,
			"voice": map[string]any{"name": voice},
		}
		if err := writeEvent(conn, "synthesize", data, nil); err != nil {
			yield(nil, fmt.Errorf("sending synthesize event: %w", err))
			return
		}

		// audio-start → audio-chunk* → audio-stop
		format := audioFormat{Rate: e.sampleRate, Width: 2, Channels: 1}
		r := bufio.NewReader(conn)
		for {
			evt, err := readEvent(r)
			if err != nil {
				yield(nil, fmt.Errorf("reading piper event: %w", contextCause(ctx, err)))
				return
			}

			switch evt.Type {
			case "audio-start":
				if err := evt.decodeData(&format); err != nil {
					yield(nil, fmt.Errorf("decoding audio-start: %w", err))
					return
				}
				if format.Width != 2 {
					yield(nil, fmt.Errorf("unsupported sample width %d", format.Width))
					return
				}
				if format.Channels <= 0 {
					format.Channels = 1
				}
				if format.Rate != e.sampleRate {
					yield(nil, &RateMismatchError{Got: format.Rate, Want: e.sampleRate})
					return
				}

			case "audio-chunk":
				if len(evt.Payload) == 0 {
					continue
				}
				if !yield(pcm16ToFloat(evt.Payload, format.Channels), nil) {
					return
				}

			case "audio-stop":
				return

			case "error":
				var body struct {
					Text string `json:"text"`
				}
				_ = evt.decodeData(&body)
				if body.Text == "" {
					body.Text = "unknown error"
				}
				yield(nil, fmt.Errorf("piper error: %s", body.Text))
				return

			default:
				e.logger.Debug("piper unknown event", "type", evt.Type)
			}
		}
	}
}

// watch bounds conn by the ctx deadline, or by the I/O timeout when ctx has
// none, and unblocks it when ctx is cancelled. The returned func stops the watch.
func (e *Engine) watch(ctx context.Context, conn net.Conn) func() bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(e.ioTimeout)
	}
	_ = conn.SetDeadline(deadline)
	return context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
}

// Close is a no-op, connections are per-request.
func (e *Engine) Close() error { return nil }

func (e *Engine) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to piper: %w", err)
	}
	return conn, nil
}

// pcm16ToFloat converts little-endian 16-bit PCM to mono float32 samples,
// averaging interleaved channels.
func pcm16ToFloat(pcm []byte, channels int) tts.Chunk {
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make(tts.Chunk, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			off := i*frameBytes + ch*2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// contextCause prefers the context error over the I/O error it provoked.
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
