// Package tts defines the boundary to the speech synthesis engine.
//
// An Engine is expensive to construct, so it is produced by a Loader and
// owned by the model lifecycle manager. Once loaded, an Engine turns text and
// a voice identifier into a sequence of mono float32 sample chunks at the
// engine's fixed sample rate.
package tts

import (
	"context"
	"iter"
)

// Chunk is a run of mono samples in the range [-1, 1].
type Chunk = []float32

// Engine converts text to audio.
type Engine interface {
	// Synthesize yields audio chunks for text spoken with voice. The sequence
	// ends early with a non-nil error if synthesis fails.
	Synthesize(ctx context.Context, text, voice string) iter.Seq2[Chunk, error]

	// Close releases any resources held by the engine.
	Close() error
}

// Loader constructs an Engine. It may be slow and it may fail.
type Loader func(ctx context.Context) (Engine, error)
