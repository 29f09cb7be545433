package speech

import (
	"errors"
	"fmt"

	"github.com/nadzzz/whiterabbit/internal/tts/model"
)

var (
	// ErrTextTooLong matches *TextTooLongError.
	ErrTextTooLong = errors.New("text too long")

	// ErrEmptyText is returned for text with nothing to speak.
	ErrEmptyText = errors.New("text is empty")

	// ErrModelNotReady is returned when the engine failed to load, is still
	// loading past the caller's deadline, or lazy loading is disabled.
	ErrModelNotReady = model.ErrNotReady

	// ErrGenerationFailed matches *GenerationError.
	ErrGenerationFailed = errors.New("audio generation failed")

	// ErrStorage matches *StorageError.
	ErrStorage = errors.New("audio storage failed")

	errNoAudio = errors.New("engine produced no audio")
)

// TextTooLongError reports an input over the configured limit.
type TextTooLongError struct {
	Length int
	Max    int
}

func (e *TextTooLongError) Error() string {
	return fmt.Sprintf("text length (%d) exceeds maximum allowed length (%d)", e.Length, e.Max)
}

func (e *TextTooLongError) Is(target error) bool { return target == ErrTextTooLong }

// GenerationError reports a failed cache miss. Stage is one of
// "synthesize", "encode" or "write".
type GenerationError struct {
	Key        string
	Voice      string
	TextLength int
	Stage      string
	Cause      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s during %s: %v", ErrGenerationFailed, e.Stage, e.Cause)
}

func (e *GenerationError) Unwrap() []error {
	return []error{ErrGenerationFailed, e.Cause}
}

// StorageError reports a filesystem failure in the cache directory.
type StorageError struct {
	Op    string
	Path  string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrStorage, e.Op, e.Path, e.Cause)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Cause}
}
