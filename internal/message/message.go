// Package message defines the JSON bodies exchanged over the whiterabbit HTTP API.
package message

import "github.com/nadzzz/whiterabbit/internal/workpool"

// TTSRequest asks for speech audio for a piece of text.
type TTSRequest struct {
	// MysteryID ties the request to a game session. It is logged, never interpreted.
	MysteryID string `json:"mystery_id" example:"midnight-manor"`

	// Text is the text to speak.
	Text string `json:"text" example:"The butler was in the library all evening."`

	// VoiceID selects the voice. Empty or "default" uses the configured default voice.
	VoiceID string `json:"voice_id,omitempty" example:"default"`
}

// TTSResponse points at the generated or cached audio.
type TTSResponse struct {
	// AudioURL is where the WAV file can be fetched from.
	AudioURL string `json:"audio_url" example:"/static/audio/3f2a9c...wav"`

	// Cached is true when the audio already existed.
	Cached bool `json:"cached"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error      string `json:"error" example:"TextTooLongError"`
	Message    string `json:"message" example:"text length (5001) exceeds maximum allowed length (5000)"`
	StatusCode int    `json:"status_code" example:"400"`
	Details    any    `json:"details,omitempty"`
	Path       string `json:"path" example:"/api/tts"`
}

// TextTooLongDetails is attached to a text_too_long error.
type TextTooLongDetails struct {
	Length int `json:"length"`
	Max    int `json:"max"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// WarmupResponse reports the engine state after a warmup request.
type WarmupResponse struct {
	Ready bool   `json:"ready"`
	State string `json:"state" example:"ready"`
}

// StatusResponse describes the speech subsystem.
type StatusResponse struct {
	Ready     bool           `json:"ready"`
	State     string         `json:"state" example:"ready"`
	LastError string         `json:"last_error,omitempty"`
	Workers   workpool.Stats `json:"workers"`
}
