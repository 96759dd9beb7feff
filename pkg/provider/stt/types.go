package stt

import "time"

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (telephony), 48000 (browser capture).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Encoding names the PCM wire encoding, e.g. "linear16". Empty means the
	// provider default.
	Encoding string

	// Languages lists candidate BCP-47 language tags for recognition (e.g.,
	// "en-US", "de-DE"). A single entry pins recognition to that language;
	// multiple entries enable multilingual recognition where the provider
	// supports it. Empty lets the provider auto-detect.
	Languages []string

	// SilenceTimeout is the voice-activity silence window after which the
	// provider finalizes an utterance. Zero means the provider default.
	SilenceTimeout time.Duration
}
