// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local Coqui server) and renders one utterance per call: SynthesizeToPCM
// takes a complete sentence and returns the finished PCM buffer for it.
// Sentence-at-a-time calls keep the contract simple and leave pacing to the
// playback layer, which frames the buffer for the session's transport while
// the next sentence is already being synthesised on another worker.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/loquora/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use: the playback layer runs
// several synthesis workers per session and multiple sessions share one
// provider instance.
type Provider interface {
	// SynthesizeToPCM renders text as 16-bit little-endian mono PCM at the
	// requested sample rate and returns the complete buffer. text should be a
	// single sentence or short utterance; the voice profile selects the
	// provider-specific voice and carries optional style and rate hints,
	// which providers apply on a best-effort basis.
	//
	// Cancelling ctx aborts an in-flight request. An empty text renders to an
	// empty buffer without contacting the service.
	SynthesizeToPCM(ctx context.Context, text string, voice types.VoiceProfile, sampleRate int) ([]byte, error)
}

// VoiceLister is implemented by providers that can enumerate their voice
// catalogue. Configuration validation and readiness probes use it as a cheap
// way to confirm the service is reachable and a configured voice exists.
type VoiceLister interface {
	// ListVoices returns the provider's current voice catalogue. The result
	// may change between calls if the underlying service adds or removes
	// voices.
	ListVoices(ctx context.Context) ([]Voice, error)
}
