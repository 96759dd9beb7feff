package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/loquora/pkg/provider/tts"
	"github.com/MrWong99/loquora/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeToPCM renders text on the first healthy provider. If the primary
// fails, subsequent fallbacks are tried.
func (f *TTSFallback) SynthesizeToPCM(ctx context.Context, text string, voice types.VoiceProfile, sampleRate int) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.SynthesizeToPCM(ctx, text, voice, sampleRate)
	})
}

// ListVoices returns the voice catalogue of the first provider in the chain
// that supports listing. Catalogue fetches bypass the circuit breakers: a
// failed readiness probe must not poison the breaker state shared with the
// synthesis path.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	var lastErr error
	listed := false
	for _, entry := range f.group.entries {
		lister, ok := entry.value.(tts.VoiceLister)
		if !ok {
			continue
		}
		listed = true
		voices, err := lister.ListVoices(ctx)
		if err == nil {
			return voices, nil
		}
		lastErr = err
		slog.Warn("voice catalogue fetch failed, trying next",
			"provider", entry.name,
			"error", err)
	}
	if !listed {
		return nil, errors.New("no provider in the chain can list voices")
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
