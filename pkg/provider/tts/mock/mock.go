// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled PCM buffers and to verify the text,
// voice, and sample rate passed by callers.
//
// Example:
//
//	p := &mock.Provider{
//	    PCM: make([]byte, 3200),
//	}
//	pcm, _ := p.SynthesizeToPCM(ctx, "Hello.", voice, 16000)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/loquora/pkg/provider/tts"
	"github.com/MrWong99/loquora/pkg/types"
)

// SynthesizeCall records a single invocation of SynthesizeToPCM.
type SynthesizeCall struct {
	// Text is the utterance passed to SynthesizeToPCM.
	Text string
	// Voice is the VoiceProfile passed to SynthesizeToPCM.
	Voice types.VoiceProfile
	// SampleRate is the requested output sample rate.
	SampleRate int
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// PCM is returned (copied) from every SynthesizeToPCM call when PCMScript
	// is exhausted or empty.
	PCM []byte

	// PCMScript, if non-empty, supplies per-call results in order. Once the
	// script is exhausted the provider falls back to PCM.
	PCMScript [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeToPCM.
	SynthesizeErr error

	// Delay is how long each SynthesizeToPCM call blocks before returning,
	// honouring ctx cancellation while waiting. Zero means no delay.
	Delay time.Duration

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to SynthesizeToPCM in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCallCount counts calls to ListVoices.
	ListVoicesCallCount int

	cursor int
}

// SynthesizeToPCM records the call, waits for Delay (if set), and returns a
// copy of the next scripted buffer or PCM.
func (p *Provider) SynthesizeToPCM(ctx context.Context, text string, voice types.VoiceProfile, sampleRate int) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice, SampleRate: sampleRate})
	delay := p.Delay
	err := p.SynthesizeErr
	var pcm []byte
	if p.cursor < len(p.PCMScript) {
		pcm = p.PCMScript[p.cursor]
		p.cursor++
	} else {
		pcm = p.PCM
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Reset clears all recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCallCount = 0
	p.cursor = 0
}

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)
