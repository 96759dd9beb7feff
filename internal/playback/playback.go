// Package playback streams synthesized speech to a session's transport.
//
// Speak renders one utterance: it resolves the voice, synthesizes the full
// PCM buffer through a pooled TTS provider, then cuts the buffer into the
// transport's fixed frame size and sends frame by frame, checking the
// session's cancel signal between frames. A per-session lock serializes
// utterances so chunks from different turns never interleave.
package playback

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/loquora/internal/observe"
	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/internal/transport"
	"github.com/MrWong99/loquora/pkg/provider/tts"
	"github.com/MrWong99/loquora/pkg/types"
)

// VoiceResolver looks up the voice profile of a named agent. The app wires
// it to the live agent registry so playback stays decoupled from the
// orchestrator.
type VoiceResolver func(agentName string) (types.VoiceProfile, bool)

// Request describes one utterance to play.
type Request struct {
	// Text is the utterance to synthesize.
	Text string

	// Voice overrides the active agent's voice when non-nil.
	Voice *types.VoiceProfile

	// OnFirstAudio fires exactly once, right after the first frame was
	// written to the transport. The turn engine uses it to stamp TTFA.
	OnFirstAudio func()

	// Blocking paces telephony frames at their wall-clock duration instead
	// of relying on the gateway's jitter buffer. Ignored on browser
	// transports, which are always sent unpaced.
	Blocking bool
}

// Player sends synthesized speech for one session.
type Player struct {
	sender   transport.Sender
	resolver VoiceResolver
	fallback types.VoiceProfile
	metrics  *observe.Metrics
}

// Config assembles a Player.
type Config struct {
	// Sender is the session's transport connection.
	Sender transport.Sender

	// Resolver maps agent names to voices. May be nil when no agents carry
	// voices; Speak then uses Fallback for every utterance.
	Resolver VoiceResolver

	// Fallback is the voice used when neither the request nor the active
	// agent provides one.
	Fallback types.VoiceProfile

	// Metrics receives synthesis timings. Nil uses the package default.
	Metrics *observe.Metrics
}

// New creates a Player for one session's transport.
func New(cfg Config) *Player {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Player{
		sender:   cfg.Sender,
		resolver: cfg.Resolver,
		fallback: cfg.Fallback,
		metrics:  m,
	}
}

// Speak synthesizes req.Text and streams it to the transport. It returns
// true only when every frame was delivered; cancellation, empty synthesis,
// pool exhaustion and transport failures all return false. The session's
// speak lock serializes concurrent callers, so a queued utterance starts
// only after the previous one finished or was cancelled.
func (p *Player) Speak(ctx context.Context, sess *session.Session, req Request) bool {
	logger := observe.Logger(ctx).With("session_id", sess.ID)

	if strings.TrimSpace(req.Text) == "" {
		logger.Warn("playback: refusing empty utterance")
		return false
	}
	if sess.TTSPool == nil {
		logger.Warn("playback: session has no synthesizer pool")
		return false
	}

	sess.LockSpeak()
	defer sess.UnlockSpeak()

	voice := p.resolveVoice(sess, req.Voice)

	prov, err := sess.TTSPool.Acquire(ctx)
	if err != nil {
		logger.Warn("playback: synthesizer acquisition failed", "error", err)
		return false
	}
	defer sess.TTSPool.Release(prov)

	// Late cancellation: a barge-in that landed while this request was
	// queued kills it before synthesis starts.
	if sess.CancelRequested() {
		sess.ClearCancel()
		return false
	}

	pcm, ok := p.synthesize(ctx, sess, prov, req.Text, voice)
	if !ok {
		return false
	}
	if len(pcm) == 0 {
		logger.Warn("playback: synthesis returned no audio", "text_len", len(req.Text))
		return false
	}

	return p.stream(ctx, sess, pcm, req)
}

// resolveVoice picks, in order: the request override, the active agent's
// configured voice, the fallback.
func (p *Player) resolveVoice(sess *session.Session, override *types.VoiceProfile) types.VoiceProfile {
	if override != nil {
		return *override
	}
	if p.resolver != nil {
		if agent := sess.ActiveAgent(); agent != "" {
			if v, ok := p.resolver(agent); ok && v.Name != "" {
				return v
			}
		}
	}
	return p.fallback
}

// synthesize renders text to PCM on a tracked goroutine so a barge-in can
// abandon the wait. The provider honors context cancellation, so the
// goroutine ends promptly after an abort and the pool gets its client back
// idle.
func (p *Player) synthesize(ctx context.Context, sess *session.Session, prov tts.Provider, text string, voice types.VoiceProfile) ([]byte, bool) {
	logger := observe.Logger(ctx).With("session_id", sess.ID)

	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		pcm []byte
		err error
	}
	resCh := make(chan result, 1)

	sess.SetSynthesizing(true)
	defer sess.SetSynthesizing(false)

	start := time.Now()
	sess.Go(func() {
		pcm, err := prov.SynthesizeToPCM(synthCtx, text, voice, p.sender.Kind().SampleRate())
		resCh <- result{pcm: pcm, err: err}
	})

	select {
	case res := <-resCh:
		p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		if res.err != nil {
			logger.Warn("playback: synthesis failed", "error", res.err)
			return nil, false
		}
		return res.pcm, true
	case <-sess.CancelDone():
		sess.ClearCancel()
		cancel()
		<-resCh
		return nil, false
	case <-ctx.Done():
		<-resCh
		return nil, false
	}
}

// stream cuts pcm into transport frames and sends them, checking the cancel
// signal between frames. is_audio_playing is true exactly for the duration
// of the loop.
func (p *Player) stream(ctx context.Context, sess *session.Session, pcm []byte, req Request) bool {
	logger := observe.Logger(ctx).With("session_id", sess.ID)

	kind := p.sender.Kind()
	frameBytes := kind.FrameBytes()
	total := (len(pcm) + frameBytes - 1) / frameBytes

	sess.SetAudioPlaying(true)
	defer sess.SetAudioPlaying(false)

	firstSent := false
	for i := 0; i < total; i++ {
		if sess.CancelRequested() {
			sess.ClearCancel()
			return false
		}

		end := (i + 1) * frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := transport.Frame{
			PCM:        pcm[i*frameBytes : end],
			SampleRate: kind.SampleRate(),
			Index:      i,
			Total:      total,
			Final:      i == total-1,
		}
		if err := p.sender.SendAudio(ctx, frame); err != nil {
			logger.Warn("playback: frame send failed", "frame", i, "error", err)
			return false
		}

		if !firstSent {
			firstSent = true
			if req.OnFirstAudio != nil {
				req.OnFirstAudio()
			}
		}

		if req.Blocking && kind == types.TransportTelephony && i < total-1 {
			if !p.pace(ctx, sess, kind.FrameDuration()) {
				return false
			}
		}
	}
	return true
}

// pace sleeps one frame duration, waking early on cancellation. Returns
// false when the utterance should stop.
func (p *Player) pace(ctx context.Context, sess *session.Session, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-sess.CancelDone():
		sess.ClearCancel()
		return false
	case <-ctx.Done():
		return false
	}
}
