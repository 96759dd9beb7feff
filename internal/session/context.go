// Package session holds the per-conversation Session Context: a typed bundle
// of transport identity, provider handles, state store access, latency
// accounting, cancellation, and the serial runner lane that session work is
// posted to. It owns no business logic — the turn engine and orchestrator
// drive behaviour through the handles bundled here.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/loquora/internal/events"
	"github.com/MrWong99/loquora/internal/observe"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/provider/pool"
	"github.com/MrWong99/loquora/pkg/provider/realtime"
	"github.com/MrWong99/loquora/pkg/provider/stt"
	"github.com/MrWong99/loquora/pkg/provider/tts"
	"github.com/MrWong99/loquora/pkg/types"
)

// Config carries everything a Session needs at construction. Only Transport
// is strictly required; the rest default as documented on each field.
type Config struct {
	// ID uniquely identifies the session. Generated when empty.
	ID string

	// CallID is the transport connection identifier (the call ID on
	// telephony). May be empty for browser sessions until the transport
	// reports one.
	CallID string

	// Transport selects the media transport the session is bound to.
	Transport types.TransportKind

	// Store is the session state store. It is wrapped in a [StoreGuard] so
	// that backend failures degrade recall instead of dropping the call.
	// May be nil when the deployment runs stateless.
	Store memory.Store

	// TTSPool is the shared synthesizer pool playback acquires from.
	TTSPool *pool.Pool[tts.Provider]

	// Metrics receives the session's instruments. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Bus fans session envelopes out to listeners. Nil creates a fresh bus
	// keyed by the session and call IDs.
	Bus *events.Bus
}

// Session is the per-conversation context shared by all lanes. Exported
// fields are set once at construction and never mutated; everything mutable
// is reached through methods, each safe for concurrent use.
type Session struct {
	// ID uniquely identifies the session across transports and storage.
	ID string

	// CallID is the transport connection identifier.
	CallID string

	// Transport is the media transport kind, fixed for the session lifetime.
	Transport types.TransportKind

	// Store is the guarded session state store. Nil when stateless.
	Store memory.Store

	// TTSPool is the shared synthesizer pool. Nil on realtime sessions,
	// where the provider speaks directly.
	TTSPool *pool.Pool[tts.Provider]

	// Latency stamps and records the turn pipeline stage transitions.
	Latency *LatencyAccumulator

	// Bus fans session envelopes out to listeners.
	Bus *events.Bus

	// Metrics is the instrument set shared with Latency and Bus.
	Metrics *observe.Metrics

	cancel          *CancelSignal
	cancelRequested atomic.Bool
	runner          *Runner

	isSynthesizing    atomic.Bool
	isAudioPlaying    atomic.Bool
	bargeInSuppressed atomic.Bool

	mu          sync.Mutex
	sttHandle   stt.SessionHandle
	rtHandle    realtime.SessionHandle
	activeAgent string

	speakMu sync.Mutex

	tasks sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New creates a Session from cfg, applying the documented defaults.
func New(cfg Config) *Session {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(id, cfg.CallID, m)
	}
	store := cfg.Store
	if store != nil {
		store = NewStoreGuard(store)
	}

	return &Session{
		ID:        id,
		CallID:    cfg.CallID,
		Transport: cfg.Transport,
		Store:     store,
		TTSPool:   cfg.TTSPool,
		Latency:   NewLatencyAccumulator(m),
		Bus:       bus,
		Metrics:   m,
		cancel:    NewCancelSignal(),
		runner:    NewRunner(),
	}
}

// ── cancellation ──

// RequestCancel raises the session's cancel signal and sets the
// cancel_requested flag. Playback stops between frames and the LLM stream
// consumer exits; both observe the signal within one frame or chunk.
func (s *Session) RequestCancel() {
	s.cancelRequested.Store(true)
	s.cancel.Set()
}

// ClearCancel re-arms the cancel signal and clears the cancel_requested flag
// for the next turn.
func (s *Session) ClearCancel() {
	s.cancelRequested.Store(false)
	s.cancel.Clear()
}

// WaitCancel blocks until the cancel signal is raised or timeout elapses,
// reporting whether it was raised.
func (s *Session) WaitCancel(timeout time.Duration) bool {
	return s.cancel.Wait(timeout)
}

// CancelRequested reports whether a cancel has been requested and not yet
// cleared.
func (s *Session) CancelRequested() bool {
	return s.cancelRequested.Load()
}

// CancelDone returns a channel closed while the cancel signal is raised; see
// [CancelSignal.Done] for its re-fetch contract.
func (s *Session) CancelDone() <-chan struct{} {
	return s.cancel.Done()
}

// ── scheduling ──

// Schedule posts fn onto the session's serialized runner from any goroutine.
// The returned handle is nil when the runner has stopped; callers tolerate
// the dropped post.
func (s *Session) Schedule(fn Task) *TaskHandle {
	return s.runner.Schedule(fn)
}

// Go runs fn on a tracked background goroutine so teardown can wait for it.
// Must not be called after Close.
func (s *Session) Go(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

// WaitTasks blocks until every goroutine started with Go has returned or
// timeout elapses, reporting whether they all returned.
func (s *Session) WaitTasks(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// ── provider handles ──

// SetSTT installs the session's STT stream handle once the recognizer is
// ready. Audio writes are refused until then.
func (s *Session) SetSTT(h stt.SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sttHandle = h
}

// STT returns the session's STT stream handle, or nil before SetSTT.
func (s *Session) STT() stt.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sttHandle
}

// SetRealtime installs the realtime provider session driving a
// [types.TransportRealtime] conversation.
func (s *Session) SetRealtime(h realtime.SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtHandle = h
}

// Realtime returns the realtime provider session, or nil on cascade
// transports.
func (s *Session) Realtime() realtime.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtHandle
}

// ── agent ──

// SetActiveAgent records the agent that owns the next turn. The orchestrator
// is the single writer; readers are eventually consistent within a turn
// boundary.
func (s *Session) SetActiveAgent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeAgent = name
}

// ActiveAgent returns the agent that owns the next turn.
func (s *Session) ActiveAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeAgent
}

// ── flags ──

// SetSynthesizing marks whether a TTS synthesis call is in flight.
func (s *Session) SetSynthesizing(v bool) { s.isSynthesizing.Store(v) }

// Synthesizing reports whether a TTS synthesis call is in flight.
func (s *Session) Synthesizing() bool { return s.isSynthesizing.Load() }

// SetAudioPlaying marks whether the playback frame loop is running.
func (s *Session) SetAudioPlaying(v bool) { s.isAudioPlaying.Store(v) }

// AudioPlaying reports whether the playback frame loop is running.
func (s *Session) AudioPlaying() bool { return s.isAudioPlaying.Load() }

// SetBargeInSuppressed gates the barge-in bridge, set around handoff and
// greeting playback so the new agent's opening line cannot be cut off by
// trailing recognition of the caller's previous utterance.
func (s *Session) SetBargeInSuppressed(v bool) { s.bargeInSuppressed.Store(v) }

// BargeInSuppressed reports whether the barge-in bridge is gated.
func (s *Session) BargeInSuppressed() bool { return s.bargeInSuppressed.Load() }

// ── playback serialization ──

// LockSpeak serializes playback: one Speak runs per session at a time, so a
// turn's frames never interleave with another's.
func (s *Session) LockSpeak() { s.speakMu.Lock() }

// UnlockSpeak releases the playback slot.
func (s *Session) UnlockSpeak() { s.speakMu.Unlock() }

// ── teardown ──

// Close releases the resources the bundle owns directly: it raises the
// cancel signal, stops the runner after draining queued tasks, closes the
// provider handles, waits for tracked background goroutines, and closes the
// event bus. Callers drive the wider teardown ordering (persisting state,
// stopping the engine lanes, releasing pooled clients) around this call.
// Safe to call more than once; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.RequestCancel()
		s.runner.Stop()

		s.mu.Lock()
		sttHandle := s.sttHandle
		rtHandle := s.rtHandle
		s.sttHandle = nil
		s.rtHandle = nil
		s.mu.Unlock()

		var errs []error
		if sttHandle != nil {
			if err := sttHandle.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if rtHandle != nil {
			if err := rtHandle.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if !s.WaitTasks(2 * time.Second) {
			slog.Warn("session close: background tasks still running after timeout",
				"session_id", s.ID)
		}

		s.Bus.Close()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
