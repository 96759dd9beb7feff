// Package events implements the per-session event bus.
//
// Everything observable about a session flows through one uniform envelope:
// transcripts, tool activity, agent changes, status updates, per-turn latency
// summaries. Listeners register a buffered channel; publishing never blocks
// the turn engine. When a listener falls behind, its oldest queued envelope
// is dropped to make room, so a stalled browser tab cannot stall the
// pipeline.
package events

import (
	"context"
	"sync"

	"github.com/MrWong99/loquora/internal/observe"
)

// Kind classifies an envelope.
type Kind string

const (
	// KindEvent carries an observable conversation event.
	KindEvent Kind = "event"
	// KindStatus carries a session status update.
	KindStatus Kind = "status"
	// KindTurnMetrics carries a per-turn latency summary.
	KindTurnMetrics Kind = "turn_metrics"
)

// Topics of well-known events.
const (
	TopicUserTranscript      = "user_transcript"
	TopicAssistantTranscript = "assistant_transcript"
	TopicAssistantCancelled  = "assistant_cancelled"
	TopicSessionConfig       = "session_config"
	TopicAgentChange         = "agent_change"
	TopicAgentInventory      = "agent_inventory"
	TopicToolStart           = "tool_start"
	TopicToolEnd             = "tool_end"
	TopicTurnMetrics         = "turn_metrics"
)

// Envelope is the uniform message fanned out to session listeners.
type Envelope struct {
	Type      Kind   `json:"type"`
	Sender    string `json:"sender"`
	Payload   any    `json:"payload"`
	Topic     string `json:"topic"`
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
}

// defaultBuffer is the listener queue length used when Subscribe is called
// with a non-positive buffer.
const defaultBuffer = 32

// Bus fans envelopes out to the listeners of one session. All methods are
// safe for concurrent use.
type Bus struct {
	sessionID string
	callID    string
	metrics   *observe.Metrics

	mu     sync.Mutex
	subs   map[int]chan Envelope
	nextID int
	closed bool
}

// NewBus creates a bus for the given session. metrics may be nil, in which
// case the package-level default instruments record drops.
func NewBus(sessionID, callID string, metrics *observe.Metrics) *Bus {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Bus{
		sessionID: sessionID,
		callID:    callID,
		metrics:   metrics,
		subs:      make(map[int]chan Envelope),
	}
}

// Subscribe registers a listener and returns its channel plus an unsubscribe
// function. buffer <= 0 selects the default queue length. After Close the
// returned channel is already closed.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Publish fans an envelope out to every listener without blocking. A full
// listener loses its oldest queued envelope to make room; drops are counted.
func (b *Bus) Publish(kind Kind, sender, topic string, payload any) {
	env := Envelope{
		Type:      kind,
		Sender:    sender,
		Payload:   payload,
		Topic:     topic,
		SessionID: b.sessionID,
		CallID:    b.callID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- env:
			continue
		default:
		}
		// Full queue: discard the oldest envelope and retry once. A
		// concurrent receive may have already made room, in which case the
		// drain hits its default and nothing is lost.
		select {
		case <-ch:
			b.metrics.EventDrops.Add(context.Background(), 1)
		default:
		}
		select {
		case ch <- env:
		default:
			b.metrics.EventDrops.Add(context.Background(), 1)
		}
	}
}

// Event publishes a conversation event.
func (b *Bus) Event(sender, topic string, payload any) {
	b.Publish(KindEvent, sender, topic, payload)
}

// Status publishes a session status update.
func (b *Bus) Status(sender, topic string, payload any) {
	b.Publish(KindStatus, sender, topic, payload)
}

// TurnMetrics publishes a per-turn latency summary.
func (b *Bus) TurnMetrics(sender string, payload any) {
	b.Publish(KindTurnMetrics, sender, TopicTurnMetrics, payload)
}

// ListenerCount reports the number of registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every listener channel and rejects further activity.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
