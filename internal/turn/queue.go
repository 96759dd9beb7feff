package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/loquora/internal/observe"
)

// DefaultQueueCapacity bounds the per-session work queue.
const DefaultQueueCapacity = 50

// ttsEnqueueTimeout is how long a TTSResponseEvent waits for queue space
// after eviction failed to make room.
const ttsEnqueueTimeout = 5 * time.Second

// ttsEnqueueRetry is the polling interval of the blocking wait.
const ttsEnqueueRetry = 50 * time.Millisecond

// Queue is the bounded event queue between the audio-ingress lane and the
// turn loop. Enqueue policy under pressure: partials are dropped silently;
// important events trigger an atomic eviction pass that removes queued
// partials; if the queue is still full, TTSResponse events wait for space up
// to a timeout and every other important event is dropped with an error log.
//
// All methods are safe for concurrent use. Enqueue order is preserved per
// producer: the enqueue mutex also covers the eviction drain-and-refill, so
// no producer can slip an event between a drain and its refill.
type Queue struct {
	mu      sync.Mutex
	items   chan Event
	metrics *observe.Metrics
	logger  *slog.Logger
	closed  bool
}

// NewQueue creates a queue with the given capacity; capacity <= 0 selects
// [DefaultQueueCapacity]. metrics and logger may be nil.
func NewQueue(capacity int, metrics *observe.Metrics, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:   make(chan Event, capacity),
		metrics: metrics,
		logger:  logger,
	}
}

// Enqueue adds ev to the queue, applying the pressure policy. It reports
// whether the event was queued.
func (q *Queue) Enqueue(ev Event) bool {
	if q.tryEnqueue(ev, true) {
		return true
	}

	if !ev.important() {
		// Partials are disposable under pressure.
		return false
	}

	if _, ok := ev.(TTSResponseEvent); ok {
		return q.enqueueBlocking(ev)
	}

	q.logger.Error("turn queue full, dropping important event", "event", eventName(ev))
	return false
}

// tryEnqueue attempts a single non-blocking enqueue under the mutex. When
// evict is true and the fast path fails for an important event, it runs one
// eviction pass and retries once.
func (q *Queue) tryEnqueue(ev Event, evict bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	select {
	case q.items <- ev:
		q.metrics.QueueDepth.Add(context.Background(), 1)
		return true
	default:
	}

	if !evict || !ev.important() || !q.evictPartialsLocked() {
		return false
	}

	select {
	case q.items <- ev:
		q.metrics.QueueDepth.Add(context.Background(), 1)
		return true
	default:
		return false
	}
}

// evictPartialsLocked drains the queue, discards partials, and refills the
// survivors in order. The caller holds q.mu, so no producer can interleave
// with the drain and refill; a concurrent Dequeue may consume survivors
// mid-refill, which only frees more room. Reports whether at least one slot
// was freed.
func (q *Queue) evictPartialsLocked() bool {
	kept := make([]Event, 0, cap(q.items))
	evicted := 0
drain:
	for {
		select {
		case e := <-q.items:
			if e.important() {
				kept = append(kept, e)
				continue
			}
			evicted++
		default:
			break drain
		}
	}
	for _, e := range kept {
		q.items <- e
	}
	if evicted > 0 {
		q.metrics.QueueEvictions.Add(context.Background(), int64(evicted))
		q.metrics.QueueDepth.Add(context.Background(), int64(-evicted))
		q.logger.Debug("evicted partials from full turn queue", "count", evicted)
	}
	return evicted > 0
}

// enqueueBlocking retries the enqueue until it succeeds or the timeout
// elapses. Polling instead of a parked channel send keeps every write to
// q.items under the mutex, so eviction and close never race a sender.
func (q *Queue) enqueueBlocking(ev Event) bool {
	deadline := time.Now().Add(ttsEnqueueTimeout)
	ticker := time.NewTicker(ttsEnqueueRetry)
	defer ticker.Stop()
	for {
		<-ticker.C
		if q.tryEnqueue(ev, true) {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Error("turn queue full, dropping speech result after blocking wait",
				"timeout", ttsEnqueueTimeout)
			return false
		}
	}
}

// Dequeue blocks until an event is available or ctx is cancelled. The second
// return is false when the caller should stop consuming.
func (q *Queue) Dequeue(ctx context.Context) (Event, bool) {
	select {
	case ev := <-q.items:
		q.metrics.QueueDepth.Add(context.Background(), -1)
		return ev, true
	case <-ctx.Done():
		return nil, false
	}
}

// Drain removes all pending events and returns how many were discarded.
// Used by barge-in cancellation before aborting the in-flight turn.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for {
		select {
		case <-q.items:
			n++
		default:
			if n > 0 {
				q.metrics.QueueDepth.Add(context.Background(), int64(-n))
			}
			return n
		}
	}
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close stops intake; queued events remain readable through Dequeue.
// Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
