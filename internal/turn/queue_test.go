package turn_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/loquora/internal/turn"
)

// dequeueAll empties q and returns the events in dequeue order. Only call it
// once all producers have finished.
func dequeueAll(t *testing.T, q *turn.Queue) []turn.Event {
	t.Helper()
	var out []turn.Event
	for range q.Len() {
		ev, ok := q.Dequeue(context.Background())
		if !ok {
			t.Fatal("Dequeue reported closed while events remained")
		}
		out = append(out, ev)
	}
	return out
}

func TestQueue_PreservesOrder(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(8, nil, nil)
	q.Enqueue(turn.FinalEvent{Text: "one"})
	q.Enqueue(turn.PartialEvent{Text: "two"})
	q.Enqueue(turn.FinalEvent{Text: "three"})

	got := dequeueAll(t, q)
	if len(got) != 3 {
		t.Fatalf("dequeued %d events, want 3", len(got))
	}
	if f, ok := got[0].(turn.FinalEvent); !ok || f.Text != "one" {
		t.Errorf("event 0 = %#v, want FinalEvent %q", got[0], "one")
	}
	if p, ok := got[1].(turn.PartialEvent); !ok || p.Text != "two" {
		t.Errorf("event 1 = %#v, want PartialEvent %q", got[1], "two")
	}
	if f, ok := got[2].(turn.FinalEvent); !ok || f.Text != "three" {
		t.Errorf("event 2 = %#v, want FinalEvent %q", got[2], "three")
	}
}

func TestQueue_DropsPartialWhenFull(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(2, nil, nil)
	if !q.Enqueue(turn.FinalEvent{Text: "a"}) || !q.Enqueue(turn.FinalEvent{Text: "b"}) {
		t.Fatal("failed to fill queue with finals")
	}

	if q.Enqueue(turn.PartialEvent{Text: "interim"}) {
		t.Error("partial was admitted to a full queue")
	}
	if got := q.Len(); got != 2 {
		t.Errorf("Len = %d after dropped partial, want 2", got)
	}
}

func TestQueue_FinalEvictsPartials(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(3, nil, nil)
	q.Enqueue(turn.PartialEvent{Text: "p1"})
	q.Enqueue(turn.PartialEvent{Text: "p2"})
	q.Enqueue(turn.FinalEvent{Text: "kept"})

	if !q.Enqueue(turn.FinalEvent{Text: "fresh"}) {
		t.Fatal("final was rejected although partials were evictable")
	}

	got := dequeueAll(t, q)
	if len(got) != 2 {
		t.Fatalf("dequeued %d events, want 2 (both finals)", len(got))
	}
	for i, want := range []string{"kept", "fresh"} {
		f, ok := got[i].(turn.FinalEvent)
		if !ok || f.Text != want {
			t.Errorf("event %d = %#v, want FinalEvent %q", i, got[i], want)
		}
	}
}

func TestQueue_DropsImportantWhenFullOfImportants(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(2, nil, nil)
	q.Enqueue(turn.FinalEvent{Text: "a"})
	q.Enqueue(turn.FinalEvent{Text: "b"})

	if q.Enqueue(turn.GreetingEvent{Text: "hello"}) {
		t.Error("greeting was admitted although nothing was evictable")
	}
	if got := q.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestQueue_TTSResponseWaitsForSpace(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(1, nil, nil)
	q.Enqueue(turn.FinalEvent{Text: "blocker"})

	result := make(chan bool, 1)
	go func() { result <- q.Enqueue(turn.TTSResponseEvent{Text: "direct answer"}) }()

	select {
	case ok := <-result:
		t.Fatalf("blocking enqueue returned %v before space was available", ok)
	case <-time.After(150 * time.Millisecond):
	}

	if _, ok := q.Dequeue(context.Background()); !ok {
		t.Fatal("Dequeue failed to free a slot")
	}

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("blocking enqueue returned false after space opened up")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking enqueue never completed after space opened up")
	}

	ev, ok := q.Dequeue(context.Background())
	if !ok {
		t.Fatal("Dequeue failed after blocking enqueue")
	}
	if r, isTTS := ev.(turn.TTSResponseEvent); !isTTS || r.Text != "direct answer" {
		t.Errorf("dequeued %#v, want the delayed TTSResponseEvent", ev)
	}
}

func TestQueue_CloseUnblocksPendingTTSResponse(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(1, nil, nil)
	q.Enqueue(turn.FinalEvent{Text: "blocker"})

	result := make(chan bool, 1)
	go func() { result <- q.Enqueue(turn.TTSResponseEvent{Text: "never"}) }()

	time.Sleep(80 * time.Millisecond)
	q.Close()

	select {
	case ok := <-result:
		if ok {
			t.Error("blocking enqueue succeeded on a closed queue")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking enqueue did not observe Close")
	}
}

func TestQueue_CloseRejectsNewEvents(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(4, nil, nil)
	q.Close()

	if q.Enqueue(turn.FinalEvent{Text: "late"}) {
		t.Error("Enqueue succeeded after Close")
	}
}

func TestQueue_DrainEmptiesAndCounts(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(8, nil, nil)
	q.Enqueue(turn.FinalEvent{Text: "a"})
	q.Enqueue(turn.PartialEvent{Text: "b"})
	q.Enqueue(turn.GreetingEvent{Text: "c"})

	if got := q.Drain(); got != 3 {
		t.Errorf("Drain = %d, want 3", got)
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len = %d after Drain, want 0", got)
	}
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := turn.NewQueue(4, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("Dequeue returned an event from an empty queue")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Dequeue blocked %v past its context deadline", elapsed)
	}
}

// TestQueue_ConcurrentFinalsSurviveEviction hammers a queue with mixed
// producers and verifies that eviction never loses an admitted final: every
// final reports admission and every admitted final is dequeued exactly once.
func TestQueue_ConcurrentFinalsSurviveEviction(t *testing.T) {
	t.Parallel()

	const (
		producers     = 5
		perProducer   = 50
		finalsTotal   = producers * perProducer / 2
		queueCapacity = finalsTotal + 25
	)

	q := turn.NewQueue(queueCapacity, nil, nil)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				if i%2 == 0 {
					q.Enqueue(turn.PartialEvent{Text: "interim"})
					continue
				}
				text := fmt.Sprintf("final-%d-%d", p, i)
				if !q.Enqueue(turn.FinalEvent{Text: text}) {
					t.Errorf("final %s was rejected; capacity should always admit it", text)
				}
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, ev := range dequeueAll(t, q) {
		if f, ok := ev.(turn.FinalEvent); ok {
			seen[f.Text]++
		}
	}
	if len(seen) != finalsTotal {
		t.Errorf("recovered %d distinct finals, want %d", len(seen), finalsTotal)
	}
	for text, n := range seen {
		if n != 1 {
			t.Errorf("final %s dequeued %d times, want exactly once", text, n)
		}
	}
}
