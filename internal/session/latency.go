package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/loquora/internal/observe"
)

// TurnTiming is the measured latency profile of one completed turn. Durations
// left at zero were never observed (e.g. a cancelled turn that produced no
// audio).
type TurnTiming struct {
	// Recognition spans the first substantive partial transcript to the
	// final transcript that started the turn.
	Recognition time.Duration

	// TimeToFirstToken spans the final transcript to the first LLM token.
	TimeToFirstToken time.Duration

	// TimeToFirstAudio spans the final transcript to the first playback
	// frame reaching the transport.
	TimeToFirstAudio time.Duration

	// TurnDuration spans the final transcript to turn completion, including
	// tool calls and playback.
	TurnDuration time.Duration
}

// LatencyAccumulator stamps the stage transitions of the turn pipeline and
// records them as metrics. One accumulator lives on each Session Context;
// recognition timing crosses turn boundaries (partials arrive before the
// final that opens the turn), so the accumulator is session-scoped rather
// than per turn.
//
// All methods are safe for concurrent use. The once-per-turn marks
// (MarkFirstToken, MarkFirstAudio) ignore repeated calls within one turn.
type LatencyAccumulator struct {
	metrics *observe.Metrics

	mu          sync.Mutex
	recStart    time.Time
	recognition time.Duration
	turnStart   time.Time
	firstToken  time.Time
	firstAudio  time.Time
}

// NewLatencyAccumulator creates an accumulator recording to m. A nil m uses
// [observe.DefaultMetrics].
func NewLatencyAccumulator(m *observe.Metrics) *LatencyAccumulator {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &LatencyAccumulator{metrics: m}
}

// MarkRecognitionStart stamps the arrival of the first substantive partial
// transcript. Further calls before MarkRecognitionEnd are ignored, so only
// the earliest partial of an utterance starts the clock.
func (l *LatencyAccumulator) MarkRecognitionStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recStart.IsZero() {
		l.recStart = time.Now()
	}
}

// MarkRecognitionEnd stamps the final transcript, records the recognition
// duration, and holds it for the TurnTiming of the turn that final opens.
// A final without a preceding MarkRecognitionStart records nothing.
func (l *LatencyAccumulator) MarkRecognitionEnd(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recStart.IsZero() {
		return
	}
	l.recognition = time.Since(l.recStart)
	l.recStart = time.Time{}
	l.metrics.STTDuration.Record(ctx, l.recognition.Seconds())
}

// BeginTurn opens the timing window for a new turn, discarding any marks of
// the previous one.
func (l *LatencyAccumulator) BeginTurn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turnStart = time.Now()
	l.firstToken = time.Time{}
	l.firstAudio = time.Time{}
}

// MarkFirstToken stamps the first LLM token of the current turn and records
// the TTFT histogram. Only the first call per turn has effect.
func (l *LatencyAccumulator) MarkFirstToken(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.turnStart.IsZero() || !l.firstToken.IsZero() {
		return
	}
	l.firstToken = time.Now()
	l.metrics.TimeToFirstToken.Record(ctx, l.firstToken.Sub(l.turnStart).Seconds())
	observe.AddEvent(ctx, "first_token")
}

// MarkFirstAudio stamps the first playback frame of the current turn and
// records the TTFA histogram. Only the first call per turn has effect.
func (l *LatencyAccumulator) MarkFirstAudio(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.turnStart.IsZero() || !l.firstAudio.IsZero() {
		return
	}
	l.firstAudio = time.Now()
	l.metrics.TimeToFirstAudio.Record(ctx, l.firstAudio.Sub(l.turnStart).Seconds())
	observe.AddEvent(ctx, "first_audio")
}

// EndTurn closes the timing window, records the turn-duration histogram, and
// returns the assembled profile. Calling EndTurn without an open turn returns
// a zero TurnTiming and records nothing.
func (l *LatencyAccumulator) EndTurn(ctx context.Context) TurnTiming {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.turnStart.IsZero() {
		return TurnTiming{}
	}

	t := TurnTiming{
		Recognition:  l.recognition,
		TurnDuration: time.Since(l.turnStart),
	}
	if !l.firstToken.IsZero() {
		t.TimeToFirstToken = l.firstToken.Sub(l.turnStart)
	}
	if !l.firstAudio.IsZero() {
		t.TimeToFirstAudio = l.firstAudio.Sub(l.turnStart)
	}

	l.metrics.TurnDuration.Record(ctx, t.TurnDuration.Seconds())
	l.turnStart = time.Time{}
	l.firstToken = time.Time{}
	l.firstAudio = time.Time{}
	l.recognition = 0
	return t
}
