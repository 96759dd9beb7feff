package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/loquora/internal/events"
	"github.com/MrWong99/loquora/internal/observe"
	"github.com/MrWong99/loquora/internal/playback"
	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/internal/transport"
	"github.com/MrWong99/loquora/pkg/audio"
	"github.com/MrWong99/loquora/pkg/provider/stt"
	"github.com/MrWong99/loquora/pkg/types"
)

// Utterances shorter than these thresholds (after trimming) are treated as
// recognizer noise: too short to interrupt playback, too short to answer.
const (
	bargeInPartialMin = 3
	bargeInFinalMin   = 1
)

// bargeInProbeWait bounds how long the audio lane waits for a cancellation
// probe before enqueueing the final that triggered it.
const bargeInProbeWait = time.Second

// apologyText is spoken when a turn fails for any reason other than
// cancellation, so the caller is never left with dead air.
const apologyText = "I'm sorry, I'm having trouble right now. Could you say that again?"

const senderEngine = "engine"

// ErrRecognizerNotReady is returned by WriteAudio before a recognizer stream
// has been attached. Callers must not drop audio silently; the first frames
// of an utterance are exactly the ones a late-created stream would lose.
var ErrRecognizerNotReady = errors.New("turn: recognizer stream not attached")

// State is the lifecycle phase of the active turn.
type State int32

const (
	// StateIdle means no turn is active; inbound finals start one.
	StateIdle State = iota
	// StateProcessing means a turn is running but no audio has played yet.
	StateProcessing
	// StateSpeaking means response audio is being synthesized or streamed.
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Input is one user utterance handed to the Processor. Synthetic inputs come
// from DTMF digit buffers or typed text rather than speech recognition.
type Input struct {
	Text      string
	Language  string
	Synthetic bool
}

// ChunkFunc plays one response chunk and blocks until its audio has been
// handed to the transport. It reports false when playback was cancelled or
// failed, signalling the producer to stop generating further chunks.
type ChunkFunc func(text string) bool

// Result summarizes one processed turn.
type Result struct {
	// ResponseText is the full assistant response, including chunks that
	// were cut off by cancellation.
	ResponseText string

	// AgentName identifies the agent that produced the response. After a
	// handoff this is the agent the conversation switched to.
	AgentName string

	// Usage aggregates token consumption across every model call of the
	// turn, tool-loop iterations included.
	Usage types.TokenUsage

	// Interrupted is true when playback or generation was cancelled before
	// the response completed.
	Interrupted bool
}

// Processor runs one conversation turn against the active agent: prompt
// assembly, model streaming, tool calls, handoffs. It emits response chunks
// through emit as they become speakable and must stop promptly once emit
// returns false or ctx is cancelled.
type Processor interface {
	ProcessTurn(ctx context.Context, sess *session.Session, in Input, emit ChunkFunc) (Result, error)
}

// Config assembles an Engine. Session, Processor, Player and Sender are
// required.
type Config struct {
	Session   *session.Session
	Processor Processor
	Player    *playback.Player
	Sender    transport.Sender

	// Queue overrides the default work queue, mainly for tests.
	Queue *Queue

	// DTMFTimeout overrides the digit-buffer inactivity flush.
	DTMFTimeout time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Engine owns the turn lifecycle of one session. Three lanes cooperate:
//
//   - the audio lane consumes recognizer transcripts and only ever posts
//     events or schedules work, so it can never stall audio ingress;
//   - the turn lane dequeues one event at a time and runs it to completion,
//     which serializes turns per session;
//   - cancellation probes run on the session runner, away from both.
//
// Barge-in bridges the first lane to the second: a substantive partial
// transcript drains the queue and cancels the in-flight turn, bounded by one
// frame duration plus scheduling slack.
type Engine struct {
	sess    *session.Session
	proc    Processor
	player  *playback.Player
	sender  transport.Sender
	queue   *Queue
	dtmf    *DTMFBuffer
	metrics *observe.Metrics
	logger  *slog.Logger

	state atomic.Int32

	// inFormat and conv normalise inbound PCM to the recognizer's format.
	// Both are touched only from the transport read loop goroutine.
	inFormat audio.Format
	conv     audio.FormatConverter

	mu         sync.Mutex
	loopCtx    context.Context
	loopCancel context.CancelFunc
	turnCancel context.CancelFunc
	turnSpan   trace.Span

	lanes        sync.WaitGroup
	audioDropped atomic.Int64
	startOnce    sync.Once
	stopOnce     sync.Once
}

var _ transport.Handler = (*Engine)(nil)

// New validates cfg and builds an Engine. The engine is inert until Start.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Session == nil:
		return nil, errors.New("turn: config requires a session")
	case cfg.Processor == nil:
		return nil, errors.New("turn: config requires a processor")
	case cfg.Player == nil:
		return nil, errors.New("turn: config requires a player")
	case cfg.Sender == nil:
		return nil, errors.New("turn: config requires a transport sender")
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.Session.ID)

	q := cfg.Queue
	if q == nil {
		q = NewQueue(DefaultQueueCapacity, m, logger)
	}

	target := audio.Mono16(cfg.Session.Transport.SampleRate())
	e := &Engine{
		sess:     cfg.Session,
		proc:     cfg.Processor,
		player:   cfg.Player,
		sender:   cfg.Sender,
		queue:    q,
		inFormat: target,
		conv:     audio.FormatConverter{Target: target},
		metrics:  m,
		logger:   logger,
	}
	e.dtmf = NewDTMFBuffer(cfg.DTMFTimeout, e.flushDTMF)
	return e, nil
}

// Start launches the engine's lanes. The turn lane runs until Stop or ctx
// cancellation; the audio lane additionally requires a recognizer stream and
// is launched here when one is already attached, or by AttachSTT later.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.loopCtx = loopCtx
		e.loopCancel = cancel
		e.mu.Unlock()

		e.lanes.Add(1)
		go func() {
			defer e.lanes.Done()
			e.turnLane(loopCtx)
		}()

		if h := e.sess.STT(); h != nil {
			e.lanes.Add(1)
			go func() {
				defer e.lanes.Done()
				e.audioLane(loopCtx, h)
			}()
		}
	})
}

// AttachSTT points the audio lane at a freshly opened recognizer stream and
// begins consuming its transcripts. Call again after a recognizer restart;
// the lane reading the previous stream exits once that stream closes.
func (e *Engine) AttachSTT(h stt.SessionHandle) {
	e.sess.SetSTT(h)

	e.mu.Lock()
	ctx := e.loopCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	e.lanes.Add(1)
	go func() {
		defer e.lanes.Done()
		e.audioLane(ctx, h)
	}()
}

// Stop cancels the in-flight turn, shuts down both lanes and rejects further
// work. It blocks until the lanes have exited. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.dtmf.Stop()
		e.queue.Close()

		e.mu.Lock()
		cancelTurn := e.turnCancel
		cancelLoop := e.loopCancel
		e.mu.Unlock()

		e.sess.RequestCancel()
		if cancelTurn != nil {
			cancelTurn()
		}
		if cancelLoop != nil {
			cancelLoop()
		}
		e.lanes.Wait()
		e.sess.ClearCancel()
		e.setState(StateIdle)
	})
}

// State reports the current turn phase.
func (e *Engine) State() State { return State(e.state.Load()) }

// Enqueue posts ev to the work queue, subject to the queue's admission rules.
// Use it to inject greetings, announcements and synthetic utterances.
func (e *Engine) Enqueue(ev Event) bool { return e.queue.Enqueue(ev) }

// QueueLen reports the number of events waiting for the turn lane.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// WriteAudio forwards one PCM frame to the recognizer stream. It fails with
// ErrRecognizerNotReady before AttachSTT so no caller loses bytes silently.
func (e *Engine) WriteAudio(pcm []byte) error {
	h := e.sess.STT()
	if h == nil {
		return ErrRecognizerNotReady
	}
	return h.SendAudio(pcm)
}

// ─── transport.Handler ───

// OnAudio implements [transport.Handler]. Inbound PCM is normalised to the
// recognizer's format first. Frames arriving before the recognizer stream
// exists are counted and sparsely logged rather than blocking the read loop.
func (e *Engine) OnAudio(pcm []byte) {
	pcm = e.conv.Convert(pcm, e.inFormat)
	if len(pcm) == 0 {
		return
	}
	if err := e.WriteAudio(pcm); err != nil {
		if n := e.audioDropped.Add(1); n == 1 || n%100 == 0 {
			e.logger.Warn("turn: dropping inbound audio", "error", err, "dropped", n)
		}
	}
}

// OnAudioMetadata implements [transport.Handler]. The announced format
// applies to every subsequent frame until the next announcement.
func (e *Engine) OnAudioMetadata(sampleRate, channels int) {
	if sampleRate > 0 {
		e.inFormat.SampleRate = sampleRate
	}
	if channels > 0 {
		e.inFormat.Channels = channels
	}
	e.logger.Debug("turn: caller audio format", "sample_rate", sampleRate, "channels", channels)
}

// OnStopAudio implements [transport.Handler]. An explicit stop request is
// deliberate, so it cancels even playback that suppresses speech barge-in.
func (e *Engine) OnStopAudio() {
	e.sess.Schedule(func() { e.cancelActive("client_stop") })
}

// OnDTMF implements [transport.Handler].
func (e *Engine) OnDTMF(tone string) {
	e.dtmf.Press(tone)
}

// OnText implements [transport.Handler]. Typed input becomes a synthetic
// final utterance and takes the same path as recognized speech.
func (e *Engine) OnText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e.queue.Enqueue(FinalEvent{Text: text, Synthetic: true})
}

// ─── audio lane ───

func (e *Engine) audioLane(ctx context.Context, h stt.SessionHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-h.Partials():
			if !ok {
				return
			}
			e.handlePartial(t)
		case t, ok := <-h.Finals():
			if !ok {
				return
			}
			e.handleFinal(t)
		case err, ok := <-h.Errors():
			if !ok {
				return
			}
			if errors.Is(err, stt.ErrSessionClosed) {
				return
			}
			e.queue.Enqueue(ErrorEvent{Err: err})
		}
	}
}

func (e *Engine) handlePartial(t types.Transcript) {
	text := strings.TrimSpace(t.Text)
	if len(text) <= bargeInPartialMin {
		return
	}
	e.sess.Latency.MarkRecognitionStart()
	e.maybeBargeIn("partial_transcript")
	e.queue.Enqueue(PartialEvent{Text: t.Text, Language: t.Language})
}

func (e *Engine) handleFinal(t types.Transcript) {
	text := strings.TrimSpace(t.Text)
	if len(text) <= bargeInFinalMin {
		return
	}
	e.mu.Lock()
	ctx := e.loopCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.sess.Latency.MarkRecognitionEnd(ctx)

	// A final that interrupts an active turn must not race the probe's
	// queue drain, or the drain would swallow this utterance too. The probe
	// only drains and signals, so the wait stays well under a second.
	if h := e.maybeBargeIn("final_transcript"); h != nil {
		h.Wait(bargeInProbeWait)
	}
	e.queue.Enqueue(FinalEvent{Text: text, Language: t.Language})
}

// maybeBargeIn posts a cancellation probe to the session runner when the
// session looks interruptible, returning its handle. The cheap pre-checks
// run on the audio lane; the probe re-checks on the runner, where state
// transitions are ordered against playback.
func (e *Engine) maybeBargeIn(trigger string) *session.TaskHandle {
	if e.sess.BargeInSuppressed() {
		return nil
	}
	if e.State() == StateIdle && !e.sess.Synthesizing() && !e.sess.AudioPlaying() {
		return nil
	}
	return e.sess.Schedule(func() { e.bargeInProbe(trigger) })
}

// bargeInProbe runs on the session runner.
func (e *Engine) bargeInProbe(trigger string) {
	if e.sess.BargeInSuppressed() {
		return
	}
	if e.State() == StateIdle && !e.sess.Synthesizing() && !e.sess.AudioPlaying() {
		return
	}
	e.cancelActive(trigger)
}

// cancelActive stops the in-flight turn: drain queued work, raise the
// cancellation flag for the playback loop, cancel the turn context for
// provider streams, then cut the transport's output. Runs on the session
// runner so it is ordered against scheduled playback checks.
func (e *Engine) cancelActive(trigger string) {
	dropped := e.queue.Drain()
	e.sess.RequestCancel()

	e.mu.Lock()
	cancel := e.turnCancel
	span := e.turnSpan
	ctx := e.loopCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if cancel != nil {
		cancel()
	}
	if span != nil {
		span.AddEvent("barge_in", trace.WithAttributes(attribute.String("trigger", trigger)))
	}

	if err := e.sender.SendStopAudio(ctx); err != nil && !errors.Is(err, transport.ErrConnClosed) {
		e.logger.Warn("turn: stop-audio signal failed", "error", err)
	}

	e.metrics.RecordBargeIn(ctx, trigger)
	e.sess.Bus.Event(senderEngine, events.TopicAssistantCancelled, map[string]any{"trigger": trigger})
	e.logger.Info("turn: cancelled active turn", "trigger", trigger, "dropped_events", dropped)
	e.setState(StateIdle)
}

// ─── turn lane ───

func (e *Engine) turnLane(ctx context.Context) {
	for {
		ev, ok := e.queue.Dequeue(ctx)
		if !ok {
			return
		}
		e.dispatch(ctx, ev)
	}
}

func (e *Engine) dispatch(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case PartialEvent:
		e.sess.Bus.Event(senderEngine, events.TopicUserTranscript, map[string]any{
			"text": ev.Text, "final": false, "language": ev.Language,
		})
	case FinalEvent:
		e.runTurn(ctx, ev)
	case TTSResponseEvent:
		e.speak(ctx, ev.Text, nil, false)
	case GreetingEvent:
		e.speak(ctx, ev.Text, ev.Voice, true)
	case AnnouncementEvent:
		e.speak(ctx, ev.Text, ev.Voice, true)
	case StatusUpdateEvent:
		e.speak(ctx, ev.Text, ev.Voice, false)
	case ErrorEvent:
		e.logger.Error("turn: recognizer error", "error", ev.Err)
	default:
		e.logger.Warn("turn: unhandled queue event", "event", eventName(ev))
	}
}

// runTurn drives one full turn: open the span and cancellation scope, hand
// the utterance to the processor, and publish transcripts and timings. The
// stale cancellation flag is cleared first; a barge-in that already did its
// work must not poison this turn's playback.
func (e *Engine) runTurn(ctx context.Context, ev FinalEvent) {
	e.sess.ClearCancel()

	turnCtx, cancel := context.WithCancel(ctx)
	spanCtx, span := observe.StartSpan(turnCtx, "turn",
		trace.WithAttributes(
			attribute.String("session.id", e.sess.ID),
			attribute.Bool("input.synthetic", ev.Synthetic),
		),
	)
	e.mu.Lock()
	e.turnCancel = cancel
	e.turnSpan = span
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.turnCancel = nil
		e.turnSpan = nil
		e.mu.Unlock()
		cancel()
		span.End()
		e.setState(StateIdle)
	}()

	e.setState(StateProcessing)
	e.sess.Latency.BeginTurn()
	e.sess.Bus.Event(senderEngine, events.TopicUserTranscript, map[string]any{
		"text": ev.Text, "final": true, "language": ev.Language, "synthetic": ev.Synthetic,
	})

	in := Input{Text: ev.Text, Language: ev.Language, Synthetic: ev.Synthetic}
	res, err := e.proc.ProcessTurn(spanCtx, e.sess, in, e.chunkFunc(spanCtx))
	timing := e.sess.Latency.EndTurn(spanCtx)

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		e.logger.Info("turn: processing cancelled", "agent", res.AgentName)
		res.Interrupted = true
	default:
		e.logger.Error("turn: processing failed", "error", err, "agent", res.AgentName)
		span.RecordError(err)
		if !e.sess.CancelRequested() {
			e.speak(spanCtx, apologyText, nil, false)
		}
	}

	if res.ResponseText != "" {
		e.sess.Bus.Event(senderEngine, events.TopicAssistantTranscript, map[string]any{
			"text":        res.ResponseText,
			"agent":       res.AgentName,
			"interrupted": res.Interrupted,
		})
	}
	e.sess.Bus.TurnMetrics(senderEngine, map[string]any{
		"agent":                  res.AgentName,
		"interrupted":            res.Interrupted,
		"recognition_ms":         timing.Recognition.Milliseconds(),
		"time_to_first_token_ms": timing.TimeToFirstToken.Milliseconds(),
		"time_to_first_audio_ms": timing.TimeToFirstAudio.Milliseconds(),
		"turn_duration_ms":       timing.TurnDuration.Milliseconds(),
		"input_tokens":           res.Usage.Input,
		"output_tokens":          res.Usage.Output,
	})
	e.logger.Info("turn: complete",
		"agent", res.AgentName,
		"interrupted", res.Interrupted,
		"duration", timing.TurnDuration,
		"response_chars", len(res.ResponseText),
	)
}

// chunkFunc builds the emit callback handed to the processor. The first
// chunk flips the state to speaking; it stays there until the turn ends so
// partial transcripts keep triggering barge-in between chunks.
func (e *Engine) chunkFunc(ctx context.Context) ChunkFunc {
	return func(text string) bool {
		if strings.TrimSpace(text) == "" {
			return true
		}
		e.setState(StateSpeaking)
		return e.player.Speak(ctx, e.sess, playback.Request{
			Text:         text,
			Blocking:     true,
			OnFirstAudio: func() { e.sess.Latency.MarkFirstAudio(ctx) },
		})
	}
}

// speak plays standalone text outside a processor turn: greetings,
// announcements, status updates and direct responses. Suppressed playback
// keeps echo of the engine's own voice from triggering barge-in.
func (e *Engine) speak(ctx context.Context, text string, voice *types.VoiceProfile, suppress bool) bool {
	if suppress {
		e.sess.SetBargeInSuppressed(true)
		defer e.sess.SetBargeInSuppressed(false)
	}
	e.setState(StateSpeaking)
	defer e.setState(StateIdle)
	return e.player.Speak(ctx, e.sess, playback.Request{Text: text, Voice: voice, Blocking: true})
}

func (e *Engine) flushDTMF(digits string) {
	e.logger.Info("turn: dtmf buffer flushed", "digits", digits)
	e.queue.Enqueue(FinalEvent{Text: digits, Synthetic: true})
}

func (e *Engine) setState(s State) {
	old := State(e.state.Swap(int32(s)))
	if old != s {
		e.logger.Debug("turn: state change", "from", old.String(), "to", s.String())
	}
}
