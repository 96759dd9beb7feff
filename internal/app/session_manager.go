package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/config"
	"github.com/MrWong99/loquora/internal/events"
	"github.com/MrWong99/loquora/internal/observe"
	"github.com/MrWong99/loquora/internal/orchestrator"
	"github.com/MrWong99/loquora/internal/playback"
	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/internal/summary"
	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/internal/transport"
	"github.com/MrWong99/loquora/internal/turn"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/provider/pool"
	"github.com/MrWong99/loquora/pkg/provider/realtime"
	"github.com/MrWong99/loquora/pkg/provider/stt"
	"github.com/MrWong99/loquora/pkg/provider/tts"
	"github.com/MrWong99/loquora/pkg/types"
)

const (
	// sessionStopTimeout bounds one session's teardown: history flush,
	// final summary and context cleanup together.
	sessionStopTimeout = 10 * time.Second

	// taskDrainTimeout is how long teardown waits for a session's tracked
	// background goroutines before giving up on them.
	taskDrainTimeout = 2 * time.Second
)

// Conn is the server side of one media WebSocket: the outbound half used for
// playback and signalling plus the inbound read loop. Both transport
// connection types satisfy it.
type Conn interface {
	transport.Sender

	// ReadLoop consumes inbound frames and dispatches them to h until the
	// peer disconnects or ctx is cancelled.
	ReadLoop(ctx context.Context, h transport.Handler) error

	Close() error
}

// eventForwarder is implemented by connections that mirror the session event
// stream to the client alongside audio. Only the browser transport does.
type eventForwarder interface {
	ForwardEvents(ctx context.Context, bus *events.Bus)
}

// StartOptions carry per-connection parameters from the HTTP layer into a new
// session.
type StartOptions struct {
	// Kind selects the session mode. Invalid or zero means the
	// connection's own kind.
	Kind types.TransportKind

	// CallID is the caller-supplied correlation ID, if any.
	CallID string
}

// SessionManagerConfig bundles the shared infrastructure every session is
// built from.
type SessionManagerConfig struct {
	Config        *config.Config
	Store         memory.Store
	Providers     *Providers
	STTPool       *pool.Pool[stt.Provider]
	TTSPool       *pool.Pool[tts.Provider]
	Tools         *tool.Registry
	Scenario      func() *agent.Scenario
	Orchestrators *orchestrator.Registry
	Summariser    *summary.Summariser
	Metrics       *observe.Metrics
}

// SessionManager owns every live session: it assembles the per-connection
// pipeline when a WebSocket arrives, tears it down when the peer leaves and
// drains whatever is still connected on shutdown. All exported methods are
// safe for concurrent use.
type SessionManager struct {
	cfg        *config.Config
	store      memory.Store
	providers  *Providers
	sttPool    *pool.Pool[stt.Provider]
	ttsPool    *pool.Pool[tts.Provider]
	tools      *tool.Registry
	scenario   func() *agent.Scenario
	orchs      *orchestrator.Registry
	summariser *summary.Summariser
	metrics    *observe.Metrics

	mu       sync.Mutex
	live     map[string]*liveSession
	draining bool
}

// liveSession bundles one session's moving parts so teardown can unwind them
// in order.
type liveSession struct {
	sess   *session.Session
	engine *turn.Engine
	orch   *orchestrator.Orchestrator
	conn   Conn
	kind   types.TransportKind

	// ctx scopes everything that must outlive the accept request; cancel
	// ends it during teardown.
	ctx    context.Context
	cancel context.CancelFunc

	// closers run in reverse order during teardown.
	closers  []func() error
	stopOnce sync.Once
}

// NewSessionManager builds a manager from cfg. It does not check provider
// availability up front; sessions that need a missing provider are rejected
// when they start.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:        cfg.Config,
		store:      cfg.Store,
		providers:  cfg.Providers,
		sttPool:    cfg.STTPool,
		ttsPool:    cfg.TTSPool,
		tools:      cfg.Tools,
		scenario:   cfg.Scenario,
		orchs:      cfg.Orchestrators,
		summariser: cfg.Summariser,
		metrics:    cfg.Metrics,
		live:       make(map[string]*liveSession),
	}
}

// Run drives one connection for its whole life: it assembles the session,
// blocks in the read loop and tears everything down when the peer leaves.
// The returned error describes why the session could not start or ended
// abnormally; a clean disconnect returns nil.
func (sm *SessionManager) Run(ctx context.Context, conn Conn, opts StartOptions) error {
	ls, err := sm.start(ctx, conn, opts)
	if err != nil {
		_ = conn.SendError(ctx, "session_unavailable", "the service cannot take this conversation right now")
		_ = conn.Close()
		return err
	}
	defer sm.stop(ls)

	// Browser clients receive the session event stream alongside media.
	if fw, ok := conn.(eventForwarder); ok {
		sessCtx, bus := ls.ctx, ls.sess.Bus
		ls.sess.Go(func() { fw.ForwardEvents(sessCtx, bus) })
	}

	if err := conn.ReadLoop(ls.ctx, ls.engine); err != nil &&
		!errors.Is(err, transport.ErrConnClosed) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session %s: read loop: %w", ls.sess.ID, err)
	}
	return nil
}

// Len reports the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.live)
}

// IDs returns the IDs of all live sessions, in no particular order.
func (sm *SessionManager) IDs() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ids := make([]string, 0, len(sm.live))
	for id := range sm.live {
		ids = append(ids, id)
	}
	return ids
}

// Stop tears down the session with the given ID, if it is live. It reports
// whether a session was found.
func (sm *SessionManager) Stop(sessionID string) bool {
	sm.mu.Lock()
	ls, ok := sm.live[sessionID]
	sm.mu.Unlock()
	if !ok {
		return false
	}
	sm.stop(ls)
	return true
}

// DrainAll stops every live session concurrently and blocks until all of
// them have finished tearing down or ctx expires. New sessions are rejected
// from the first call onward.
func (sm *SessionManager) DrainAll(ctx context.Context) {
	sm.mu.Lock()
	sm.draining = true
	open := make([]*liveSession, 0, len(sm.live))
	for _, ls := range sm.live {
		open = append(open, ls)
	}
	sm.mu.Unlock()

	if len(open) == 0 {
		return
	}
	slog.Info("draining sessions", "count", len(open))

	var wg sync.WaitGroup
	for _, ls := range open {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.stop(ls)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("session drain cut short", "error", ctx.Err())
	}
}

// start assembles the full pipeline for one connection. On error everything
// built so far is unwound and the connection is left open so the caller can
// report the failure before closing it.
func (sm *SessionManager) start(ctx context.Context, conn Conn, opts StartOptions) (*liveSession, error) {
	sm.mu.Lock()
	draining := sm.draining
	sm.mu.Unlock()
	if draining {
		return nil, errors.New("session: server is shutting down")
	}

	kind := opts.Kind
	if !kind.IsValid() {
		kind = conn.Kind()
	}

	sc := sm.scenario()
	if sc == nil || len(sc.Agents) == 0 {
		return nil, errors.New("session: no scenario loaded")
	}
	if kind == types.TransportRealtime {
		if sm.providers == nil || sm.providers.Realtime == nil {
			return nil, errors.New("session: realtime mode requested but no realtime provider is configured")
		}
	} else if sm.sttPool == nil || sm.ttsPool == nil {
		return nil, fmt.Errorf("session: %s mode needs stt and tts providers", kind)
	}

	// Realtime sessions synthesize on the provider side, so they get no
	// local TTS pool and playback stays inert.
	ttsPool := sm.ttsPool
	if kind == types.TransportRealtime {
		ttsPool = nil
	}
	sess := session.New(session.Config{
		CallID:    opts.CallID,
		Transport: kind,
		Store:     sm.store,
		TTSPool:   ttsPool,
		Metrics:   sm.metrics,
	})
	ls := &liveSession{sess: sess, conn: conn, kind: kind}

	orch, err := orchestrator.New(orchestrator.Config{
		Session:  sess,
		LLM:      sm.providers.LLM,
		Scenario: sc,
		Tools:    sm.tools,
		MinChunk: sm.cfg.Turn.MinChunk,
		MaxChunk: sm.cfg.Turn.MaxChunk,
	})
	if err != nil {
		ls.unwind()
		return nil, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	ls.orch = orch
	ls.closers = append(ls.closers, func() error {
		sm.orchs.Unregister(sess.ID)
		orch.Close()
		return nil
	})

	fallbackVoice, _ := orch.AgentVoice(orch.ActiveAgent())
	player := playback.New(playback.Config{
		Sender:   conn,
		Resolver: orch.AgentVoice,
		Fallback: fallbackVoice,
		Metrics:  sm.metrics,
	})

	logger := slog.With("session_id", sess.ID, "transport", string(kind))
	var queue *turn.Queue
	if sm.cfg.Turn.QueueSize > 0 {
		queue = turn.NewQueue(sm.cfg.Turn.QueueSize, sm.metrics, logger)
	}
	engine, err := turn.New(turn.Config{
		Session:     sess,
		Processor:   orch,
		Player:      player,
		Sender:      conn,
		Queue:       queue,
		DTMFTimeout: sm.cfg.Turn.DTMFTimeout(),
		Metrics:     sm.metrics,
		Logger:      logger,
	})
	if err != nil {
		ls.unwind()
		return nil, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	ls.engine = engine

	// The session outlives the accept request, so its context detaches
	// from ctx here. ctx still bounds the provider dials below.
	ls.ctx, ls.cancel = context.WithCancel(context.Background())
	engine.Start(ls.ctx)
	ls.closers = append(ls.closers, func() error {
		engine.Stop()
		return nil
	})

	switch kind {
	case types.TransportRealtime:
		err = sm.startRealtime(ctx, ls, sc)
	default:
		err = sm.startCascade(ctx, ls)
	}
	if err != nil {
		ls.unwind()
		return nil, err
	}

	sm.mu.Lock()
	if sm.draining {
		sm.mu.Unlock()
		ls.unwind()
		return nil, errors.New("session: server is shutting down")
	}
	sm.live[sess.ID] = ls
	sm.mu.Unlock()
	sm.orchs.Register(orch)

	logger.Info("session started",
		"call_id", opts.CallID,
		"scenario", sc.Name,
		"agents", len(sc.Agents),
		"active_agent", orch.ActiveAgent())
	return ls, nil
}

// startCascade wires the recognizer lane and queues the greeting for
// telephony and browser sessions.
func (sm *SessionManager) startCascade(ctx context.Context, ls *liveSession) error {
	prov, err := sm.sttPool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("session %s: acquire recognizer: %w", ls.sess.ID, err)
	}
	ls.closers = append(ls.closers, func() error {
		sm.sttPool.Release(prov)
		return nil
	})

	handle, err := prov.StartStream(ls.ctx, stt.StreamConfig{
		SampleRate:     ls.kind.SampleRate(),
		Channels:       1,
		Encoding:       "linear16",
		Languages:      sm.cfg.Speech.Languages,
		SilenceTimeout: sm.cfg.Speech.SilenceTimeout(),
	})
	if err != nil {
		return fmt.Errorf("session %s: open recognizer stream: %w", ls.sess.ID, err)
	}
	// AttachSTT hands the stream to the session, which closes it on Close.
	ls.engine.AttachSTT(handle)

	if text, voice := ls.orch.Greeting(ctx); text != "" {
		ls.engine.Enqueue(turn.GreetingEvent{Text: text, Voice: &voice})
	}
	return nil
}

// startRealtime opens the provider-side speech session and pushes the
// scenario into it. The provider greets on its own once instructions land,
// so nothing is queued locally.
func (sm *SessionManager) startRealtime(ctx context.Context, ls *liveSession, sc *agent.Scenario) error {
	voice, _ := ls.orch.AgentVoice(ls.orch.ActiveAgent())
	handle, err := sm.providers.Realtime.Connect(ctx, realtime.SessionConfig{Voice: voice})
	if err != nil {
		return fmt.Errorf("session %s: connect realtime provider: %w", ls.sess.ID, err)
	}
	ls.sess.SetRealtime(handle)

	if err := ls.orch.UpdateScenario(ctx, sc); err != nil {
		slog.Warn("initial realtime instruction push failed",
			"session_id", ls.sess.ID, "error", err)
	}
	return nil
}

// stop removes ls from the live set and tears it down exactly once.
func (sm *SessionManager) stop(ls *liveSession) {
	sm.mu.Lock()
	delete(sm.live, ls.sess.ID)
	sm.mu.Unlock()

	ls.stopOnce.Do(func() { sm.teardown(ls) })
}

// teardown is the single-shot shutdown path for one session: stop the
// pipeline, persist what should survive, then release every resource in
// reverse acquisition order.
func (sm *SessionManager) teardown(ls *liveSession) {
	sessID := ls.sess.ID
	ctx, cancel := context.WithTimeout(context.Background(), sessionStopTimeout)
	defer cancel()

	ls.engine.Stop()

	if sm.store != nil {
		if err := sm.store.FlushHistory(ctx, sessID); err != nil {
			slog.Warn("history flush failed", "session_id", sessID, "error", err)
		}
	}
	if sm.summariser != nil {
		if _, err := sm.summariser.Condense(ctx, sessID); err != nil {
			slog.Warn("session condensation failed", "session_id", sessID, "error", err)
		}
	}
	if sm.store != nil {
		if err := sm.store.ClearNamespace(ctx, memory.NamespaceContext, sessID); err != nil {
			slog.Warn("context cleanup failed", "session_id", sessID, "error", err)
		}
	}

	ls.cancel()
	if !ls.sess.WaitTasks(taskDrainTimeout) {
		slog.Warn("session tasks did not drain", "session_id", sessID)
	}

	for i := len(ls.closers) - 1; i >= 0; i-- {
		if err := ls.closers[i](); err != nil {
			slog.Warn("session closer failed", "session_id", sessID, "error", err)
		}
	}
	if err := ls.sess.Close(); err != nil {
		slog.Warn("session close failed", "session_id", sessID, "error", err)
	}
	if err := ls.conn.Close(); err != nil && !errors.Is(err, transport.ErrConnClosed) {
		slog.Warn("connection close failed", "session_id", sessID, "error", err)
	}

	slog.Info("session stopped", "session_id", sessID)
}

// unwind releases resources acquired by a failed start, newest first. It
// never touches the store: a session that never ran has nothing to persist.
func (ls *liveSession) unwind() {
	for i := len(ls.closers) - 1; i >= 0; i-- {
		_ = ls.closers[i]()
	}
	if ls.cancel != nil {
		ls.cancel()
	}
	_ = ls.sess.Close()
}
