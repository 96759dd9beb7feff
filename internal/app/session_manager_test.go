package app_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/app"
	"github.com/MrWong99/loquora/internal/config"
	"github.com/MrWong99/loquora/internal/orchestrator"
	"github.com/MrWong99/loquora/internal/transport"
	"github.com/MrWong99/loquora/pkg/memory"
	llmmock "github.com/MrWong99/loquora/pkg/provider/llm/mock"
	"github.com/MrWong99/loquora/pkg/provider/pool"
	rtmock "github.com/MrWong99/loquora/pkg/provider/realtime/mock"
	"github.com/MrWong99/loquora/pkg/provider/stt"
	sttmock "github.com/MrWong99/loquora/pkg/provider/stt/mock"
	"github.com/MrWong99/loquora/pkg/provider/tts"
	ttsmock "github.com/MrWong99/loquora/pkg/provider/tts/mock"
	"github.com/MrWong99/loquora/pkg/types"
)

// fakeConn is an in-memory stand-in for a transport connection. ReadLoop
// blocks until the context ends or Close is called, mimicking a peer that
// stays on the line until it hangs up.
type fakeConn struct {
	kind types.TransportKind

	mu       sync.Mutex
	frames   []transport.Frame
	stops    int
	errCodes []string

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(kind types.TransportKind) *fakeConn {
	return &fakeConn{kind: kind, closed: make(chan struct{})}
}

func (c *fakeConn) Kind() types.TransportKind { return c.kind }

func (c *fakeConn) SendAudio(_ context.Context, f transport.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.PCM = append([]byte(nil), f.PCM...)
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) SendStopAudio(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeConn) SendError(_ context.Context, code, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errCodes = append(c.errCodes, code)
	return nil
}

func (c *fakeConn) ReadLoop(ctx context.Context, _ transport.Handler) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return transport.ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) errorCodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errCodes...)
}

// managerRig bundles a session manager with the mocks behind it.
type managerRig struct {
	sm      *app.SessionManager
	sttProv *sttmock.Provider
	ttsProv *ttsmock.Provider
	rtProv  *rtmock.Provider
	rtSess  *rtmock.Session
}

// newManagerRig assembles a SessionManager over mocks. mutate, when non-nil,
// adjusts the wiring before construction.
func newManagerRig(t *testing.T, mutate func(*config.Config, *app.SessionManagerConfig)) *managerRig {
	t.Helper()

	sttProv := &sttmock.Provider{}
	ttsProv := &ttsmock.Provider{PCM: make([]byte, 9600)}
	rtSess := &rtmock.Session{}
	rtProv := &rtmock.Provider{Session: rtSess}

	sttPool, err := pool.New(4, func(context.Context) (stt.Provider, error) { return sttProv, nil })
	if err != nil {
		t.Fatalf("stt pool: %v", err)
	}
	ttsPool, err := pool.New(4, func(context.Context) (tts.Provider, error) { return ttsProv, nil })
	if err != nil {
		t.Fatalf("tts pool: %v", err)
	}
	t.Cleanup(func() {
		sttPool.Close()
		ttsPool.Close()
	})

	cfg := &config.Config{}
	sc := testScenario()
	smc := app.SessionManagerConfig{
		Config:        cfg,
		Store:         memory.NewMemStore(),
		Providers:     &app.Providers{LLM: &llmmock.Provider{}, STT: sttProv, TTS: ttsProv, Realtime: rtProv},
		STTPool:       sttPool,
		TTSPool:       ttsPool,
		Scenario:      func() *agent.Scenario { return sc },
		Orchestrators: orchestrator.NewRegistry(),
	}
	if mutate != nil {
		mutate(cfg, &smc)
	}
	return &managerRig{
		sm:      app.NewSessionManager(smc),
		sttProv: sttProv,
		ttsProv: ttsProv,
		rtProv:  rtProv,
		rtSess:  rtSess,
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSessionManager_BrowserLifecycle(t *testing.T) {
	t.Parallel()

	rig := newManagerRig(t, nil)
	conn := newFakeConn(types.TransportBrowser)

	done := make(chan error, 1)
	go func() {
		done <- rig.sm.Run(context.Background(), conn, app.StartOptions{CallID: "call-7"})
	}()

	waitFor(t, 3*time.Second, func() bool { return rig.sm.Len() == 1 }, "session never registered")

	// The start agent's greeting must reach the wire: 9600 PCM bytes are
	// two browser frames.
	waitFor(t, 3*time.Second, func() bool { return conn.frameCount() >= 2 }, "greeting audio never sent")

	if got := rig.ttsProv.SynthesizeCalls[0]; !strings.Contains(got.Text, "Northside Clinic") {
		t.Errorf("greeting text = %q, want the rendered institution name", got.Text)
	} else if got.Voice.Name != "alloy" {
		t.Errorf("greeting voice = %q, want the start agent's voice", got.Voice.Name)
	}

	_ = conn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on clean hangup", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the connection closed")
	}
	if n := rig.sm.Len(); n != 0 {
		t.Errorf("Len() = %d after hangup, want 0", n)
	}
}

func TestSessionManager_TelephonyStreamConfig(t *testing.T) {
	t.Parallel()

	rig := newManagerRig(t, func(cfg *config.Config, _ *app.SessionManagerConfig) {
		cfg.Speech.Languages = []string{"en-US", "de-DE"}
		cfg.Speech.SilenceTimeoutMS = 1500
	})
	conn := newFakeConn(types.TransportTelephony)

	done := make(chan error, 1)
	go func() { done <- rig.sm.Run(context.Background(), conn, app.StartOptions{}) }()
	waitFor(t, 3*time.Second, func() bool { return rig.sm.Len() == 1 }, "session never registered")

	calls := rig.sttProv.StartStreamCalls
	if len(calls) != 1 {
		t.Fatalf("StartStream calls = %d, want 1", len(calls))
	}
	got := calls[0].Cfg
	want := stt.StreamConfig{
		SampleRate:     16000,
		Channels:       1,
		Encoding:       "linear16",
		Languages:      []string{"en-US", "de-DE"},
		SilenceTimeout: 1500 * time.Millisecond,
	}
	if got.SampleRate != want.SampleRate || got.Channels != want.Channels || got.Encoding != want.Encoding {
		t.Errorf("stream config = %+v, want %+v", got, want)
	}
	if len(got.Languages) != 2 || got.Languages[0] != "en-US" {
		t.Errorf("stream languages = %v, want %v", got.Languages, want.Languages)
	}
	if got.SilenceTimeout != want.SilenceTimeout {
		t.Errorf("silence timeout = %v, want %v", got.SilenceTimeout, want.SilenceTimeout)
	}

	_ = conn.Close()
	<-done
}

func TestSessionManager_RealtimeSession(t *testing.T) {
	t.Parallel()

	rig := newManagerRig(t, nil)
	conn := newFakeConn(types.TransportBrowser)

	done := make(chan error, 1)
	go func() {
		done <- rig.sm.Run(context.Background(), conn, app.StartOptions{Kind: types.TransportRealtime})
	}()
	waitFor(t, 3*time.Second, func() bool { return rig.sm.Len() == 1 }, "session never registered")

	if n := len(rig.rtProv.ConnectCalls); n != 1 {
		t.Fatalf("realtime Connect calls = %d, want 1", n)
	}
	if voice := rig.rtProv.ConnectCalls[0].Cfg.Voice.Name; voice != "alloy" {
		t.Errorf("realtime voice = %q, want the start agent's voice", voice)
	}
	if n := len(rig.sttProv.StartStreamCalls); n != 0 {
		t.Errorf("recognizer streams opened = %d, want 0 for realtime", n)
	}
	if n := len(rig.rtSess.UpdateSessionCalls); n == 0 {
		t.Fatal("no session.update push after connect")
	} else if instr := rig.rtSess.UpdateSessionCalls[0].Instructions; !strings.Contains(instr, "Northside Clinic") {
		t.Errorf("pushed instructions = %q, want the rendered agent prompt", instr)
	}
	if conn.frameCount() != 0 {
		t.Error("local playback frames sent on a realtime session")
	}

	_ = conn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on clean hangup", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the connection closed")
	}
	if rig.rtSess.CloseCallCount == 0 {
		t.Error("realtime handle not closed during teardown")
	}
}

func TestSessionManager_RealtimeNeedsProvider(t *testing.T) {
	t.Parallel()

	rig := newManagerRig(t, func(_ *config.Config, smc *app.SessionManagerConfig) {
		smc.Providers.Realtime = nil
	})
	conn := newFakeConn(types.TransportBrowser)

	err := rig.sm.Run(context.Background(), conn, app.StartOptions{Kind: types.TransportRealtime})
	if err == nil {
		t.Fatal("Run succeeded without a realtime provider")
	}
	if codes := conn.errorCodes(); len(codes) == 0 || codes[0] != "session_unavailable" {
		t.Errorf("error frames = %v, want session_unavailable", codes)
	}
}

func TestSessionManager_RejectsWithoutScenario(t *testing.T) {
	t.Parallel()

	rig := newManagerRig(t, func(_ *config.Config, smc *app.SessionManagerConfig) {
		smc.Scenario = func() *agent.Scenario { return nil }
	})
	conn := newFakeConn(types.TransportBrowser)

	err := rig.sm.Run(context.Background(), conn, app.StartOptions{})
	if err == nil {
		t.Fatal("Run succeeded without a scenario")
	}
	if !strings.Contains(err.Error(), "scenario") {
		t.Errorf("error = %v, want mention of the missing scenario", err)
	}
	if rig.sm.Len() != 0 {
		t.Error("failed start left a live session behind")
	}
}

func TestSessionManager_StopByID(t *testing.T) {
	t.Parallel()

	rig := newManagerRig(t, nil)
	conn := newFakeConn(types.TransportBrowser)

	done := make(chan error, 1)
	go func() { done <- rig.sm.Run(context.Background(), conn, app.StartOptions{}) }()
	waitFor(t, 3*time.Second, func() bool { return rig.sm.Len() == 1 }, "session never registered")

	ids := rig.sm.IDs()
	if len(ids) != 1 {
		t.Fatalf("IDs() = %v, want one entry", ids)
	}
	if !rig.sm.Stop(ids[0]) {
		t.Fatal("Stop reported no session for a live ID")
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if rig.sm.Stop(ids[0]) {
		t.Error("Stop reported a session for an already-stopped ID")
	}
	if rig.sm.Len() != 0 {
		t.Errorf("Len() = %d after Stop, want 0", rig.sm.Len())
	}
}

func TestSessionManager_DrainAll(t *testing.T) {
	t.Parallel()

	rig := newManagerRig(t, nil)
	connA := newFakeConn(types.TransportBrowser)
	connB := newFakeConn(types.TransportTelephony)

	done := make(chan error, 2)
	go func() { done <- rig.sm.Run(context.Background(), connA, app.StartOptions{}) }()
	go func() { done <- rig.sm.Run(context.Background(), connB, app.StartOptions{}) }()
	waitFor(t, 3*time.Second, func() bool { return rig.sm.Len() == 2 }, "sessions never registered")

	rig.sm.DrainAll(context.Background())
	if n := rig.sm.Len(); n != 0 {
		t.Errorf("Len() = %d after DrainAll, want 0", n)
	}
	for range 2 {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("Run did not return after DrainAll")
		}
	}

	// Once draining has begun, new connections are turned away.
	late := newFakeConn(types.TransportBrowser)
	if err := rig.sm.Run(context.Background(), late, app.StartOptions{}); err == nil {
		t.Fatal("Run succeeded after DrainAll")
	}
	if codes := late.errorCodes(); len(codes) == 0 {
		t.Error("late caller got no error frame")
	}
}
