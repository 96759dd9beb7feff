package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/app"
	"github.com/MrWong99/loquora/internal/config"
	"github.com/MrWong99/loquora/pkg/memory"
	llmmock "github.com/MrWong99/loquora/pkg/provider/llm/mock"
	rtmock "github.com/MrWong99/loquora/pkg/provider/realtime/mock"
	sttmock "github.com/MrWong99/loquora/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/loquora/pkg/provider/tts/mock"
	"github.com/MrWong99/loquora/pkg/types"
)

// testScenario returns a two-agent scenario used across the app tests.
func testScenario() *agent.Scenario {
	return &agent.Scenario{
		Name:            "clinic",
		StartAgent:      "Reception",
		InstitutionName: "Northside Clinic",
		Agents: []agent.Descriptor{
			{
				Name:          "Reception",
				Description:   "Front desk for general questions",
				Greeting:      "Welcome to {{.institution_name}}, how can I help?",
				GreetOnSwitch: true,
				Prompt:        "You are the front desk of {{.institution_name}}.",
				Voice:         types.VoiceProfile{Name: "alloy"},
			},
			{
				Name:          "Billing",
				Description:   "Invoices and payment questions",
				Greeting:      "Billing speaking.",
				GreetOnSwitch: true,
				Prompt:        "You answer billing questions only.",
				Voice:         types.VoiceProfile{Name: "verse"},
			},
		},
	}
}

// testConfig returns a config that binds ephemeral loopback ports and keeps
// everything else at defaults.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

// newTestApp builds an App with every external dependency replaced by a
// double. Extra options run after the defaults, so tests can override them.
func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	base := []app.Option{
		app.WithProviders(app.Providers{
			LLM:      &llmmock.Provider{},
			STT:      &sttmock.Provider{},
			TTS:      &ttsmock.Provider{PCM: make([]byte, 9600)},
			Realtime: &rtmock.Provider{},
		}),
		app.WithStore(memory.NewMemStore()),
		app.WithScenario(testScenario()),
	}
	a, err := app.New(context.Background(), cfg, nil, append(base, opts...)...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func TestNew_WithInjectedDoubles(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	if a.Sessions() == nil {
		t.Fatal("Sessions() = nil, want a session manager")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNew_NilConfig(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), nil, nil); err == nil {
		t.Fatal("app.New with nil config succeeded, want error")
	}
}

func TestNew_RequiresLLMProvider(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), nil,
		app.WithStore(memory.NewMemStore()),
		app.WithScenario(testScenario()),
	)
	if err == nil {
		t.Fatal("app.New without an LLM provider succeeded, want error")
	}
	if !strings.Contains(err.Error(), "llm") {
		t.Errorf("error = %v, want mention of the llm slot", err)
	}
}

func TestNew_RequiresScenarioPath(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), nil,
		app.WithProviders(app.Providers{LLM: &llmmock.Provider{}}),
		app.WithStore(memory.NewMemStore()),
	)
	if err == nil {
		t.Fatal("app.New without a scenario succeeded, want error")
	}
	if !strings.Contains(err.Error(), "scenario.path") {
		t.Errorf("error = %v, want mention of scenario.path", err)
	}
}

func TestNew_UnknownMemoryBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Memory.Backend = "etcd"
	_, err := app.New(context.Background(), cfg, nil,
		app.WithProviders(app.Providers{LLM: &llmmock.Provider{}}),
		app.WithScenario(testScenario()),
	)
	if err == nil {
		t.Fatal("app.New with unknown memory backend succeeded, want error")
	}
	if !strings.Contains(err.Error(), "etcd") {
		t.Errorf("error = %v, want the backend name", err)
	}
}

func TestNew_MemoryBackendNoneFallsBackToInProcess(t *testing.T) {
	t.Parallel()

	// No WithStore: the empty backend must yield a working in-process
	// store rather than failing or leaving the builtin tools storeless.
	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithProviders(app.Providers{LLM: &llmmock.Provider{}}),
		app.WithScenario(testScenario()),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.MetricsAddr = "127.0.0.1:0"
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the listeners a moment to bind before pulling the plug.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want nil or context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after Run: %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A dead context must not hang shutdown; it may surface as the
	// context error once closers are skipped.
	err := a.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown = %v, want nil or context.Canceled", err)
	}
}
