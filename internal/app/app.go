// Package app wires all Loquora subsystems into a running voice server.
//
// The App struct owns the full lifecycle: New builds the state store, the
// resilient provider chains, the provider pools, the tool registry and the
// scenario watcher; Run serves the WebSocket and metrics listeners until the
// context ends; Shutdown drains live sessions and tears subsystems down in
// reverse initialisation order.
//
// For testing, inject doubles via functional options (WithProviders,
// WithStore, WithScenario, etc.). When an option is not provided, New builds
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/config"
	"github.com/MrWong99/loquora/internal/observe"
	"github.com/MrWong99/loquora/internal/orchestrator"
	"github.com/MrWong99/loquora/internal/resilience"
	"github.com/MrWong99/loquora/internal/summary"
	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/internal/tool/builtin"
	"github.com/MrWong99/loquora/internal/tool/mcptool"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/memory/postgres"
	"github.com/MrWong99/loquora/pkg/memory/redis"
	"github.com/MrWong99/loquora/pkg/provider/llm"
	"github.com/MrWong99/loquora/pkg/provider/pool"
	"github.com/MrWong99/loquora/pkg/provider/realtime"
	"github.com/MrWong99/loquora/pkg/provider/stt"
	"github.com/MrWong99/loquora/pkg/provider/tts"
)

const (
	// defaultPoolCapacity bounds a provider pool when the config leaves the
	// capacity at zero.
	defaultPoolCapacity = 4

	// scenarioPushTimeout bounds pushing one scenario file change into all
	// live sessions.
	scenarioPushTimeout = 10 * time.Second
)

// Providers holds one provider chain per slot. Nil means the slot is not
// configured. When not injected through [WithProviders], New builds each
// chain from the config registry and wraps configured fallbacks in
// circuit-breaking failover.
type Providers struct {
	LLM      llm.Provider
	STT      stt.Provider
	TTS      tts.Provider
	Realtime realtime.Provider
}

// App owns all subsystem lifetimes of the Loquora voice server.
type App struct {
	cfg *config.Config

	metrics *observe.Metrics
	store   memory.Store

	providers *Providers

	sttPool *pool.Pool[stt.Provider]
	ttsPool *pool.Pool[tts.Provider]

	tools   *tool.Registry
	mcpHost *mcptool.Host

	// scenario is the statically loaded scenario; watcher replaces it as the
	// source of truth when hot reload is enabled.
	scenario *agent.Scenario
	watcher  *config.ScenarioWatcher

	orchs      *orchestrator.Registry
	summariser *summary.Summariser
	sessions   *SessionManager

	transfer builtin.TransferFunc

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects pre-built provider chains instead of constructing
// them from the config registry. Nil slots are still built from the config.
func WithProviders(p Providers) Option {
	return func(a *App) { a.providers = &p }
}

// WithStore injects a session state store instead of creating one from the
// configured memory backend.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithScenario injects a loaded scenario and skips the file load and the
// watcher.
func WithScenario(sc *agent.Scenario) Option {
	return func(a *App) { a.scenario = sc }
}

// WithMetrics injects an instrument set instead of building one from the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTransferFunc wires the telephony integration behind the transfer_call
// tool. Without it the tool stays registered but reports itself unavailable.
func WithTransferFunc(fn builtin.TransferFunc) Option {
	return func(a *App) { a.transfer = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry maps
// provider names from the config onto constructors; it may be nil when every
// provider chain is injected through [WithProviders].
//
// New performs all initialisation synchronously: store connection, provider
// chain construction, pool setup, builtin and MCP tool registration, and the
// initial scenario load.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}

	a := &App{
		cfg:       cfg,
		providers: &Providers{},
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	// ── 2. State store ───────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Provider chains ───────────────────────────────────────────────
	if err := a.initProviders(registry); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 4. Provider pools ────────────────────────────────────────────────
	if err := a.initPools(); err != nil {
		return nil, fmt.Errorf("app: init pools: %w", err)
	}

	// ── 5. Tool registry + MCP servers ───────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 6. Scenario ──────────────────────────────────────────────────────
	if err := a.initScenario(); err != nil {
		return nil, fmt.Errorf("app: init scenario: %w", err)
	}

	// ── 7. Sessions ──────────────────────────────────────────────────────
	a.orchs = orchestrator.NewRegistry()

	var sumOpts []summary.Option
	if model := cfg.Providers.LLM.Model; model != "" {
		sumOpts = append(sumOpts, summary.WithModel(model))
	}
	a.summariser = summary.New(a.providers.LLM, a.store, sumOpts...)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:        cfg,
		Store:         a.store,
		Providers:     a.providers,
		STTPool:       a.sttPool,
		TTSPool:       a.ttsPool,
		Tools:         a.tools,
		Scenario:      a.currentScenario,
		Orchestrators: a.orchs,
		Summariser:    a.summariser,
		Metrics:       a.metrics,
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the configured state store backend.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	mem := a.cfg.Memory
	switch mem.Backend {
	case config.MemoryPostgres:
		store, err := postgres.NewStore(ctx, mem.PostgresDSN,
			postgres.WithFlushInterval(mem.FlushInterval()))
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		slog.Info("state store ready", "backend", "postgres")

	case config.MemoryRedis:
		store, err := redis.NewStore(ctx, mem.RedisAddr,
			redis.WithPassword(mem.RedisPassword),
			redis.WithDB(mem.RedisDB),
			redis.WithFlushInterval(mem.FlushInterval()),
			redis.WithContextTTL(mem.ContextTTL()))
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		slog.Info("state store ready", "backend", "redis")

	case config.MemoryNone, "":
		slog.Warn("memory backend is none; session state will not survive the process")
		a.store = memory.NewMemStore()

	default:
		return fmt.Errorf("unknown memory backend %q", mem.Backend)
	}
	return nil
}

// initProviders constructs the provider chains not injected through
// [WithProviders]. LLM is mandatory; STT, TTS and realtime are built when
// their config entry names a provider. An entry with fallbacks is wrapped in
// circuit-breaking failover; a chain without fallbacks stays unwrapped, since
// with nowhere to fail over to an open breaker would only turn a slow
// provider into a fast error.
func (a *App) initProviders(registry *config.Registry) error {
	p := a.providers

	if p.LLM == nil {
		prov, err := a.buildLLMChain(registry, a.cfg.Providers.LLM)
		if err != nil {
			return err
		}
		p.LLM = prov
	}
	if p.LLM == nil {
		return errors.New("providers.llm is required")
	}

	if p.STT == nil && a.cfg.Providers.STT.Name != "" {
		prov, err := a.buildSTTChain(registry, a.cfg.Providers.STT)
		if err != nil {
			return err
		}
		p.STT = prov
	}

	if p.TTS == nil && a.cfg.Providers.TTS.Name != "" {
		prov, err := a.buildTTSChain(registry, a.cfg.Providers.TTS)
		if err != nil {
			return err
		}
		p.TTS = prov
	}

	if p.Realtime == nil && a.cfg.Providers.Realtime.Name != "" {
		prov, err := a.buildRealtimeChain(registry, a.cfg.Providers.Realtime)
		if err != nil {
			return err
		}
		p.Realtime = prov
	}

	return nil
}

// fallbackConfig translates the config resilience block into the breaker
// settings for one provider chain.
func (a *App) fallbackConfig(slot string, entry config.ProviderEntry) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:             slot + "/" + entry.Name,
			FailureThreshold: a.cfg.Resilience.FailureThreshold,
			ResetTimeout:     a.cfg.Resilience.ResetTimeout(),
			HalfOpenMax:      a.cfg.Resilience.HalfOpenMax,
		},
	}
}

func checkChainEntry(registry *config.Registry, slot string, entry config.ProviderEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("providers.%s: name is required", slot)
	}
	if registry == nil {
		return fmt.Errorf("providers.%s: no registry to build %q from", slot, entry.Name)
	}
	return nil
}

func logChain(slot string, entry config.ProviderEntry) {
	slog.Info("provider chain ready",
		"slot", slot, "primary", entry.Name, "fallbacks", len(entry.Fallbacks))
}

func (a *App) buildLLMChain(registry *config.Registry, entry config.ProviderEntry) (llm.Provider, error) {
	if err := checkChainEntry(registry, "llm", entry); err != nil {
		return nil, err
	}
	primary, err := registry.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewLLMFallback(primary, entry.Name, a.fallbackConfig("llm", entry))
	for _, fb := range entry.Fallbacks {
		prov, err := registry.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
		}
		chain.AddFallback(fb.Name, prov)
	}
	logChain("llm", entry)
	return chain, nil
}

func (a *App) buildSTTChain(registry *config.Registry, entry config.ProviderEntry) (stt.Provider, error) {
	if err := checkChainEntry(registry, "stt", entry); err != nil {
		return nil, err
	}
	primary, err := registry.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewSTTFallback(primary, entry.Name, a.fallbackConfig("stt", entry))
	for _, fb := range entry.Fallbacks {
		prov, err := registry.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
		}
		chain.AddFallback(fb.Name, prov)
	}
	logChain("stt", entry)
	return chain, nil
}

func (a *App) buildTTSChain(registry *config.Registry, entry config.ProviderEntry) (tts.Provider, error) {
	if err := checkChainEntry(registry, "tts", entry); err != nil {
		return nil, err
	}
	primary, err := registry.CreateTTS(entry)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewTTSFallback(primary, entry.Name, a.fallbackConfig("tts", entry))
	for _, fb := range entry.Fallbacks {
		prov, err := registry.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		chain.AddFallback(fb.Name, prov)
	}
	logChain("tts", entry)
	return chain, nil
}

func (a *App) buildRealtimeChain(registry *config.Registry, entry config.ProviderEntry) (realtime.Provider, error) {
	if err := checkChainEntry(registry, "realtime", entry); err != nil {
		return nil, err
	}
	primary, err := registry.CreateRealtime(entry)
	if err != nil {
		return nil, fmt.Errorf("create realtime provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewRealtimeFallback(primary, entry.Name, a.fallbackConfig("realtime", entry))
	for _, fb := range entry.Fallbacks {
		prov, err := registry.CreateRealtime(fb)
		if err != nil {
			return nil, fmt.Errorf("create realtime fallback %q: %w", fb.Name, err)
		}
		chain.AddFallback(fb.Name, prov)
	}
	logChain("realtime", entry)
	return chain, nil
}

// initPools builds the bounded STT and TTS pools over the shared chains.
// The factory hands out the chain itself; the pool's job here is bounding
// concurrent holders, not constructing per-slot clients.
func (a *App) initPools() error {
	if a.providers.STT != nil {
		capacity := a.cfg.Pools.STT
		if capacity <= 0 {
			capacity = defaultPoolCapacity
		}
		p, err := pool.New(capacity, func(context.Context) (stt.Provider, error) {
			return a.providers.STT, nil
		})
		if err != nil {
			return fmt.Errorf("stt pool: %w", err)
		}
		a.sttPool = p
		a.closers = append(a.closers, func() error { p.Close(); return nil })
		if err := a.metrics.RegisterPoolGauges("stt", p.Stats); err != nil {
			return fmt.Errorf("stt pool gauges: %w", err)
		}
	}

	if a.providers.TTS != nil {
		capacity := a.cfg.Pools.TTS
		if capacity <= 0 {
			capacity = defaultPoolCapacity
		}
		p, err := pool.New(capacity, func(context.Context) (tts.Provider, error) {
			return a.providers.TTS, nil
		})
		if err != nil {
			return fmt.Errorf("tts pool: %w", err)
		}
		a.ttsPool = p
		a.closers = append(a.closers, func() error { p.Close(); return nil })
		if err := a.metrics.RegisterPoolGauges("tts", p.Stats); err != nil {
			return fmt.Errorf("tts pool gauges: %w", err)
		}
	}

	return nil
}

// initTools registers the builtin tools and connects the configured MCP
// servers, merging their discovered tools into the shared registry.
func (a *App) initTools(ctx context.Context) error {
	a.tools = tool.NewRegistry()
	if err := builtin.Register(a.tools, a.store, a.transfer); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	a.mcpHost = mcptool.NewHost()
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		names, err := a.mcpHost.Register(ctx, a.tools, mcptool.ServerConfig{
			Name:          srv.Name,
			Transport:     srv.Transport,
			Command:       srv.Command,
			URL:           srv.URL,
			Env:           srv.Env,
			TransferTools: srv.TransferTools,
		})
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name, "tools", len(names))
	}
	return nil
}

// initScenario loads the agent scenario, either once or through the polling
// watcher when hot reload is enabled.
func (a *App) initScenario() error {
	if a.scenario != nil {
		return nil // injected
	}
	if a.cfg.Scenario.Path == "" {
		return errors.New("scenario.path is required")
	}

	if a.cfg.Scenario.Watch {
		w, err := config.NewScenarioWatcher(a.cfg.Scenario.Path, a.onScenarioChange,
			config.WithInterval(a.cfg.Scenario.WatchInterval()))
		if err != nil {
			return err
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
		slog.Info("scenario loaded",
			"path", a.cfg.Scenario.Path, "name", w.Current().Name,
			"agents", len(w.Current().Agents), "watch", true)
		return nil
	}

	sc, err := agent.LoadScenario(a.cfg.Scenario.Path)
	if err != nil {
		return err
	}
	a.scenario = sc
	slog.Info("scenario loaded",
		"path", a.cfg.Scenario.Path, "name", sc.Name, "agents", len(sc.Agents), "watch", false)
	return nil
}

// currentScenario returns the live scenario, preferring the watcher's copy.
func (a *App) currentScenario() *agent.Scenario {
	if a.watcher != nil {
		return a.watcher.Current()
	}
	return a.scenario
}

// onScenarioChange pushes a validated scenario file change into every live
// session through the orchestrator registry.
func (a *App) onScenarioChange(prev, next *agent.Scenario) {
	d := config.Diff(prev, next)
	if !d.Changed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), scenarioPushTimeout)
	defer cancel()

	pushed := 0
	a.orchs.ForEach(func(o *orchestrator.Orchestrator) {
		if err := o.UpdateScenario(ctx, next); err != nil {
			slog.Warn("scenario push failed", "error", err)
			return
		}
		pushed++
	})
	slog.Info("scenario change applied",
		"name", next.Name,
		"agents", len(next.Agents),
		"agent_diffs", len(d.Agents),
		"start_agent_changed", d.StartAgentChanged,
		"sessions", pushed)
}

// Sessions exposes the session manager, mainly for tests and operational
// introspection.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains live sessions and tears subsystems down in reverse
// initialisation order. It respects the context deadline: if ctx expires
// before all closers finish, the remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.sessions.DrainAll(ctx)

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
