package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/loquora/internal/health"
	"github.com/MrWong99/loquora/internal/observe"
	"github.com/MrWong99/loquora/internal/transport/browser"
	"github.com/MrWong99/loquora/internal/transport/telephony"
	"github.com/MrWong99/loquora/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	// readHeaderTimeout guards the HTTP upgrade handshake. Established
	// WebSockets are exempt from server read/write timeouts.
	readHeaderTimeout = 10 * time.Second

	// drainTimeout is the grace period for live sessions during shutdown.
	drainTimeout = 30 * time.Second

	// listenerStopTimeout bounds the listeners' own shutdown after the
	// sessions have drained.
	listenerStopTimeout = 5 * time.Second
)

// Run serves the media and metrics listeners until ctx is cancelled, then
// drains live sessions and stops the listeners. It blocks for the server's
// whole life and returns ctx's error after a clean shutdown, or the listener
// failure that brought the server down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	media := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.mediaHandler()),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	servers := []*http.Server{media}

	g.Go(func() error {
		tls := a.cfg.Server.TLS
		slog.Info("media listener ready", "addr", media.Addr, "tls", tls != nil)
		var err error
		if tls != nil {
			err = media.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = media.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("media listener: %w", err)
	})

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		metrics := &http.Server{
			Addr:              addr,
			Handler:           a.metricsHandler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		servers = append(servers, metrics)

		g.Go(func() error {
			slog.Info("metrics listener ready", "addr", metrics.Addr)
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
	}

	// Shutdown sequencing: sessions drain first so their goodbye frames
	// still have a connection to go out on, then the listeners stop.
	g.Go(func() error {
		<-gctx.Done()

		drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(gctx), drainTimeout)
		defer cancelDrain()
		a.sessions.DrainAll(drainCtx)

		stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(gctx), listenerStopTimeout)
		defer cancelStop()
		for _, srv := range servers {
			if err := srv.Shutdown(stopCtx); err != nil {
				slog.Warn("listener shutdown", "addr", srv.Addr, "error", err)
			}
		}
		return gctx.Err()
	})

	return g.Wait()
}

// mediaHandler routes the two WebSocket entry points.
func (a *App) mediaHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/telephony", a.handleTelephony)
	mux.HandleFunc("GET /ws/browser", a.handleBrowser)
	return mux
}

// metricsHandler serves Prometheus metrics plus the liveness and readiness
// probes.
func (a *App) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{health.ScenarioChecker(a.currentScenario)}
	if a.store != nil {
		checkers = append(checkers, health.StoreChecker(a.store))
	}
	if a.sttPool != nil {
		checkers = append(checkers, health.PoolChecker("stt_pool", a.sttPool.Stats))
	}
	if a.ttsPool != nil {
		checkers = append(checkers, health.PoolChecker("tts_pool", a.ttsPool.Stats))
	}
	health.New(checkers...).Register(mux)
	return mux
}

func (a *App) handleTelephony(w http.ResponseWriter, r *http.Request) {
	conn, err := telephony.Accept(w, r, slog.Default())
	if err != nil {
		slog.Warn("telephony accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	opts := StartOptions{
		Kind:   types.TransportTelephony,
		CallID: r.URL.Query().Get("call_id"),
	}
	if err := a.sessions.Run(r.Context(), conn, opts); err != nil {
		slog.Warn("telephony session ended abnormally", "remote", r.RemoteAddr, "error", err)
	}
}

func (a *App) handleBrowser(w http.ResponseWriter, r *http.Request) {
	conn, err := browser.Accept(w, r, slog.Default())
	if err != nil {
		slog.Warn("browser accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	kind := types.TransportBrowser
	if r.URL.Query().Get("mode") == "realtime" {
		kind = types.TransportRealtime
	}
	opts := StartOptions{
		Kind:   kind,
		CallID: r.URL.Query().Get("call_id"),
	}
	if err := a.sessions.Run(r.Context(), conn, opts); err != nil {
		slog.Warn("browser session ended abnormally", "remote", r.RemoteAddr, "error", err)
	}
}
