// Package health provides the HTTP health and readiness handlers plus the
// named checkers the server wires into them.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker. The
// checkers a voice server cares about are provided here: a session store
// round trip, provider pool headroom, and a loaded scenario.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/provider/pool"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "store",
	// "scenario"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StoreChecker probes the session store with a read round trip. The probe
// key is never written, so [memory.ErrKeyNotFound] counts as healthy; any
// other error means the backend is unreachable.
func StoreChecker(store memory.Store) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			var probe string
			err := store.Get(ctx, memory.NamespaceCore, "healthcheck", memory.KeyActiveAgent, &probe)
			if err != nil && !errors.Is(err, memory.ErrKeyNotFound) {
				return err
			}
			return nil
		},
	}
}

// PoolChecker reports saturation of a provider pool. A pool with every
// client acquired would block the next session start, so a full pool fails
// readiness until a client is released.
func PoolChecker(name string, stats func() pool.Stats) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			s := stats()
			if s.InUse >= s.Capacity {
				return fmt.Errorf("pool saturated (%d/%d in use)", s.InUse, s.Capacity)
			}
			return nil
		},
	}
}

// ScenarioChecker fails until a scenario with at least one agent is loaded.
func ScenarioChecker(current func() *agent.Scenario) Checker {
	return Checker{
		Name: "scenario",
		Check: func(_ context.Context) error {
			sc := current()
			if sc == nil {
				return errors.New("no scenario loaded")
			}
			if len(sc.Agents) == 0 {
				return errors.New("scenario has no agents")
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
