package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/loquora/pkg/memory"
)

// StoreGuard wraps a [memory.Store] and makes every operation non-fatal.
// When the backend fails, reads fall back to zero values and writes are
// swallowed with a warning, so a database restart degrades recall quality
// instead of dropping live calls. IsDegraded reports the health of the most
// recent backend round trip and feeds the readiness endpoint.
//
// StoreGuard implements [memory.Store].
//
// All methods are safe for concurrent use.
type StoreGuard struct {
	store    memory.Store
	degraded atomic.Bool
}

// NewStoreGuard wraps store. Wrapping an existing guard returns it unchanged.
func NewStoreGuard(store memory.Store) *StoreGuard {
	if g, ok := store.(*StoreGuard); ok {
		return g
	}
	return &StoreGuard{store: store}
}

// Unwrap returns the wrapped store so callers can probe optional capabilities
// such as [memory.HistorySearcher].
func (g *StoreGuard) Unwrap() memory.Store {
	return g.store
}

// IsDegraded reports whether the most recent operation on the wrapped store
// failed.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// Get reads a key. A backend failure is logged and reported as
// [memory.ErrKeyNotFound] so callers take their zero-value default path.
func (g *StoreGuard) Get(ctx context.Context, namespace, sessionID, key string, out any) error {
	err := g.store.Get(ctx, namespace, sessionID, key, out)
	if err != nil && !errors.Is(err, memory.ErrKeyNotFound) {
		g.degraded.Store(true)
		slog.Warn("store guard: Get failed, treating as missing",
			"namespace", namespace, "session_id", sessionID, "key", key, "error", err)
		return memory.ErrKeyNotFound
	}
	g.degraded.Store(false)
	return err
}

// Set writes a key. A backend failure is logged and swallowed.
func (g *StoreGuard) Set(ctx context.Context, namespace, sessionID, key string, value any) error {
	if err := g.store.Set(ctx, namespace, sessionID, key, value); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: Set failed, swallowing error",
			"namespace", namespace, "session_id", sessionID, "key", key, "error", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Delete removes a key. A backend failure is logged and swallowed.
func (g *StoreGuard) Delete(ctx context.Context, namespace, sessionID, key string) error {
	if err := g.store.Delete(ctx, namespace, sessionID, key); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: Delete failed, swallowing error",
			"namespace", namespace, "session_id", sessionID, "key", key, "error", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// GetAll reads a namespace. A backend failure is logged and an empty map is
// returned.
func (g *StoreGuard) GetAll(ctx context.Context, namespace, sessionID string) (map[string]json.RawMessage, error) {
	values, err := g.store.GetAll(ctx, namespace, sessionID)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: GetAll failed, returning empty",
			"namespace", namespace, "session_id", sessionID, "error", err)
		return map[string]json.RawMessage{}, nil
	}
	g.degraded.Store(false)
	return values, nil
}

// SetMulti writes a key batch. A backend failure is logged and swallowed.
func (g *StoreGuard) SetMulti(ctx context.Context, namespace, sessionID string, values map[string]any) error {
	if err := g.store.SetMulti(ctx, namespace, sessionID, values); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: SetMulti failed, swallowing error",
			"namespace", namespace, "session_id", sessionID, "keys", len(values), "error", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// ClearNamespace drops a namespace. A backend failure is logged and swallowed.
func (g *StoreGuard) ClearNamespace(ctx context.Context, namespace, sessionID string) error {
	if err := g.store.ClearNamespace(ctx, namespace, sessionID); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: ClearNamespace failed, swallowing error",
			"namespace", namespace, "session_id", sessionID, "error", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// AppendHistory records a turn. A backend failure is logged and swallowed.
func (g *StoreGuard) AppendHistory(ctx context.Context, sessionID string, entry memory.HistoryEntry) error {
	if err := g.store.AppendHistory(ctx, sessionID, entry); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: AppendHistory failed, swallowing error",
			"session_id", sessionID, "role", entry.Role, "error", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// History reads the transcript. A backend failure is logged and an empty
// slice is returned.
func (g *StoreGuard) History(ctx context.Context, sessionID string, limit int) ([]memory.HistoryEntry, error) {
	entries, err := g.store.History(ctx, sessionID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: History failed, returning empty",
			"session_id", sessionID, "error", err)
		return []memory.HistoryEntry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// FlushHistory forces buffered entries out. A backend failure is logged and
// swallowed; the wrapped store re-buffers failed entries for the next flush.
func (g *StoreGuard) FlushHistory(ctx context.Context, sessionID string) error {
	if err := g.store.FlushHistory(ctx, sessionID); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: FlushHistory failed, swallowing error",
			"session_id", sessionID, "error", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Close delegates to the wrapped store unguarded: teardown is the one path
// that wants the real error for diagnostic logging.
func (g *StoreGuard) Close() error {
	return g.store.Close()
}

// Compile-time check that StoreGuard satisfies memory.Store.
var _ memory.Store = (*StoreGuard)(nil)
