// Package memory defines the session state store used by Loquora agents.
//
// State is organised as two per-session key/value namespaces plus an
// append-only conversation history:
//
//   - corememory/{session_id} ([NamespaceCore]): keys that persist across
//     calls from the same client — active agent, visited agents, profile,
//     customer intelligence, token counters.
//   - context/{session_id} ([NamespaceContext]): keys scoped to a single
//     session — slots, tool outputs. Cleared when the session ends.
//   - history: the ordered transcript of user, assistant and tool turns,
//     replayed into LLM requests and searchable by the recall tools.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres, Redis, in-memory, …) without depending on
// loquora internals.
//
// Every implementation must be safe for concurrent use. History writes sit on
// the turn hot path, so implementations buffer them in memory and flush
// lazily; [Store.FlushHistory] forces durability when a caller needs it.
package memory

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrKeyNotFound is returned by [Store.Get] when the requested key has never
// been written (or has been deleted) for the given namespace and session.
var ErrKeyNotFound = errors.New("memory: key not found")

// Store is the session state store. Values are JSON-serialisable; Get and
// Set marshal transparently so callers work with plain Go types.
type Store interface {
	// Get reads the value stored under (namespace, sessionID, key) and
	// unmarshals it into out, which must be a non-nil pointer.
	// Returns [ErrKeyNotFound] when the key does not exist.
	Get(ctx context.Context, namespace, sessionID, key string, out any) error

	// Set marshals value and stores it under (namespace, sessionID, key),
	// replacing any previous value.
	Set(ctx context.Context, namespace, sessionID, key string, value any) error

	// Delete removes the key. Deleting a non-existent key is not an error.
	Delete(ctx context.Context, namespace, sessionID, key string) error

	// GetAll returns every key in the namespace for the session as raw
	// JSON. Returns an empty (non-nil) map when the namespace is empty.
	GetAll(ctx context.Context, namespace, sessionID string) (map[string]json.RawMessage, error)

	// SetMulti stores every entry of values in one round trip. The write
	// must be atomic where the backend supports it: a failed SetMulti
	// leaves either all or none of the keys updated.
	SetMulti(ctx context.Context, namespace, sessionID string, values map[string]any) error

	// ClearNamespace removes every key in the namespace for the session.
	// Used to drop context/{session_id} at session teardown.
	ClearNamespace(ctx context.Context, namespace, sessionID string) error

	// AppendHistory records one conversation turn. The entry is buffered
	// in memory and flushed to the backend lazily; AppendHistory itself
	// must not block on backend I/O.
	AppendHistory(ctx context.Context, sessionID string, entry HistoryEntry) error

	// History returns the most recent limit entries for the session in
	// chronological order, including entries still sitting in the flush
	// buffer. A limit of 0 returns all entries.
	History(ctx context.Context, sessionID string, limit int) ([]HistoryEntry, error)

	// FlushHistory writes all buffered entries for the session to the
	// backend. Entries that fail to flush are re-buffered for the next
	// attempt.
	FlushHistory(ctx context.Context, sessionID string) error

	// Close flushes all buffered history and releases backend resources.
	Close() error
}

// HistorySearcher is implemented by stores that support full-text search
// over the conversation history. Callers should type-assert and fall back
// to scanning [Store.History] when the backend does not provide it.
type HistorySearcher interface {
	// SearchHistory matches query against the text of stored entries.
	// Results are ordered by relevance. Returns an empty (non-nil) slice
	// when nothing matches.
	SearchHistory(ctx context.Context, query string, opts SearchOpts) ([]HistoryEntry, error)
}
