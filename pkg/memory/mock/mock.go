// Package mock provides an in-memory test double for the session state store.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what each method returns. All operations are
// synchronous (history appends skip the flush buffer) and safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.NewStore()
//	_ = store.Set(ctx, memory.NamespaceCore, "s1", memory.KeyActiveAgent, "triage")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendHistory"); got != 2 {
//	    t.Errorf("expected 2 AppendHistory calls, got %d", got)
//	}
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/loquora/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store] and
// [memory.HistorySearcher]. All exported *Err fields default to nil (success).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// state maps "namespace/session_id" to the stored key/value pairs.
	state map[string]map[string]json.RawMessage

	// history maps session_id to its appended entries.
	history map[string][]memory.HistoryEntry

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// SetErr is returned by [Store.Set] when non-nil.
	SetErr error

	// DeleteErr is returned by [Store.Delete] when non-nil.
	DeleteErr error

	// GetAllErr is returned by [Store.GetAll] when non-nil.
	GetAllErr error

	// SetMultiErr is returned by [Store.SetMulti] when non-nil.
	SetMultiErr error

	// ClearNamespaceErr is returned by [Store.ClearNamespace] when non-nil.
	ClearNamespaceErr error

	// AppendHistoryErr is returned by [Store.AppendHistory] when non-nil.
	AppendHistoryErr error

	// HistoryErr is returned by [Store.History] when non-nil.
	HistoryErr error

	// FlushHistoryErr is returned by [Store.FlushHistory] when non-nil.
	FlushHistoryErr error

	// SearchHistoryErr is returned by [Store.SearchHistory] when non-nil.
	SearchHistoryErr error

	// CloseErr is returned by [Store.Close] when non-nil.
	CloseErr error
}

// NewStore returns an empty mock store.
func NewStore() *Store {
	return &Store{
		state:   make(map[string]map[string]json.RawMessage),
		history: make(map[string][]memory.HistoryEntry),
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or response
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func hashKey(namespace, sessionID string) string {
	return namespace + "/" + sessionID
}

// Get implements [memory.Store].
func (m *Store) Get(_ context.Context, namespace, sessionID, key string, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Get", Args: []any{namespace, sessionID, key}})
	if m.GetErr != nil {
		return m.GetErr
	}
	raw, ok := m.state[hashKey(namespace, sessionID)][key]
	if !ok {
		return memory.ErrKeyNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mock store: decode %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	return nil
}

// Set implements [memory.Store].
func (m *Store) Set(_ context.Context, namespace, sessionID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Set", Args: []any{namespace, sessionID, key, value}})
	if m.SetErr != nil {
		return m.SetErr
	}
	return m.set(namespace, sessionID, key, value)
}

// set stores one marshalled value. Callers must hold m.mu.
func (m *Store) set(namespace, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("mock store: encode %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	h := hashKey(namespace, sessionID)
	if m.state[h] == nil {
		m.state[h] = make(map[string]json.RawMessage)
	}
	m.state[h][key] = raw
	return nil
}

// Delete implements [memory.Store].
func (m *Store) Delete(_ context.Context, namespace, sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Delete", Args: []any{namespace, sessionID, key}})
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.state[hashKey(namespace, sessionID)], key)
	return nil
}

// GetAll implements [memory.Store].
func (m *Store) GetAll(_ context.Context, namespace, sessionID string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetAll", Args: []any{namespace, sessionID}})
	if m.GetAllErr != nil {
		return nil, m.GetAllErr
	}
	out := make(map[string]json.RawMessage)
	for key, raw := range m.state[hashKey(namespace, sessionID)] {
		out[key] = raw
	}
	return out, nil
}

// SetMulti implements [memory.Store].
func (m *Store) SetMulti(_ context.Context, namespace, sessionID string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SetMulti", Args: []any{namespace, sessionID, values}})
	if m.SetMultiErr != nil {
		return m.SetMultiErr
	}
	for key, value := range values {
		if err := m.set(namespace, sessionID, key, value); err != nil {
			return err
		}
	}
	return nil
}

// ClearNamespace implements [memory.Store].
func (m *Store) ClearNamespace(_ context.Context, namespace, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ClearNamespace", Args: []any{namespace, sessionID}})
	if m.ClearNamespaceErr != nil {
		return m.ClearNamespaceErr
	}
	delete(m.state, hashKey(namespace, sessionID))
	return nil
}

// AppendHistory implements [memory.Store]. Entries are stored immediately;
// there is no flush buffer to drain.
func (m *Store) AppendHistory(_ context.Context, sessionID string, entry memory.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AppendHistory", Args: []any{sessionID, entry}})
	if m.AppendHistoryErr != nil {
		return m.AppendHistoryErr
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.history[sessionID] = append(m.history[sessionID], entry)
	return nil
}

// History implements [memory.Store].
func (m *Store) History(_ context.Context, sessionID string, limit int) ([]memory.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "History", Args: []any{sessionID, limit}})
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	entries := m.history[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]memory.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// FlushHistory implements [memory.Store]. Appends are synchronous, so this
// only records the call.
func (m *Store) FlushHistory(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FlushHistory", Args: []any{sessionID}})
	return m.FlushHistoryErr
}

// SearchHistory implements [memory.HistorySearcher] with a case-insensitive
// substring match over entry text.
func (m *Store) SearchHistory(_ context.Context, query string, opts memory.SearchOpts) ([]memory.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchHistory", Args: []any{query, opts}})
	if m.SearchHistoryErr != nil {
		return nil, m.SearchHistoryErr
	}

	needle := strings.ToLower(query)
	out := []memory.HistoryEntry{}
	for sessionID, entries := range m.history {
		if opts.SessionID != "" && sessionID != opts.SessionID {
			continue
		}
		for _, e := range entries {
			if opts.Agent != "" && e.Agent != opts.Agent {
				continue
			}
			if opts.Role != "" && e.Role != opts.Role {
				continue
			}
			if !strings.Contains(strings.ToLower(e.Text), needle) {
				continue
			}
			out = append(out, e)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Close implements [memory.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
	return m.CloseErr
}

// Value returns the raw stored JSON for a key, with ok reporting whether the
// key exists. Useful for asserting writes without going through Get.
func (m *Store) Value(namespace, sessionID, key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.state[hashKey(namespace, sessionID)][key]
	return raw, ok
}

// Entries returns a copy of all history entries appended for the session.
func (m *Store) Entries(sessionID string) []memory.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.HistoryEntry, len(m.history[sessionID]))
	copy(out, m.history[sessionID])
	return out
}

// Compile-time interface checks.
var (
	_ memory.Store           = (*Store)(nil)
	_ memory.HistorySearcher = (*Store)(nil)
)
