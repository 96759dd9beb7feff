package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is the process-local session state store backing the "none"
// memory backend. Sessions get working slots, counters and history for the
// duration of the process; nothing survives a restart and nothing is shared
// across replicas.
//
// Values round-trip through JSON exactly like the durable backends, so a
// deployment switching from "none" to postgres or redis sees no behaviour
// change beyond persistence.
//
// All operations are safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	kv      map[string]map[string]json.RawMessage // "{namespace}/{session_id}" → key → value
	history map[string][]HistoryEntry
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		kv:      make(map[string]map[string]json.RawMessage),
		history: make(map[string][]HistoryEntry),
	}
}

func bucketKey(namespace, sessionID string) string {
	return namespace + "/" + sessionID
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, namespace, sessionID, key string, out any) error {
	s.mu.RLock()
	raw, ok := s.kv[bucketKey(namespace, sessionID)][key]
	s.mu.RUnlock()
	if !ok {
		return ErrKeyNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("memory: unmarshal %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	return nil
}

// Set implements [Store].
func (s *MemStore) Set(_ context.Context, namespace, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory: marshal %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.kv[bucketKey(namespace, sessionID)]
	if b == nil {
		b = make(map[string]json.RawMessage)
		s.kv[bucketKey(namespace, sessionID)] = b
	}
	b[key] = raw
	return nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, namespace, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv[bucketKey(namespace, sessionID)], key)
	return nil
}

// GetAll implements [Store].
func (s *MemStore) GetAll(_ context.Context, namespace, sessionID string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.kv[bucketKey(namespace, sessionID)]))
	for k, v := range s.kv[bucketKey(namespace, sessionID)] {
		out[k] = v
	}
	return out, nil
}

// SetMulti implements [Store]. Values are marshalled before the map is
// touched, so a marshal failure leaves every key unchanged.
func (s *MemStore) SetMulti(_ context.Context, namespace, sessionID string, values map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("memory: marshal %s/%s/%s: %w", namespace, sessionID, k, err)
		}
		encoded[k] = raw
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.kv[bucketKey(namespace, sessionID)]
	if b == nil {
		b = make(map[string]json.RawMessage, len(encoded))
		s.kv[bucketKey(namespace, sessionID)] = b
	}
	for k, raw := range encoded {
		b[k] = raw
	}
	return nil
}

// ClearNamespace implements [Store].
func (s *MemStore) ClearNamespace(_ context.Context, namespace, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, bucketKey(namespace, sessionID))
	return nil
}

// AppendHistory implements [Store].
func (s *MemStore) AppendHistory(_ context.Context, sessionID string, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[sessionID] = append(s.history[sessionID], entry)
	return nil
}

// History implements [Store].
func (s *MemStore) History(_ context.Context, sessionID string, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.history[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]HistoryEntry, len(all))
	copy(out, all)
	return out, nil
}

// FlushHistory implements [Store]. There is no backend to flush to.
func (s *MemStore) FlushHistory(context.Context, string) error { return nil }

// Close implements [Store].
func (s *MemStore) Close() error { return nil }
