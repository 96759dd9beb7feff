package memory

import "sync"

// HistoryBuffer is the in-memory staging area for history writes. Backends
// append to it from the turn hot path and drain it from a background flusher,
// so appends never wait on storage I/O. Safe for concurrent use.
type HistoryBuffer struct {
	mu      sync.Mutex
	pending map[string][]HistoryEntry
}

// NewHistoryBuffer returns an empty buffer.
func NewHistoryBuffer() *HistoryBuffer {
	return &HistoryBuffer{pending: make(map[string][]HistoryEntry)}
}

// Append stages one entry for the session.
func (b *HistoryBuffer) Append(sessionID string, entry HistoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[sessionID] = append(b.pending[sessionID], entry)
}

// Pending returns a copy of the staged entries for the session, in append
// order, without removing them.
func (b *HistoryBuffer) Pending(sessionID string) []HistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]HistoryEntry, len(b.pending[sessionID]))
	copy(out, b.pending[sessionID])
	return out
}

// Drain removes and returns all staged entries for the session.
func (b *HistoryBuffer) Drain(sessionID string) []HistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.pending[sessionID]
	delete(b.pending, sessionID)
	return entries
}

// DrainAll removes and returns the staged entries of every session.
func (b *HistoryBuffer) DrainAll() map[string][]HistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = make(map[string][]HistoryEntry)
	return out
}

// Requeue puts entries back at the front of the session's staging area,
// preserving their order ahead of anything appended since the drain. Used
// after a failed flush so no entry is lost.
func (b *HistoryBuffer) Requeue(sessionID string, entries []HistoryEntry) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[sessionID] = append(entries, b.pending[sessionID]...)
}

// Len returns the total number of staged entries across all sessions.
func (b *HistoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, entries := range b.pending {
		n += len(entries)
	}
	return n
}
