package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/loquora/pkg/memory"
)

// AppendHistory implements [memory.Store]. The entry lands in the in-memory
// buffer and is written to session_history by the background flusher, so
// this never blocks on database I/O.
func (s *Store) AppendHistory(_ context.Context, sessionID string, entry memory.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.buf.Append(sessionID, entry)

	if s.buf.Len() >= flushThreshold {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// History implements [memory.Store]. It merges the stored rows with any
// entries still sitting in the flush buffer, returning the most recent limit
// entries in chronological order.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]memory.HistoryEntry, error) {
	pending := s.buf.Pending(sessionID)

	q := `
		SELECT agent, role, text, tool_calls, tool_call_id, timestamp
		FROM   session_history
		WHERE  session_id = $1
		ORDER  BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		q += "\nLIMIT $2"
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: history %s: %w", sessionID, err)
	}
	stored, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(stored)

	entries := append(stored, pending...)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// FlushHistory implements [memory.Store]. Failed entries are re-buffered so
// the next flush attempt retries them.
func (s *Store) FlushHistory(ctx context.Context, sessionID string) error {
	entries := s.buf.Drain(sessionID)
	if len(entries) == 0 {
		return nil
	}
	if err := s.insertEntries(ctx, sessionID, entries); err != nil {
		s.buf.Requeue(sessionID, entries)
		return err
	}
	return nil
}

// SearchHistory implements [memory.HistorySearcher]. It performs a PostgreSQL
// full-text search over the text column, ranked by relevance. The session's
// buffered entries are flushed first so the current call is searchable.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required.
func (s *Store) SearchHistory(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.HistoryEntry, error) {
	if opts.SessionID != "" {
		if err := s.FlushHistory(ctx, opts.SessionID); err != nil {
			return nil, err
		}
	}

	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Agent != "" {
		conditions = append(conditions, "agent = "+next(opts.Agent))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}

	q := "SELECT agent, role, text, tool_calls, tool_call_id, timestamp\n" +
		"FROM   session_history\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search history: %w", err)
	}
	return collectEntries(rows)
}

// flushLoop drains the history buffer on a ticker, or earlier when
// AppendHistory signals that the buffer has grown past flushThreshold.
func (s *Store) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.flushAll(context.Background())
	}
}

// flushAll writes every buffered session to the database. Failures are
// logged and the entries re-buffered for the next attempt.
func (s *Store) flushAll(ctx context.Context) {
	for sessionID, entries := range s.buf.DrainAll() {
		if err := s.insertEntries(ctx, sessionID, entries); err != nil {
			s.buf.Requeue(sessionID, entries)
			slog.Warn("history flush failed, entries re-buffered",
				"session_id", sessionID,
				"entries", len(entries),
				"error", err)
		}
	}
}

// insertEntries writes a batch of history rows in one round trip.
func (s *Store) insertEntries(ctx context.Context, sessionID string, entries []memory.HistoryEntry) error {
	const q = `
		INSERT INTO session_history
		    (session_id, agent, role, text, tool_calls, tool_call_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		var toolCalls []byte
		if len(e.ToolCalls) > 0 {
			raw, err := json.Marshal(e.ToolCalls)
			if err != nil {
				return fmt.Errorf("postgres store: encode tool calls: %w", err)
			}
			toolCalls = raw
		}
		batch.Queue(q, sessionID, e.Agent, e.Role, e.Text, toolCalls, e.ToolCallID, e.Timestamp)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: insert history: %w", err)
	}
	return nil
}

// collectEntries scans pgx rows into a slice of HistoryEntry values.
func collectEntries(rows pgx.Rows) ([]memory.HistoryEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.HistoryEntry, error) {
		var (
			e   memory.HistoryEntry
			raw []byte
		)
		if err := row.Scan(
			&e.Agent,
			&e.Role,
			&e.Text,
			&raw,
			&e.ToolCallID,
			&e.Timestamp,
		); err != nil {
			return memory.HistoryEntry{}, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.ToolCalls); err != nil {
				return memory.HistoryEntry{}, err
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan history: %w", err)
	}
	if entries == nil {
		entries = []memory.HistoryEntry{}
	}
	return entries, nil
}
