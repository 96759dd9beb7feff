package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/loquora/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.Store           = (*Store)(nil)
	_ memory.HistorySearcher = (*Store)(nil)
)

const (
	// defaultFlushInterval is how often the background flusher drains the
	// history buffer when nothing forces an earlier write.
	defaultFlushInterval = 2 * time.Second

	// flushThreshold is the buffered entry count that wakes the flusher
	// ahead of its ticker.
	flushThreshold = 16
)

// Store is the PostgreSQL-backed session state store. Key/value operations
// hit the database directly; history appends land in an in-memory buffer
// drained by a background flusher so the turn hot path never waits on an
// INSERT.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	buf  *memory.HistoryBuffer

	flushInterval time.Duration
	kick          chan struct{}
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
	closeErr      error
}

// Option configures a [Store] during construction.
type Option func(*Store)

// WithFlushInterval overrides how often buffered history entries are written
// to the database. The default is 2 seconds.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, runs [Migrate] to ensure all required tables
// exist, and starts the background history flusher.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{
		pool:          pool,
		buf:           memory.NewHistoryBuffer(),
		flushInterval: defaultFlushInterval,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// Get implements [memory.Store].
func (s *Store) Get(ctx context.Context, namespace, sessionID, key string, out any) error {
	const q = `
		SELECT value
		FROM   session_state
		WHERE  namespace = $1 AND session_id = $2 AND key = $3`

	var raw []byte
	if err := s.pool.QueryRow(ctx, q, namespace, sessionID, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return memory.ErrKeyNotFound
		}
		return fmt.Errorf("postgres store: get %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("postgres store: decode %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	return nil
}

// Set implements [memory.Store]. Existing keys are overwritten (upsert).
func (s *Store) Set(ctx context.Context, namespace, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("postgres store: encode %s/%s/%s: %w", namespace, sessionID, key, err)
	}

	const q = `
		INSERT INTO session_state (namespace, session_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, session_id, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, namespace, sessionID, key, raw); err != nil {
		return fmt.Errorf("postgres store: set %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	return nil
}

// Delete implements [memory.Store]. Deleting a non-existent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, sessionID, key string) error {
	const q = `
		DELETE FROM session_state
		WHERE  namespace = $1 AND session_id = $2 AND key = $3`

	if _, err := s.pool.Exec(ctx, q, namespace, sessionID, key); err != nil {
		return fmt.Errorf("postgres store: delete %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	return nil
}

// GetAll implements [memory.Store].
func (s *Store) GetAll(ctx context.Context, namespace, sessionID string) (map[string]json.RawMessage, error) {
	const q = `
		SELECT key, value
		FROM   session_state
		WHERE  namespace = $1 AND session_id = $2`

	rows, err := s.pool.Query(ctx, q, namespace, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get all %s/%s: %w", namespace, sessionID, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("postgres store: scan %s/%s: %w", namespace, sessionID, err)
		}
		out[key] = json.RawMessage(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: get all %s/%s: %w", namespace, sessionID, err)
	}
	return out, nil
}

// SetMulti implements [memory.Store]. All writes happen in one transaction so
// a snapshot persists atomically.
func (s *Store) SetMulti(ctx context.Context, namespace, sessionID string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
		INSERT INTO session_state (namespace, session_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, session_id, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("postgres store: encode %s/%s/%s: %w", namespace, sessionID, key, err)
		}
		if _, err := tx.Exec(ctx, q, namespace, sessionID, key, raw); err != nil {
			return fmt.Errorf("postgres store: set %s/%s/%s: %w", namespace, sessionID, key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// ClearNamespace implements [memory.Store].
func (s *Store) ClearNamespace(ctx context.Context, namespace, sessionID string) error {
	const q = `
		DELETE FROM session_state
		WHERE  namespace = $1 AND session_id = $2`

	if _, err := s.pool.Exec(ctx, q, namespace, sessionID); err != nil {
		return fmt.Errorf("postgres store: clear %s/%s: %w", namespace, sessionID, err)
	}
	return nil
}

// Close implements [memory.Store]. It stops the background flusher, writes
// any remaining buffered history and releases the connection pool.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for sessionID, entries := range s.buf.DrainAll() {
			if err := s.insertEntries(ctx, sessionID, entries); err != nil && s.closeErr == nil {
				s.closeErr = fmt.Errorf("postgres store: final flush %s: %w", sessionID, err)
			}
		}

		s.pool.Close()
	})
	return s.closeErr
}
