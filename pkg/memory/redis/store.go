// Package redis provides a Redis-backed implementation of the Loquora session
// state store.
//
// Each (namespace, session) pair maps to one hash named
// "{namespace}/{session_id}" whose fields are the JSON-encoded key values, and
// the conversation history maps to one list named "history/{session_id}" of
// JSON-encoded entries. Hash writes via HSET are atomic, which gives
// [Store.SetMulti] its all-or-nothing guarantee.
//
// Redis suits deployments that want low-latency state without running
// PostgreSQL; it offers no full-text history search, so callers fall back to
// scanning [Store.History].
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/loquora/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

const (
	defaultFlushInterval = 2 * time.Second
	flushThreshold       = 16
)

// Store is the Redis-backed session state store. Key/value operations hit
// Redis directly; history appends land in an in-memory buffer drained by a
// background flusher.
//
// All operations are safe for concurrent use.
type Store struct {
	client *goredis.Client
	buf    *memory.HistoryBuffer

	contextTTL    time.Duration
	flushInterval time.Duration
	kick          chan struct{}
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
	closeErr      error
}

type config struct {
	password      string
	db            int
	flushInterval time.Duration
	contextTTL    time.Duration
}

// Option configures a [Store] during construction.
type Option func(*config)

// WithPassword sets the Redis AUTH password. Empty (the default) disables AUTH.
func WithPassword(password string) Option {
	return func(c *config) { c.password = password }
}

// WithDB selects the Redis logical database. The default is 0.
func WithDB(db int) Option {
	return func(c *config) { c.db = db }
}

// WithFlushInterval overrides how often buffered history entries are written
// to Redis. The default is 2 seconds.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// WithContextTTL sets an expiry on context/{session_id} hashes so state from
// crashed sessions does not accumulate. Zero (the default) disables expiry;
// orderly teardown clears the namespace explicitly either way.
func WithContextTTL(d time.Duration) Option {
	return func(c *config) { c.contextTTL = d }
}

// NewStore connects to the Redis server at addr, verifies the connection and
// starts the background history flusher.
func NewStore(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	cfg := config{flushInterval: defaultFlushInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.password,
		DB:       cfg.db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", addr, err)
	}

	s := &Store{
		client:        client,
		buf:           memory.NewHistoryBuffer(),
		contextTTL:    cfg.contextTTL,
		flushInterval: cfg.flushInterval,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

func stateKey(namespace, sessionID string) string {
	return namespace + "/" + sessionID
}

func historyKey(sessionID string) string {
	return "history/" + sessionID
}

// Get implements [memory.Store].
func (s *Store) Get(ctx context.Context, namespace, sessionID, key string, out any) error {
	raw, err := s.client.HGet(ctx, stateKey(namespace, sessionID), key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return memory.ErrKeyNotFound
		}
		return fmt.Errorf("redis store: get %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("redis store: decode %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	return nil
}

// Set implements [memory.Store].
func (s *Store) Set(ctx context.Context, namespace, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis store: encode %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	hash := stateKey(namespace, sessionID)
	if err := s.client.HSet(ctx, hash, key, string(raw)).Err(); err != nil {
		return fmt.Errorf("redis store: set %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	s.touchTTL(ctx, namespace, hash)
	return nil
}

// Delete implements [memory.Store]. Deleting a non-existent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, sessionID, key string) error {
	if err := s.client.HDel(ctx, stateKey(namespace, sessionID), key).Err(); err != nil {
		return fmt.Errorf("redis store: delete %s/%s/%s: %w", namespace, sessionID, key, err)
	}
	return nil
}

// GetAll implements [memory.Store].
func (s *Store) GetAll(ctx context.Context, namespace, sessionID string) (map[string]json.RawMessage, error) {
	fields, err := s.client.HGetAll(ctx, stateKey(namespace, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: get all %s/%s: %w", namespace, sessionID, err)
	}
	out := make(map[string]json.RawMessage, len(fields))
	for key, raw := range fields {
		out[key] = json.RawMessage(raw)
	}
	return out, nil
}

// SetMulti implements [memory.Store]. A single HSET covers all fields, so the
// write is atomic.
func (s *Store) SetMulti(ctx context.Context, namespace, sessionID string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]string, len(values))
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("redis store: encode %s/%s/%s: %w", namespace, sessionID, key, err)
		}
		fields[key] = string(raw)
	}
	hash := stateKey(namespace, sessionID)
	if err := s.client.HSet(ctx, hash, fields).Err(); err != nil {
		return fmt.Errorf("redis store: set multi %s/%s: %w", namespace, sessionID, err)
	}
	s.touchTTL(ctx, namespace, hash)
	return nil
}

// ClearNamespace implements [memory.Store].
func (s *Store) ClearNamespace(ctx context.Context, namespace, sessionID string) error {
	if err := s.client.Del(ctx, stateKey(namespace, sessionID)).Err(); err != nil {
		return fmt.Errorf("redis store: clear %s/%s: %w", namespace, sessionID, err)
	}
	return nil
}

// touchTTL refreshes the expiry on context namespace hashes when configured.
func (s *Store) touchTTL(ctx context.Context, namespace, hash string) {
	if s.contextTTL <= 0 || namespace != memory.NamespaceContext {
		return
	}
	if err := s.client.Expire(ctx, hash, s.contextTTL).Err(); err != nil {
		slog.Warn("failed to refresh context TTL", "key", hash, "error", err)
	}
}

// AppendHistory implements [memory.Store]. The entry lands in the in-memory
// buffer and is pushed to the history list by the background flusher.
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

// History implements [memory.Store].
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]memory.HistoryEntry, error) {
	pending := s.buf.Pending(sessionID)

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raws, err := s.client.LRange(ctx, historyKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: history %s: %w", sessionID, err)
	}

	entries := make([]memory.HistoryEntry, 0, len(raws)+len(pending))
	for _, raw := range raws {
		var e memory.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("redis store: decode history %s: %w", sessionID, err)
		}
		entries = append(entries, e)
	}
	entries = append(entries, pending...)
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
	if err := s.pushEntries(ctx, sessionID, entries); err != nil {
		s.buf.Requeue(sessionID, entries)
		return err
	}
	return nil
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

func (s *Store) flushAll(ctx context.Context) {
	for sessionID, entries := range s.buf.DrainAll() {
		if err := s.pushEntries(ctx, sessionID, entries); err != nil {
			s.buf.Requeue(sessionID, entries)
			slog.Warn("history flush failed, entries re-buffered",
				"session_id", sessionID,
				"entries", len(entries),
				"error", err)
		}
	}
}

// pushEntries appends a batch of history entries with a single RPUSH.
func (s *Store) pushEntries(ctx context.Context, sessionID string, entries []memory.HistoryEntry) error {
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis store: encode history: %w", err)
		}
		values = append(values, string(raw))
	}
	if err := s.client.RPush(ctx, historyKey(sessionID), values...).Err(); err != nil {
		return fmt.Errorf("redis store: push history: %w", err)
	}
	return nil
}

// Close implements [memory.Store]. It stops the background flusher, writes
// any remaining buffered history and closes the client.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for sessionID, entries := range s.buf.DrainAll() {
			if err := s.pushEntries(ctx, sessionID, entries); err != nil && s.closeErr == nil {
				s.closeErr = fmt.Errorf("redis store: final flush %s: %w", sessionID, err)
			}
		}

		if err := s.client.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("redis store: close client: %w", err)
		}
	})
	return s.closeErr
}
