package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/memory/redis"
	"github.com/MrWong99/loquora/pkg/types"
)

// testAddr returns the test Redis address from the environment, or skips the
// test if LOQUORA_TEST_REDIS_ADDR is not set.
func testAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("LOQUORA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOQUORA_TEST_REDIS_ADDR not set — skipping Redis integration tests")
	}
	return addr
}

// newTestStore creates a [redis.Store] against a flushed database and a short
// flush interval. It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *redis.Store {
	t.Helper()
	addr := testAddr(t)
	ctx := context.Background()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close clean client: %v", err)
	}

	store, err := redis.NewStore(ctx, addr, redis.WithFlushInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestKV_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, memory.NamespaceCore, "s1", memory.KeyActiveAgent, "triage"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var agent string
	if err := store.Get(ctx, memory.NamespaceCore, "s1", memory.KeyActiveAgent, &agent); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent != "triage" {
		t.Errorf("Get: want %q, got %q", "triage", agent)
	}

	// Namespaces are independent hashes.
	if err := store.Get(ctx, memory.NamespaceContext, "s1", memory.KeyActiveAgent, &agent); err != memory.ErrKeyNotFound {
		t.Errorf("Get other namespace: want ErrKeyNotFound, got %v", err)
	}

	if err := store.Delete(ctx, memory.NamespaceCore, "s1", memory.KeyActiveAgent); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Get(ctx, memory.NamespaceCore, "s1", memory.KeyActiveAgent, &agent); err != memory.ErrKeyNotFound {
		t.Errorf("Get after delete: want ErrKeyNotFound, got %v", err)
	}
}

func TestKV_SetMultiGetAllClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetMulti(ctx, memory.NamespaceContext, "s1", map[string]any{
		memory.KeySlots:       map[string]any{"account_type": "savings"},
		memory.KeyToolOutputs: []string{"ok"},
	}); err != nil {
		t.Fatalf("SetMulti: %v", err)
	}
	if err := store.Set(ctx, memory.NamespaceCore, "s1", memory.KeyTurnCount, 3); err != nil {
		t.Fatalf("Set core: %v", err)
	}

	all, err := store.GetAll(ctx, memory.NamespaceContext, "s1")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("GetAll: want 2 keys, got %d", len(all))
	}

	if err := store.ClearNamespace(ctx, memory.NamespaceContext, "s1"); err != nil {
		t.Fatalf("ClearNamespace: %v", err)
	}
	empty, err := store.GetAll(ctx, memory.NamespaceContext, "s1")
	if err != nil {
		t.Fatalf("GetAll after clear: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("GetAll after clear: want 0 keys, got %d", len(empty))
	}

	var turns int
	if err := store.Get(ctx, memory.NamespaceCore, "s1", memory.KeyTurnCount, &turns); err != nil {
		t.Fatalf("Get core after clear: %v", err)
	}
	if turns != 3 {
		t.Errorf("core namespace affected by clear: got %d", turns)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	agents := []string{"triage", "billing"}

	snap := memory.Snapshot{
		ActiveAgent:        "billing",
		VisitedAgents:      []string{"triage", "billing"},
		UserMessageHistory: []string{"hi", "transfer please"},
		TurnCount:          2,
		TokenCounts:        types.TokenUsage{Input: 100, Output: 40},
	}
	if err := memory.PersistSnapshot(ctx, store, "s1", snap); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}

	state, err := memory.LoadSnapshot(ctx, store, "s1", agents)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if state.ActiveAgent != "billing" || state.TurnCount != 2 {
		t.Errorf("snapshot round trip: got %+v", state)
	}
	if state.TokenCounts != snap.TokenCounts {
		t.Errorf("TokenCounts: want %+v, got %+v", snap.TokenCounts, state.TokenCounts)
	}
}

func TestHistory_AppendFlushRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		err := store.AppendHistory(ctx, "s1", memory.HistoryEntry{
			Agent: "triage",
			Role:  role,
			Text:  fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	// Buffered entries are visible before the flush.
	got, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("History before flush: want 6, got %d", len(got))
	}

	if err := store.FlushHistory(ctx, "s1"); err != nil {
		t.Fatalf("FlushHistory: %v", err)
	}

	got, err = store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History after flush: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("History after flush: want 6, got %d", len(got))
	}
	for i, e := range got {
		if want := fmt.Sprintf("message %d", i); e.Text != want {
			t.Errorf("entry %d: want %q, got %q", i, want, e.Text)
		}
	}

	// Limit returns the most recent entries in order.
	last, err := store.History(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("History limit: %v", err)
	}
	if len(last) != 2 || last[0].Text != "message 4" || last[1].Text != "message 5" {
		t.Errorf("History limit: got %v", last)
	}
}
