package builtin_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/internal/tool/builtin"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/memory/mock"
)

// storeOnly hides the mock's SearchHistory so recall_history falls back to
// scanning the transcript.
type storeOnly struct{ memory.Store }

func seedHistory(t *testing.T, store memory.Store, sessionID string, texts ...string) {
	t.Helper()
	for i, text := range texts {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		err := store.AppendHistory(context.Background(), sessionID, memory.HistoryEntry{
			Agent:     "Concierge",
			Role:      role,
			Text:      text,
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}
}

func TestRegister_AddsAllBuiltins(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	if err := builtin.Register(reg, mock.NewStore(), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	want := []string{"recall", "recall_history", "remember", "transfer_call"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("Names[%d] = %s, want %s", i, got[i], name)
		}
	}
}

func TestRemember_WritesThroughToStore(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	remember := builtin.Remember(store)

	res, err := remember.Execute(context.Background(), tool.Invocation{
		SessionID: "s1",
		Args:      map[string]any{"key": "customer_name", "value": "Jane"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Slots["customer_name"] != "Jane" {
		t.Errorf("result slots = %#v, want customer_name=Jane", res.Slots)
	}
	if res.Summary == "" {
		t.Error("remember produced no summary")
	}

	// A second fact must not clobber the first.
	_, err = remember.Execute(context.Background(), tool.Invocation{
		SessionID: "s1",
		Args:      map[string]any{"key": "account_tier", "value": "gold"},
	})
	if err != nil {
		t.Fatalf("Execute second fact: %v", err)
	}

	var stored map[string]any
	if err := store.Get(context.Background(), memory.NamespaceContext, "s1", memory.KeySlots, &stored); err != nil {
		t.Fatalf("Get slots: %v", err)
	}
	if stored["customer_name"] != "Jane" || stored["account_tier"] != "gold" {
		t.Errorf("stored slots = %#v, want both facts kept", stored)
	}
}

func TestRemember_RequiresKeyAndValue(t *testing.T) {
	t.Parallel()

	remember := builtin.Remember(mock.NewStore())
	_, err := remember.Execute(context.Background(), tool.Invocation{
		SessionID: "s1",
		Args:      map[string]any{"key": "customer_name"},
	})
	if err == nil {
		t.Error("expected error when value is missing")
	}
}

func TestRecall_SingleKeyAndFullDump(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	err := store.Set(context.Background(), memory.NamespaceContext, "s1", memory.KeySlots,
		map[string]any{"customer_name": "Jane", "account_tier": "gold"})
	if err != nil {
		t.Fatalf("seed slots: %v", err)
	}
	recall := builtin.Recall(store)

	res, err := recall.Execute(context.Background(), tool.Invocation{
		SessionID: "s1",
		Args:      map[string]any{"key": "customer_name"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content["found"] != true || res.Content["value"] != "Jane" {
		t.Errorf("recall customer_name = %#v, want found=true value=Jane", res.Content)
	}

	res, err = recall.Execute(context.Background(), tool.Invocation{
		SessionID: "s1",
		Args:      map[string]any{"key": "favourite_colour"},
	})
	if err != nil {
		t.Fatalf("Execute unknown key: %v", err)
	}
	if res.Content["found"] != false {
		t.Errorf("recall of unknown key = %#v, want found=false", res.Content)
	}

	res, err = recall.Execute(context.Background(), tool.Invocation{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Execute full dump: %v", err)
	}
	slots, ok := res.Content["slots"].(map[string]any)
	if !ok || len(slots) != 2 {
		t.Errorf("recall without key = %#v, want both slots", res.Content)
	}
}

func TestRecall_EmptySessionHasNoSlots(t *testing.T) {
	t.Parallel()

	recall := builtin.Recall(mock.NewStore())
	res, err := recall.Execute(context.Background(), tool.Invocation{SessionID: "fresh"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	slots, ok := res.Content["slots"].(map[string]any)
	if !ok || len(slots) != 0 {
		t.Errorf("fresh session slots = %#v, want empty map", res.Content)
	}
}

func TestRecallHistory_UsesBackendSearch(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	seedHistory(t, store, "s1",
		"I want to open a savings account",
		"Happy to help with savings accounts.",
		"What about mortgages?",
	)
	recallHistory := builtin.RecallHistory(store)

	res, err := recallHistory.Execute(context.Background(), tool.Invocation{
		SessionID: "s1",
		Args:      map[string]any{"query": "savings"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content["count"] != 2 {
		t.Errorf("count = %v, want 2", res.Content["count"])
	}
	if store.CallCount("SearchHistory") != 1 {
		t.Errorf("SearchHistory called %d times, want 1", store.CallCount("SearchHistory"))
	}

	matches, ok := res.Content["matches"].([]map[string]any)
	if !ok || len(matches) != 2 {
		t.Fatalf("matches = %#v, want 2 entries", res.Content["matches"])
	}
	if matches[0]["role"] != "user" || matches[0]["agent"] != "Concierge" {
		t.Errorf("first match = %#v, want role=user agent=Concierge", matches[0])
	}
}

func TestRecallHistory_FallsBackToScan(t *testing.T) {
	t.Parallel()

	inner := mock.NewStore()
	seedHistory(t, inner, "s1",
		"My card was declined at the grocery store",
		"Let me check the card status.",
		"It worked yesterday",
	)
	recallHistory := builtin.RecallHistory(storeOnly{inner})

	res, err := recallHistory.Execute(context.Background(), tool.Invocation{
		SessionID: "s1",
		Args:      map[string]any{"query": "CARD"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content["count"] != 2 {
		t.Errorf("count = %v, want 2 case-insensitive matches", res.Content["count"])
	}
	if inner.CallCount("SearchHistory") != 0 {
		t.Error("fallback path must not reach SearchHistory")
	}
	if inner.CallCount("History") != 1 {
		t.Errorf("History called %d times, want 1", inner.CallCount("History"))
	}
}

func TestRecallHistory_HonorsLimit(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	seedHistory(t, store, "s1",
		"balance please", "balance is $10", "balance again", "balance is still $10",
	)
	recallHistory := builtin.RecallHistory(store)

	res, err := recallHistory.Execute(context.Background(), tool.Invocation{
		SessionID: "s1",
		Args:      map[string]any{"query": "balance", "limit": 2},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content["count"] != 2 {
		t.Errorf("count = %v, want the limit respected", res.Content["count"])
	}
}

func TestRecallHistory_RequiresQuery(t *testing.T) {
	t.Parallel()

	recallHistory := builtin.RecallHistory(mock.NewStore())
	_, err := recallHistory.Execute(context.Background(), tool.Invocation{SessionID: "s1"})
	if err == nil {
		t.Error("expected error when query is missing")
	}
}
