// Package builtin provides the in-process tools available to every scenario:
// remember / recall for session slots, recall_history for transcript search
// and transfer_call for routing the call away.
//
// Parameter schemas are derived from Go structs via [tool.SchemaFor], so the
// definitions offered to the LLM always match what Execute decodes.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/types"
)

// defaultHistoryLimit caps recall_history results when the LLM does not ask
// for a specific count.
const defaultHistoryLimit = 5

// Register wires every builtin tool into reg. transfer may be nil, in which
// case transfer_call reports itself as unavailable when invoked.
func Register(reg *tool.Registry, store memory.Store, transfer TransferFunc) error {
	for _, t := range []tool.Tool{
		Remember(store),
		Recall(store),
		RecallHistory(store),
		TransferCall(transfer),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type rememberParams struct {
	Key   string `json:"key" jsonschema:"description=Short snake_case name for the fact, e.g. customer_name"`
	Value string `json:"value" jsonschema:"description=The fact to store"`
}

// Remember returns the "remember" tool. It stores one fact in the session's
// collected slots, writing through to the state store so the fact survives
// the current turn.
func Remember(store memory.Store) tool.Tool {
	return tool.Func{
		Def: types.ToolDefinition{
			Name:        "remember",
			Description: "Store a fact the caller shared so it is available for the rest of the conversation.",
			Parameters:  tool.SchemaFor[rememberParams](),
		},
		Fn: func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
			var p rememberParams
			if err := decodeArgs(inv.Args, &p); err != nil {
				return tool.Result{}, err
			}
			if p.Key == "" || p.Value == "" {
				return tool.Result{}, fmt.Errorf("remember requires both key and value")
			}

			slots, err := loadSlots(ctx, store, inv.SessionID)
			if err != nil {
				return tool.Result{}, err
			}
			slots[p.Key] = p.Value
			if err := store.Set(ctx, memory.NamespaceContext, inv.SessionID, memory.KeySlots, slots); err != nil {
				return tool.Result{}, fmt.Errorf("store slot %q: %w", p.Key, err)
			}

			return tool.Result{
				Content: map[string]any{"stored": true, "key": p.Key},
				Slots:   map[string]any{p.Key: p.Value},
				Summary: fmt.Sprintf("remembered %s=%s", p.Key, p.Value),
			}, nil
		},
	}
}

type recallParams struct {
	Key string `json:"key,omitempty" jsonschema:"description=Name of the fact to look up; omit to list everything stored"`
}

// Recall returns the "recall" tool. It reads the session's collected slots,
// either one named fact or the whole set.
func Recall(store memory.Store) tool.Tool {
	return tool.Func{
		Def: types.ToolDefinition{
			Name:        "recall",
			Description: "Look up facts stored earlier in this conversation with the remember tool.",
			Parameters:  tool.SchemaFor[recallParams](),
		},
		Fn: func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
			var p recallParams
			if err := decodeArgs(inv.Args, &p); err != nil {
				return tool.Result{}, err
			}

			slots, err := loadSlots(ctx, store, inv.SessionID)
			if err != nil {
				return tool.Result{}, err
			}

			if p.Key == "" {
				return tool.Result{Content: map[string]any{"slots": slots}}, nil
			}
			value, found := slots[p.Key]
			return tool.Result{
				Content: map[string]any{"key": p.Key, "value": value, "found": found},
			}, nil
		},
	}
}

type recallHistoryParams struct {
	Query string `json:"query" jsonschema:"description=Words or phrase to search the conversation transcript for"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of matching turns to return"`
}

// RecallHistory returns the "recall_history" tool. It searches the session's
// conversation transcript, using the store's full-text search when available
// and a plain scan otherwise.
func RecallHistory(store memory.Store) tool.Tool {
	return tool.Func{
		Def: types.ToolDefinition{
			Name:        "recall_history",
			Description: "Search earlier turns of this conversation for something the caller or an agent said.",
			Parameters:  tool.SchemaFor[recallHistoryParams](),
		},
		Fn: func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
			var p recallHistoryParams
			if err := decodeArgs(inv.Args, &p); err != nil {
				return tool.Result{}, err
			}
			if p.Query == "" {
				return tool.Result{}, fmt.Errorf("recall_history requires a query")
			}
			if p.Limit <= 0 {
				p.Limit = defaultHistoryLimit
			}

			entries, err := searchHistory(ctx, store, inv.SessionID, p.Query, p.Limit)
			if err != nil {
				return tool.Result{}, fmt.Errorf("search history: %w", err)
			}

			matches := make([]map[string]any, 0, len(entries))
			for _, e := range entries {
				matches = append(matches, map[string]any{
					"role":  e.Role,
					"agent": e.Agent,
					"text":  e.Text,
				})
			}
			return tool.Result{
				Content: map[string]any{"matches": matches, "count": len(matches)},
			}, nil
		},
	}
}

// searchHistory prefers the backend's full-text search and falls back to a
// case-insensitive scan of the buffered transcript.
func searchHistory(ctx context.Context, store memory.Store, sessionID, query string, limit int) ([]memory.HistoryEntry, error) {
	if searcher, ok := store.(memory.HistorySearcher); ok {
		return searcher.SearchHistory(ctx, query, memory.SearchOpts{
			SessionID: sessionID,
			Limit:     limit,
		})
	}

	entries, err := store.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	out := []memory.HistoryEntry{}
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Text), needle) {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// loadSlots reads the session's slot map, treating a missing key as empty.
func loadSlots(ctx context.Context, store memory.Store, sessionID string) (map[string]any, error) {
	slots := map[string]any{}
	err := store.Get(ctx, memory.NamespaceContext, sessionID, memory.KeySlots, &slots)
	if err != nil && !errors.Is(err, memory.ErrKeyNotFound) {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	if slots == nil {
		slots = map[string]any{}
	}
	return slots, nil
}

// decodeArgs round-trips loosely typed LLM arguments into a params struct.
// Unknown keys (such as the injected session_profile) are ignored.
func decodeArgs(args map[string]any, out any) error {
	if len(args) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
