package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// LoadSnapshot reads every persistent key of the session and assembles a
// [SessionState]. Missing keys produce zero values, a corrupt value is logged
// and skipped, and an ActiveAgent that does not name one of availableAgents
// is replaced by the first available agent. The returned state is therefore
// always usable, even when err is non-nil; callers on the turn hot path log
// the error and continue with the defaults.
func LoadSnapshot(ctx context.Context, store Store, sessionID string, availableAgents []string) (*SessionState, error) {
	state := &SessionState{
		SessionID:  sessionID,
		SystemVars: map[string]any{},
	}
	if len(availableAgents) > 0 {
		state.ActiveAgent = availableAgents[0]
	}

	raw, err := store.GetAll(ctx, NamespaceCore, sessionID)
	if err != nil {
		return state, fmt.Errorf("memory: load snapshot %s: %w", sessionID, err)
	}

	decode := func(key string, out any) bool {
		v, ok := raw[key]
		if !ok {
			return false
		}
		if err := json.Unmarshal(v, out); err != nil {
			slog.Warn("corrupt session state value, using default",
				"session_id", sessionID, "key", key, "error", err)
			return false
		}
		return true
	}

	var active string
	if decode(KeyActiveAgent, &active) && active != "" {
		if containsAgent(availableAgents, active) {
			state.ActiveAgent = active
		} else {
			slog.Warn("stored active agent not available, using default",
				"session_id", sessionID, "stored", active, "default", state.ActiveAgent)
		}
	}

	decode(KeyVisitedAgents, &state.VisitedAgents)
	decode(KeySessionProfile, &state.Profile)
	decode(KeyPendingHandoff, &state.PendingHandoff)
	decode(KeyUserMessageHistory, &state.UserMessageHistory)
	decode(KeyTurnCount, &state.TurnCount)
	decode(KeyTokenCounts, &state.TokenCounts)

	if len(state.UserMessageHistory) > MaxUserMessageHistory {
		state.UserMessageHistory = state.UserMessageHistory[len(state.UserMessageHistory)-MaxUserMessageHistory:]
	}

	// Profile fields become prompt variables; the dedicated keys overlay
	// them afterwards so they win on name collisions.
	for k, v := range state.Profile {
		state.SystemVars[k] = v
	}
	for _, key := range []string{KeyClientID, KeyInstitutionName, KeyCustomerIntelligence} {
		var s string
		if decode(key, &s) && s != "" {
			state.SystemVars[key] = s
		}
	}

	return state, nil
}

// PersistSnapshot writes the turn-mutable keys of snap back to the store.
// The write is idempotent: persisting the same snapshot twice leaves the
// store unchanged. UserMessageHistory is truncated to its most recent
// [MaxUserMessageHistory] entries before writing.
func PersistSnapshot(ctx context.Context, store Store, sessionID string, snap Snapshot) error {
	history := snap.UserMessageHistory
	if len(history) > MaxUserMessageHistory {
		history = history[len(history)-MaxUserMessageHistory:]
	}

	values := map[string]any{
		KeyActiveAgent:        snap.ActiveAgent,
		KeyVisitedAgents:      snap.VisitedAgents,
		KeyUserMessageHistory: history,
		KeyTurnCount:          snap.TurnCount,
		KeyTokenCounts:        snap.TokenCounts,
	}
	if err := store.SetMulti(ctx, NamespaceCore, sessionID, values); err != nil {
		return fmt.Errorf("memory: persist snapshot %s: %w", sessionID, err)
	}

	if snap.ClearPendingHandoff {
		if err := store.Delete(ctx, NamespaceCore, sessionID, KeyPendingHandoff); err != nil {
			return fmt.Errorf("memory: clear pending handoff %s: %w", sessionID, err)
		}
	}
	return nil
}

func containsAgent(agents []string, name string) bool {
	for _, a := range agents {
		if a == name {
			return true
		}
	}
	return false
}
