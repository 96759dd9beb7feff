package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/loquora/internal/events"
	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/pkg/memory"
)

// historyFlushTimeout bounds the background history flush after a turn.
const historyFlushTimeout = 10 * time.Second

// maxToolOutputs bounds the rolling tool_outputs list read by summarisation.
const maxToolOutputs = 20

// syncFromMemory assembles the session state for a turn. Without a store the
// state is fresh in-memory defaults. The current in-memory active agent goes
// first in the availability list so a stale stored value falls back to it.
// A pending handoff left by a transfer tool is executed here before the turn
// runs; syncToMemory clears the key afterwards.
func (o *Orchestrator) syncFromMemory(ctx context.Context, sess *session.Session) *memory.SessionState {
	o.mu.RLock()
	current := o.activeAgent
	o.mu.RUnlock()

	if sess.Store == nil {
		return &memory.SessionState{
			SessionID:   sess.ID,
			ActiveAgent: current,
			SystemVars:  map[string]any{},
		}
	}

	v := o.view()
	names := make([]string, 0, len(v.names))
	names = append(names, current)
	for _, n := range v.names {
		if n != current {
			names = append(names, n)
		}
	}

	state, err := memory.LoadSnapshot(ctx, sess.Store, sess.ID, names)
	if err != nil {
		slog.Warn("session state load failed, continuing with defaults",
			"session_id", sess.ID, "error", err)
	}

	reason := "restored"
	if ph := state.PendingHandoff; ph != nil {
		if _, ok := v.agents[ph.TargetAgent]; ok {
			slog.Info("executing pending handoff",
				"session_id", sess.ID, "target", ph.TargetAgent, "reason", ph.Reason)
			state.ActiveAgent = ph.TargetAgent
			state.MarkVisited(ph.TargetAgent)
			o.mergeSlots(ctx, sess, state, ph.Context)
			reason = "pending_handoff"
		} else {
			slog.Warn("pending handoff names unknown agent, dropping",
				"session_id", sess.ID, "target", ph.TargetAgent)
		}
	}

	if state.ActiveAgent != current {
		o.setActive(sess, state.ActiveAgent)
		sess.Bus.Event(senderOrchestrator, events.TopicAgentChange, map[string]any{
			"from":   current,
			"to":     state.ActiveAgent,
			"reason": reason,
		})
	}
	return state
}

// syncToMemory persists the turn-mutable state and kicks off a background
// history flush. The active agent is re-read under lock so a handoff that
// happened during the turn wins over the snapshot the turn started with.
func (o *Orchestrator) syncToMemory(ctx context.Context, sess *session.Session, state *memory.SessionState) {
	if sess.Store == nil {
		return
	}

	o.mu.RLock()
	active := o.activeAgent
	o.mu.RUnlock()

	snap := memory.Snapshot{
		ActiveAgent:         active,
		VisitedAgents:       state.VisitedAgents,
		UserMessageHistory:  state.UserMessageHistory,
		TurnCount:           state.TurnCount,
		TokenCounts:         state.TokenCounts,
		ClearPendingHandoff: state.PendingHandoff != nil,
	}
	if err := memory.PersistSnapshot(ctx, sess.Store, sess.ID, snap); err != nil {
		slog.Warn("session state persist failed", "session_id", sess.ID, "error", err)
	}
	state.PendingHandoff = nil

	store, sid := sess.Store, sess.ID
	sess.Go(func() {
		fctx, cancel := context.WithTimeout(context.Background(), historyFlushTimeout)
		defer cancel()
		if err := store.FlushHistory(fctx, sid); err != nil {
			slog.Warn("history flush failed", "session_id", sid, "error", err)
		}
	})
}

// mergeSlots folds newly extracted slots into the prompt variables and the
// stored slots key so later turns and other agents see them.
func (o *Orchestrator) mergeSlots(ctx context.Context, sess *session.Session, state *memory.SessionState, slots map[string]any) {
	if len(slots) == 0 {
		return
	}
	for k, v := range slots {
		state.SystemVars[k] = v
	}
	if sess.Store == nil {
		return
	}

	stored := map[string]any{}
	err := sess.Store.Get(ctx, memory.NamespaceContext, sess.ID, memory.KeySlots, &stored)
	if err != nil && !errors.Is(err, memory.ErrKeyNotFound) {
		slog.Warn("slot read failed", "session_id", sess.ID, "error", err)
		stored = map[string]any{}
	}
	for k, v := range slots {
		stored[k] = v
	}
	if err := sess.Store.Set(ctx, memory.NamespaceContext, sess.ID, memory.KeySlots, stored); err != nil {
		slog.Warn("slot write failed", "session_id", sess.ID, "error", err)
	}
}

// recordToolSummary appends a one-line tool outcome to the rolling
// tool_outputs list.
func (o *Orchestrator) recordToolSummary(ctx context.Context, sess *session.Session, toolName, summary string) {
	if sess.Store == nil || strings.TrimSpace(summary) == "" {
		return
	}

	var outputs []string
	err := sess.Store.Get(ctx, memory.NamespaceContext, sess.ID, memory.KeyToolOutputs, &outputs)
	if err != nil && !errors.Is(err, memory.ErrKeyNotFound) {
		slog.Warn("tool output read failed", "session_id", sess.ID, "error", err)
	}
	outputs = append(outputs, toolName+": "+summary)
	if len(outputs) > maxToolOutputs {
		outputs = outputs[len(outputs)-maxToolOutputs:]
	}
	if err := sess.Store.Set(ctx, memory.NamespaceContext, sess.ID, memory.KeyToolOutputs, outputs); err != nil {
		slog.Warn("tool output write failed", "session_id", sess.ID, "error", err)
	}
}

// appendHistory records one transcript entry, stamping the time when unset.
func (o *Orchestrator) appendHistory(ctx context.Context, sess *session.Session, e memory.HistoryEntry) {
	if sess.Store == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := sess.Store.AppendHistory(ctx, sess.ID, e); err != nil {
		slog.Warn("history append failed",
			"session_id", sess.ID, "role", e.Role, "error", err)
	}
}

// loadHistory reads the recent transcript for message assembly.
func (o *Orchestrator) loadHistory(ctx context.Context, sess *session.Session) []memory.HistoryEntry {
	if sess.Store == nil {
		return nil
	}
	history, err := sess.Store.History(ctx, sess.ID, historyReplayLimit)
	if err != nil {
		slog.Warn("history load failed", "session_id", sess.ID, "error", err)
		return nil
	}
	return history
}

func (o *Orchestrator) setActive(sess *session.Session, name string) {
	o.mu.Lock()
	o.activeAgent = name
	o.visitedConn[name] = true
	o.mu.Unlock()
	sess.SetActiveAgent(name)
}
