package memory

import (
	"time"

	"github.com/MrWong99/loquora/pkg/types"
)

// Namespaces partition per-session keys by lifetime. Core keys survive across
// calls from the same client; context keys live only as long as the session.
const (
	// NamespaceCore holds keys persisted under corememory/{session_id}.
	NamespaceCore = "corememory"

	// NamespaceContext holds keys scoped under context/{session_id}. The
	// namespace is cleared when the session ends and never carries over.
	NamespaceContext = "context"
)

// Keys stored under [NamespaceCore].
const (
	KeyActiveAgent          = "active_agent"
	KeyVisitedAgents        = "visited_agents"
	KeySessionProfile       = "session_profile"
	KeyClientID             = "client_id"
	KeyCustomerIntelligence = "customer_intelligence"
	KeyInstitutionName      = "institution_name"
	KeyPendingHandoff       = "pending_handoff"
	KeyUserMessageHistory   = "user_message_history"
	KeyTurnCount            = "turn_count"
	KeyTokenCounts          = "token_counts"
)

// Keys stored under [NamespaceContext].
const (
	KeySlots       = "slots"
	KeyToolOutputs = "tool_outputs"
)

// MaxUserMessageHistory bounds the rolling window of recent user utterances
// kept in user_message_history.
const MaxUserMessageHistory = 5

// PendingHandoff records an agent transfer that was requested but not yet
// executed. It is written when a transfer tool fires and consumed (then
// cleared) at the start of the next turn.
type PendingHandoff struct {
	// TargetAgent is the name of the agent to hand the conversation to.
	TargetAgent string `json:"target_agent"`

	// Reason is an optional free-text explanation carried into the target
	// agent's prompt.
	Reason string `json:"reason,omitempty"`

	// Context carries structured values the source agent wants the target
	// to see, merged into the session slots on execution.
	Context map[string]any `json:"context,omitempty"`
}

// SessionState is the decoded view of a session's persistent keys, assembled
// by [LoadSnapshot]. Fields missing from the store come back as zero values
// so a brand-new session loads cleanly.
type SessionState struct {
	SessionID string

	// ActiveAgent is the agent that owns the next turn. LoadSnapshot
	// guarantees it names one of the agents that were passed as available.
	ActiveAgent string

	// VisitedAgents lists every agent that has owned a turn in this
	// session, in first-visit order.
	VisitedAgents []string

	// Profile is the raw session_profile object as stored.
	Profile map[string]any

	// SystemVars holds the prompt-template variables derived from the
	// profile plus client_id, institution_name and customer_intelligence.
	SystemVars map[string]any

	// PendingHandoff is non-nil when a transfer was requested during a
	// previous turn and has not been executed yet.
	PendingHandoff *PendingHandoff

	// UserMessageHistory holds the most recent user utterances, oldest
	// first, bounded by [MaxUserMessageHistory].
	UserMessageHistory []string

	// TurnCount is the number of completed turns across all calls.
	TurnCount int

	// TokenCounts accumulates LLM usage across all calls.
	TokenCounts types.TokenUsage
}

// Visited reports whether the named agent already appears in VisitedAgents.
func (s *SessionState) Visited(agent string) bool {
	for _, a := range s.VisitedAgents {
		if a == agent {
			return true
		}
	}
	return false
}

// MarkVisited appends agent to VisitedAgents unless it is already present.
func (s *SessionState) MarkVisited(agent string) {
	if !s.Visited(agent) {
		s.VisitedAgents = append(s.VisitedAgents, agent)
	}
}

// Snapshot is the write-back payload for [PersistSnapshot]. It covers only
// the keys the turn loop mutates; everything else (profile, client_id,
// customer_intelligence) is written through [Store.Set] by its owner.
type Snapshot struct {
	ActiveAgent        string
	VisitedAgents      []string
	UserMessageHistory []string
	TurnCount          int
	TokenCounts        types.TokenUsage

	// ClearPendingHandoff removes the pending_handoff key, marking the
	// transfer as executed.
	ClearPendingHandoff bool
}

// HistoryEntry is one conversation turn in the session transcript. Plain
// text turns carry only Role and Text; tool-call turns additionally carry
// the structured ToolCalls (assistant side) or ToolCallID (tool side) so
// they can be replayed to the LLM in their original shape.
type HistoryEntry struct {
	// Agent names the agent that produced or received the entry.
	Agent string `json:"agent,omitempty"`

	// Role is "user", "assistant" or "tool".
	Role string `json:"role"`

	// Text is the message content. May be empty on assistant entries that
	// only carry tool calls.
	Text string `json:"text"`

	// ToolCalls holds the calls requested by an assistant entry.
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role entry to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// SearchOpts narrows a history search.
type SearchOpts struct {
	// SessionID scopes the search to a single session. Empty means all.
	SessionID string

	// Agent filters by the agent attribution of each entry.
	Agent string

	// Role filters by entry role ("user", "assistant", "tool").
	Role string

	// Limit caps the number of results. Zero means the store default.
	Limit int
}
