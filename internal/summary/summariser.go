// Package summary condenses a finished session's transcript into the compact
// customer_intelligence briefing that later sessions load as prompt context.
//
// Condensation is best-effort: it runs under a short deadline during session
// teardown, and any failure leaves the previously stored briefing in place.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/provider/llm"
	"github.com/MrWong99/loquora/pkg/types"
)

// condensePrompt is the system prompt sent to the LLM when updating the
// rolling customer briefing at the end of a call.
const condensePrompt = `Condense the following service call between a customer and the institution's agents into a short briefing for whoever speaks to this customer next.
Preserve: the customer's name and stated preferences, what they asked for, what was resolved or promised, open items, and anything they explicitly asked to be remembered.
If a line "Known from earlier calls" is present, fold it into the new briefing instead of repeating it verbatim.
At most five sentences. Plain text. Do not invent details.`

const (
	defaultTimeout      = 10 * time.Second
	defaultHistoryLimit = 200

	// maxBriefingTokens caps the completion so a runaway model cannot bloat
	// the stored briefing.
	maxBriefingTokens = 256
)

// Summariser turns a session transcript into an updated customer briefing
// and persists it under corememory/customer_intelligence.
type Summariser struct {
	llm     llm.Provider
	store   memory.Store
	model   string
	timeout time.Duration
	limit   int
}

// Option configures a [Summariser].
type Option func(*Summariser)

// WithModel overrides the provider's default deployment for condensation
// requests. Teardown summaries tolerate a smaller, cheaper model than the
// conversation itself.
func WithModel(deployment string) Option {
	return func(s *Summariser) {
		s.model = deployment
	}
}

// WithTimeout overrides the deadline applied to the whole condensation,
// history read through persist. The default is 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(s *Summariser) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithHistoryLimit overrides how many of the most recent transcript entries
// are fed to the model. The default is 200; zero means all.
func WithHistoryLimit(n int) Option {
	return func(s *Summariser) {
		if n >= 0 {
			s.limit = n
		}
	}
}

// New creates a [Summariser] backed by the given provider and store.
func New(provider llm.Provider, store memory.Store, opts ...Option) *Summariser {
	s := &Summariser{
		llm:     provider,
		store:   store,
		timeout: defaultTimeout,
		limit:   defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Condense reads the session transcript, asks the model for an updated
// briefing, and persists it. Returns the new briefing text. An empty
// transcript or an empty completion is not an error; both return "" and
// leave the stored briefing untouched.
func (s *Summariser) Condense(ctx context.Context, sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entries, err := s.store.History(ctx, sessionID, s.limit)
	if err != nil {
		return "", fmt.Errorf("summary: read history: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}

	// The previous briefing is folded into the new one so intelligence
	// accumulates across calls instead of resetting each time.
	var previous string
	if err := s.store.Get(ctx, memory.NamespaceCore, sessionID, memory.KeyCustomerIntelligence, &previous); err != nil && !errors.Is(err, memory.ErrKeyNotFound) {
		return "", fmt.Errorf("summary: read previous briefing: %w", err)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Model:        s.model,
		SystemPrompt: condensePrompt,
		Messages: []types.Message{{
			Role:    "user",
			Content: formatTranscript(previous, entries),
		}},
		Temperature: 0.3,
		MaxTokens:   maxBriefingTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summary: condense: %w", err)
	}

	briefing := strings.TrimSpace(resp.Content)
	if briefing == "" {
		return "", nil
	}
	if err := s.store.Set(ctx, memory.NamespaceCore, sessionID, memory.KeyCustomerIntelligence, briefing); err != nil {
		return "", fmt.Errorf("summary: persist briefing: %w", err)
	}
	return briefing, nil
}

// formatTranscript renders the transcript as one speaker-labelled line per
// entry, prefixed with the previous briefing when there is one. Assistant
// lines carry the agent name so multi-agent calls stay attributable.
func formatTranscript(previous string, entries []memory.HistoryEntry) string {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Known from earlier calls: ")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		speaker := e.Role
		if e.Role == "assistant" && e.Agent != "" {
			speaker = e.Agent
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, e.Text)
	}
	return sb.String()
}
