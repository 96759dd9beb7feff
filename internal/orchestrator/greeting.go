package orchestrator

import (
	"context"
	"strings"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/types"
)

var greetingPrefixes = []string{
	"hello", "hi ", "hi!", "hi,", "hi.", "hey", "good morning", "good afternoon",
	"good evening", "welcome", "greetings", "thanks for calling", "thank you for calling",
}

// greetingLike reports whether text reads like a salutation rather than a
// request. Used to keep pleasantries out of cross-agent context.
func greetingLike(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "hi" {
		return true
	}
	for _, p := range greetingPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// selectGreeting resolves what the agent says on taking over a conversation.
// The ladder: an explicit override from the handoff wins, a silent handoff or
// a non-greeting agent says nothing, a revisited agent prefers its return
// greeting, and otherwise the plain greeting applies. The returned flag is
// false only when nothing should be spoken.
func selectGreeting(next agent.Descriptor, args handoffArgs, revisit bool, vars map[string]any) (string, bool) {
	if override := args.greetingOverride(); override != "" {
		return renderTemplate(override, vars), true
	}
	if args.silent() || !next.GreetOnSwitch {
		return "", false
	}
	if revisit && next.ReturnGreeting != "" {
		return renderTemplate(next.ReturnGreeting, vars), true
	}
	if next.Greeting == "" {
		return "", false
	}
	return renderTemplate(next.Greeting, vars), true
}

// Greeting renders the active agent's opening line for a fresh connection and
// returns it with the agent's voice. An empty string means the agent opens
// silently. The spoken text is recorded to history so the model sees its own
// opener on later turns.
func (o *Orchestrator) Greeting(ctx context.Context) (string, types.VoiceProfile) {
	sess := o.sess
	state := o.syncFromMemory(ctx, sess)
	v := o.view()

	o.mu.Lock()
	active := o.activeAgent
	o.visitedConn[active] = true
	o.mu.Unlock()

	d, ok := v.agents[active]
	if !ok {
		return "", types.VoiceProfile{}
	}
	if d.Greeting == "" {
		return "", d.Voice
	}

	text := renderTemplate(d.Greeting, promptVars(v, sess, state, d))
	if strings.TrimSpace(text) == "" {
		return "", d.Voice
	}
	o.appendHistory(ctx, sess, memory.HistoryEntry{
		Agent: active,
		Role:  roleAssistant,
		Text:  text,
	})
	return text, d.Voice
}
