package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/events"
	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/types"
)

// handoffToolName is the generic handoff tool exposed alongside any named
// handoff edges.
const handoffToolName = "handoff_to_agent"

// varGreetingOverride is the system-variable key a handoff may set to replace
// the target agent's greeting for this switch only.
const varGreetingOverride = "greeting"

// Jaro-Winkler score floors for resolving misheard agent names. Phonetic
// candidates (shared Double Metaphone codes) accept looser string similarity
// than pure fuzzy matches.
const (
	phoneticThreshold = 0.70
	fuzzyThreshold    = 0.85
)

// handoffParams is the schema the model sees for the generic handoff tool.
type handoffParams struct {
	TargetAgent string         `json:"target_agent" jsonschema:"description=Exact name of the agent to hand the conversation to"`
	Reason      string         `json:"reason,omitempty" jsonschema:"description=Short reason for the handoff"`
	Context     map[string]any `json:"context,omitempty" jsonschema:"description=Facts worth carrying over to the next agent"`
}

// handoffArgs is the superset of arguments accepted at parse time. Models and
// tool results may pass fields beyond the advertised schema, such as a
// greeting override or a silent-switch flag.
type handoffArgs struct {
	TargetAgent   string         `json:"target_agent"`
	Reason        string         `json:"reason"`
	Context       map[string]any `json:"context"`
	GreetOnSwitch *bool          `json:"greet_on_switch"`
	SystemVars    map[string]any `json:"system_vars"`
}

// greetingOverride returns the per-switch greeting replacement, if any.
func (a handoffArgs) greetingOverride() string {
	if a.SystemVars == nil {
		return ""
	}
	s, _ := a.SystemVars[varGreetingOverride].(string)
	return strings.TrimSpace(s)
}

// silent reports whether the handoff explicitly suppresses the greeting.
func (a handoffArgs) silent() bool {
	return a.GreetOnSwitch != nil && !*a.GreetOnSwitch
}

func parseHandoffArgs(raw string) (handoffArgs, error) {
	var args handoffArgs
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return args, fmt.Errorf("orchestrator: malformed handoff arguments: %w", err)
	}
	return args, nil
}

// handoffTarget reports whether a tool call by this name is a handoff. For
// named edges the mapped target agent is returned; the generic tool carries
// its target in the arguments instead.
func handoffTarget(v scenarioView, toolName string) (string, bool) {
	if toolName == handoffToolName {
		return "", true
	}
	target, ok := v.handoffMap[toolName]
	return target, ok
}

// isHandoffResult reports whether a tool result requests an agent switch.
func isHandoffResult(content map[string]any) bool {
	h, ok := content["handoff"].(bool)
	return ok && h
}

// handoffTargets lists the agents d may hand the conversation to, keyed by
// name with inventory descriptions. Generic scenarios open every other agent;
// otherwise only d's declared edges count.
func handoffTargets(v scenarioView, d agent.Descriptor) map[string]string {
	targets := make(map[string]string)
	if v.generic {
		for name, other := range v.agents {
			if name != d.Name {
				targets[name] = other.Description
			}
		}
		return targets
	}
	for _, target := range d.OutgoingHandoffs {
		if other, ok := v.agents[target]; ok && target != d.Name {
			targets[target] = other.Description
		}
	}
	return targets
}

// handoffToolDefinition builds the generic handoff tool with the valid
// targets baked into both the enum and the description.
func handoffToolDefinition(targets map[string]string) types.ToolDefinition {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	slices.Sort(names)

	params := tool.SchemaFor[handoffParams]()
	if props, ok := params["properties"].(map[string]any); ok {
		if ta, ok := props["target_agent"].(map[string]any); ok {
			enum := make([]any, len(names))
			for i, name := range names {
				enum[i] = name
			}
			ta["enum"] = enum
		}
	}

	var b strings.Builder
	b.WriteString("Hand the conversation over to another agent. Valid targets:")
	for _, name := range names {
		b.WriteString(" ")
		b.WriteString(name)
		if desc := targets[name]; desc != "" {
			b.WriteString(" (")
			b.WriteString(desc)
			b.WriteString(")")
		}
		b.WriteString(";")
	}

	return types.ToolDefinition{
		Name:        handoffToolName,
		Description: strings.TrimSuffix(b.String(), ";"),
		Parameters:  params,
	}
}

// handoffOutcome describes a completed agent switch.
type handoffOutcome struct {
	target   string
	greeting string
	override bool
	kind     string // "announced" or "discrete"
}

// performHandoff switches the active agent to the one args names. On failure
// the returned string explains the problem so the model can recover, and the
// active agent does not change.
func (o *Orchestrator) performHandoff(ctx context.Context, sess *session.Session, v scenarioView, state *memory.SessionState, from string, args handoffArgs) (*handoffOutcome, string) {
	resolved, ok := resolveAgent(args.TargetAgent, v.names)
	if !ok {
		slog.Warn("handoff target did not resolve",
			"session_id", sess.ID, "from", from, "target", args.TargetAgent)
		return nil, fmt.Sprintf("unknown agent %q; available agents: %s",
			args.TargetAgent, strings.Join(v.names, ", "))
	}
	next := v.agents[resolved]

	o.mu.Lock()
	revisit := o.visitedConn[resolved]
	o.activeAgent = resolved
	o.visitedConn[resolved] = true
	o.mu.Unlock()
	sess.SetActiveAgent(resolved)
	state.MarkVisited(resolved)

	for k, val := range args.Context {
		state.SystemVars[k] = val
	}
	for k, val := range args.SystemVars {
		if k == varGreetingOverride {
			continue
		}
		state.SystemVars[k] = val
	}

	vars := promptVars(v, sess, state, next)
	greeting, announced := selectGreeting(next, args, revisit, vars)
	kind := "discrete"
	if announced && greeting != "" {
		kind = "announced"
	}

	slog.Info("agent handoff",
		"session_id", sess.ID, "from", from, "to", resolved, "type", kind)
	sess.Bus.Event(senderOrchestrator, events.TopicAgentChange, map[string]any{
		"from":   from,
		"to":     resolved,
		"reason": args.Reason,
	})
	o.updater.Schedule(systemPrompt(next, vars, handoffTargets(v, next)), o.buildTools(v, next))

	return &handoffOutcome{
		target:   resolved,
		greeting: greeting,
		override: args.greetingOverride() != "",
		kind:     kind,
	}, ""
}

// resolveAgent maps a model-supplied name to a registered agent. Exact match
// wins, then a comparison that ignores case and separators, then a phonetic
// pass for transcription slips ("at visor" for "Advisor"): agents sharing a
// Double Metaphone code with the input rank by Jaro-Winkler similarity above
// phoneticThreshold, and pure string similarity needs fuzzyThreshold.
func resolveAgent(target string, names []string) (string, bool) {
	target = strings.TrimSpace(target)
	if target == "" || len(names) == 0 {
		return "", false
	}

	for _, name := range names {
		if name == target {
			return name, true
		}
	}
	norm := normalizeAgentName(target)
	for _, name := range names {
		if normalizeAgentName(name) == norm {
			return name, true
		}
	}

	targetLower := strings.ToLower(target)
	targetTokens := strings.Fields(targetLower)
	targetCodes := metaphoneCodes(targetTokens)

	var (
		bestName     string
		bestScore    float64
		bestPhonetic bool
	)
	for _, name := range names {
		nameLower := strings.ToLower(name)
		nameTokens := strings.Fields(nameLower)
		phonetic := codesOverlap(targetCodes, metaphoneCodes(nameTokens))
		score := bestSimilarity(targetTokens, nameTokens, targetLower, nameLower)

		if phonetic {
			if score >= phoneticThreshold && (!bestPhonetic || score > bestScore) {
				bestName, bestScore, bestPhonetic = name, score, true
			}
		} else if !bestPhonetic && score >= fuzzyThreshold && score > bestScore {
			bestName, bestScore = name, score
		}
	}
	return bestName, bestName != ""
}

// normalizeAgentName lowercases and strips spaces, underscores and hyphens so
// "front_desk" matches "Front Desk".
func normalizeAgentName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch r {
		case ' ', '_', '-':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
// Empty codes are excluded.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestSimilarity takes the highest Jaro-Winkler score across full strings,
// space-stripped strings, and the best pairwise token comparison, so
// multi-word names survive partial transcriptions.
func bestSimilarity(inputTokens, nameTokens []string, inputFull, nameFull string) float64 {
	score := matchr.JaroWinkler(inputFull, nameFull, false)
	if len(inputTokens) > 1 || len(nameTokens) > 1 {
		concatIn := strings.Join(inputTokens, "")
		concatName := strings.Join(nameTokens, "")
		if s := matchr.JaroWinkler(concatIn, concatName, false); s > score {
			score = s
		}
	}
	for _, it := range inputTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(it, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}
