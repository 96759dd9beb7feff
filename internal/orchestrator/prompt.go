package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/types"
)

// historyReplayLimit bounds how many stored entries are read back per turn.
const historyReplayLimit = 40

// crossContextMinRunes filters trivial utterances out of cross-agent context.
const crossContextMinRunes = 10

// renderTemplate renders tmpl over vars with text/template. Values are
// flattened to strings first so a missing key renders empty instead of
// "<no value>". Templates that fail to parse or execute are returned raw;
// a broken prompt beats a silent agent.
func renderTemplate(tmpl string, vars map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	t, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		slog.Warn("prompt template parse failed, using raw text", "error", err)
		return tmpl
	}
	var b strings.Builder
	if err := t.Execute(&b, stringifyVars(vars)); err != nil {
		slog.Warn("prompt template execution failed, using raw text", "error", err)
		return tmpl
	}
	return b.String()
}

// stringifyVars flattens template variables: scalars format with %v,
// composite values render as JSON.
func stringifyVars(vars map[string]any) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		switch tv := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = tv
		case map[string]any, []any:
			if b, err := json.Marshal(tv); err == nil {
				out[k] = string(b)
			} else {
				out[k] = fmt.Sprintf("%v", tv)
			}
		default:
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// promptVars merges the session's system variables with per-turn metadata.
// Stored values win over the scenario default; metadata wins over both.
func promptVars(v scenarioView, sess *session.Session, state *memory.SessionState, d agent.Descriptor) map[string]any {
	vars := make(map[string]any, len(state.SystemVars)+5)
	if v.institution != "" {
		vars[memory.KeyInstitutionName] = v.institution
	}
	for k, val := range state.SystemVars {
		vars[k] = val
	}
	vars["agent_name"] = d.Name
	vars["session_id"] = sess.ID
	vars["transport"] = string(sess.Transport)
	vars["current_date"] = time.Now().Format("2006-01-02")
	return vars
}

// systemPrompt renders the agent's prompt template and appends handoff
// instructions when other agents are reachable.
func systemPrompt(d agent.Descriptor, vars map[string]any, targets map[string]string) string {
	prompt := renderTemplate(d.Prompt, vars)
	if len(targets) == 0 {
		return prompt
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nWhen the caller's request belongs to another agent, call the ")
	b.WriteString(handoffToolName)
	b.WriteString(" tool with the agent's exact name instead of answering yourself. Agents you can hand off to:")
	for _, name := range names {
		b.WriteString("\n- ")
		b.WriteString(name)
		if desc := targets[name]; desc != "" {
			b.WriteString(": ")
			b.WriteString(desc)
		}
	}
	return b.String()
}

// crossAgentContext extracts what the caller told other agents so the active
// agent keeps the thread after a handoff. Short and greeting-like utterances
// drop out, duplicates collapse on lowercased text, and skip (the in-flight
// utterance) never repeats.
func crossAgentContext(history []memory.HistoryEntry, activeAgent, skip string) []string {
	seen := make(map[string]bool)
	if s := strings.ToLower(strings.TrimSpace(skip)); s != "" {
		seen[s] = true
	}

	var out []string
	for _, e := range history {
		if e.Role != roleUser || e.Agent == activeAgent {
			continue
		}
		text := strings.TrimSpace(e.Text)
		if utf8.RuneCountInString(text) <= crossContextMinRunes || greetingLike(text) {
			continue
		}
		key := strings.ToLower(text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, text)
	}
	return out
}

// assembleMessages builds one model call's conversation: cross-agent context
// first, then the agent's own history expanded back to its structured form,
// then the current utterance.
func assembleMessages(activeAgent string, history []memory.HistoryEntry, cross []string, userText string) []types.Message {
	msgs := make([]types.Message, 0, len(cross)+len(history)+1)
	for _, c := range cross {
		msgs = append(msgs, types.Message{Role: roleUser, Content: c})
	}
	msgs = append(msgs, agentMessages(activeAgent, history)...)
	if userText != "" {
		msgs = append(msgs, types.Message{Role: roleUser, Content: userText})
	}
	return msgs
}

// postHandoffMessages builds the fresh conversation for the agent a handoff
// just landed on: its own history when it has seen the caller before,
// otherwise the in-flight utterance opens the conversation.
func postHandoffMessages(activeAgent string, history []memory.HistoryEntry, cross []string, userText string) []types.Message {
	own := agentMessages(activeAgent, history)
	msgs := make([]types.Message, 0, len(cross)+len(own)+1)
	for _, c := range cross {
		msgs = append(msgs, types.Message{Role: roleUser, Content: c})
	}
	if len(own) == 0 {
		if userText != "" {
			msgs = append(msgs, types.Message{Role: roleUser, Content: userText})
		}
		return msgs
	}
	return append(msgs, own...)
}

// agentMessages expands the agent's stored entries into typed messages, tool
// calls and tool results included, so the model replays prior turns in their
// original shape.
func agentMessages(agentName string, history []memory.HistoryEntry) []types.Message {
	var msgs []types.Message
	for _, e := range history {
		if e.Agent != agentName {
			continue
		}
		switch e.Role {
		case roleUser:
			msgs = append(msgs, types.Message{Role: roleUser, Content: e.Text})
		case roleAssistant:
			msgs = append(msgs, types.Message{
				Role:      roleAssistant,
				Content:   e.Text,
				Name:      e.Agent,
				ToolCalls: e.ToolCalls,
			})
		case roleTool:
			msgs = append(msgs, types.Message{
				Role:       roleTool,
				Content:    e.Text,
				ToolCallID: e.ToolCallID,
			})
		}
	}
	return msgs
}
