package orchestrator

import (
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/pkg/memory"
	memmock "github.com/MrWong99/loquora/pkg/memory/mock"
	"github.com/MrWong99/loquora/pkg/types"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	sess := session.New(session.Config{
		ID:        "sess-prompt",
		CallID:    "call-prompt",
		Transport: types.TransportTelephony,
		Store:     memmock.NewStore(),
	})
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestRenderTemplate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tmpl string
		vars map[string]any
		want string
	}{
		{
			name: "plain text passes through",
			tmpl: "You route calls.",
			want: "You route calls.",
		},
		{
			name: "string variable",
			tmpl: "Welcome to {{.institution_name}}.",
			vars: map[string]any{"institution_name": "Acme Bank"},
			want: "Welcome to Acme Bank.",
		},
		{
			name: "missing key renders empty",
			tmpl: "Hello {{.nope}}!",
			vars: map[string]any{},
			want: "Hello !",
		},
		{
			name: "nil value renders empty",
			tmpl: "x{{.v}}y",
			vars: map[string]any{"v": nil},
			want: "xy",
		},
		{
			name: "composite value renders as JSON",
			tmpl: "Items: {{.items}}",
			vars: map[string]any{"items": []any{"a", "b"}},
			want: `Items: ["a","b"]`,
		},
		{
			name: "number formats plainly",
			tmpl: "{{.n}} days",
			vars: map[string]any{"n": 42},
			want: "42 days",
		},
		{
			name: "parse error returns raw text",
			tmpl: "{{.broken",
			want: "{{.broken",
		},
		{
			name: "execution error returns raw text",
			tmpl: "{{.foo.bar}}",
			vars: map[string]any{"foo": "x"},
			want: "{{.foo.bar}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := renderTemplate(tt.tmpl, tt.vars); got != tt.want {
				t.Errorf("renderTemplate(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestSystemPrompt(t *testing.T) {
	t.Parallel()

	d := agent.Descriptor{Name: "Concierge", Prompt: "You are {{.agent_name}} at {{.institution_name}}."}
	vars := map[string]any{"agent_name": "Concierge", "institution_name": "Acme Bank"}

	t.Run("without targets", func(t *testing.T) {
		t.Parallel()
		got := systemPrompt(d, vars, nil)
		if got != "You are Concierge at Acme Bank." {
			t.Errorf("systemPrompt = %q", got)
		}
	})

	t.Run("with targets sorted and described", func(t *testing.T) {
		t.Parallel()
		got := systemPrompt(d, vars, map[string]string{
			"Front Desk": "",
			"Advisor":    "Handles investments",
		})
		want := "You are Concierge at Acme Bank." +
			"\n\nWhen the caller's request belongs to another agent, call the handoff_to_agent" +
			" tool with the agent's exact name instead of answering yourself. Agents you can hand off to:" +
			"\n- Advisor: Handles investments" +
			"\n- Front Desk"
		if got != want {
			t.Errorf("systemPrompt = %q, want %q", got, want)
		}
	})
}

func TestCrossAgentContext(t *testing.T) {
	t.Parallel()

	history := []memory.HistoryEntry{
		{Agent: "Concierge", Role: roleUser, Text: "I want to move $5,000 into savings"},
		{Agent: "Concierge", Role: roleUser, Text: "hello"},
		{Agent: "Concierge", Role: roleAssistant, Text: "Of course, one moment."},
		{Agent: "Advisor", Role: roleUser, Text: "Tell me about bond funds please"},
		{Agent: "Concierge", Role: roleUser, Text: "i want to move $5,000 into savings"},
		{Agent: "Concierge", Role: roleUser, Text: "what rates do you offer?"},
		{Agent: "Concierge", Role: roleUser, Text: "short one"},
	}

	got := crossAgentContext(history, "Advisor", "What rates do you offer?")
	want := []string{"I want to move $5,000 into savings"}
	if !slices.Equal(got, want) {
		t.Errorf("crossAgentContext = %q, want %q", got, want)
	}
}

func TestAgentMessages(t *testing.T) {
	t.Parallel()

	history := []memory.HistoryEntry{
		{Agent: "Concierge", Role: roleUser, Text: "I need to reset my card PIN today"},
		{Agent: "Concierge", Role: roleAssistant, Text: "Sure, let me check.", ToolCalls: []types.ToolCall{
			{ID: "call-1", Name: "lookup_customer", Arguments: "{}"},
		}},
		{Agent: "Concierge", Role: roleTool, Text: `{"ok":true}`, ToolCallID: "call-1"},
		{Agent: "Concierge", Role: roleAssistant, Text: "Done."},
		{Agent: "Advisor", Role: roleUser, Text: "Tell me about bond funds please"},
		{Agent: "Advisor", Role: roleAssistant, Text: "Bonds are stable."},
	}

	got := agentMessages("Concierge", history)
	want := []types.Message{
		{Role: roleUser, Content: "I need to reset my card PIN today"},
		{Role: roleAssistant, Content: "Sure, let me check.", Name: "Concierge", ToolCalls: []types.ToolCall{
			{ID: "call-1", Name: "lookup_customer", Arguments: "{}"},
		}},
		{Role: roleTool, Content: `{"ok":true}`, ToolCallID: "call-1"},
		{Role: roleAssistant, Content: "Done.", Name: "Concierge"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("agentMessages = %+v, want %+v", got, want)
	}
}

func TestAssembleMessages(t *testing.T) {
	t.Parallel()

	history := []memory.HistoryEntry{
		{Agent: "Advisor", Role: roleUser, Text: "Tell me about bond funds please"},
		{Agent: "Advisor", Role: roleAssistant, Text: "Bonds are stable."},
	}
	cross := []string{"I want to move $5,000 into savings"}

	got := assembleMessages("Advisor", history, cross, "What about stocks?")
	want := []types.Message{
		{Role: roleUser, Content: "I want to move $5,000 into savings"},
		{Role: roleUser, Content: "Tell me about bond funds please"},
		{Role: roleAssistant, Content: "Bonds are stable.", Name: "Advisor"},
		{Role: roleUser, Content: "What about stocks?"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("assembleMessages = %+v, want %+v", got, want)
	}
}

func TestPostHandoffMessages(t *testing.T) {
	t.Parallel()

	history := []memory.HistoryEntry{
		{Agent: "Advisor", Role: roleUser, Text: "Tell me about bond funds please"},
		{Agent: "Advisor", Role: roleAssistant, Text: "Bonds are stable."},
	}
	cross := []string{"I want to move $5,000 into savings"}

	t.Run("revisited agent replays its own history", func(t *testing.T) {
		t.Parallel()
		got := postHandoffMessages("Advisor", history, cross, "What about stocks?")
		want := []types.Message{
			{Role: roleUser, Content: "I want to move $5,000 into savings"},
			{Role: roleUser, Content: "Tell me about bond funds please"},
			{Role: roleAssistant, Content: "Bonds are stable.", Name: "Advisor"},
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("postHandoffMessages = %+v, want %+v", got, want)
		}
	})

	t.Run("fresh agent opens with the in-flight utterance", func(t *testing.T) {
		t.Parallel()
		got := postHandoffMessages("Billing", history, cross, "What about stocks?")
		want := []types.Message{
			{Role: roleUser, Content: "I want to move $5,000 into savings"},
			{Role: roleUser, Content: "What about stocks?"},
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("postHandoffMessages = %+v, want %+v", got, want)
		}
	})

	t.Run("nothing to say yields no messages", func(t *testing.T) {
		t.Parallel()
		if got := postHandoffMessages("Billing", nil, nil, ""); len(got) != 0 {
			t.Errorf("postHandoffMessages = %+v, want none", got)
		}
	})
}

func TestGreetingLike(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{"hi", true},
		{"Hi, how are you?", true},
		{"Hello there!", true},
		{"HEY", true},
		{"good morning", true},
		{"Thanks for calling Acme Bank", true},
		{"Welcome back.", true},
		{"hit the gym at noon", false},
		{"higher rates please", false},
		{"What's my balance?", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := greetingLike(tt.text); got != tt.want {
			t.Errorf("greetingLike(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestSelectGreeting(t *testing.T) {
	t.Parallel()

	base := agent.Descriptor{
		Name:           "Advisor",
		GreetOnSwitch:  true,
		Greeting:       "Hello from {{.agent_name}}.",
		ReturnGreeting: "Welcome back.",
	}
	vars := map[string]any{"agent_name": "Advisor"}
	silent := false

	tests := []struct {
		name      string
		desc      agent.Descriptor
		args      handoffArgs
		revisit   bool
		want      string
		wantSpeak bool
	}{
		{
			name:      "override wins over everything",
			desc:      base,
			args:      handoffArgs{SystemVars: map[string]any{"greeting": "Custom line"}},
			revisit:   true,
			want:      "Custom line",
			wantSpeak: true,
		},
		{
			name:      "explicit silent handoff",
			desc:      base,
			args:      handoffArgs{GreetOnSwitch: &silent},
			wantSpeak: false,
		},
		{
			name:      "agent that never greets",
			desc:      agent.Descriptor{Name: "Advisor", Greeting: "Hello."},
			revisit:   true,
			wantSpeak: false,
		},
		{
			name:      "revisit prefers the return greeting",
			desc:      base,
			revisit:   true,
			want:      "Welcome back.",
			wantSpeak: true,
		},
		{
			name:      "first visit uses the greeting",
			desc:      base,
			want:      "Hello from Advisor.",
			wantSpeak: true,
		},
		{
			name:      "revisit without return greeting falls back",
			desc:      agent.Descriptor{Name: "Advisor", GreetOnSwitch: true, Greeting: "Hello from {{.agent_name}}."},
			revisit:   true,
			want:      "Hello from Advisor.",
			wantSpeak: true,
		},
		{
			name:      "no greeting configured",
			desc:      agent.Descriptor{Name: "Advisor", GreetOnSwitch: true},
			wantSpeak: false,
		},
		{
			name:      "blank override is ignored",
			desc:      base,
			args:      handoffArgs{SystemVars: map[string]any{"greeting": "   "}},
			want:      "Hello from Advisor.",
			wantSpeak: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, speak := selectGreeting(tt.desc, tt.args, tt.revisit, vars)
			if speak != tt.wantSpeak {
				t.Fatalf("speak = %v, want %v", speak, tt.wantSpeak)
			}
			if got != tt.want {
				t.Errorf("greeting = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPromptVarsPrecedence(t *testing.T) {
	t.Parallel()

	v := scenarioView{institution: "Acme Bank"}
	state := &memory.SessionState{SystemVars: map[string]any{
		memory.KeyInstitutionName: "Stored Bank",
		"customer_name":           "Jane",
		"agent_name":              "Imposter",
	}}
	d := agent.Descriptor{Name: "Advisor"}

	vars := promptVars(v, newTestSession(t), state, d)

	if got := vars[memory.KeyInstitutionName]; got != "Stored Bank" {
		t.Errorf("stored institution should win over the scenario default, got %v", got)
	}
	if got := vars["customer_name"]; got != "Jane" {
		t.Errorf("customer_name = %v, want Jane", got)
	}
	if got := vars["agent_name"]; got != "Advisor" {
		t.Errorf("metadata must win over stored vars, agent_name = %v", got)
	}
	if vars["session_id"] == "" {
		t.Error("session_id missing")
	}
	if got, ok := vars["current_date"].(string); !ok || !strings.Contains(got, "-") {
		t.Errorf("current_date = %v, want ISO date", vars["current_date"])
	}
}
