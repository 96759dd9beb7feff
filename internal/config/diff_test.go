package config_test

import (
	"testing"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/config"
	"github.com/MrWong99/loquora/pkg/types"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	sc := &agent.Scenario{
		Name:       "bank",
		StartAgent: "Concierge",
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "You greet callers.", Voice: types.VoiceProfile{Name: "alloy"}},
		},
	}
	d := config.Diff(sc, sc)
	if d.Changed {
		t.Error("expected Changed=false for identical scenarios")
	}
	if len(d.Agents) != 0 {
		t.Errorf("expected 0 agent changes, got %d", len(d.Agents))
	}
}

func TestDiff_StartAgentChanged(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		StartAgent: "Concierge",
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "p"},
			{Name: "Advisor", Prompt: "p"},
		},
	}
	new := &agent.Scenario{
		StartAgent: "Advisor",
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "p"},
			{Name: "Advisor", Prompt: "p"},
		},
	}

	d := config.Diff(old, new)
	if !d.StartAgentChanged {
		t.Error("expected StartAgentChanged=true")
	}
	if !d.Changed {
		t.Error("expected Changed=true")
	}
	if len(d.Agents) != 0 {
		t.Errorf("expected 0 agent changes, got %d", len(d.Agents))
	}
}

func TestDiff_PromptChanged(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "You advise cautiously."},
		},
	}
	new := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "You advise boldly."},
		},
	}

	d := config.Diff(old, new)
	if !d.Changed {
		t.Error("expected Changed=true")
	}
	if len(d.Agents) != 1 {
		t.Fatalf("expected 1 agent change, got %d", len(d.Agents))
	}
	if !d.Agents[0].PromptChanged {
		t.Error("expected PromptChanged=true")
	}
	if d.Agents[0].VoiceChanged {
		t.Error("expected VoiceChanged=false")
	}
}

func TestDiff_VoiceChanged(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "p", Voice: types.VoiceProfile{Name: "alloy"}},
		},
	}
	new := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "p", Voice: types.VoiceProfile{Name: "verse"}},
		},
	}

	d := config.Diff(old, new)
	found := false
	for _, ad := range d.Agents {
		if ad.Name == "Advisor" && ad.VoiceChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected Advisor's VoiceChanged=true")
	}
}

func TestDiff_ModelOverrideChanged(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "p", Model: types.ModelProfile{DeploymentID: "gpt-4o"}},
		},
	}
	new := &agent.Scenario{
		Agents: []agent.Descriptor{
			{
				Name:          "Advisor",
				Prompt:        "p",
				Model:         types.ModelProfile{DeploymentID: "gpt-4o"},
				ModelRealtime: &types.ModelProfile{DeploymentID: "gpt-4o-realtime-preview"},
			},
		},
	}

	d := config.Diff(old, new)
	if len(d.Agents) != 1 {
		t.Fatalf("expected 1 agent change, got %d", len(d.Agents))
	}
	if !d.Agents[0].ModelChanged {
		t.Error("expected ModelChanged=true when a transport override appears")
	}
}

func TestDiff_GreetOnSwitchChanged(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "p", GreetOnSwitch: true, Greeting: "Hello."},
		},
	}
	new := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "p", GreetOnSwitch: false, Greeting: "Hello."},
		},
	}

	d := config.Diff(old, new)
	if len(d.Agents) != 1 {
		t.Fatalf("expected 1 agent change, got %d", len(d.Agents))
	}
	if !d.Agents[0].GreetingChanged {
		t.Error("expected GreetingChanged=true")
	}
}

func TestDiff_ToolsChanged(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "p", ToolNames: []string{"lookup_customer"}},
		},
	}
	new := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Advisor", Prompt: "p", ToolNames: []string{"lookup_customer", "open_account"}},
		},
	}

	d := config.Diff(old, new)
	if len(d.Agents) != 1 {
		t.Fatalf("expected 1 agent change, got %d", len(d.Agents))
	}
	if !d.Agents[0].ToolsChanged {
		t.Error("expected ToolsChanged=true")
	}
}

func TestDiff_HandoffsChanged(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "p", OutgoingHandoffs: map[string]string{"to_advisor": "Advisor"}},
			{Name: "Advisor", Prompt: "p"},
		},
	}
	new := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "p"},
			{Name: "Advisor", Prompt: "p"},
		},
	}

	d := config.Diff(old, new)
	found := false
	for _, ad := range d.Agents {
		if ad.Name == "Concierge" && ad.HandoffsChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected Concierge's HandoffsChanged=true")
	}
}

func TestDiff_AgentAdded(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "p"},
		},
	}
	new := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "p"},
			{Name: "FraudDesk", Prompt: "p"},
		},
	}

	d := config.Diff(old, new)
	found := false
	for _, ad := range d.Agents {
		if ad.Name == "FraudDesk" && ad.Added {
			found = true
		}
	}
	if !found {
		t.Error("expected FraudDesk Added=true")
	}
}

func TestDiff_AgentRemoved(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "p"},
			{Name: "Advisor", Prompt: "p"},
		},
	}
	new := &agent.Scenario{
		Agents: []agent.Descriptor{
			{Name: "Concierge", Prompt: "p"},
		},
	}

	d := config.Diff(old, new)
	found := false
	for _, ad := range d.Agents {
		if ad.Name == "Advisor" && ad.Removed {
			found = true
		}
	}
	if !found {
		t.Error("expected Advisor Removed=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &agent.Scenario{
		StartAgent:      "A",
		InstitutionName: "First Bank",
		Agents: []agent.Descriptor{
			{Name: "A", Prompt: "p1"},
			{Name: "B", Prompt: "p"},
		},
	}
	new := &agent.Scenario{
		StartAgent:      "C",
		InstitutionName: "Second Bank",
		Agents: []agent.Descriptor{
			{Name: "A", Prompt: "p2"},
			{Name: "C", Prompt: "p"},
		},
	}

	d := config.Diff(old, new)
	if !d.Changed {
		t.Error("expected Changed=true")
	}
	if !d.StartAgentChanged {
		t.Error("expected StartAgentChanged=true")
	}
	if !d.InstitutionChanged {
		t.Error("expected InstitutionChanged=true")
	}
	// A: prompt changed, B: removed, C: added
	changes := make(map[string]config.AgentDiff)
	for _, ad := range d.Agents {
		changes[ad.Name] = ad
	}
	if !changes["A"].PromptChanged {
		t.Error("expected A PromptChanged=true")
	}
	if !changes["B"].Removed {
		t.Error("expected B Removed=true")
	}
	if !changes["C"].Added {
		t.Error("expected C Added=true")
	}
}
