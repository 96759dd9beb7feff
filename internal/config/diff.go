package config

import (
	"maps"
	"slices"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/pkg/types"
)

// ScenarioDiff describes what changed between two scenario documents. All of
// it is safe to apply to running sessions via the orchestrator registry.
type ScenarioDiff struct {
	// Changed is true when anything at all differs.
	Changed bool

	StartAgentChanged      bool
	InstitutionChanged     bool
	GenericHandoffsChanged bool

	// Agents holds per-agent diffs for added, removed, and modified agents.
	Agents []AgentDiff
}

// AgentDiff describes what changed for a single agent between two scenarios.
type AgentDiff struct {
	Name    string
	Added   bool
	Removed bool

	DescriptionChanged bool
	PromptChanged      bool
	GreetingChanged    bool // Greeting, ReturnGreeting, or GreetOnSwitch
	VoiceChanged       bool
	ModelChanged       bool // Model or either transport override
	ToolsChanged       bool
	HandoffsChanged    bool
}

func (a AgentDiff) modified() bool {
	return a.DescriptionChanged || a.PromptChanged || a.GreetingChanged ||
		a.VoiceChanged || a.ModelChanged || a.ToolsChanged || a.HandoffsChanged
}

// Diff compares old and new scenarios and returns what changed.
func Diff(old, new *agent.Scenario) ScenarioDiff {
	d := ScenarioDiff{}

	if old.StartAgent != new.StartAgent {
		d.StartAgentChanged = true
	}
	if old.InstitutionName != new.InstitutionName {
		d.InstitutionChanged = true
	}
	if old.GenericHandoffs != new.GenericHandoffs {
		d.GenericHandoffsChanged = true
	}

	// Build agent lookup maps keyed by name.
	oldAgents := make(map[string]*agent.Descriptor, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].Name] = &old.Agents[i]
	}
	newAgents := make(map[string]*agent.Descriptor, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].Name] = &new.Agents[i]
	}

	// Detect modified and removed agents, in old document order so the diff
	// is stable for logging.
	for i := range old.Agents {
		name := old.Agents[i].Name
		oldAg := oldAgents[name]
		newAg, exists := newAgents[name]
		if !exists {
			d.Agents = append(d.Agents, AgentDiff{Name: name, Removed: true})
			continue
		}
		ad := diffAgent(name, oldAg, newAg)
		if ad.modified() {
			d.Agents = append(d.Agents, ad)
		}
	}

	// Detect added agents, in new document order.
	for i := range new.Agents {
		name := new.Agents[i].Name
		if _, exists := oldAgents[name]; !exists {
			d.Agents = append(d.Agents, AgentDiff{Name: name, Added: true})
		}
	}

	d.Changed = d.StartAgentChanged || d.InstitutionChanged ||
		d.GenericHandoffsChanged || len(d.Agents) > 0
	return d
}

// diffAgent compares two agent descriptors with the same name.
func diffAgent(name string, old, new *agent.Descriptor) AgentDiff {
	ad := AgentDiff{Name: name}

	if old.Description != new.Description {
		ad.DescriptionChanged = true
	}
	if old.Prompt != new.Prompt {
		ad.PromptChanged = true
	}
	if old.Greeting != new.Greeting || old.ReturnGreeting != new.ReturnGreeting || old.GreetOnSwitch != new.GreetOnSwitch {
		ad.GreetingChanged = true
	}
	if old.Voice != new.Voice {
		ad.VoiceChanged = true
	}
	if old.Model != new.Model ||
		!modelPtrEqual(old.ModelCascade, new.ModelCascade) ||
		!modelPtrEqual(old.ModelRealtime, new.ModelRealtime) {
		ad.ModelChanged = true
	}
	if !slices.Equal(old.ToolNames, new.ToolNames) {
		ad.ToolsChanged = true
	}
	if !maps.Equal(old.OutgoingHandoffs, new.OutgoingHandoffs) {
		ad.HandoffsChanged = true
	}

	return ad
}

func modelPtrEqual(a, b *types.ModelProfile) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
