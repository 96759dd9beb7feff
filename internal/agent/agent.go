// Package agent defines the immutable agent descriptors a scenario is built
// from, along with the loader that reads a scenario document into memory.
//
// A Descriptor is the static persona of one conversational agent: its prompt
// and greeting templates, voice, model parameters, tool grants, and the
// handoff edges leading away from it. Descriptors never change after loading;
// scenario updates replace whole sets atomically through the orchestrator.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration data and is not intended to be imported
// by external code.
package agent

import (
	"github.com/MrWong99/loquora/pkg/types"
)

// Descriptor describes the static persona of one agent.
// It is loaded at startup from a scenario file and treated as immutable.
type Descriptor struct {
	// Name is the agent's registry key and display name (e.g., "Concierge").
	Name string

	// Description is a one-line summary surfaced in agent inventories and
	// handoff tool descriptions so models can pick a sensible target.
	Description string

	// Greeting is the template spoken when the agent takes over a
	// conversation for the first time. Templates render over the session's
	// system variables (e.g., {{.institution_name}}).
	Greeting string

	// ReturnGreeting is the template spoken when the conversation returns to
	// an agent it has already visited. Empty falls back to Greeting.
	ReturnGreeting string

	// GreetOnSwitch controls whether any greeting is spoken when a handoff
	// lands on this agent. When false the agent starts listening silently.
	GreetOnSwitch bool

	// Prompt is the system-prompt template over the session's system
	// variables. Required.
	Prompt string

	// Voice is the TTS profile used for this agent's speech.
	Voice types.VoiceProfile

	// Model parameterises the default LLM deployment for this agent.
	Model types.ModelProfile

	// ModelCascade, when non-nil, overrides Model for cascaded
	// (STT → LLM → TTS) sessions.
	ModelCascade *types.ModelProfile

	// ModelRealtime, when non-nil, overrides Model for realtime
	// speech-to-speech sessions.
	ModelRealtime *types.ModelProfile

	// ToolNames lists the tools this agent may invoke, by registry name.
	ToolNames []string

	// OutgoingHandoffs maps a handoff tool name to the target agent name.
	// The orchestrator registers each entry as a transfer-marked tool.
	OutgoingHandoffs map[string]string
}

// ModelFor picks the model profile for the given transport kind: realtime
// sessions prefer ModelRealtime, everything else prefers ModelCascade, and
// both fall back to Model.
func (d Descriptor) ModelFor(kind types.TransportKind) types.ModelProfile {
	if kind == types.TransportRealtime {
		if d.ModelRealtime != nil {
			return *d.ModelRealtime
		}
		return d.Model
	}
	if d.ModelCascade != nil {
		return *d.ModelCascade
	}
	return d.Model
}

// HasOutgoingHandoffs reports whether any handoff edge leaves this agent.
func (d Descriptor) HasOutgoingHandoffs() bool { return len(d.OutgoingHandoffs) > 0 }

// Scenario is one loaded scenario document: the agent set, the entry point,
// and scenario-wide settings.
type Scenario struct {
	// Name identifies the scenario in logs and events.
	Name string

	// StartAgent is the agent that greets new sessions. Always a member of
	// Agents.
	StartAgent string

	// GenericHandoffs gives every agent the handoff_to_agent tool with all
	// other agents as valid targets. When false, only agents with outgoing
	// edges can hand off, and only to their named targets.
	GenericHandoffs bool

	// InstitutionName seeds the institution_name system variable for prompt
	// and greeting templates when the session store has none.
	InstitutionName string

	// Agents holds the descriptors in document order.
	Agents []Descriptor
}

// Agent returns the descriptor with the given name.
func (s *Scenario) Agent(name string) (Descriptor, bool) {
	for _, d := range s.Agents {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// AgentNames returns the agent names in document order.
func (s *Scenario) AgentNames() []string {
	names := make([]string, len(s.Agents))
	for i, d := range s.Agents {
		names[i] = d.Name
	}
	return names
}

// HandoffMap aggregates every agent's outgoing edges into one flat
// tool-name → target map. Loader validation guarantees the names are unique
// across agents and every target exists.
func (s *Scenario) HandoffMap() map[string]string {
	m := make(map[string]string)
	for _, d := range s.Agents {
		for tool, target := range d.OutgoingHandoffs {
			m[tool] = target
		}
	}
	return m
}
