package agent

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/loquora/pkg/types"
)

// scenarioFile is the YAML schema of a scenario document.
type scenarioFile struct {
	Name            string        `yaml:"name"`
	StartAgent      string        `yaml:"start_agent"`
	GenericHandoffs bool          `yaml:"generic_handoffs"`
	InstitutionName string        `yaml:"institution_name"`
	Agents          []agentConfig `yaml:"agents"`
}

type agentConfig struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	Greeting       string            `yaml:"greeting"`
	ReturnGreeting string            `yaml:"return_greeting"`
	GreetOnSwitch  *bool             `yaml:"greet_on_switch"`
	Prompt         string            `yaml:"prompt"`
	Voice          voiceConfig       `yaml:"voice"`
	Model          modelConfig       `yaml:"model"`
	ModelCascade   *modelConfig      `yaml:"model_cascade"`
	ModelRealtime  *modelConfig      `yaml:"model_realtime"`
	Tools          []string          `yaml:"tools"`
	Handoffs       map[string]string `yaml:"handoffs"`
}

type voiceConfig struct {
	Name     string  `yaml:"name"`
	Style    string  `yaml:"style"`
	Rate     float64 `yaml:"rate"`
	Provider string  `yaml:"provider"`
}

type modelConfig struct {
	Deployment  string  `yaml:"deployment"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LoadScenario reads the YAML scenario document at path and returns a
// validated [Scenario]. It is a convenience wrapper around
// [LoadScenarioFromReader].
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agent: open scenario %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadScenarioFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("agent: scenario %q: %w", path, err)
	}
	return s, nil
}

// LoadScenarioFromReader decodes a YAML scenario from r and validates the
// result. Useful in tests where scenarios are constructed from string
// literals.
func LoadScenarioFromReader(r io.Reader) (*Scenario, error) {
	var file scenarioFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := validateScenario(&file); err != nil {
		return nil, err
	}

	s := &Scenario{
		Name:            file.Name,
		StartAgent:      file.StartAgent,
		GenericHandoffs: file.GenericHandoffs,
		InstitutionName: file.InstitutionName,
		Agents:          make([]Descriptor, 0, len(file.Agents)),
	}
	for _, ac := range file.Agents {
		s.Agents = append(s.Agents, ac.descriptor())
	}
	if s.StartAgent == "" {
		s.StartAgent = s.Agents[0].Name
	}
	return s, nil
}

// descriptor converts the YAML form into the immutable runtime form.
func (ac agentConfig) descriptor() Descriptor {
	d := Descriptor{
		Name:           ac.Name,
		Description:    ac.Description,
		Greeting:       ac.Greeting,
		ReturnGreeting: ac.ReturnGreeting,
		GreetOnSwitch:  ac.GreetOnSwitch == nil || *ac.GreetOnSwitch,
		Prompt:         ac.Prompt,
		Voice: types.VoiceProfile{
			Name:     ac.Voice.Name,
			Style:    ac.Voice.Style,
			Rate:     ac.Voice.Rate,
			Provider: ac.Voice.Provider,
		},
		Model:     ac.Model.profile(),
		ToolNames: append([]string(nil), ac.Tools...),
	}
	if ac.ModelCascade != nil {
		p := ac.ModelCascade.profile()
		d.ModelCascade = &p
	}
	if ac.ModelRealtime != nil {
		p := ac.ModelRealtime.profile()
		d.ModelRealtime = &p
	}
	if len(ac.Handoffs) > 0 {
		d.OutgoingHandoffs = make(map[string]string, len(ac.Handoffs))
		for tool, target := range ac.Handoffs {
			d.OutgoingHandoffs[tool] = target
		}
	}
	return d
}

func (mc modelConfig) profile() types.ModelProfile {
	return types.ModelProfile{
		DeploymentID: mc.Deployment,
		Temperature:  mc.Temperature,
		TopP:         mc.TopP,
		MaxTokens:    mc.MaxTokens,
	}
}

// validateScenario checks that the document describes a coherent agent set.
// It returns a joined error listing all validation failures found.
func validateScenario(file *scenarioFile) error {
	var errs []error

	if len(file.Agents) == 0 {
		errs = append(errs, errors.New("scenario declares no agents"))
	}

	namesSeen := make(map[string]int, len(file.Agents))
	handoffOwner := make(map[string]string)

	for i, ac := range file.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if ac.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[ac.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents[%d]", prefix, ac.Name, prev))
			}
			namesSeen[ac.Name] = i
		}
		if ac.Prompt == "" {
			errs = append(errs, fmt.Errorf("%s.prompt is required", prefix))
		}
		if ac.Voice.Rate != 0 && (ac.Voice.Rate < 0.5 || ac.Voice.Rate > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.rate %.2f is out of range [0.5, 2.0]", prefix, ac.Voice.Rate))
		}
		for _, mc := range []struct {
			field string
			cfg   *modelConfig
		}{
			{"model", &ac.Model},
			{"model_cascade", ac.ModelCascade},
			{"model_realtime", ac.ModelRealtime},
		} {
			if mc.cfg == nil {
				continue
			}
			if mc.cfg.Temperature < 0 || mc.cfg.Temperature > 2 {
				errs = append(errs, fmt.Errorf("%s.%s.temperature %.2f is out of range [0, 2]", prefix, mc.field, mc.cfg.Temperature))
			}
			if mc.cfg.TopP < 0 || mc.cfg.TopP > 1 {
				errs = append(errs, fmt.Errorf("%s.%s.top_p %.2f is out of range [0, 1]", prefix, mc.field, mc.cfg.TopP))
			}
		}
		for tool := range ac.Handoffs {
			if tool == "" {
				errs = append(errs, fmt.Errorf("%s.handoffs contains an empty tool name", prefix))
				continue
			}
			if owner, ok := handoffOwner[tool]; ok {
				errs = append(errs, fmt.Errorf("%s.handoffs.%s is already declared by agent %q; handoff tool names must be unique across the scenario", prefix, tool, owner))
			}
			handoffOwner[tool] = ac.Name
		}
	}

	// Edge targets and the start agent must resolve against the agent set.
	for i, ac := range file.Agents {
		for tool, target := range ac.Handoffs {
			if _, ok := namesSeen[target]; !ok {
				errs = append(errs, fmt.Errorf("agents[%d].handoffs.%s targets unknown agent %q", i, tool, target))
			}
		}
	}
	if file.StartAgent != "" {
		if _, ok := namesSeen[file.StartAgent]; !ok {
			errs = append(errs, fmt.Errorf("start_agent %q is not a declared agent", file.StartAgent))
		}
	}

	return errors.Join(errs...)
}
