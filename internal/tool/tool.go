// Package tool defines the executable tools agents can call during a turn.
//
// A tool is anything that satisfies [Tool]: in-process Go functions
// (internal/tool/builtin), remote MCP servers (internal/tool/mcptool) and
// test doubles all register into the same [Registry]. The orchestrator looks
// tools up by the names an agent declares, offers their definitions to the
// LLM and executes the calls the model requests.
//
// Tool outcomes are structured: [Result.Slots] merge into the session's
// collected slots, [Result.Summary] is persisted as a compact record of what
// happened, and [Result.InterruptPlayback] requests cancellation of active
// speech. Only transfer-marked tools may interrupt playback; the registry
// strips the flag from everything else.
package tool

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/MrWong99/loquora/pkg/types"
)

// Invocation carries one tool call together with its session context.
type Invocation struct {
	// SessionID identifies the calling session.
	SessionID string

	// Agent is the name of the agent that requested the call.
	Agent string

	// Args holds the call arguments as decoded from the LLM's JSON.
	Args map[string]any

	// Profile is the session_profile loaded from the state store, if any.
	// The registry injects it into Args under "session_profile" so tools
	// can personalise their behaviour without re-querying the store.
	Profile map[string]any
}

// Result is a tool's structured outcome.
type Result struct {
	// Content is fed back to the LLM as the tool message payload.
	Content map[string]any

	// Slots are merged into the session's collected slots.
	Slots map[string]any

	// Summary is a compact description of the outcome, persisted to the
	// state store alongside the slots.
	Summary string

	// InterruptPlayback requests cancellation of any speech still playing.
	// Honored only for transfer-marked tools.
	InterruptPlayback bool
}

// Tool is one executable capability. Implementations must be safe for
// concurrent use; the orchestrator may execute tools from several sessions
// at once.
type Tool interface {
	// Definition describes the tool to the LLM.
	Definition() types.ToolDefinition

	// Execute runs the tool. A returned error is fed back to the LLM as
	// the tool's result rather than aborting the turn.
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Func adapts a plain function into a [Tool].
type Func struct {
	Def types.ToolDefinition
	Fn  func(ctx context.Context, inv Invocation) (Result, error)
}

// Definition implements [Tool].
func (f Func) Definition() types.ToolDefinition { return f.Def }

// Execute implements [Tool].
func (f Func) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return f.Fn(ctx, inv)
}

var _ Tool = Func{}

// SchemaFor derives the JSON Schema for a tool's parameters from the struct
// type T. Fields become properties named by their json tags; fields without
// omitempty are required. Descriptions come from jsonschema struct tags:
//
//	type params struct {
//	    Key   string `json:"key" jsonschema:"description=Name of the fact"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results"`
//	}
func SchemaFor[T any]() map[string]any {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(reflect.TypeOf((*T)(nil)).Elem())

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	return m
}
