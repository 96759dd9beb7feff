package tool_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/pkg/types"
)

// capture returns a tool that records the invocation it receives and replies
// with res.
func capture(name string, transfer bool, res tool.Result, got *tool.Invocation) tool.Func {
	return tool.Func{
		Def: types.ToolDefinition{Name: name, Transfer: transfer},
		Fn: func(_ context.Context, inv tool.Invocation) (tool.Result, error) {
			*got = inv
			return res, nil
		},
	}
}

func TestRegistry_ExecuteInjectsSessionProfile(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	var got tool.Invocation
	if err := reg.Register(capture("lookup", false, tool.Result{}, &got)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	args := map[string]any{"client_id": "X"}
	_, err := reg.Execute(context.Background(), "lookup", tool.Invocation{
		SessionID: "s1",
		Args:      args,
		Profile:   map[string]any{"name": "Jane"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	profile, ok := got.Args["session_profile"].(map[string]any)
	if !ok {
		t.Fatalf("args missing injected session_profile: %#v", got.Args)
	}
	if profile["name"] != "Jane" {
		t.Errorf("injected profile = %#v, want name=Jane", profile)
	}
	if got.Args["client_id"] != "X" {
		t.Errorf("original argument lost: %#v", got.Args)
	}
	if _, leaked := args["session_profile"]; leaked {
		t.Error("Execute mutated the caller's args map")
	}
}

func TestRegistry_ExecuteKeepsExplicitSessionProfile(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	var got tool.Invocation
	if err := reg.Register(capture("lookup", false, tool.Result{}, &got)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := reg.Execute(context.Background(), "lookup", tool.Invocation{
		Args:    map[string]any{"session_profile": "explicit"},
		Profile: map[string]any{"name": "Jane"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Args["session_profile"] != "explicit" {
		t.Errorf("session_profile = %v, want the LLM-supplied value kept", got.Args["session_profile"])
	}
}

func TestRegistry_OnlyTransferToolsInterruptPlayback(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	var sink tool.Invocation
	interrupting := tool.Result{InterruptPlayback: true}
	if err := reg.Register(capture("lookup", false, interrupting, &sink)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(capture("route_call", true, interrupting, &sink)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Execute(context.Background(), "lookup", tool.Invocation{})
	if err != nil {
		t.Fatalf("Execute lookup: %v", err)
	}
	if res.InterruptPlayback {
		t.Error("non-transfer tool was allowed to interrupt playback")
	}

	res, err = reg.Execute(context.Background(), "route_call", tool.Invocation{})
	if err != nil {
		t.Fatalf("Execute route_call: %v", err)
	}
	if !res.InterruptPlayback {
		t.Error("transfer tool's playback interrupt was stripped")
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	_, err := reg.Execute(context.Background(), "ghost", tool.Invocation{})
	if !errors.Is(err, tool.ErrNotFound) {
		t.Errorf("Execute unknown tool err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ExecutePropagatesToolError(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	boom := errors.New("backend unavailable")
	err := reg.Register(tool.Func{
		Def: types.ToolDefinition{Name: "flaky"},
		Fn: func(context.Context, tool.Invocation) (tool.Result, error) {
			return tool.Result{}, boom
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := reg.Execute(context.Background(), "flaky", tool.Invocation{}); !errors.Is(err, boom) {
		t.Errorf("Execute err = %v, want the tool's own error", err)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	if err := reg.Register(nil); err == nil {
		t.Error("expected error registering nil tool")
	}
	if err := reg.Register(tool.Func{Fn: func(context.Context, tool.Invocation) (tool.Result, error) {
		return tool.Result{}, nil
	}}); err == nil {
		t.Error("expected error registering tool with empty name")
	}
}

func TestRegistry_DefinitionsSkipsUnknownNames(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	var sink tool.Invocation
	for _, name := range []string{"beta", "alpha"} {
		if err := reg.Register(capture(name, false, tool.Result{}, &sink)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	defs := reg.Definitions([]string{"alpha", "transfer_to_advisor", "beta"})
	if len(defs) != 2 {
		t.Fatalf("Definitions returned %d entries, want 2", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Errorf("Definitions order = [%s %s], want requested order kept", defs[0].Name, defs[1].Name)
	}
}

func TestRegistry_RemoveAndAll(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	var sink tool.Invocation
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(capture(name, false, tool.Result{}, &sink)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	reg.Remove("mid", "never-registered")

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("All returned %d definitions, want 2", len(all))
	}
	if all[0].Name != "alpha" || all[1].Name != "zeta" {
		t.Errorf("All order = [%s %s], want sorted by name", all[0].Name, all[1].Name)
	}
	if got := reg.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestRegistry_ConcurrentExecute(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	err := reg.Register(tool.Func{
		Def: types.ToolDefinition{Name: "echo"},
		Fn: func(_ context.Context, inv tool.Invocation) (tool.Result, error) {
			return tool.Result{Content: map[string]any{"echo": inv.Args["n"]}}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := make(chan error, 16)
	for i := range 16 {
		go func() {
			res, err := reg.Execute(context.Background(), "echo", tool.Invocation{
				Args: map[string]any{"n": i},
			})
			if err == nil && res.Content["echo"] != i {
				err = fmt.Errorf("echo = %v, want %d", res.Content["echo"], i)
			}
			done <- err
		}()
	}
	for range 16 {
		if err := <-done; err != nil {
			t.Errorf("concurrent Execute: %v", err)
		}
	}
}

type sampleParams struct {
	Query string `json:"query" jsonschema:"description=Words to search for"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results"`
}

func TestSchemaFor(t *testing.T) {
	t.Parallel()

	schema := tool.SchemaFor[sampleParams]()

	if schema["type"] != "object" {
		t.Errorf("schema type = %v, want object", schema["type"])
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("schema carries the $schema meta key")
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties map: %#v", schema)
	}
	query, ok := props["query"].(map[string]any)
	if !ok {
		t.Fatalf("query property missing: %#v", props)
	}
	if query["type"] != "string" {
		t.Errorf("query type = %v, want string", query["type"])
	}
	if query["description"] != "Words to search for" {
		t.Errorf("query description = %v", query["description"])
	}
	if _, ok := props["limit"]; !ok {
		t.Error("limit property missing")
	}

	required, ok := schema["required"].([]any)
	if !ok {
		t.Fatalf("schema has no required list: %#v", schema)
	}
	if len(required) != 1 || required[0] != "query" {
		t.Errorf("required = %v, want [query]: omitempty fields must stay optional", required)
	}
}
