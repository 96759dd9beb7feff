// Package mcptool connects external MCP servers into the tool registry.
//
// Servers are reached via stdio or streamable-HTTP transports using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk). Each tool a
// server advertises is wrapped into a [tool.Tool] and registered under its
// advertised name, so agents list MCP tools in tool_names exactly like
// builtins.
//
// Typical usage:
//
//	host := mcptool.NewHost()
//	defer host.Close()
//
//	names, err := host.Register(ctx, registry, mcptool.ServerConfig{
//	    Name:      "crm",
//	    Transport: mcptool.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-crm-server --readonly",
//	})
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/pkg/types"
)

// Transport selects how the host reaches an MCP server.
type Transport string

const (
	// TransportStdio launches the server as a subprocess and speaks MCP
	// over its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a server's streamable-HTTP
	// endpoint.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}

// ServerConfig describes one MCP server to connect to.
type ServerConfig struct {
	// Name identifies the server. Registering a second config under the
	// same name replaces the first connection and its tools.
	Name string

	// Transport selects stdio or streamable-HTTP.
	Transport Transport

	// Command is the executable plus arguments for stdio servers, split
	// on whitespace.
	Command string

	// URL is the endpoint address for streamable-HTTP servers.
	URL string

	// Env holds additional environment variables for stdio servers, on
	// top of the parent process environment.
	Env map[string]string

	// TransferTools names discovered tools to register transfer-marked,
	// allowing their results to interrupt active playback.
	TransferTools []string
}

// serverConn tracks one live server connection and the tool names it
// contributed to the registry.
type serverConn struct {
	session   *mcpsdk.ClientSession
	toolNames []string
}

// Host manages connections to external MCP servers and mirrors their tool
// catalogues into a [tool.Registry].
//
// The zero value is not usable; create instances with [NewHost].
type Host struct {
	mu      sync.Mutex
	client  *mcpsdk.Client
	servers map[string]serverConn
}

// NewHost returns a ready-to-use host. A single underlying MCP client is
// reused across all server connections.
func NewHost() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "loquora", Version: "1.0.0"},
		nil,
	)
	return &Host{
		client:  client,
		servers: make(map[string]serverConn),
	}
}

// Register connects to the server described by cfg, discovers its tools and
// registers each of them into reg. It returns the names registered.
//
// If a server with the same Name is already connected, its session is closed
// and its tools are removed from reg before the new catalogue is imported.
func (h *Host) Register(ctx context.Context, reg *tool.Registry, cfg ServerConfig) ([]string, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcptool: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return nil, fmt.Errorf("mcptool: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return nil, fmt.Errorf("mcptool: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcptool: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptool: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcptool: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *t)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		reg.Remove(old.toolNames...)
	}

	names := make([]string, 0, len(discovered))
	for _, mcpTool := range discovered {
		rt := &remoteTool{
			session: session,
			def: types.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
				Transfer:    slices.Contains(cfg.TransferTools, mcpTool.Name),
			},
		}
		if err := reg.Register(rt); err != nil {
			return names, fmt.Errorf("mcptool: register tool %q from server %q: %w", mcpTool.Name, cfg.Name, err)
		}
		names = append(names, mcpTool.Name)
	}

	h.servers[cfg.Name] = serverConn{session: session, toolNames: names}
	return names, nil
}

// Servers returns the names of all connected servers, sorted.
func (h *Host) Servers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.servers))
	for name := range h.servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close shuts down every server connection. The registered tools are not
// removed from the registry; callers tearing down the process discard the
// registry wholesale.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcptool: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	return firstErr
}

// remoteTool adapts one discovered MCP tool into a [tool.Tool].
type remoteTool struct {
	session *mcpsdk.ClientSession
	def     types.ToolDefinition
}

var _ tool.Tool = (*remoteTool)(nil)

func (r *remoteTool) Definition() types.ToolDefinition { return r.def }

// Execute forwards the call to the server and decodes the response into a
// structured [tool.Result]. Results that are JSON objects may carry the
// reserved keys "slots" (merged into session slots), "summary" (persisted
// outcome record) and "should_interrupt_playback"; plain-text results are
// wrapped as {"result": text}.
func (r *remoteTool) Execute(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
	callResult, err := r.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      r.def.Name,
		Arguments: inv.Args,
	})
	if err != nil {
		return tool.Result{}, fmt.Errorf("mcptool: call %q: %w", r.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()

	if callResult.IsError {
		return tool.Result{}, fmt.Errorf("mcptool: tool %q reported an error: %s", r.def.Name, text)
	}

	return decodeResult(text), nil
}

// decodeResult promotes the reserved keys of a JSON object payload into the
// typed result fields. Non-object payloads become {"result": text}.
func decodeResult(text string) tool.Result {
	var content map[string]any
	if err := json.Unmarshal([]byte(text), &content); err != nil || content == nil {
		return tool.Result{Content: map[string]any{"result": text}}
	}

	res := tool.Result{Content: content}
	if slots, ok := content["slots"].(map[string]any); ok {
		res.Slots = slots
	}
	if summary, ok := content["summary"].(string); ok {
		res.Summary = summary
	}
	if interrupt, ok := content["should_interrupt_playback"].(bool); ok {
		res.InterruptPlayback = interrupt
	}
	return res
}

// schemaToMap converts whatever schema representation the SDK hands back
// into the plain map shape [types.ToolDefinition.Parameters] expects.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
