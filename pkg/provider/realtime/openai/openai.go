// Package openai implements the realtime session contract against OpenAI's
// Realtime API.
//
// It establishes a WebSocket connection to the Realtime endpoint and drives
// the session with JSON events: session.update to configure instructions,
// tools and audio formats, response.cancel to interrupt. Audio formats are
// pinned to pcm16 on both directions; the media stream itself is owned by the
// transport that routes caller audio, not by this adapter.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/loquora/pkg/provider/realtime"
	"github.com/MrWong99/loquora/pkg/types"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Realtime endpoint and pushes the initial session state.
// The returned handle accepts control calls as soon as the session.update
// event has been written.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai realtime: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Voice.Name != "" {
		params.Voice = cfg.Voice.Name
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	if err := sess.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai realtime: session update: %w", err)
	}

	go sess.readLoop()

	return sess, nil
}

// ── Protocol message types ─────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type  string             `json:"type"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn

	mu      sync.Mutex
	errVal  error
	lastSvc string
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// readLoop keeps the socket drained so pings are answered and the close
// handshake completes. The handle consumes no server payloads; error events
// are remembered so that a subsequent transport failure can name its cause.
func (s *session) readLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			if s.errVal == nil {
				if s.lastSvc != "" {
					s.errVal = fmt.Errorf("openai realtime: %s: %w", s.lastSvc, err)
				} else {
					s.errVal = fmt.Errorf("openai realtime: read: %w", err)
				}
			}
			s.mu.Unlock()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if evt.Type == "error" && evt.Error != nil && evt.Error.Message != "" {
			s.mu.Lock()
			s.lastSvc = evt.Error.Message
			s.mu.Unlock()
		}
	}
}

// liveErr reports whether the session can still accept control writes.
func (s *session) liveErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("openai realtime: session closed")
	}
	return s.errVal
}

// toOAITools converts tool definitions to the OpenAI Realtime tool format.
func toOAITools(tools []types.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// UpdateSession replaces the instructions and tool set by sending a
// session.update event. Audio formats are re-stated on every update because
// the Realtime API treats session.update as a partial overwrite.
func (s *session) UpdateSession(instructions string, tools []types.ToolDefinition) error {
	if err := s.liveErr(); err != nil {
		return err
	}
	params := sessionParams{
		Instructions:      instructions,
		Tools:             toOAITools(tools),
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt() error {
	if err := s.liveErr(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
