// Package browser implements the transport for browser WebSocket clients.
//
// Browser clients send raw PCM as binary WebSocket frames and JSON control
// messages as text frames. The server side sends indexed playback envelopes
// plus the session event stream, so the client UI can render transcripts,
// agent changes and latency summaries as they happen.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/loquora/internal/events"
	"github.com/MrWong99/loquora/internal/transport"
	"github.com/MrWong99/loquora/pkg/types"
)

// readLimit bounds one inbound message. Browser audio arrives in frames of a
// few KiB; 256 KiB tolerates clients that batch.
const readLimit = 256 * 1024

// eventBuffer is the bus subscription depth for the client event stream.
const eventBuffer = 64

// Conn is one accepted browser WebSocket connection. It implements
// [transport.Sender]; inbound traffic is pumped by [Conn.ReadLoop] and the
// session event stream by [Conn.ForwardEvents].
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	closed atomic.Bool
}

var _ transport.Sender = (*Conn)(nil)

// Accept upgrades the HTTP request to a browser session WebSocket.
func Accept(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The browser client is served from a different origin than the
		// session endpoint in every deployment so far.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, fmt.Errorf("browser: accept: %w", err)
	}
	ws.SetReadLimit(readLimit)
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{ws: ws, logger: logger}, nil
}

// Kind reports the browser wire format.
func (c *Conn) Kind() types.TransportKind { return types.TransportBrowser }

// SendAudio delivers one indexed playback frame. The final frame of an
// utterance carries is_final so the client can release its jitter buffer.
func (c *Conn) SendAudio(ctx context.Context, frame transport.Frame) error {
	if c.closed.Load() {
		return transport.ErrConnClosed
	}
	msg := transport.BrowserAudio{
		Type:        transport.BrowserAudioType,
		Data:        base64.StdEncoding.EncodeToString(frame.PCM),
		SampleRate:  frame.SampleRate,
		FrameIndex:  frame.Index,
		TotalFrames: frame.Total,
		IsFinal:     frame.Final,
	}
	return c.writeJSON(ctx, msg)
}

// SendStopAudio tells the client to flush its playback buffer.
func (c *Conn) SendStopAudio(ctx context.Context) error {
	if c.closed.Load() {
		return transport.ErrConnClosed
	}
	return c.writeJSON(ctx, transport.BrowserControl{Type: transport.BrowserTypeStopAudio})
}

// SendError reports a fatal session error before teardown.
func (c *Conn) SendError(ctx context.Context, code, message string) error {
	if c.closed.Load() {
		return transport.ErrConnClosed
	}
	return c.writeJSON(ctx, transport.BrowserError{Type: "error", Code: code, Message: message})
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("browser: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("browser: write: %w", err)
	}
	return nil
}

// ReadLoop decodes inbound messages and dispatches them to h until the
// connection closes or ctx is cancelled. Binary frames are raw PCM; text
// frames are JSON control messages.
func (c *Conn) ReadLoop(ctx context.Context, h transport.Handler) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("browser: read: %w", err)
		}

		if typ == websocket.MessageBinary {
			h.OnAudio(data)
			continue
		}

		var msg transport.BrowserInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("browser: dropping malformed control message", "error", err)
			continue
		}

		switch msg.Type {
		case transport.BrowserTypeAudioMetadata:
			h.OnAudioMetadata(msg.Rate, msg.Channels)
		case transport.BrowserTypeStopAudio:
			h.OnStopAudio()
		case transport.BrowserTypeTextInput:
			if msg.Text != "" {
				h.OnText(msg.Text)
			}
		default:
			c.logger.Debug("browser: ignoring unknown control message", "type", msg.Type)
		}
	}
}

// ForwardEvents subscribes to the session bus and streams every envelope to
// the client as JSON until ctx is cancelled or the bus closes. Run it on its
// own goroutine; it returns when the stream ends.
func (c *Conn) ForwardEvents(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe(eventBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if err := c.writeJSON(ctx, env); err != nil {
				c.logger.Debug("browser: event forward stopped", "error", err)
				return
			}
		}
	}
}

// Close closes the WebSocket with a normal-closure status. Safe to call more
// than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close(websocket.StatusNormalClosure, "session ended")
}
