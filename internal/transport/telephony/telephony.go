// Package telephony implements the transport for telephony media-stream
// WebSocket connections.
//
// The call-control service speaks a JSON envelope protocol: inbound messages
// carry audio frames, format metadata, DTMF tones and input-buffer commits;
// outbound messages carry playback frames, playback interrupts and fatal
// errors. Envelope shapes are defined in the parent transport package.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/loquora/internal/transport"
	"github.com/MrWong99/loquora/pkg/types"
)

// readLimit bounds a single inbound envelope. Telephony frames are 640 bytes
// of PCM (under 1 KiB base64-encoded), so 64 KiB leaves generous headroom.
const readLimit = 64 * 1024

// Conn is one accepted telephony media-stream connection. It implements
// [transport.Sender]; inbound traffic is pumped by [Conn.ReadLoop].
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	closed atomic.Bool
}

var _ transport.Sender = (*Conn)(nil)

// Accept upgrades the HTTP request to a telephony media-stream WebSocket.
func Accept(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: accept: %w", err)
	}
	ws.SetReadLimit(readLimit)
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{ws: ws, logger: logger}, nil
}

// Kind reports the telephony wire format.
func (c *Conn) Kind() types.TransportKind { return types.TransportTelephony }

// SendAudio delivers one 640-byte playback frame. The envelope keeps an
// explicit StopAudio null alongside the audio payload.
func (c *Conn) SendAudio(ctx context.Context, frame transport.Frame) error {
	if c.closed.Load() {
		return transport.ErrConnClosed
	}
	msg := transport.TelephonyMediaOutbound{
		Kind: transport.KindAudioData,
		AudioData: &transport.TelephonyAudio{
			Data:   base64.StdEncoding.EncodeToString(frame.PCM),
			Silent: false,
		},
	}
	return c.writeJSON(ctx, msg)
}

// SendStopAudio tells the call-control service to interrupt playback.
func (c *Conn) SendStopAudio(ctx context.Context) error {
	if c.closed.Load() {
		return transport.ErrConnClosed
	}
	msg := transport.TelephonyMediaOutbound{
		Kind:      transport.KindStopAudio,
		StopAudio: &struct{}{},
	}
	return c.writeJSON(ctx, msg)
}

// SendError reports a fatal session error before teardown.
func (c *Conn) SendError(ctx context.Context, code, message string) error {
	if c.closed.Load() {
		return transport.ErrConnClosed
	}
	msg := transport.TelephonyErrorOutbound{
		Kind:      transport.KindErrorData,
		ErrorData: &transport.ErrorPayload{Code: code, Message: message},
	}
	return c.writeJSON(ctx, msg)
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}

// ReadLoop decodes inbound envelopes and dispatches them to h until the
// connection closes or ctx is cancelled. It returns nil on a normal client
// close and the transport error otherwise.
func (c *Conn) ReadLoop(ctx context.Context, h transport.Handler) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("telephony: read: %w", err)
		}

		var msg transport.TelephonyInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("telephony: dropping malformed envelope", "error", err)
			continue
		}

		switch msg.Kind {
		case transport.KindAudioData:
			if msg.AudioData == nil || msg.AudioData.Silent {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.AudioData.Data)
			if err != nil {
				c.logger.Warn("telephony: dropping undecodable audio frame", "error", err)
				continue
			}
			h.OnAudio(pcm)
		case transport.KindAudioMetadata:
			if msg.Payload != nil {
				h.OnAudioMetadata(msg.Payload.Rate, msg.Payload.Channels)
			}
		case transport.KindStopAudio:
			h.OnStopAudio()
		case transport.KindDtmfData:
			if msg.DtmfData != nil && msg.DtmfData.Data != "" {
				h.OnDTMF(msg.DtmfData.Data)
			}
		default:
			c.logger.Debug("telephony: ignoring unknown envelope kind", "kind", msg.Kind)
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
