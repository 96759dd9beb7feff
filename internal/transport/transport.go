// Package transport defines the wire-facing surface between a live session
// and its connected client. A transport has two halves: the [Sender] half
// pushes framed audio and control messages out in the client's native
// envelope format, and the [Handler] half receives decoded inbound traffic
// (audio frames, metadata, DTMF tones) from the connection's read loop.
//
// Concrete implementations live in the telephony and browser subpackages.
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/loquora/pkg/types"
)

// ErrConnClosed is returned by Sender methods after the underlying
// WebSocket connection has been closed.
var ErrConnClosed = errors.New("transport: connection closed")

// Frame is one playback frame cut from a synthesized PCM buffer by the
// playback component. PCM is int16 little-endian mono at SampleRate.
type Frame struct {
	PCM        []byte
	SampleRate int

	// Index and Total describe this frame's position within its utterance.
	// Browser clients receive both; telephony clients ignore them.
	Index int
	Total int

	// Final marks the last frame of an utterance. Only the browser
	// envelope carries an explicit end-of-utterance flag.
	Final bool
}

// Sender delivers audio and control messages to one connected client.
// Implementations must be safe for concurrent use; the playback frame loop
// and the barge-in path send from different goroutines.
type Sender interface {
	// Kind reports the wire format the client expects.
	Kind() types.TransportKind

	// SendAudio delivers one playback frame.
	SendAudio(ctx context.Context, frame Frame) error

	// SendStopAudio tells the client to drop any buffered playback
	// immediately. Used on barge-in and on transfer-tool interruption.
	SendStopAudio(ctx context.Context) error

	// SendError reports a fatal session error to the client before
	// teardown.
	SendError(ctx context.Context, code, message string) error
}

// Handler consumes decoded inbound client traffic. Implementations must not
// block: every method is invoked inline from the connection's read loop, and
// a stalled handler stalls the media stream.
type Handler interface {
	// OnAudio receives one decoded PCM frame from the client.
	OnAudio(data []byte)

	// OnAudioMetadata updates the expected inbound audio format.
	OnAudioMetadata(sampleRate, channels int)

	// OnStopAudio commits the client's input buffer.
	OnStopAudio()

	// OnDTMF receives a single DTMF tone ("0"-"9", "*", "#").
	OnDTMF(tone string)

	// OnText receives typed user input sent over the control channel.
	OnText(text string)
}
