// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or a
// self-hosted recognizer) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw PCM
// audio frames and emits two streams of Transcript values — low-latency
// partials that drive barge-in detection and authoritative finals that become
// turns.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/loquora/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// Encoding agreed in StreamConfig. Calling SendAudio after Close returns
	// ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These drive
	// the barge-in probe but must not be written to the session history.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These are
	// the values that become turns and are passed to the LLM.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Errors returns a read-only channel carrying recognition-stream failures
	// (dropped connection, protocol errors). The turn engine converts these
	// into error events; they never terminate the session on their own.
	// The channel is closed when the session ends.
	Errors() <-chan error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials, Finals, and
	// Errors channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per live conversation).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle is
	// ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
