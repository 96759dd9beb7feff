// Package realtime defines the control contract for speech-to-speech
// realtime model sessions.
//
// A realtime session bypasses the cascade pipeline: the model consumes caller
// audio and produces reply audio over its own bidirectional connection, so
// the turn engine never sees the media path. What the orchestrator still owns
// is the conversational state. When a handoff or a scenario reload swaps the
// active agent, the live session has to pick up the new instructions and tool
// set before the model speaks again. SessionHandle exposes exactly that
// control surface: UpdateSession to push fresh instructions and tools,
// Interrupt to cancel an in-flight response, and Close to tear the session
// down.
package realtime

import (
	"context"

	"github.com/MrWong99/loquora/pkg/types"
)

// SessionConfig describes the initial state of a realtime session.
type SessionConfig struct {
	// Voice selects the model voice used for synthesized replies. Only the
	// profile name is meaningful to realtime backends.
	Voice types.VoiceProfile

	// Instructions is the system prompt active when the session opens.
	Instructions string

	// Tools lists the function tools the model may call.
	Tools []types.ToolDefinition
}

// SessionHandle is the control surface of a live realtime session.
//
// The media path belongs to the transport that opened the session; the handle
// only mutates session state. Implementations must be safe for concurrent
// use.
type SessionHandle interface {
	// UpdateSession replaces the session's instructions and tool set. The
	// next model response uses the new values; a response already in flight
	// is unaffected. Returns an error once the session is closed or broken.
	UpdateSession(instructions string, tools []types.ToolDefinition) error

	// Interrupt cancels the in-flight model response, if any.
	Interrupt() error

	// Close terminates the session. Safe to call multiple times.
	Close() error
}

// Provider opens realtime sessions against a speech-to-speech backend.
type Provider interface {
	// Connect dials the backend and configures a session with cfg. The
	// context governs connection establishment.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
