// Package types defines the shared types used across all Loquora packages.
//
// These types form the lingua franca between transports, providers, the turn
// engine, and the orchestrator. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// TransportKind identifies the media transport a session is bound to.
type TransportKind string

const (
	// TransportTelephony is a telephony media stream: 16 kHz mono PCM in
	// 640-byte frames over the call-control WebSocket.
	TransportTelephony TransportKind = "telephony"

	// TransportBrowser is a browser WebSocket: 48 kHz mono PCM in 4800-byte
	// frames with explicit frame indexing.
	TransportBrowser TransportKind = "browser"

	// TransportRealtime is a browser session driven by a speech-to-speech
	// realtime model connection instead of the cascade pipeline.
	TransportRealtime TransportKind = "realtime"
)

// IsValid reports whether k is a recognised transport kind.
func (k TransportKind) IsValid() bool {
	switch k {
	case TransportTelephony, TransportBrowser, TransportRealtime:
		return true
	}
	return false
}

// SampleRate returns the transport's native PCM sample rate in Hz.
func (k TransportKind) SampleRate() int {
	if k == TransportTelephony {
		return 16000
	}
	return 48000
}

// FrameBytes returns the transport's fixed playback frame size in bytes.
// 4800 bytes is 100 ms of 48 kHz mono int16; 640 bytes is 40 ms at 16 kHz.
func (k TransportKind) FrameBytes() int {
	if k == TransportTelephony {
		return 640
	}
	return 4800
}

// FrameDuration returns the wall-clock length of one playback frame.
func (k TransportKind) FrameDuration() time.Duration {
	if k == TransportTelephony {
		return 40 * time.Millisecond
	}
	return 100 * time.Millisecond
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Language is the detected ISO language code (e.g., "en-US"), when the
	// provider reports one.
	Language string

	// SpeakerID identifies the speaker when diarization is active. Carried
	// through for logging only; the turn engine never branches on it.
	SpeakerID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name. The orchestrator sets it to the
	// agent name on assistant messages so history can be partitioned per agent.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which call this
	// message answers.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string. During streaming it is
	// assembled from concatenated fragments.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// Transfer marks call-routing tools. Only transfer tools may request
	// playback interruption through their results.
	Transfer bool
}

// VoiceProfile describes a TTS voice configuration for an agent.
type VoiceProfile struct {
	// Name is the provider-specific voice identifier.
	Name string

	// Style is an optional provider-specific speaking style.
	Style string

	// Rate adjusts speaking rate (0.5–2.0, 0 means provider default).
	Rate float64

	// Provider pins this voice to a named TTS provider. Empty uses the
	// session default.
	Provider string
}

// ModelProfile selects and parameterises the LLM deployment used by an agent.
type ModelProfile struct {
	// DeploymentID names the model or deployment (e.g., "gpt-4o-mini").
	DeploymentID string

	// Temperature is the sampling temperature. Zero means provider default.
	Temperature float64

	// TopP is the nucleus sampling parameter. Zero means provider default.
	TopP float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// TokenUsage accumulates LLM token counters for a turn or a session.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add returns the element-wise sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + other.Input, Output: u.Output + other.Output}
}
