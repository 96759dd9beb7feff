package turn

import (
	"fmt"

	"github.com/MrWong99/loquora/pkg/types"
)

// Event is a work-queue item consumed by the turn loop. The concrete types
// below form a closed set; the loop type-switches over them and the queue
// sheds unimportant events first under pressure.
type Event interface {
	// important events survive queue pressure; partials are shed first.
	important() bool
}

// FinalEvent carries an authoritative user utterance and triggers a turn.
type FinalEvent struct {
	Text      string
	Language  string
	SpeakerID string

	// Synthetic marks utterances not produced by the recognizer, such as
	// flushed DTMF digits or typed text. Synthetic finals skip recognition
	// latency accounting.
	Synthetic bool
}

// PartialEvent carries an interim transcript, published for live captioning
// only. Partials are dropped silently when the queue is full.
type PartialEvent struct {
	Text     string
	Language string
}

// ErrorEvent surfaces a recognizer failure into the turn loop, where it is
// logged without terminating the session.
type ErrorEvent struct {
	Err error
}

// TTSResponseEvent dispatches externally produced speech through the unified
// playback path, serialized with any in-progress turn's chunks.
type TTSResponseEvent struct {
	Text string
}

// GreetingEvent plays an agent greeting. Barge-in is suppressed for its
// duration so the assistant's own audio cannot trigger a false interrupt.
type GreetingEvent struct {
	Text  string
	Voice *types.VoiceProfile
}

// AnnouncementEvent plays an out-of-band announcement with an optional voice
// override.
type AnnouncementEvent struct {
	Text  string
	Voice *types.VoiceProfile
}

// StatusUpdateEvent plays a short status line, such as a hold notice during
// a slow tool call.
type StatusUpdateEvent struct {
	Text  string
	Voice *types.VoiceProfile
}

func (FinalEvent) important() bool        { return true }
func (PartialEvent) important() bool      { return false }
func (ErrorEvent) important() bool        { return true }
func (TTSResponseEvent) important() bool  { return true }
func (GreetingEvent) important() bool     { return true }
func (AnnouncementEvent) important() bool { return true }
func (StatusUpdateEvent) important() bool { return true }

// eventName returns a short label for logging.
func eventName(ev Event) string {
	switch ev.(type) {
	case FinalEvent:
		return "final"
	case PartialEvent:
		return "partial"
	case ErrorEvent:
		return "error"
	case TTSResponseEvent:
		return "tts_response"
	case GreetingEvent:
		return "greeting"
	case AnnouncementEvent:
		return "announcement"
	case StatusUpdateEvent:
		return "status_update"
	default:
		return fmt.Sprintf("%T", ev)
	}
}
