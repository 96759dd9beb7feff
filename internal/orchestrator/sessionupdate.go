package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/pkg/types"
)

// sessionUpdateMinInterval throttles session.update pushes to the realtime
// provider.
const sessionUpdateMinInterval = 2 * time.Second

// SessionUpdater coalesces instruction and tool changes into rate-limited
// session.update pushes on the realtime transport. Schedule may fire on every
// handoff or scenario change; at most one push per sessionUpdateMinInterval
// reaches the provider, always carrying the latest payload. Flush forces a
// pending payload out at a turn boundary so the next utterance meets the
// right instructions. Cascaded sessions have no realtime handle and the push
// becomes a no-op.
type SessionUpdater struct {
	sess *session.Session

	mu           sync.Mutex
	last         time.Time
	timer        *time.Timer
	pending      bool
	instructions string
	tools        []types.ToolDefinition
	closed       bool
}

func NewSessionUpdater(sess *session.Session) *SessionUpdater {
	return &SessionUpdater{sess: sess}
}

// Schedule records the latest desired session payload and pushes it
// immediately when the rate limit allows, deferring otherwise.
func (u *SessionUpdater) Schedule(instructions string, tools []types.ToolDefinition) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.instructions = instructions
	u.tools = tools
	u.pending = true

	if wait := sessionUpdateMinInterval - time.Since(u.last); wait > 0 {
		if u.timer == nil {
			u.timer = time.AfterFunc(wait, u.flushPending)
		}
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	u.push()
}

// Flush pushes a pending payload immediately, bypassing the rate limit.
func (u *SessionUpdater) Flush() {
	u.mu.Lock()
	flush := u.pending && !u.closed
	u.mu.Unlock()
	if flush {
		u.push()
	}
}

func (u *SessionUpdater) flushPending() {
	u.mu.Lock()
	u.timer = nil
	flush := u.pending && !u.closed
	u.mu.Unlock()
	if flush {
		u.push()
	}
}

// push sends the latest payload to the realtime provider. The payload is
// consumed and the clock stamped even without a realtime handle, so cascaded
// sessions never accumulate timers.
func (u *SessionUpdater) push() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	instructions, tools := u.instructions, u.tools
	u.pending = false
	u.last = time.Now()
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	u.mu.Unlock()

	h := u.sess.Realtime()
	if h == nil {
		return
	}
	if err := h.UpdateSession(instructions, tools); err != nil {
		slog.Warn("session update push failed", "session_id", u.sess.ID, "error", err)
	}
}

// Close stops deferred pushes. Safe to call more than once.
func (u *SessionUpdater) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}
