package session

import (
	"sync"
	"time"
)

// CancelSignal is a level-triggered, resettable interruption flag shared by
// every lane of a session. Raising it stops playback between frames and makes
// the LLM stream consumer flush and exit; clearing it re-arms the signal for
// the next turn. Unlike context cancellation it is reusable, which matches
// the barge-in lifecycle: one signal per session, raised and cleared many
// times.
//
// All methods are safe for concurrent use.
type CancelSignal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewCancelSignal returns a cleared signal.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Set raises the signal. All current waiters unblock and every IsSet or Wait
// call observes the raised state until Clear. Setting an already-raised
// signal has no effect.
func (c *CancelSignal) Set() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.set = true
		close(c.ch)
	}
}

// Clear re-arms the signal. Clearing an already-cleared signal has no effect.
func (c *CancelSignal) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		c.set = false
		c.ch = make(chan struct{})
	}
}

// IsSet reports whether the signal is currently raised.
func (c *CancelSignal) IsSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Wait blocks until the signal is raised or timeout elapses, reporting
// whether it was raised. A non-positive timeout polls the current state
// without blocking.
func (c *CancelSignal) Wait(timeout time.Duration) bool {
	c.mu.Lock()
	set, ch := c.set, c.ch
	c.mu.Unlock()

	if set {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// Done returns a channel that is closed while the signal is raised. The
// channel is replaced on Clear, so callers select on it for one frame or
// stream chunk at a time and re-fetch it afterwards.
func (c *CancelSignal) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}
