package turn

import (
	"sync"
	"time"
)

// DefaultDTMFTimeout is the inactivity window after which buffered digits
// flush as a synthetic user message.
const DefaultDTMFTimeout = 1500 * time.Millisecond

// DTMFBuffer collects telephony keypad tones into a digit string. "#"
// flushes immediately, "*" clears the buffer, and any other tone appends and
// re-arms the inactivity timer. The flush callback receives the collected
// digits; it runs without the buffer lock held, from either the caller's
// goroutine ("#") or the timer goroutine (inactivity).
type DTMFBuffer struct {
	mu      sync.Mutex
	digits  []byte
	timer   *time.Timer
	timeout time.Duration
	flush   func(digits string)
	stopped bool
}

// NewDTMFBuffer creates a buffer flushing through fn. timeout <= 0 selects
// [DefaultDTMFTimeout].
func NewDTMFBuffer(timeout time.Duration, fn func(digits string)) *DTMFBuffer {
	if timeout <= 0 {
		timeout = DefaultDTMFTimeout
	}
	return &DTMFBuffer{timeout: timeout, flush: fn}
}

// Press feeds one tone into the buffer.
func (b *DTMFBuffer) Press(tone string) {
	if tone == "" {
		return
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}

	switch tone {
	case "#":
		digits := b.takeLocked()
		b.mu.Unlock()
		if digits != "" {
			b.flush(digits)
		}
		return
	case "*":
		b.digits = b.digits[:0]
		b.stopTimerLocked()
		b.mu.Unlock()
		return
	default:
		b.digits = append(b.digits, tone[0])
		b.armTimerLocked()
		b.mu.Unlock()
	}
}

// Flush delivers any buffered digits immediately.
func (b *DTMFBuffer) Flush() {
	b.mu.Lock()
	digits := b.takeLocked()
	b.mu.Unlock()
	if digits != "" {
		b.flush(digits)
	}
}

// Stop cancels the inactivity timer and rejects further tones. Buffered
// digits are discarded.
func (b *DTMFBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.digits = nil
	b.stopTimerLocked()
}

// takeLocked returns the buffered digits and resets the buffer and timer.
func (b *DTMFBuffer) takeLocked() string {
	digits := string(b.digits)
	b.digits = b.digits[:0]
	b.stopTimerLocked()
	return digits
}

func (b *DTMFBuffer) armTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.timeout, b.onTimeout)
}

func (b *DTMFBuffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *DTMFBuffer) onTimeout() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	digits := b.takeLocked()
	b.mu.Unlock()
	if digits != "" {
		b.flush(digits)
	}
}
