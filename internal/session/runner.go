package session

import (
	"log/slog"
	"sync"
	"time"
)

// Task is a unit of work executed on the session's runner goroutine.
type Task func()

// TaskHandle lets the posting goroutine await completion of a scheduled task.
type TaskHandle struct {
	done chan struct{}
}

// Done returns a channel that is closed once the task has finished.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or timeout elapses, reporting whether
// it finished.
func (h *TaskHandle) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Runner executes posted tasks one at a time on a single goroutine, giving
// each session a serial execution lane. Foreign goroutines — STT callbacks,
// transport readers, scenario watchers — post work with Schedule instead of
// touching session state directly, so everything that runs here is ordered.
type Runner struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []scheduledTask
	stopped bool
	done    chan struct{}
}

type scheduledTask struct {
	fn     Task
	handle *TaskHandle
}

// NewRunner creates a Runner and starts its goroutine.
func NewRunner() *Runner {
	r := &Runner{done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

// Schedule posts fn for execution after all previously posted tasks. The
// returned handle reports completion. It is nil when the runner has already
// stopped and the post was dropped; callers tolerate the dropped post.
func (r *Runner) Schedule(fn Task) *TaskHandle {
	if fn == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	h := &TaskHandle{done: make(chan struct{})}
	r.queue = append(r.queue, scheduledTask{fn: fn, handle: h})
	r.cond.Signal()
	return h
}

// Stop rejects further posts and shuts the runner down once the tasks already
// queued have run. It blocks until the goroutine has exited. Safe to call
// more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		r.cond.Signal()
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Runner) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.stopped {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		t := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		runTask(t)
	}
}

// runTask executes one task. A panicking task is logged and swallowed so it
// cannot take down the session lane that every other component posts to.
func runTask(t scheduledTask) {
	defer close(t.handle.done)
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Error("session runner: task panicked", "panic", recovered)
		}
	}()
	t.fn()
}
