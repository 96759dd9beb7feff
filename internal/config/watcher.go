package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/loquora/internal/agent"
)

// ScenarioWatcher monitors the scenario file for changes and calls a callback
// when a modified, valid scenario is detected. It uses polling (not fsnotify)
// to keep dependencies minimal. Invalid edits are logged and skipped; running
// sessions keep the last valid scenario.
type ScenarioWatcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *agent.Scenario)

	mu       sync.Mutex
	current  *agent.Scenario
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [ScenarioWatcher].
type WatcherOption func(*ScenarioWatcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *ScenarioWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewScenarioWatcher creates a scenario file watcher. It loads the initial
// scenario immediately and starts polling in a background goroutine.
func NewScenarioWatcher(path string, onChange func(old, new *agent.Scenario), opts ...WatcherOption) (*ScenarioWatcher, error) {
	w := &ScenarioWatcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Load initial scenario.
	sc, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: scenario watcher initial load: %w", err)
	}
	w.current = sc
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid scenario.
func (w *ScenarioWatcher) Current() *agent.Scenario {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *ScenarioWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the scenario file periodically.
func (w *ScenarioWatcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the scenario file and, if it has changed and is valid, calls
// onChange and updates the current scenario.
func (w *ScenarioWatcher) check() {
	// Quick mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("scenario watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	// Mtime changed, read and hash.
	sc, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("scenario watcher: failed to load scenario, keeping previous", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()

	if hash == w.lastHash {
		// File was touched but content is identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = sc
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("scenario watcher: scenario reloaded", "path", w.path, "scenario", sc.Name, "agents", len(sc.Agents))

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, sc)
	}
}

// loadAndHash reads the scenario file, parses and validates it, and returns
// the scenario alongside the file's SHA-256 hash and modification time. If the
// scenario is invalid, it returns an error (the caller should keep the old one).
func (w *ScenarioWatcher) loadAndHash() (*agent.Scenario, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	// Read full file into memory for hashing + parsing.
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	hash := sha256.Sum256(data)

	sc, err := agent.LoadScenarioFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	return sc, hash, info.ModTime(), nil
}
