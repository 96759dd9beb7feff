package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/config"
)

const watcherScenarioYAML = `
name: retail-bank
start_agent: Concierge
agents:
  - name: Concierge
    prompt: You greet callers and route them.
`

const watcherUpdatedScenarioYAML = `
name: retail-bank
start_agent: Concierge
agents:
  - name: Concierge
    prompt: You greet callers, route them, and answer balance questions.
  - name: Advisor
    prompt: You advise on investment products.
`

// Parses fine but fails scenario validation: the start agent is not declared.
const watcherInvalidScenarioYAML = `
name: retail-bank
start_agent: Ghost
agents:
  - name: Concierge
    prompt: You greet callers.
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestScenarioWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	scPath := filepath.Join(dir, "scenario.yaml")
	writeFile(t, scPath, watcherScenarioYAML)

	w, err := config.NewScenarioWatcher(scPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	sc := w.Current()
	if sc == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if sc.Name != "retail-bank" {
		t.Errorf("scenario name: got %q, want %q", sc.Name, "retail-bank")
	}
	if len(sc.Agents) != 1 {
		t.Errorf("agents: got %d, want 1", len(sc.Agents))
	}
}

func TestScenarioWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	scPath := filepath.Join(dir, "scenario.yaml")
	writeFile(t, scPath, watcherScenarioYAML)

	var mu sync.Mutex
	var callbackOld, callbackNew *agent.Scenario
	called := make(chan struct{}, 1)

	w, err := config.NewScenarioWatcher(scPath, func(old, new *agent.Scenario) {
		mu.Lock()
		callbackOld = old
		callbackNew = new
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Give the initial poll a moment, then update the file.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, scPath, watcherUpdatedScenarioYAML)

	// Wait for callback.
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()

	if callbackOld == nil || callbackNew == nil {
		t.Fatal("callback received nil scenarios")
	}
	if len(callbackOld.Agents) != 1 {
		t.Errorf("old agents: got %d, want 1", len(callbackOld.Agents))
	}
	if len(callbackNew.Agents) != 2 {
		t.Errorf("new agents: got %d, want 2", len(callbackNew.Agents))
	}

	// Current should return the new scenario.
	cur := w.Current()
	if len(cur.Agents) != 2 {
		t.Errorf("Current() agents: got %d, want 2", len(cur.Agents))
	}
}

func TestScenarioWatcher_InvalidFileKeepsOldScenario(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	scPath := filepath.Join(dir, "scenario.yaml")
	writeFile(t, scPath, watcherScenarioYAML)

	callCount := 0
	var mu sync.Mutex

	w, err := config.NewScenarioWatcher(scPath, func(old, new *agent.Scenario) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Write an invalid scenario.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, scPath, watcherInvalidScenarioYAML)

	// Wait enough polls for it to notice the change.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()

	if calls != 0 {
		t.Errorf("callback should not be called for an invalid scenario, got %d calls", calls)
	}

	// Current should still be the old valid scenario.
	cur := w.Current()
	if cur.StartAgent != "Concierge" {
		t.Errorf("Current() should still have the old scenario, got start_agent=%q", cur.StartAgent)
	}
}

func TestScenarioWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewScenarioWatcher("/nonexistent/scenario.yaml", nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestScenarioWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	scPath := filepath.Join(dir, "scenario.yaml")
	writeFile(t, scPath, watcherScenarioYAML)

	w, err := config.NewScenarioWatcher(scPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Multiple stops should not panic.
	w.Stop()
	w.Stop()
	w.Stop()
}

func TestScenarioWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	scPath := filepath.Join(dir, "scenario.yaml")
	writeFile(t, scPath, watcherScenarioYAML)

	callCount := 0
	var mu sync.Mutex

	w, err := config.NewScenarioWatcher(scPath, func(old, new *agent.Scenario) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Touch the file (update mtime) without changing content.
	time.Sleep(100 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(scPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()

	if calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}
