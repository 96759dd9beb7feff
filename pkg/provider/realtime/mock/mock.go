// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to inspect which control methods the orchestrator invoked.
//
// Example:
//
//	sess := &mock.Session{}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/loquora/pkg/provider/realtime"
	"github.com/MrWong99/loquora/pkg/types"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// UpdateSessionCall records a single invocation of Session.UpdateSession.
type UpdateSessionCall struct {
	// Instructions is the prompt passed to UpdateSession.
	Instructions string
	// Tools is a copy of the tool definitions passed to UpdateSession.
	Tools []types.ToolDefinition
}

// Session is a mock implementation of realtime.SessionHandle.
type Session struct {
	mu sync.Mutex

	// UpdateSessionErr, if non-nil, is returned by every UpdateSession call.
	UpdateSessionErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// UpdateSessionCalls records every call to UpdateSession in order.
	UpdateSessionCalls []UpdateSessionCall

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// UpdateSession records the call and returns UpdateSessionErr.
func (s *Session) UpdateSession(instructions string, tools []types.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.ToolDefinition, len(tools))
	copy(cp, tools)
	s.UpdateSessionCalls = append(s.UpdateSessionCalls, UpdateSessionCall{Instructions: instructions, Tools: cp})
	return s.UpdateSessionErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return s.InterruptErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateSessionCalls = nil
	s.InterruptCallCount = 0
	s.CloseCallCount = 0
}

// Compile-time interface assertions.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*Session)(nil)
