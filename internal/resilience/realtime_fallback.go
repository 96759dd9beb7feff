package resilience

import (
	"context"

	"github.com/MrWong99/loquora/pkg/provider/realtime"
)

// RealtimeFallback implements [realtime.Provider] with automatic failover
// across multiple speech-to-speech backends. Failover covers the connection
// handshake only: once a session handle is returned, that backend owns the
// session until the caller closes it.
type RealtimeFallback struct {
	group *FallbackGroup[realtime.Provider]
}

// Compile-time interface assertion.
var _ realtime.Provider = (*RealtimeFallback)(nil)

// NewRealtimeFallback creates a [RealtimeFallback] with primary as the
// preferred backend.
func NewRealtimeFallback(primary realtime.Provider, primaryName string, cfg FallbackConfig) *RealtimeFallback {
	return &RealtimeFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional realtime provider as a fallback.
func (f *RealtimeFallback) AddFallback(name string, provider realtime.Provider) {
	f.group.AddFallback(name, provider)
}

// Connect opens a speech-to-speech session on the first healthy provider.
// If the primary fails to connect, subsequent fallbacks are tried.
func (f *RealtimeFallback) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p realtime.Provider) (realtime.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}
