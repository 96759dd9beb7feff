// Package pool provides a bounded acquire/release pool for provider clients.
//
// STT and TTS sessions hold a provider client for their whole lifetime, so a
// burst of new calls must not open more upstream connections than the
// deployment allows. The pool bounds concurrent holders with a weighted
// semaphore and parks released clients on a free list for reuse; when the
// free list is empty a new client is built on demand.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire after the pool has been closed.
var ErrClosed = errors.New("pool: closed")

// Factory builds a new client when the free list is empty.
type Factory[T any] func(ctx context.Context) (T, error)

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	// InUse is the number of clients currently acquired.
	InUse int
	// Idle is the number of clients parked on the free list.
	Idle int
	// Capacity is the maximum number of concurrently acquired clients.
	Capacity int
}

// Pool hands out clients up to a fixed capacity. All methods are safe for
// concurrent use.
type Pool[T any] struct {
	sem      *semaphore.Weighted
	factory  Factory[T]
	capacity int

	mu     sync.Mutex
	free   []T
	inUse  int
	closed bool
}

// New creates a pool that admits at most capacity concurrent holders.
func New[T any](capacity int, factory Factory[T]) (*Pool[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool: capacity must be positive, got %d", capacity)
	}
	if factory == nil {
		return nil, fmt.Errorf("pool: factory must not be nil")
	}
	return &Pool[T]{
		sem:      semaphore.NewWeighted(int64(capacity)),
		factory:  factory,
		capacity: capacity,
	}, nil
}

// Acquire returns a client, reusing an idle one when available. It blocks
// until a capacity slot frees up or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("pool: acquire: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return zero, ErrClosed
	}
	if n := len(p.free); n > 0 {
		client := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		p.mu.Unlock()
		return client, nil
	}
	p.inUse++
	p.mu.Unlock()

	// Build outside the lock; holders waiting on the semaphore are not
	// blocked by a slow constructor.
	client, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		return zero, fmt.Errorf("pool: build client: %w", err)
	}
	return client, nil
}

// Release parks the client on the free list and frees its capacity slot.
// Calls without a matching Acquire are ignored.
func (p *Pool[T]) Release(client T) {
	p.mu.Lock()
	if p.inUse == 0 {
		p.mu.Unlock()
		return
	}
	p.inUse--
	if !p.closed {
		p.free = append(p.free, client)
	}
	p.mu.Unlock()
	p.sem.Release(1)
}

// Discard frees the capacity slot without parking the client. Use it when
// the client is no longer usable, for example after a provider failure.
func (p *Pool[T]) Discard() {
	p.mu.Lock()
	if p.inUse == 0 {
		p.mu.Unlock()
		return
	}
	p.inUse--
	p.mu.Unlock()
	p.sem.Release(1)
}

// Stats reports current occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{InUse: p.inUse, Idle: len(p.free), Capacity: p.capacity}
}

// Close marks the pool closed and returns the idle clients so the caller can
// shut them down. Acquire fails with ErrClosed afterwards; holders in flight
// may still Release or Discard, but released clients are dropped instead of
// parked.
func (p *Pool[T]) Close() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	idle := p.free
	p.free = nil
	return idle
}
