package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/loquora/pkg/provider/pool"
)

type fakeClient struct {
	id int
}

// countingFactory returns a factory that numbers the clients it builds.
func countingFactory(built *atomic.Int32) pool.Factory[*fakeClient] {
	return func(ctx context.Context) (*fakeClient, error) {
		n := built.Add(1)
		return &fakeClient{id: int(n)}, nil
	}
}

func TestNew_InvalidCapacity(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	if _, err := pool.New(0, countingFactory(&built)); err == nil {
		t.Error("New(0, ...) should return an error")
	}
	if _, err := pool.New(-3, countingFactory(&built)); err == nil {
		t.Error("New(-3, ...) should return an error")
	}
}

func TestNew_NilFactory(t *testing.T) {
	t.Parallel()
	if _, err := pool.New[*fakeClient](2, nil); err == nil {
		t.Error("New with nil factory should return an error")
	}
}

func TestAcquire_BuildsWhenEmpty(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	p, err := pool.New(2, countingFactory(&built))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if client == nil {
		t.Fatal("Acquire returned nil client")
	}
	if got := built.Load(); got != 1 {
		t.Errorf("factory called %d times; want 1", got)
	}
}

func TestAcquire_ReusesIdleClient(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	p, err := pool.New(2, countingFactory(&built))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(first)

	second, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second != first {
		t.Error("expected the released client to be handed out again")
	}
	if got := built.Load(); got != 1 {
		t.Errorf("factory called %d times; want 1", got)
	}
}

func TestAcquire_BlocksAtCapacity(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	p, err := pool.New(1, countingFactory(&built))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire at capacity = %v; want deadline exceeded", err)
	}

	p.Release(held)
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestAcquire_FactoryError_FreesSlot(t *testing.T) {
	t.Parallel()
	fail := true
	factory := func(ctx context.Context) (*fakeClient, error) {
		if fail {
			fail = false
			return nil, errors.New("upstream unavailable")
		}
		return &fakeClient{id: 1}, nil
	}
	p, err := pool.New(1, factory)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("first Acquire should surface the factory error")
	}

	// The failed build must not leak its capacity slot.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after factory error: %v", err)
	}
}

func TestDiscard_DropsClient(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	p, err := pool.New(1, countingFactory(&built))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Discard()

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after Discard: %v", err)
	}
	if got := built.Load(); got != 2 {
		t.Errorf("factory called %d times; want 2 (discarded client must not be reused)", got)
	}
}

func TestStats_TracksOccupancy(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	p, err := pool.New(3, countingFactory(&built))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s := p.Stats(); s.InUse != 0 || s.Idle != 0 || s.Capacity != 3 {
		t.Errorf("fresh pool stats = %+v; want 0/0/3", s)
	}

	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())
	if s := p.Stats(); s.InUse != 2 || s.Idle != 0 {
		t.Errorf("stats after two acquires = %+v; want InUse=2 Idle=0", s)
	}

	p.Release(a)
	if s := p.Stats(); s.InUse != 1 || s.Idle != 1 {
		t.Errorf("stats after one release = %+v; want InUse=1 Idle=1", s)
	}

	p.Release(b)
	if s := p.Stats(); s.InUse != 0 || s.Idle != 2 {
		t.Errorf("stats after both released = %+v; want InUse=0 Idle=2", s)
	}
}

func TestClose_ReturnsIdleAndRejectsAcquire(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	p, err := pool.New(2, countingFactory(&built))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())
	p.Release(a)
	held := b

	idle := p.Close()
	if len(idle) != 1 || idle[0] != a {
		t.Errorf("Close returned %v; want the one idle client", idle)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, pool.ErrClosed) {
		t.Errorf("Acquire after Close = %v; want ErrClosed", err)
	}

	// A holder releasing after Close must not park the client.
	p.Release(held)
	if s := p.Stats(); s.Idle != 0 {
		t.Errorf("idle after post-close release = %d; want 0", s.Idle)
	}
}

func TestRelease_WithoutAcquire_Ignored(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	p, err := pool.New(1, countingFactory(&built))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Release(&fakeClient{id: 99})
	if s := p.Stats(); s.InUse != 0 || s.Idle != 0 {
		t.Errorf("stats after stray release = %+v; want 0/0", s)
	}
}

func TestConcurrentAcquireRelease_RespectsCapacity(t *testing.T) {
	t.Parallel()
	const capacity = 4
	var built atomic.Int32
	p, err := pool.New(capacity, countingFactory(&built))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var inUse, maxInUse atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				client, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				cur := inUse.Add(1)
				for {
					prev := maxInUse.Load()
					if cur <= prev || maxInUse.CompareAndSwap(prev, cur) {
						break
					}
				}
				inUse.Add(-1)
				p.Release(client)
			}
		}()
	}
	wg.Wait()

	if got := maxInUse.Load(); got > capacity {
		t.Errorf("observed %d concurrent holders; capacity is %d", got, capacity)
	}
	if got := built.Load(); got > capacity {
		t.Errorf("factory built %d clients; want at most %d", got, capacity)
	}
}
