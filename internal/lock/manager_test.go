package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
)

const testPath = "memory/MEMORY.md"

func TestAcquire_Free(t *testing.T) {
	m := NewManager(0)
	l, err := m.Acquire(context.Background(), testPath, "main", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Holder(testPath) != "main" {
		t.Errorf("expected holder main, got %q", m.Holder(testPath))
	}
	if err := m.Release(l); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Holder(testPath) != "" {
		t.Error("expected path unlocked after release")
	}
}

func TestAcquire_Reentrant(t *testing.T) {
	m := NewManager(0)
	l, err := m.Acquire(context.Background(), testPath, "main", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Release(l)

	if _, err := m.Acquire(context.Background(), testPath, "main", 50*time.Millisecond); !errors.Is(err, schema.ErrLockReentrant) {
		t.Errorf("expected ErrLockReentrant, got %v", err)
	}
}

func TestAcquire_Timeout(t *testing.T) {
	m := NewManager(0)
	l, _ := m.Acquire(context.Background(), testPath, "main", time.Second)
	defer m.Release(l)

	start := time.Now()
	_, err := m.Acquire(context.Background(), testPath, "selfagent", 50*time.Millisecond)
	if !errors.Is(err, schema.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("timed out before the requested timeout elapsed")
	}
}

func TestRelease_GrantsNextFIFO(t *testing.T) {
	m := NewManager(0)
	first, _ := m.Acquire(context.Background(), testPath, "a", time.Second)

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	// Queue two waiters in a deterministic order.
	ready := make(chan struct{}, 2)
	for _, holder := range []string{"b", "c"} {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			// Stagger so "b" queues before "c".
			if h == "c" {
				time.Sleep(50 * time.Millisecond)
			}
			ready <- struct{}{}
			l, err := m.Acquire(context.Background(), testPath, h, 5*time.Second)
			if err != nil {
				t.Errorf("acquire %s: %v", h, err)
				return
			}
			mu.Lock()
			order = append(order, h)
			mu.Unlock()
			m.Release(l)
		}(holder)
	}

	<-ready
	<-ready
	time.Sleep(100 * time.Millisecond) // let both goroutines enqueue
	if err := m.Release(first); err != nil {
		t.Fatalf("release: %v", err)
	}
	wg.Wait()

	if len(order) != 2 || order[0] != "b" || order[1] != "c" {
		t.Errorf("expected FIFO grant order [b c], got %v", order)
	}
}

func TestLease_ForcedRelease(t *testing.T) {
	m := NewManager(60 * time.Millisecond)
	stale, err := m.Acquire(context.Background(), testPath, "crashed", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Waiter queued behind a holder that never releases.
	l, err := m.Acquire(context.Background(), testPath, "waiter", time.Second)
	if err != nil {
		t.Fatalf("expected waiter to acquire after lease expiry, got %v", err)
	}
	if l.Holder() != "waiter" {
		t.Errorf("expected holder waiter, got %q", l.Holder())
	}

	// The stale lock is invalidated for all subsequent operations.
	if err := m.Validate(stale); !errors.Is(err, schema.ErrLockInvalidated) {
		t.Errorf("expected ErrLockInvalidated from Validate, got %v", err)
	}
	if err := m.Release(stale); !errors.Is(err, schema.ErrLockInvalidated) {
		t.Errorf("expected ErrLockInvalidated from Release, got %v", err)
	}

	if err := m.Release(l); err != nil {
		t.Fatalf("release live lock: %v", err)
	}
}

func TestLease_ExpiryWithoutWaiters(t *testing.T) {
	m := NewManager(40 * time.Millisecond)
	stale, _ := m.Acquire(context.Background(), testPath, "crashed", time.Second)

	time.Sleep(100 * time.Millisecond)
	if m.Holder(testPath) != "" {
		t.Error("expected lock destroyed after lease expiry with no waiters")
	}
	if err := m.Release(stale); !errors.Is(err, schema.ErrLockInvalidated) {
		t.Errorf("expected ErrLockInvalidated, got %v", err)
	}

	// Path is reusable.
	l, err := m.Acquire(context.Background(), testPath, "fresh", time.Second)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	m.Release(l)
}

func TestWithLock(t *testing.T) {
	m := NewManager(0)
	ran := false
	err := m.WithLock(context.Background(), testPath, "main", time.Second, func() error {
		ran = true
		if m.Holder(testPath) != "main" {
			t.Error("fn ran without holding the lock")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
	if m.Holder(testPath) != "" {
		t.Error("lock not released after WithLock")
	}
}

func TestAcquire_DifferentPathsIndependent(t *testing.T) {
	m := NewManager(0)
	a, err := m.Acquire(context.Background(), "a.md", "main", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Acquire(context.Background(), "b.md", "main", time.Second)
	if err != nil {
		t.Fatalf("lock on a different path should not block: %v", err)
	}
	m.Release(a)
	m.Release(b)
}
