package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5) // 10 rps, burst 5
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected Allow to return true for request %d (within burst)", i)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3) // 10 rps, burst 3
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}

	ok, err := m.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("expected Allow=false after burst exhausted")
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	// 1000 rps means one token per millisecond, so a short sleep
	// after exhausting burst=2 restores capacity.
	m := NewMemoryLimiter(1000, 2)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected Allow=false with empty bucket")
	}

	time.Sleep(10 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("expected Allow=true after refill")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, m)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "a"); !ok {
		t.Fatal("key a should be allowed")
	}
	if ok, _ := m.Allow(ctx, "a"); ok {
		t.Fatal("key a should be exhausted")
	}
	if ok, _ := m.Allow(ctx, "b"); !ok {
		t.Fatal("key b should have its own bucket")
	}
}

func TestMemoryLimiterConcurrentAccess(t *testing.T) {
	m := NewMemoryLimiter(100, 50)
	defer closeLimiter(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = m.Allow(ctx, "shared")
			}
		}()
	}
	wg.Wait()
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "any")
		if err != nil || !ok {
			t.Fatal("noop limiter must always allow")
		}
	}
}
