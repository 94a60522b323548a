package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"marketpipe/internal/config"
)

func newTestLimiter(limit int) (*Limiter, *time.Time) {
	l := NewLimiter([]config.QuotaConfig{
		{Class: "account", Limit: limit, WindowSeconds: 60},
		{Class: "application", Limit: limit * 4, WindowSeconds: 60},
	})
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &now
	l.now = func() time.Time { return *clock }
	return l, clock
}

func TestGrantsUpToQuota(t *testing.T) {
	l, _ := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		granted, wait, err := l.Acquire("account", 1)
		if err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		if !granted {
			t.Fatalf("request %d should be granted, got wait %v", i, wait)
		}
	}

	granted, wait, err := l.Acquire("account", 1)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if granted {
		t.Fatal("sixth request should not be granted")
	}
	if wait != 60*time.Second {
		t.Errorf("expected exact wait of 60s until oldest grant expires, got %v", wait)
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2)

	l.Acquire("account", 1)
	*clock = clock.Add(30 * time.Second)
	l.Acquire("account", 1)

	if granted, _, _ := l.Acquire("account", 1); granted {
		t.Fatal("quota exhausted, should not grant")
	}

	// The first grant leaves the window after 60s.
	*clock = clock.Add(31 * time.Second)
	if granted, _, _ := l.Acquire("account", 1); !granted {
		t.Fatal("expected grant after oldest left the window")
	}
}

func TestExactWaitDuration(t *testing.T) {
	l, clock := newTestLimiter(1)

	l.Acquire("account", 1)
	*clock = clock.Add(12 * time.Second)

	granted, wait, err := l.Acquire("account", 1)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if granted {
		t.Fatal("should not grant over quota")
	}
	if wait != 48*time.Second {
		t.Errorf("expected wait 48s, got %v", wait)
	}

	// Waiting the advertised duration must be sufficient.
	*clock = clock.Add(wait)
	if granted, _, _ := l.Acquire("account", 1); !granted {
		t.Error("grant should succeed after advertised wait elapsed")
	}
}

func TestUnknownClass(t *testing.T) {
	l, _ := newTestLimiter(1)
	if _, _, err := l.Acquire("bogus", 1); err == nil {
		t.Error("expected error for unknown quota class")
	}
}

func TestCostExceedingQuota(t *testing.T) {
	l, _ := newTestLimiter(3)
	if _, _, err := l.Acquire("account", 4); err == nil {
		t.Error("expected error when cost exceeds the class quota outright")
	}
}

// Simulate bursts of acquire calls with the clock moving randomly and verify
// the trailing-window count never exceeds the configured quota.
func TestRollingWindowInvariant(t *testing.T) {
	const quota = 30
	l, clock := newTestLimiter(quota)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		granted, _, err := l.Acquire("account", 1)
		if err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		_ = granted

		if n := l.InWindow("account"); n > quota {
			t.Fatalf("invariant violated at step %d: %d grants in window (quota %d)", i, n, quota)
		}

		// Bursty advance: mostly tiny steps, occasionally a long pause.
		if rng.Intn(50) == 0 {
			*clock = clock.Add(time.Duration(rng.Intn(90)) * time.Second)
		} else {
			*clock = clock.Add(time.Duration(rng.Intn(500)) * time.Millisecond)
		}
	}
}

// Two callers race for the last quota slot. Exactly one is granted
// immediately, the other receives a concrete wait duration.
func TestConcurrentLastSlot(t *testing.T) {
	l, _ := newTestLimiter(30)
	for i := 0; i < 29; i++ {
		l.Acquire("account", 1)
	}

	type result struct {
		granted bool
		wait    time.Duration
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, wait, err := l.Acquire("account", 1)
			if err != nil {
				t.Errorf("Acquire error: %v", err)
				return
			}
			results <- result{granted, wait}
		}()
	}
	wg.Wait()
	close(results)

	grantedCount := 0
	for r := range results {
		if r.granted {
			grantedCount++
		} else if r.wait <= 0 {
			t.Errorf("denied caller should receive a positive wait, got %v", r.wait)
		}
	}
	if grantedCount != 1 {
		t.Errorf("exactly one caller should be granted, got %d", grantedCount)
	}
}

func TestWaitRespectsContext(t *testing.T) {
	l := NewLimiter([]config.QuotaConfig{{Class: "account", Limit: 1, WindowSeconds: 60}})

	if err := l.Wait(context.Background(), "account", 1); err != nil {
		t.Fatalf("first Wait should grant immediately: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "account", 1)
	if err == nil {
		t.Fatal("Wait should fail once the context is cancelled")
	}
}
