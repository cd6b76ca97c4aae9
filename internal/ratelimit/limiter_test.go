package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestAcquire_UnderLimit(t *testing.T) {
	l := New(10, time.Minute)

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("10 acquisitions under a 10-limit took %v, expected no blocking", elapsed)
	}

	used, limit := l.Utilization()
	if used != 10 || limit != 10 {
		t.Errorf("Utilization() = (%d, %d), want (10, 10)", used, limit)
	}
}

func TestAcquire_BlocksOverLimit(t *testing.T) {
	window := 200 * time.Millisecond
	l := New(2, window)

	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < window/2 {
		t.Errorf("third Acquire returned after %v, expected to wait close to %v", elapsed, window)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := New(1, time.Minute)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
}

// TestAcquire_RateSafety checks that no trailing window ever holds more than
// the configured number of grants, even with concurrent callers.
func TestAcquire_RateSafety(t *testing.T) {
	const limit = 5
	window := 100 * time.Millisecond
	l := New(limit, window)

	var mu sync.Mutex
	var grants []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })

	// Small slack for timer/scheduler latency between the scheduled grant
	// time and the recorded completion time.
	slack := 20 * time.Millisecond
	for i := 0; i+limit < len(grants); i++ {
		gap := grants[i+limit].Sub(grants[i])
		if gap < window-slack {
			t.Fatalf("grants %d..%d span %v, below the %v window", i, i+limit, gap, window)
		}
	}
}
