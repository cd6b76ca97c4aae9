// Package ratelimit bounds outbound exchange requests to a trailing window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultLimit is the default request budget per trailing window.
const DefaultLimit = 120

// DefaultWindow is the trailing window length.
const DefaultWindow = time.Minute

// Limiter grants at most limit requests in any trailing window, shared by
// every caller in the process. Callers that would exceed the budget suspend
// until capacity frees; grants are issued in request order.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration

	// grants holds the scheduled grant times of the most recent limit
	// acquisitions, oldest first. A slot is reserved under the lock, so
	// arrival order is grant order.
	grants []time.Time
}

// New creates a Limiter allowing limit grants per window.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:  limit,
		window: window,
		grants: make([]time.Time, 0, limit),
	}
}

// Acquire blocks until a request slot is available or ctx is done.
// A caller cancelled while waiting forfeits its reserved slot; the forfeited
// slot still counts toward the window, which keeps the trailing-window bound
// exact even under cancellation.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := time.Now()
	at := now
	if len(l.grants) >= l.limit {
		// The n-th grant must come a full window after the (n-limit)-th.
		if earliest := l.grants[len(l.grants)-l.limit].Add(l.window); earliest.After(at) {
			at = earliest
		}
	}
	l.grants = append(l.grants, at)
	if len(l.grants) > l.limit {
		l.grants = l.grants[len(l.grants)-l.limit:]
	}
	l.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Utilization returns the number of grants inside the current trailing window
// and the configured limit.
func (l *Limiter) Utilization() (used, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	for _, g := range l.grants {
		if g.After(cutoff) {
			used++
		}
	}
	return used, l.limit
}
