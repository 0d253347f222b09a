// Package ratelimit implements a per-source fixed-window counter, fail-
// closed on any store error: a limiter that silently opened up under store
// failure would be a faster road to privilege escalation than the commands
// it is meant to gate. golang.org/x/time/rate guards an in-process fast path
// ahead of the durable store round-trip.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Store is the durable counter backend. A concrete Store implementation
// lives alongside internal/store's Approval Request Store.
type Store interface {
	// IncrementWindow atomically increments the counter for (source,
	// windowStart) and returns the post-increment count. windowStart is the
	// window's start instant, already floored to the window size by the
	// caller so repeated calls within the same window address the same row.
	IncrementWindow(ctx context.Context, source string, windowStart time.Time) (int, error)
}

// Limiter enforces per-source window limit.
type Limiter struct {
	store         Store
	window        time.Duration
	maxInWindow   int
	localLimiters sync.Map // source -> *rate.Limiter, in-process fast-reject only
}

// New builds a Limiter backed by store, with the configured window and
// threshold.
func New(store Store, window time.Duration, maxInWindow int) *Limiter {
	return &Limiter{store: store, window: window, maxInWindow: maxInWindow}
}

// Allow reports whether source may proceed at time now. A store error is
// treated as rate-exceeded (fail-closed), never as an allow.
func (l *Limiter) Allow(ctx context.Context, source string, now time.Time) (bool, error) {
	if lim := l.localLimit(source); !lim.AllowN(now, 1) {
		return false, nil
	}

	windowStart := now.Truncate(l.window)
	count, err := l.store.IncrementWindow(ctx, source, windowStart)
	if err != nil {
		return false, fmt.Errorf("rate limiter store error, failing closed: %w", err)
	}
	return count <= l.maxInWindow, nil
}

// localLimit lazily creates a per-source in-process limiter as a cheap
// pre-filter: it cannot replace the durable window (it resets on process
// restart and isn't shared across instances) but it keeps a runaway caller
// from hammering the store on every single request.
func (l *Limiter) localLimit(source string) *rate.Limiter {
	if v, ok := l.localLimiters.Load(source); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Every(l.window/time.Duration(max(l.maxInWindow, 1))), l.maxInWindow)
	actual, _ := l.localLimiters.LoadOrStore(source, lim)
	return actual.(*rate.Limiter)
}
