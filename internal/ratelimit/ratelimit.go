package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketpipe/internal/config"
)

// Limiter enforces broker quotas with a rolling window per quota class:
// a request is granted only if fewer than the class quota were granted in
// the trailing window. All REST-issuing components must share one instance,
// otherwise the single-budget guarantee is lost.
type Limiter struct {
	mu      sync.Mutex
	classes map[string]*classWindow
	now     func() time.Time
}

type classWindow struct {
	limit  int
	window time.Duration
	grants []time.Time // timestamps of granted requests, oldest first
}

// NewLimiter builds a limiter from configuration. Unknown classes are
// rejected at acquire time rather than silently unlimited.
func NewLimiter(quotas []config.QuotaConfig) *Limiter {
	l := &Limiter{
		classes: make(map[string]*classWindow, len(quotas)),
		now:     time.Now,
	}
	for _, q := range quotas {
		l.classes[q.Class] = &classWindow{
			limit:  q.Limit,
			window: time.Duration(q.WindowSeconds) * time.Second,
		}
	}
	return l
}

// Acquire attempts to take cost grants from the class quota. If the quota is
// exhausted it returns granted=false and the exact duration until enough
// in-window grants expire, so the caller can choose to wait or abandon.
func (l *Limiter) Acquire(class string, cost int) (granted bool, wait time.Duration, err error) {
	if cost < 1 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cw, ok := l.classes[class]
	if !ok {
		return false, 0, fmt.Errorf("unknown quota class %q", class)
	}

	now := l.now()
	cw.prune(now)

	if len(cw.grants)+cost <= cw.limit {
		for i := 0; i < cost; i++ {
			cw.grants = append(cw.grants, now)
		}
		return true, 0, nil
	}

	// The request fits once enough of the oldest in-window grants expire.
	need := len(cw.grants) + cost - cw.limit
	if need > len(cw.grants) {
		return false, 0, fmt.Errorf("cost %d exceeds quota %d for class %q", cost, cw.limit, class)
	}
	expiresAt := cw.grants[need-1].Add(cw.window)
	return false, expiresAt.Sub(now), nil
}

// Wait blocks until cost grants are available for the class or the context
// is cancelled. Quota exhaustion is backpressure, not an error.
func (l *Limiter) Wait(ctx context.Context, class string, cost int) error {
	for {
		granted, wait, err := l.Acquire(class, cost)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InWindow returns the number of grants currently inside the class window.
func (l *Limiter) InWindow(class string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cw, ok := l.classes[class]
	if !ok {
		return 0
	}
	cw.prune(l.now())
	return len(cw.grants)
}

func (cw *classWindow) prune(now time.Time) {
	cutoff := now.Add(-cw.window)
	i := 0
	for i < len(cw.grants) && !cw.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cw.grants = append(cw.grants[:0], cw.grants[i:]...)
	}
}
