// Package ratelimit implements a sliding-window token limiter used to bound
// messages and tool calls per session.
package ratelimit

import (
	"sync"
	"time"
)

// Result reports the outcome of a limit check.
type Result struct {
	Allowed      bool
	RetryAfterMs int64
}

type consumption struct {
	at   time.Time
	cost int
}

// Limiter tracks token consumption over a trailing window.
// A Limiter with maxTokens <= 0 always allows.
type Limiter struct {
	mu        sync.Mutex
	maxTokens int
	window    time.Duration
	entries   []consumption

	// now is overridable for tests.
	now func() time.Time
}

// New creates a limiter allowing maxTokens per window.
func New(maxTokens int, window time.Duration) *Limiter {
	return &Limiter{
		maxTokens: maxTokens,
		window:    window,
		now:       time.Now,
	}
}

// Check consumes cost tokens if the budget allows. When the budget is
// exceeded it reports how long the caller must wait for enough tokens to
// fall out of the window.
func (l *Limiter) Check(cost int) Result {
	if l.maxTokens <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	used := 0
	for _, e := range l.entries {
		used += e.cost
	}

	if used+cost <= l.maxTokens {
		l.entries = append(l.entries, consumption{at: now, cost: cost})
		return Result{Allowed: true}
	}

	// Walk the oldest entries until enough budget would be freed, then
	// report the instant the last of those entries expires.
	needed := used + cost - l.maxTokens
	freed := 0
	for _, e := range l.entries {
		freed += e.cost
		if freed >= needed {
			wait := e.at.Add(l.window).Sub(now)
			ms := wait.Milliseconds()
			if ms < 1 {
				ms = 1
			}
			return Result{RetryAfterMs: ms}
		}
	}

	// cost alone exceeds the budget; it can never succeed, but report a
	// full window rather than blocking forever.
	return Result{RetryAfterMs: l.window.Milliseconds()}
}

// prune drops entries that have left the window. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.entries) && !l.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		l.entries = append(l.entries[:0], l.entries[i:]...)
	}
}
