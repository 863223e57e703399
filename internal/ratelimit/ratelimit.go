// Package ratelimit implements a per-key sliding-window rate limiter.
// Thread-safe. Every key tracks the timestamps of its recent events;
// a request is admitted when fewer than the limit fall inside the
// window, otherwise the caller learns how long the client must wait.
//
// Keys combine the action with the client address (e.g. "login:10.0.0.5")
// so distinct actions never share a bucket and one client cannot exhaust
// another's quota.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Limiter is a sliding-window rate limiter keyed by arbitrary strings.
type Limiter struct {
	mu     sync.Mutex
	events map[string][]time.Time

	now func() time.Time // swapped in tests
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an event under key if fewer than limit events occurred
// within the window. When the request is denied, retryAfter reports how
// long until the oldest event leaves the window, rounded up to a whole
// second and never below one second.
func (l *Limiter) Allow(key string, limit int, window time.Duration) (ok bool, retryAfter time.Duration) {
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := pruneBefore(l.events[key], now.Add(-window))

	if limit <= 0 {
		l.events[key] = recent
		return false, roundUpSecond(window)
	}

	if len(recent) < limit {
		l.events[key] = append(recent, now)
		return true, 0
	}

	l.events[key] = recent
	return false, roundUpSecond(recent[0].Add(window).Sub(now))
}

// Sweep drops events older than maxAge and removes keys left empty,
// bounding memory against one-off clients. Returns the number of keys
// removed.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for key, events := range l.events {
		recent := pruneBefore(events, cutoff)
		if len(recent) == 0 {
			delete(l.events, key)
			removed++
			continue
		}
		l.events[key] = recent
	}
	return removed
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// StartSweeper runs Sweep on the given cron schedule until ctx is
// cancelled. Returns a cancel function (matches the scheduler Start
// pattern).
func (l *Limiter) StartSweeper(ctx context.Context, schedule string, maxAge time.Duration, logger *slog.Logger) (func(), error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		logger.InfoContext(ctx, "rate limit sweeper started",
			slog.String("schedule", schedule),
			slog.String("max_age", maxAge.String()),
		)

		for {
			timer := time.NewTimer(time.Until(sched.Next(time.Now())))
			select {
			case <-ctx.Done():
				timer.Stop()
				logger.Info("rate limit sweeper stopped")
				return
			case <-timer.C:
				if removed := l.Sweep(maxAge); removed > 0 {
					logger.Debug("rate limit keys swept", slog.Int("removed", removed))
				}
			}
		}
	}()

	return cancel, nil
}

// pruneBefore drops timestamps older than cutoff. Events are appended in
// order, so the slice stays sorted and a prefix scan suffices.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return events[i:]
}

// roundUpSecond rounds d up to a whole second, with a floor of one second.
func roundUpSecond(d time.Duration) time.Duration {
	r := d.Truncate(time.Second)
	if r < d {
		r += time.Second
	}
	if r < time.Second {
		r = time.Second
	}
	return r
}
