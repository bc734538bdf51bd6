package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds run submissions per client. Zero disables a bound.
type RateLimitConfig struct {
	RunsPerMinute int
	RunsPerHour   int
	RecordsPerDay int
}

// Enabled reports whether any bound is set.
func (c RateLimitConfig) Enabled() bool {
	return c.RunsPerMinute > 0 || c.RunsPerHour > 0 || c.RecordsPerDay > 0
}

// RateLimiter throttles run submissions per client address.
type RateLimiter struct {
	mu      sync.Mutex
	limits  RateLimitConfig
	now     func() time.Time
	clients map[string]*clientUsage
}

// clientUsage tracks submissions of one client.
type clientUsage struct {
	runsLastMinute int
	runsLastHour   int
	recordsToday   int

	minuteStart time.Time
	hourStart   time.Time
	dayStart    time.Time
}

// NewRateLimiter creates a limiter with the given bounds.
func NewRateLimiter(limits RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limits:  limits,
		now:     time.Now,
		clients: make(map[string]*clientUsage),
	}
}

// Allow admits a run of the given number of records from clientID, or
// returns a *RateLimitError or *QuotaExceededError.
func (rl *RateLimiter) Allow(clientID string, records int) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	usage, ok := rl.clients[clientID]
	if !ok {
		usage = &clientUsage{minuteStart: now, hourStart: now, dayStart: startOfDay(now)}
		rl.clients[clientID] = usage
	}
	usage.roll(now)

	if rl.limits.RunsPerMinute > 0 && usage.runsLastMinute >= rl.limits.RunsPerMinute {
		return &RateLimitError{
			Type:       "minute",
			Limit:      rl.limits.RunsPerMinute,
			RetryAfter: usage.minuteStart.Add(time.Minute).Sub(now),
		}
	}
	if rl.limits.RunsPerHour > 0 && usage.runsLastHour >= rl.limits.RunsPerHour {
		return &RateLimitError{
			Type:       "hour",
			Limit:      rl.limits.RunsPerHour,
			RetryAfter: usage.hourStart.Add(time.Hour).Sub(now),
		}
	}
	if rl.limits.RecordsPerDay > 0 && usage.recordsToday+records > rl.limits.RecordsPerDay {
		return &QuotaExceededError{
			Type:   "records",
			Limit:  rl.limits.RecordsPerDay,
			Used:   usage.recordsToday,
			Resets: usage.dayStart.AddDate(0, 0, 1),
		}
	}

	usage.runsLastMinute++
	usage.runsLastHour++
	usage.recordsToday += records
	return nil
}

// roll resets the windows that have elapsed.
func (u *clientUsage) roll(now time.Time) {
	if now.Sub(u.minuteStart) >= time.Minute {
		u.runsLastMinute = 0
		u.minuteStart = now
	}
	if now.Sub(u.hourStart) >= time.Hour {
		u.runsLastHour = 0
		u.hourStart = now
	}
	if day := startOfDay(now); day.After(u.dayStart) {
		u.recordsToday = 0
		u.dayStart = day
	}
}

// RecordsToday returns the records admitted for clientID since midnight.
func (rl *RateLimiter) RecordsToday(clientID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if usage, ok := rl.clients[clientID]; ok {
		return usage.recordsToday
	}
	return 0
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// RateLimitError represents a rate limit violation.
type RateLimitError struct {
	Type       string        // "minute" or "hour"
	Limit      int           // the limit that was exceeded
	RetryAfter time.Duration // how long to wait before retrying
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit: %d runs, retry after: %v)", e.Type, e.Limit, e.RetryAfter)
}

// QuotaExceededError represents a daily record quota violation.
type QuotaExceededError struct {
	Type   string
	Limit  int
	Used   int
	Resets time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (used: %d, limit: %d, resets: %s)",
		e.Type, e.Used, e.Limit, e.Resets.Format(time.RFC3339))
}
