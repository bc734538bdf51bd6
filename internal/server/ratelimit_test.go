package server

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source for the limiter.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(limits RateLimitConfig) (*RateLimiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limits)
	rl.now = c.now
	return rl, c
}

func TestRateLimitConfig_Enabled(t *testing.T) {
	assert.False(t, RateLimitConfig{}.Enabled())
	assert.True(t, RateLimitConfig{RunsPerHour: 1}.Enabled())
	assert.True(t, RateLimitConfig{RecordsPerDay: 10}.Enabled())
}

func TestRateLimiter_NoLimits(t *testing.T) {
	rl, _ := newLimiter(RateLimitConfig{})

	for range 100 {
		require.NoError(t, rl.Allow("10.0.0.1", 50))
	}
	assert.Equal(t, 5000, rl.RecordsToday("10.0.0.1"))
}

func TestRateLimiter_RunsPerMinute(t *testing.T) {
	rl, c := newLimiter(RateLimitConfig{RunsPerMinute: 2})

	require.NoError(t, rl.Allow("a", 1))
	c.advance(10 * time.Second)
	require.NoError(t, rl.Allow("a", 1))

	err := rl.Allow("a", 1)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "minute", rle.Type)
	assert.Equal(t, 2, rle.Limit)
	assert.Equal(t, 50*time.Second, rle.RetryAfter)

	// Another client has its own window.
	require.NoError(t, rl.Allow("b", 1))

	c.advance(time.Minute)
	require.NoError(t, rl.Allow("a", 1))
}

func TestRateLimiter_RunsPerHour(t *testing.T) {
	rl, c := newLimiter(RateLimitConfig{RunsPerHour: 3})

	for range 3 {
		require.NoError(t, rl.Allow("a", 1))
		c.advance(5 * time.Minute)
	}

	err := rl.Allow("a", 1)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "hour", rle.Type)
	assert.Equal(t, 45*time.Minute, rle.RetryAfter)
}

func TestRateLimiter_RecordsPerDay(t *testing.T) {
	rl, c := newLimiter(RateLimitConfig{RecordsPerDay: 100})

	require.NoError(t, rl.Allow("a", 60))
	require.NoError(t, rl.Allow("a", 40))

	err := rl.Allow("a", 1)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "records", qe.Type)
	assert.Equal(t, 100, qe.Limit)
	assert.Equal(t, 100, qe.Used)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), qe.Resets)
	assert.Contains(t, qe.Error(), "used: 100, limit: 100")

	// A rejected submission is not counted.
	assert.Equal(t, 100, rl.RecordsToday("a"))

	c.advance(14 * time.Hour)
	require.NoError(t, rl.Allow("a", 100))
	assert.Equal(t, 100, rl.RecordsToday("a"))
}

func TestRateLimiter_RecordsToday_Unknown(t *testing.T) {
	rl, _ := newLimiter(RateLimitConfig{RecordsPerDay: 1})
	assert.Zero(t, rl.RecordsToday("nobody"))
}

func TestRateLimitError_Message(t *testing.T) {
	err := &RateLimitError{Type: "minute", Limit: 5, RetryAfter: 30 * time.Second}
	assert.Equal(t, "rate limit exceeded for minute (limit: 5 runs, retry after: 30s)", err.Error())
}
