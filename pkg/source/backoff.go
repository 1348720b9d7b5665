package source

import "time"

// Backoff tracks a continuous failure streak against a duration budget.
// The minimum duration is the floor between retries once a streak is under
// way; the maximum duration is the wall-clock window after which the streak
// is declared permanent.
type Backoff struct {
	minDuration time.Duration
	maxDuration time.Duration

	failures    int
	streakStart time.Time
}

// NewBackoff creates a backoff tracker with the given error-duration budget.
func NewBackoff(minDuration, maxDuration time.Duration) *Backoff {
	return &Backoff{
		minDuration: minDuration,
		maxDuration: maxDuration,
	}
}

// Failure records a failed attempt at the given time and reports whether the
// failure streak has exhausted the maximum error duration. The first failure
// of a streak only starts the clock; a streak can never be exhausted before
// the minimum error duration has elapsed since it began.
func (b *Backoff) Failure(now time.Time) bool {
	if b.failures == 0 {
		b.streakStart = now
	}
	b.failures++

	elapsed := now.Sub(b.streakStart)
	return elapsed >= b.maxDuration && elapsed >= b.minDuration && b.failures > 1
}

// Success resets the failure streak.
func (b *Backoff) Success() {
	b.failures = 0
	b.streakStart = time.Time{}
}

// Delay returns how long to wait before the next attempt. The first retry of
// a streak is immediate; later retries wait at least the minimum error
// duration, doubling per attempt, capped at the maximum error duration.
func (b *Backoff) Delay() time.Duration {
	if b.failures <= 1 {
		return 0
	}

	delay := b.minDuration
	for i := 2; i < b.failures; i++ {
		delay *= 2
		if delay >= b.maxDuration {
			return b.maxDuration
		}
	}
	if delay > b.maxDuration {
		return b.maxDuration
	}
	return delay
}

// Failures returns the length of the current failure streak.
func (b *Backoff) Failures() int {
	return b.failures
}
