package worker

import (
	"math"
	"time"
)

// Backoff is the linear error backoff of the poll loop. It is owned by a
// single scheduler goroutine and is not safe for concurrent use.
type Backoff struct {
	floor     time.Duration
	increment time.Duration
	max       time.Duration // 0 = uncapped
	current   time.Duration
}

// NewBackoff returns a Backoff starting at floor. A zero maxDelay leaves growth
// uncapped apart from saturating at the largest Duration.
func NewBackoff(floor, increment, maxDelay time.Duration) *Backoff {
	return &Backoff{floor: floor, increment: increment, max: maxDelay, current: floor}
}

// Next returns the sleep for this error and escalates the following one by
// the increment.
func (b *Backoff) Next() time.Duration {
	d := b.current
	if b.current > math.MaxInt64-b.increment {
		b.current = math.MaxInt64
	} else {
		b.current += b.increment
	}
	if b.max > 0 && b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the backoff to its floor.
func (b *Backoff) Reset() { b.current = b.floor }

// Current is the sleep the next error would produce.
func (b *Backoff) Current() time.Duration { return b.current }
