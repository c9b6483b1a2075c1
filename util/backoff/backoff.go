package backoff

import (
	"context"
	"time"
)

// DefaultMaxShift caps the exponent so delays stop growing at 2<<12 units.
const DefaultMaxShift = 12

// Backoff computes reconnect delays of (2 << attempts) * unit, with attempts
// capped at maxShift. It is not safe for concurrent use; each supervisor owns one.
type Backoff struct {
	unit     time.Duration
	maxShift int
	attempts int
}

// New creates a Backoff. unit is the base time unit (1ms for reconnects),
// maxShift the attempt ceiling.
func New(unit time.Duration, maxShift int) *Backoff {
	if unit <= 0 {
		unit = time.Millisecond
	}
	if maxShift <= 0 {
		maxShift = DefaultMaxShift
	}
	return &Backoff{
		unit:     unit,
		maxShift: maxShift,
	}
}

// Next increments the attempt counter (up to the cap) and returns the delay for it.
func (b *Backoff) Next() time.Duration {
	if b.attempts < b.maxShift {
		b.attempts++
	}
	return b.CurrentDelay()
}

// Wait waits for the next backoff duration, respecting context cancellation.
// Returns nil if the wait completed successfully, or ctx.Err() if the context was cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset sets the attempt counter back to zero after a successful connect.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt counter.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// CurrentDelay returns the delay for the current attempt counter.
func (b *Backoff) CurrentDelay() time.Duration {
	return time.Duration(2<<uint(b.attempts)) * b.unit
}
