// Package retry provides the exponential backoff used when a connection or
// socket has to be re-established.
package retry

import (
	"context"
	"time"
)

const (
	DefaultInitial = 100 * time.Millisecond
	DefaultMax     = 10 * time.Second
)

// Backoff doubles its delay after every failed attempt, up to Max. It is not
// safe for concurrent use; each supervised connection owns one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

func New(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if max < initial {
		max = DefaultMax
		if max < initial {
			max = initial
		}
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay before the next attempt and counts the attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Initial << b.attempt
	if d <= 0 || d > b.Max {
		d = b.Max
	} else {
		b.attempt++
	}
	return d
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset starts over from Initial after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait sleeps for the next delay. It returns false if ctx ended first.
func (b *Backoff) Wait(ctx context.Context) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
