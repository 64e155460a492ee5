package stream

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultJitter         = 0.2
)

// Backoff yields reconnect delays: doubling from initial up to max, each randomized by ±jitter.
// The jittered delay never exceeds max.
type Backoff struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

// NewBackoff builds a reconnect backoff. Zero values select the defaults; a negative jitter disables randomization.
func NewBackoff(initial, max time.Duration, jitter float64) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max < initial {
		max = DefaultMaxBackoff
		if max < initial {
			max = initial
		}
	}
	switch {
	case jitter < 0:
		jitter = 0
	case jitter == 0:
		jitter = DefaultJitter
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.MaxInterval = max
	b.RandomizationFactor = jitter
	b.Reset()
	return &Backoff{b: b}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return min(b.b.NextBackOff(), b.b.MaxInterval)
}

// Reset returns the schedule to the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b.Reset()
}

// Initial reports the base delay.
func (b *Backoff) Initial() time.Duration { return b.b.InitialInterval }

// Jitter reports the randomization factor.
func (b *Backoff) Jitter() float64 { return b.b.RandomizationFactor }
