package ratelimit

import (
	"math/rand"
	"sync"
	"time"
)

// Default pacing constants, matching the upstream account limits.
const (
	DefaultBaseWait   = 250 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// Backoff computes retry delays: base * 2^attempt capped at Max, plus
// uniform random jitter in [0, delay] so concurrent callers do not retry in
// lockstep. The zero attempt yields the base delay. Safe for concurrent use.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff constructs a Backoff with the given base and cap, falling back
// to the package defaults when zero.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseWait
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	return &Backoff{Base: base, Max: max, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Delay returns the jittered delay for the given zero-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.delay(attempt)
	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(d) + 1))
	b.mu.Unlock()
	return d + jitter
}

// delay returns the deterministic (jitter-free) delay for an attempt. The
// sequence is non-decreasing and doubles until it reaches the cap.
func (b *Backoff) delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
