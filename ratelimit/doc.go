// Package ratelimit implements admission control for the single upstream
// account: a continuously refilled token bucket, a strict-priority FIFO
// queue for callers waiting on tokens, exponential backoff with jitter for
// retry pacing, and a circuit breaker that fails fast against a persistently
// failing endpoint.
//
// Correctness of the token count and circuit state depends on a single
// serialization point, so one mutex guards the whole admission state.
package ratelimit
