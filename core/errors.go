package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCategory names one class of pipeline failure. The category, not the
// concrete error type, drives the retry policy's Fatal / Retryable /
// ProtocolMismatch decision.
type ErrorCategory string

const (
	// CategoryAuthentication marks invalid or missing upstream credentials. Never retried.
	CategoryAuthentication ErrorCategory = "authentication"
	// CategoryInvalidRequest marks a malformed or rejected request. Never retried.
	CategoryInvalidRequest ErrorCategory = "invalid_request"
	// CategoryThrottled marks an explicit "too many requests" signal, optionally
	// carrying a retry-after duration that the rate limiter must honor.
	CategoryThrottled ErrorCategory = "throttled"
	// CategoryUnavailable marks transient upstream unavailability (5xx, connection refused).
	CategoryUnavailable ErrorCategory = "unavailable"
	// CategoryTimeout marks a deadline expiry while queued or in flight.
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryProtocolMismatch marks rejection of an optional model feature
	// (extended thinking); retried exactly once with the feature disabled.
	CategoryProtocolMismatch ErrorCategory = "protocol_mismatch"
	// CategoryCircuitOpen marks a fail-fast rejection by the circuit breaker.
	CategoryCircuitOpen ErrorCategory = "circuit_open"
	// CategorySessionNotFound marks a caller error referencing an unknown session.
	CategorySessionNotFound ErrorCategory = "session_not_found"
	// CategoryStreamGap marks an unfilled fragment gap during streaming.
	CategoryStreamGap ErrorCategory = "stream_gap"
	// CategoryStreamDisconnected marks channel closure before the terminal signal.
	CategoryStreamDisconnected ErrorCategory = "stream_disconnected"
	// CategoryInternal marks everything the pipeline cannot attribute upstream.
	CategoryInternal ErrorCategory = "internal"
)

// ErrSessionNotFound is returned when an operation references a session
// identifier unknown to the store (never created, cleared or swept).
var ErrSessionNotFound = errors.New("session not found")

// UpstreamError is the structured error shape consumed from the remote model
// API: a numeric code, a category string driving classification and a
// human-readable message. RetryAfter is only meaningful for throttle errors.
type UpstreamError struct {
	Code       int
	Category   ErrorCategory
	Message    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error [%d/%s]: %s", e.Code, e.Category, e.Message)
}

// CircuitOpenError is returned by admission when the circuit breaker is
// open. The request is never enqueued; Until tells the caller when the next
// half-open probe becomes possible.
type CircuitOpenError struct {
	Until time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open until %s", e.Until.Format(time.RFC3339))
}

// StreamGapError reports a fragment gap that was not filled within the
// maximum hold time. Partial carries everything aggregated before the gap:
// a visible failure with content beats silent truncation.
type StreamGapError struct {
	Expected int    // lowest unconsumed fragment index
	Partial  string // content aggregated before the gap
}

// Error implements the error interface.
func (e *StreamGapError) Error() string {
	return fmt.Sprintf("stream gap at fragment %d (%d bytes aggregated)", e.Expected, len(e.Partial))
}

// StreamDisconnectedError reports channel closure before the terminal
// signal. LastOffset supports resumption when the upstream allows it.
type StreamDisconnectedError struct {
	Partial    string
	LastOffset int
}

// Error implements the error interface.
func (e *StreamDisconnectedError) Error() string {
	return fmt.Sprintf("stream disconnected at fragment %d (%d bytes aggregated)", e.LastOffset, len(e.Partial))
}

// CategoryOf maps an error to its taxonomy category, unwrapping as needed.
// Unattributable errors fall into CategoryInternal.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Category
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return CategoryCircuitOpen
	}
	var sg *StreamGapError
	if errors.As(err, &sg) {
		return CategoryStreamGap
	}
	var sd *StreamDisconnectedError
	if errors.As(err, &sd) {
		return CategoryStreamDisconnected
	}
	if errors.Is(err, ErrSessionNotFound) {
		return CategorySessionNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryInternal
}

// RetryAfterOf extracts the throttle retry-after duration from an error
// chain, or zero when absent.
func RetryAfterOf(err error) time.Duration {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Category == CategoryThrottled {
		return ue.RetryAfter
	}
	return 0
}
