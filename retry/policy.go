// Package retry decides whether and how a failed upstream call is reissued.
// It is the single place that interprets error classifications: the
// dispatcher reports each failure here and acts on the returned decision,
// keeping retry control flow out of the transport and admission layers.
package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/ratelimit"
)

// DefaultMaxRetries bounds retryable reissues per call chain.
const DefaultMaxRetries = 5

// Class is the retry-relevant classification of a failure.
type Class int

const (
	// ClassFatal marks failures that must never be retried (invalid
	// credentials, malformed or rejected requests, caller errors).
	ClassFatal Class = iota
	// ClassRetryable marks transient failures (unavailability, timeout,
	// explicit throttle) retried with backoff up to the maximum.
	ClassRetryable
	// ClassProtocolMismatch marks rejection of an optional model feature,
	// retried exactly once with the feature disabled.
	ClassProtocolMismatch
)

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassProtocolMismatch:
		return "protocol_mismatch"
	default:
		return "fatal"
	}
}

// Classify maps an error onto its retry class using the core taxonomy.
func Classify(err error) Class {
	switch core.CategoryOf(err) {
	case core.CategoryThrottled, core.CategoryUnavailable, core.CategoryTimeout:
		return ClassRetryable
	case core.CategoryProtocolMismatch:
		return ClassProtocolMismatch
	default:
		return ClassFatal
	}
}

// State names the call chain's position in the retry state machine.
type State int

const (
	// StateAttempting is the in-flight state.
	StateAttempting State = iota
	// StateRetrying instructs the dispatcher to reissue after Decision.Delay.
	StateRetrying
	// StateExhausted means MaxRetries was reached; the last error is surfaced.
	StateExhausted
	// StateFatal means the failure class forbids any retry.
	StateFatal
)

// Attempt records one failed attempt for diagnostics.
type Attempt struct {
	Number int           `json:"number"`
	Class  string        `json:"class"`
	Delay  time.Duration `json:"delay"`
	Err    string        `json:"error"`
}

// Context tracks one call chain from first issue to terminal outcome. It is
// created per call and discarded when the chain ends; it is not safe for
// concurrent use (a chain is driven by a single worker).
type Context struct {
	MaxAttempts     int
	Attempt         int
	NextDelay       time.Duration
	LastClass       Class
	FallbackApplied bool
	History         []Attempt
}

// Decision tells the dispatcher what to do with a failed call.
type Decision struct {
	State State
	// Delay to wait before the next attempt (zero for the protocol fallback,
	// which retries immediately).
	Delay time.Duration
	// DisableThinking instructs the dispatcher to reissue with the optional
	// extended reasoning feature removed.
	DisableThinking bool
}

// Policy holds the chain-independent retry configuration.
type Policy struct {
	MaxRetries int
	Backoff    *ratelimit.Backoff
}

// NewPolicy constructs a Policy with defaults filled in.
func NewPolicy(maxRetries int, backoff *ratelimit.Backoff) *Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if backoff == nil {
		backoff = ratelimit.NewBackoff(0, 0)
	}
	return &Policy{MaxRetries: maxRetries, Backoff: backoff}
}

// NewContext starts a fresh call chain under this policy.
func (p *Policy) NewContext() *Context {
	return &Context{MaxAttempts: p.MaxRetries}
}

// Next interprets a failure and advances the chain. The throttle retry-after
// signal, when longer than the computed backoff, becomes the delay; the
// limiter additionally enforces it as an admission floor.
func (p *Policy) Next(rc *Context, err error) Decision {
	class := Classify(err)
	rc.LastClass = class

	switch class {
	case ClassFatal:
		rc.record(class, 0, err)
		return Decision{State: StateFatal}

	case ClassProtocolMismatch:
		if rc.FallbackApplied {
			// The downgraded request was rejected too; alternating forever
			// helps nobody.
			rc.record(class, 0, err)
			return Decision{State: StateFatal}
		}
		rc.FallbackApplied = true
		rc.record(class, 0, err)
		return Decision{State: StateRetrying, DisableThinking: true}

	default: // ClassRetryable
		rc.Attempt++
		if rc.Attempt > rc.MaxAttempts {
			rc.record(class, 0, err)
			return Decision{State: StateExhausted}
		}
		delay := p.Backoff.Delay(rc.Attempt - 1)
		if ra := core.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		rc.NextDelay = delay
		rc.record(class, delay, err)
		return Decision{State: StateRetrying, Delay: delay}
	}
}

func (rc *Context) record(class Class, delay time.Duration, err error) {
	rc.History = append(rc.History, Attempt{
		Number: len(rc.History) + 1,
		Class:  class.String(),
		Delay:  delay,
		Err:    err.Error(),
	})
}

// ExhaustedError surfaces the terminal upstream error annotated with the
// full attempt history so the caller can decide whether to retry at a
// higher level.
type ExhaustedError struct {
	Attempts  int
	LastDelay time.Duration
	LastErr   error
	History   []Attempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
	return sb.String()
}

// Unwrap exposes the terminal upstream error for classification.
func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// NewExhaustedError builds the terminal error for a spent chain.
func NewExhaustedError(rc *Context, last error) *ExhaustedError {
	return &ExhaustedError{Attempts: rc.Attempt, LastDelay: rc.NextDelay, LastErr: last, History: rc.History}
}
