package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/logging"
)

// Priority orders queued admissions. Lower values are served first; within a
// level the queue is FIFO. Strict priority prevents low-priority bulk work
// from starving interactive queries while not allowing priority inversion.
type Priority int

const (
	// PriorityHigh is for interactive caller-facing queries.
	PriorityHigh Priority = iota
	// PriorityNormal is the default level.
	PriorityNormal
	// PriorityLow is for bulk or background operations.
	PriorityLow

	numPriorities = 3
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a request string onto a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Default circuit breaker parameters.
const (
	DefaultRPM              = 500
	DefaultFailureThreshold = 5
	DefaultCooldown         = 10 * time.Second
	DefaultMaxCooldown      = 2 * time.Minute
)

// Options configure the Limiter.
type Options struct {
	// RPM is the upstream requests-per-minute ceiling.
	RPM int
	// Burst caps the token bucket; defaults to one minute's allowance (RPM).
	Burst int
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// Cooldown is the initial open duration before a half-open probe.
	Cooldown time.Duration
	// MaxCooldown bounds the growth of the reopen delay.
	MaxCooldown time.Duration
	// Logger receives admission and circuit transitions.
	Logger logging.Logger
}

// Permit proves an admission. Tokens are charged on issuance and never
// refunded, matching upstream accounting.
type Permit struct {
	IssuedAt time.Time
	Priority Priority
}

// waiter represents one caller blocked in the admission queue. ready is
// closed exactly once, either with a token granted (err nil) or with a
// terminal admission error.
type waiter struct {
	ready     chan struct{}
	err       error
	cancelled bool
	probe     bool
}

// Limiter is the per-endpoint admission state: token bucket, priority queue
// and circuit breaker behind a single mutex. The bucket starts empty, so a
// fresh limiter paces admissions from the very first request.
type Limiter struct {
	mu           sync.Mutex
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefill   time.Time
	notBefore    time.Time // retry-after floor for the next issuance
	queues       [numPriorities][]*waiter
	timer        *time.Timer

	state         circuitState
	failures      int
	threshold     int
	cooldown      time.Duration
	baseCooldown  time.Duration
	maxCooldown   time.Duration
	openUntil     time.Time
	probeInFlight bool

	logger logging.Logger
	now    func() time.Time
}

// New constructs a Limiter with optional overrides.
func New(optFns ...func(o *Options)) *Limiter {
	opts := Options{
		RPM:              DefaultRPM,
		FailureThreshold: DefaultFailureThreshold,
		Cooldown:         DefaultCooldown,
		MaxCooldown:      DefaultMaxCooldown,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.RPM
	}
	now := time.Now()
	return &Limiter{
		capacity:     float64(opts.Burst),
		refillPerSec: float64(opts.RPM) / 60.0,
		lastRefill:   now,
		threshold:    opts.FailureThreshold,
		cooldown:     opts.Cooldown,
		baseCooldown: opts.Cooldown,
		maxCooldown:  opts.MaxCooldown,
		logger:       opts.Logger,
		now:          time.Now,
	}
}

// Admit blocks until a token is available at the caller's priority level, or
// fails fast with *core.CircuitOpenError while the circuit is open (the
// request is never enqueued in that case). Cancellation while queued returns
// ctx.Err(); an already-issued token is not refunded.
func (l *Limiter) Admit(ctx context.Context, pri Priority) (*Permit, error) {
	l.mu.Lock()
	now := l.now()
	probe, err := l.circuitCheckLocked(now)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.refillLocked(now)
	if l.queueEmptyLocked() && l.tokens >= 1 && !now.Before(l.notBefore) {
		l.tokens--
		l.mu.Unlock()
		return &Permit{IssuedAt: now, Priority: pri}, nil
	}
	w := &waiter{ready: make(chan struct{}), probe: probe}
	l.queues[pri] = append(l.queues[pri], w)
	l.scheduleLocked(now)
	l.mu.Unlock()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return &Permit{IssuedAt: l.now(), Priority: pri}, nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Token already charged; consumption stands.
			l.mu.Unlock()
		default:
			w.cancelled = true
			if w.probe {
				l.probeInFlight = false
			}
			l.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// ReportSuccess feeds a successful upstream call back into the breaker. A
// half-open probe success closes the circuit and resets the failure counter
// and reopen delay.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
	if l.state == circuitHalfOpen {
		l.state = circuitClosed
		l.cooldown = l.baseCooldown
		l.probeInFlight = false
		l.logger.Info("circuit closed after successful probe")
	}
}

// ReportFailure feeds a failed upstream call back into the breaker. A probe
// failure reopens the circuit with a grown (capped) cooldown; in the closed
// state the circuit opens once the consecutive-failure threshold is reached.
func (l *Limiter) ReportFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.failures++
	switch l.state {
	case circuitHalfOpen:
		l.cooldown = minDuration(l.cooldown*2, l.maxCooldown)
		l.openLocked(now)
	case circuitClosed:
		if l.failures >= l.threshold {
			l.openLocked(now)
		}
	}
}

// SetRetryAfter honors an explicit upstream throttle signal: no token is
// issued before now+d. A longer signaled duration overrides any shorter
// computed wait; a shorter one is ignored.
func (l *Limiter) SetRetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if nb := now.Add(d); nb.After(l.notBefore) {
		l.notBefore = nb
		l.logger.Warn("honoring upstream retry-after", "wait", d.String())
		if !l.queueEmptyLocked() {
			l.scheduleLocked(now)
		}
	}
}

// State returns the circuit state as a string (closed, open, half-open).
func (l *Limiter) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.String()
}

// QueueLen returns the number of callers currently waiting for admission.
func (l *Limiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range l.queues {
		for _, w := range l.queues[i] {
			if !w.cancelled {
				n++
			}
		}
	}
	return n
}

// circuitCheckLocked gates admission on the circuit state. It returns
// probe=true when the caller is elected as the single half-open probe.
func (l *Limiter) circuitCheckLocked(now time.Time) (probe bool, err error) {
	switch l.state {
	case circuitClosed:
		return false, nil
	case circuitOpen:
		if now.Before(l.openUntil) {
			return false, &core.CircuitOpenError{Until: l.openUntil}
		}
		l.state = circuitHalfOpen
		l.probeInFlight = false
		l.logger.Info("circuit half-open, admitting probe")
	}
	// half-open: exactly one probe per cooldown period
	if l.probeInFlight {
		return false, &core.CircuitOpenError{Until: l.openUntil}
	}
	l.probeInFlight = true
	return true, nil
}

// openLocked transitions to the open state and drains queued waiters with a
// fail-fast CircuitOpenError: waiting out an outage helps nobody.
func (l *Limiter) openLocked(now time.Time) {
	l.state = circuitOpen
	l.openUntil = now.Add(l.cooldown)
	l.probeInFlight = false
	l.logger.Warn("circuit opened", "failures", l.failures, "cooldown", l.cooldown.String())
	for i := range l.queues {
		for _, w := range l.queues[i] {
			if !w.cancelled {
				w.err = &core.CircuitOpenError{Until: l.openUntil}
				close(w.ready)
			}
		}
		l.queues[i] = nil
	}
}

// refillLocked accrues tokens continuously at rpm/60 per second up to the
// bucket capacity.
func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.refillPerSec
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = now
}

func (l *Limiter) queueEmptyLocked() bool {
	for i := range l.queues {
		for _, w := range l.queues[i] {
			if !w.cancelled {
				return false
			}
		}
	}
	return true
}

// nextWaiterLocked returns the frontmost live waiter in strict priority
// order, pruning cancelled entries as it goes.
func (l *Limiter) nextWaiterLocked() *waiter {
	for i := range l.queues {
		q := l.queues[i]
		for len(q) > 0 && q[0].cancelled {
			q = q[1:]
		}
		l.queues[i] = q
		if len(q) > 0 {
			return q[0]
		}
	}
	return nil
}

// dispense grants tokens to queued waiters until the bucket or the queue is
// exhausted, then schedules its next run.
func (l *Limiter) dispense() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.refillLocked(now)
	for {
		w := l.nextWaiterLocked()
		if w == nil {
			return
		}
		if l.tokens < 1 || now.Before(l.notBefore) {
			l.scheduleLocked(now)
			return
		}
		l.tokens--
		l.queues[l.priorityOfLocked(w)] = l.queues[l.priorityOfLocked(w)][1:]
		close(w.ready)
	}
}

// priorityOfLocked finds the level whose head is w. nextWaiterLocked has
// already pruned cancelled heads, so a linear scan over three levels is enough.
func (l *Limiter) priorityOfLocked(w *waiter) Priority {
	for i := range l.queues {
		if len(l.queues[i]) > 0 && l.queues[i][0] == w {
			return Priority(i)
		}
	}
	return PriorityLow
}

// scheduleLocked arms the wakeup timer for the instant the next token (or
// the retry-after floor) becomes available.
func (l *Limiter) scheduleLocked(now time.Time) {
	wait := time.Duration(0)
	if l.tokens < 1 {
		need := 1 - l.tokens
		wait = time.Duration(need / l.refillPerSec * float64(time.Second))
	}
	if nb := l.notBefore.Sub(now); nb > wait {
		wait = nb
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	if l.timer == nil {
		l.timer = time.AfterFunc(wait, l.dispense)
		return
	}
	l.timer.Reset(wait)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
