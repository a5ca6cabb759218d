// Package stream reassembles incrementally delivered response fragments into
// coherent output. Fragments are applied strictly in index order; duplicates
// are dropped with a warning, gaps are held for a bounded time and then
// surfaced as a visible failure carrying the partial content. Silent
// truncation is treated as worse than a visible error.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/logging"
)

// DefaultMaxHold bounds how long a fragment gap may stay unfilled before the
// aggregator gives up.
const DefaultMaxHold = 10 * time.Second

// Options configure the Aggregator.
type Options struct {
	// MaxHold is the maximum time to wait for the next in-order fragment
	// once progress has stalled.
	MaxHold time.Duration
	// Offset is the first expected fragment index (non-zero when resuming a
	// disconnected stream).
	Offset int
	// OnDelta, when set, is invoked for every fragment as it is applied in
	// order. Used to relay deltas to the caller while aggregating.
	OnDelta func(core.Fragment)
	// Logger receives duplicate/out-of-order warnings.
	Logger logging.Logger
}

// Result is the aggregated output of a stream.
type Result struct {
	Text string
	// Partial marks output from a stream that ended without its terminal
	// signal. Never set silently: a partial result always travels with the
	// error describing why the stream ended early.
	Partial bool
	// LastOffset is the lowest unconsumed fragment index, usable to resume
	// when the upstream supports it.
	LastOffset int
	Usage      *core.Usage
}

// Aggregator consumes one stream of fragments. It is single-use: create one
// per streamed call.
type Aggregator struct {
	next     int
	buf      strings.Builder
	pending  map[int]core.Fragment
	finished bool
	maxHold  time.Duration
	onDelta  func(core.Fragment)
	usage    *core.Usage
	logger   logging.Logger
}

// New constructs an Aggregator with optional overrides.
func New(optFns ...func(o *Options)) *Aggregator {
	opts := Options{MaxHold: DefaultMaxHold, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = DefaultMaxHold
	}
	return &Aggregator{
		next:    opts.Offset,
		pending: make(map[int]core.Fragment),
		maxHold: opts.MaxHold,
		onDelta: opts.OnDelta,
		logger:  opts.Logger,
	}
}

// Consume drains the fragment channel until the terminal signal, an error,
// a disconnect or an unfilled gap. On success the result carries the full
// text. On gap timeout it returns the partial result together with a
// *core.StreamGapError; on channel closure before the terminal signal it
// returns the partial result with Partial=true and a
// *core.StreamDisconnectedError. A disconnect observed while a gap timer is
// pending is authoritative: the partial content is emitted immediately.
func (a *Aggregator) Consume(ctx context.Context, fragments <-chan core.Fragment, errs <-chan error) (*Result, error) {
	hold := time.NewTimer(a.maxHold)
	defer hold.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.partialResult(), ctx.Err()

		case f, ok := <-fragments:
			if !ok {
				return a.disconnect()
			}
			done := a.apply(f)
			if done {
				return a.finalResult(), nil
			}
			// progress (or a buffered out-of-order fragment) restarts the clock
			if !hold.Stop() {
				<-hold.C
			}
			hold.Reset(a.maxHold)

		case err, ok := <-errs:
			if !ok {
				errs = nil // closed; rely on the fragment channel for termination
				continue
			}
			if err == nil {
				continue
			}
			// Upstream reported a failure mid-stream; whatever arrived stays
			// available to the caller.
			return a.partialResult(), err

		case <-hold.C:
			// The gap never filled. Check for a concurrent disconnect first:
			// it wins over the timer.
			select {
			case f, ok := <-fragments:
				if !ok {
					return a.disconnect()
				}
				if a.apply(f) {
					return a.finalResult(), nil
				}
				hold.Reset(a.maxHold)
				continue
			default:
			}
			res := a.partialResult()
			return res, &core.StreamGapError{Expected: a.next, Partial: res.Text}
		}
	}
}

// apply folds one fragment into the buffer, returning true when the stream
// has finished. Out-of-order fragments are held; duplicates and post-finish
// fragments are dropped with a warning.
func (a *Aggregator) apply(f core.Fragment) bool {
	if a.finished {
		a.logger.Warn("fragment after terminal signal rejected", "index", f.Index)
		return true
	}
	switch {
	case f.Index < a.next:
		a.logger.Warn("duplicate fragment dropped", "index", f.Index, "expected", a.next)
		return false
	case f.Index > a.next:
		if _, dup := a.pending[f.Index]; dup {
			a.logger.Warn("duplicate held fragment dropped", "index", f.Index)
			return false
		}
		a.pending[f.Index] = f
		return false
	}

	a.consume(f)
	// drain any held fragments that are now in order
	for {
		nf, ok := a.pending[a.next]
		if !ok {
			break
		}
		delete(a.pending, nf.Index)
		a.consume(nf)
	}
	return a.finished
}

func (a *Aggregator) consume(f core.Fragment) {
	a.buf.WriteString(f.Text)
	a.next = f.Index + 1
	if f.Usage != nil {
		a.usage = f.Usage
	}
	if a.onDelta != nil {
		a.onDelta(f)
	}
	if f.Finished {
		a.finished = true
	}
}

func (a *Aggregator) disconnect() (*Result, error) {
	if a.finished {
		return a.finalResult(), nil
	}
	res := a.partialResult()
	return res, &core.StreamDisconnectedError{Partial: res.Text, LastOffset: a.next}
}

func (a *Aggregator) finalResult() *Result {
	return &Result{Text: a.buf.String(), LastOffset: a.next, Usage: a.usage}
}

func (a *Aggregator) partialResult() *Result {
	return &Result{Text: a.buf.String(), Partial: true, LastOffset: a.next, Usage: a.usage}
}
