package testutil

import (
	"context"
	"sync"

	"github.com/poemux/poemux/core"
)

// outcome is one scripted upstream response. Exactly one of the fields
// drives the behavior; Err wins over content.
type outcome struct {
	err        error
	result     *core.QueryResult
	fragments  []core.Fragment
	disconnect bool // close channels without a terminal fragment
}

// FakeUpstream implements core.UpstreamClient with a scripted outcome queue.
// Outcomes are consumed in order; the last one repeats once the queue is
// spent. Example:
//
//	fu := NewFakeUpstream().
//	    FailWith(&core.UpstreamError{Category: core.CategoryUnavailable}).
//	    Reply("recovered")
//
// Safe for concurrent use.
type FakeUpstream struct {
	mu       sync.Mutex
	name     string
	script   []outcome
	calls    int
	requests []core.QueryRequest
}

var _ core.UpstreamClient = (*FakeUpstream)(nil)

// NewFakeUpstream creates an empty fake with provider name "fake".
func NewFakeUpstream() *FakeUpstream { return &FakeUpstream{name: "fake"} }

// Named sets the provider name (chainable).
func (f *FakeUpstream) Named(name string) *FakeUpstream {
	f.name = name
	return f
}

// Reply enqueues a successful exchange with the given text (chainable).
func (f *FakeUpstream) Reply(text string) *FakeUpstream {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcome{result: &core.QueryResult{
		Text:  text,
		Model: "fake-model",
		Usage: &core.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}})
	return f
}

// FailWith enqueues a failed exchange returning err (chainable).
func (f *FakeUpstream) FailWith(err error) *FakeUpstream {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcome{err: err})
	return f
}

// ReplyFragments enqueues a streamed exchange emitting the given fragments
// in order (chainable). Include a Finished fragment for a clean stream.
func (f *FakeUpstream) ReplyFragments(frags ...core.Fragment) *FakeUpstream {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcome{fragments: frags})
	return f
}

// DisconnectAfter enqueues a streamed exchange that emits the given
// fragments and then closes both channels without a terminal fragment
// (chainable).
func (f *FakeUpstream) DisconnectAfter(frags ...core.Fragment) *FakeUpstream {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcome{fragments: frags, disconnect: true})
	return f
}

// Calls reports how many exchanges were issued.
func (f *FakeUpstream) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Requests returns a copy of every request seen, in order.
func (f *FakeUpstream) Requests() []core.QueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.QueryRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Provider implements core.UpstreamClient.
func (f *FakeUpstream) Provider() string { return f.name }

func (f *FakeUpstream) next(req core.QueryRequest) outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	i := f.calls
	f.calls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	if i < 0 {
		return outcome{result: &core.QueryResult{Text: "", Model: "fake-model"}}
	}
	return f.script[i]
}

// Query implements core.UpstreamClient.
func (f *FakeUpstream) Query(_ context.Context, req core.QueryRequest) (*core.QueryResult, error) {
	o := f.next(req)
	if o.err != nil {
		return nil, o.err
	}
	if o.result != nil {
		return o.result, nil
	}
	// Streaming outcome consumed through Query: flatten the fragments.
	var text string
	for _, fr := range o.fragments {
		text += fr.Text
	}
	return &core.QueryResult{Text: text, Model: "fake-model"}, nil
}

// QueryStream implements core.UpstreamClient.
func (f *FakeUpstream) QueryStream(_ context.Context, req core.QueryRequest) (<-chan core.Fragment, <-chan error) {
	o := f.next(req)
	out := make(chan core.Fragment, len(o.fragments)+1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if o.err != nil {
			errCh <- o.err
			return
		}
		if o.result != nil {
			out <- core.Fragment{Index: req.Offset, Text: o.result.Text}
			out <- core.Fragment{Index: req.Offset + 1, Finished: true, Usage: o.result.Usage}
			return
		}
		for _, fr := range o.fragments {
			out <- fr
		}
	}()

	return out, errCh
}
