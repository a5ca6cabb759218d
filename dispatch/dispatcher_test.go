package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/internal/testutil"
	"github.com/poemux/poemux/metrics"
	"github.com/poemux/poemux/ratelimit"
	"github.com/poemux/poemux/retry"
	"github.com/poemux/poemux/session"
	"github.com/poemux/poemux/upstream"
)

// newTestDispatcher wires a dispatcher around the fake with a permissive
// limiter and millisecond backoff so retry paths run fast.
func newTestDispatcher(fu *testutil.FakeUpstream, maxRetries int) (*Dispatcher, *session.InMemoryStore, *metrics.Collector) {
	store := session.NewInMemoryStore()
	collector := metrics.NewCollector()
	d := New(
		map[string]core.UpstreamClient{"fake": fu},
		func(o *Options) {
			o.Store = store
			o.Metrics = collector
			o.Limiter = ratelimit.New(func(lo *ratelimit.Options) {
				lo.RPM = 600_000
			})
			o.Policy = retry.NewPolicy(maxRetries, ratelimit.NewBackoff(time.Millisecond, 4*time.Millisecond))
			o.Resolve = func(string) (upstream.ModelInfo, error) {
				return upstream.ModelInfo{Name: "Fake-Model", Provider: "fake", UpstreamID: "fake-model"}, nil
			}
			o.MaxHold = 100 * time.Millisecond
		},
	)
	return d, store, collector
}

func TestAskSuccessAppendsSession(t *testing.T) {
	fu := testutil.NewFakeUpstream().Reply("hello there")
	d, store, collector := newTestDispatcher(fu, 2)

	res, err := d.Ask(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, 1, res.Attempts)
	require.NotEmpty(t, res.SessionID)

	sess := store.GetOrCreate(res.SessionID)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "hi", sess.Messages[0].Text())
	assert.Equal(t, "hello there", sess.Messages[1].Text())

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(0), snap.TotalErrors)
	assert.Equal(t, int64(30), snap.TotalTokens)
}

func TestAskContinuesConversation(t *testing.T) {
	fu := testutil.NewFakeUpstream().Reply("first").Reply("second")
	d, _, _ := newTestDispatcher(fu, 2)

	res1, err := d.Ask(context.Background(), Request{Prompt: "one"})
	require.NoError(t, err)
	res2, err := d.Ask(context.Background(), Request{SessionID: res1.SessionID, Prompt: "two"})
	require.NoError(t, err)
	assert.Equal(t, res1.SessionID, res2.SessionID)

	reqs := fu.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, "one", reqs[1].Messages[0].Text())
	assert.Equal(t, "first", reqs[1].Messages[1].Text())
	assert.Equal(t, "two", reqs[1].Messages[2].Text())
}

func TestAskRetriesTransientFailure(t *testing.T) {
	fu := testutil.NewFakeUpstream().
		FailWith(&core.UpstreamError{Code: 503, Category: core.CategoryUnavailable, Message: "overloaded"}).
		Reply("recovered")
	d, _, collector := newTestDispatcher(fu, 3)

	res, err := d.Ask(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, fu.Calls())

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(0), snap.TotalErrors)
}

func TestAskFatalNotRetried(t *testing.T) {
	fu := testutil.NewFakeUpstream().
		FailWith(&core.UpstreamError{Code: 401, Category: core.CategoryAuthentication, Message: "bad key"})
	d, _, collector := newTestDispatcher(fu, 3)

	_, err := d.Ask(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, core.CategoryAuthentication, core.CategoryOf(err))
	assert.Equal(t, 1, fu.Calls())

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.TotalErrors)
	assert.Equal(t, int64(1), snap.ErrorsByKind[core.CategoryAuthentication])
}

func TestAskExhaustsRetries(t *testing.T) {
	fu := testutil.NewFakeUpstream().
		FailWith(&core.UpstreamError{Code: 503, Category: core.CategoryUnavailable, Message: "down"})
	d, _, _ := newTestDispatcher(fu, 2)

	_, err := d.Ask(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, core.CategoryUnavailable, core.CategoryOf(err))
	// Initial attempt plus two retries.
	assert.Equal(t, 3, fu.Calls())
}

func TestAskThinkingFallback(t *testing.T) {
	fu := testutil.NewFakeUpstream().
		FailWith(&core.UpstreamError{Code: 400, Category: core.CategoryProtocolMismatch, Message: "thinking not supported"}).
		Reply("plain answer")
	d, _, _ := newTestDispatcher(fu, 3)

	res, err := d.Ask(context.Background(), Request{
		Prompt:   "hi",
		Thinking: &core.ThinkingConfig{BudgetTokens: 1024},
	})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", res.Text)

	reqs := fu.Requests()
	require.Len(t, reqs, 2)
	assert.NotNil(t, reqs[0].Thinking)
	assert.Nil(t, reqs[1].Thinking, "fallback reissues without the feature")
}

func TestAskUnknownModel(t *testing.T) {
	fu := testutil.NewFakeUpstream().Reply("never reached")
	store := session.NewInMemoryStore()
	d := New(
		map[string]core.UpstreamClient{"fake": fu},
		func(o *Options) {
			o.Store = store
		},
	)

	_, err := d.Ask(context.Background(), Request{Model: "No-Such-Model", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, core.CategoryInvalidRequest, core.CategoryOf(err))
	assert.Equal(t, 0, fu.Calls())
}

func TestAskStreamReassemblesInOrder(t *testing.T) {
	fu := testutil.NewFakeUpstream().ReplyFragments(
		core.Fragment{Index: 0, Text: "Hel"},
		core.Fragment{Index: 2, Text: "!"},
		core.Fragment{Index: 1, Text: "lo"},
		core.Fragment{Index: 3, Finished: true, Usage: &core.Usage{TotalTokens: 5}},
	)
	d, store, _ := newTestDispatcher(fu, 2)

	var deltas []string
	res, err := d.AskStream(context.Background(), Request{Prompt: "hi"}, func(f core.Fragment) {
		deltas = append(deltas, f.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.Text)
	assert.Equal(t, []string{"Hel", "lo", "!", ""}, deltas)

	sess := store.GetOrCreate(res.SessionID)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "Hello!", sess.Messages[1].Text())
}

func TestAskStreamDisconnectReturnsPartial(t *testing.T) {
	fu := testutil.NewFakeUpstream().DisconnectAfter(
		core.Fragment{Index: 0, Text: "partial "},
		core.Fragment{Index: 1, Text: "answer"},
	)
	d, store, collector := newTestDispatcher(fu, 2)

	res, err := d.AskStream(context.Background(), Request{Prompt: "hi"}, nil)
	require.Error(t, err)

	var disc *core.StreamDisconnectedError
	require.True(t, errors.As(err, &disc))
	require.NotNil(t, res)
	assert.True(t, res.Partial)
	assert.Equal(t, "partial answer", res.Text)
	assert.Equal(t, 2, res.LastOffset)

	// Incomplete turns never reach history.
	sess := store.GetOrCreate(res.SessionID)
	assert.Empty(t, sess.Messages)

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.ErrorsByKind[core.CategoryStreamDisconnected])
}

func TestAskStreamResumesFromOffset(t *testing.T) {
	fu := testutil.NewFakeUpstream().ReplyFragments(
		core.Fragment{Index: 2, Text: "rest"},
		core.Fragment{Index: 3, Finished: true},
	)
	d, _, _ := newTestDispatcher(fu, 2)

	res, err := d.AskStream(context.Background(), Request{Prompt: "hi", Offset: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "rest", res.Text)
	require.Len(t, fu.Requests(), 1)
	assert.Equal(t, 2, fu.Requests()[0].Offset)
}

func TestAskStreamRetriesBeforeContent(t *testing.T) {
	fu := testutil.NewFakeUpstream().
		FailWith(&core.UpstreamError{Code: 503, Category: core.CategoryUnavailable, Message: "down"}).
		ReplyFragments(
			core.Fragment{Index: 0, Text: "ok"},
			core.Fragment{Index: 1, Finished: true},
		)
	d, _, _ := newTestDispatcher(fu, 2)

	res, err := d.AskStream(context.Background(), Request{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 2, fu.Calls())
}
