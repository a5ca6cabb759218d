package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/logging"
	"github.com/poemux/poemux/metrics"
	"github.com/poemux/poemux/ratelimit"
	"github.com/poemux/poemux/retry"
	"github.com/poemux/poemux/session"
	"github.com/poemux/poemux/stream"
	"github.com/poemux/poemux/upstream"
)

// DefaultCallTimeout bounds a single upstream attempt. Retries run under
// fresh timeouts; the caller's context bounds the whole chain.
const DefaultCallTimeout = 2 * time.Minute

// Resolver maps a public model name to its catalog entry.
type Resolver func(name string) (upstream.ModelInfo, error)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Store keeps conversation history between calls.
	Store core.SessionStore
	// Limiter gates upstream admission and carries the circuit breaker.
	Limiter *ratelimit.Limiter
	// Policy drives retry, backoff and the protocol fallback.
	Policy *retry.Policy
	// Metrics receives exactly one terminal record per dispatch.
	Metrics *metrics.Collector
	// Resolve maps model names; defaults to the static catalog.
	Resolve Resolver
	// CallTimeout bounds each upstream attempt.
	CallTimeout time.Duration
	// MaxHold bounds how long a stream gap is held before failing.
	MaxHold time.Duration
	// Logger receives per-call structured records.
	Logger logging.Logger
}

// Request is one caller invocation of the pipeline.
type Request struct {
	// SessionID continues an existing conversation; empty starts a new one.
	SessionID string
	// Model is the public catalog name; empty selects the default model.
	Model string
	// Prompt is the new user turn.
	Prompt string
	// Attachments are file references accompanying the prompt.
	Attachments []core.AttachmentPart
	// Thinking enables extended reasoning on models that support it.
	Thinking *core.ThinkingConfig
	// Priority orders admission under contention.
	Priority ratelimit.Priority
	// Offset resumes a disconnected stream from this fragment index.
	// Only meaningful for streamed calls.
	Offset int
}

// Result is the terminal outcome of a dispatch.
type Result struct {
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Model     string      `json:"model"`
	Usage     *core.Usage `json:"usage,omitempty"`
	Attempts  int         `json:"attempts"`
	// Partial marks streamed output that ended without its terminal signal.
	// It always travels with a non-nil error from the call.
	Partial bool `json:"partial,omitempty"`
	// LastOffset is the resumption index for a partial streamed result.
	LastOffset int `json:"last_offset,omitempty"`
}

// Dispatcher multiplexes concurrent callers onto the rate-limited upstream.
type Dispatcher struct {
	store       core.SessionStore
	limiter     *ratelimit.Limiter
	policy      *retry.Policy
	metrics     *metrics.Collector
	resolve     Resolver
	clients     map[string]core.UpstreamClient
	callTimeout time.Duration
	maxHold     time.Duration
	logger      logging.Logger
}

// New constructs a Dispatcher over the given provider clients, keyed by
// provider name, with optional overrides.
func New(clients map[string]core.UpstreamClient, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Store:       session.NewInMemoryStore(),
		Limiter:     ratelimit.New(),
		Policy:      retry.NewPolicy(0, nil),
		Metrics:     metrics.NewCollector(),
		Resolve:     upstream.Lookup,
		CallTimeout: DefaultCallTimeout,
		MaxHold:     stream.DefaultMaxHold,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Dispatcher{
		store:       opts.Store,
		limiter:     opts.Limiter,
		policy:      opts.Policy,
		metrics:     opts.Metrics,
		resolve:     opts.Resolve,
		clients:     clients,
		callTimeout: opts.CallTimeout,
		maxHold:     opts.MaxHold,
		logger:      opts.Logger,
	}
}

// Store exposes the session store backing this dispatcher.
func (d *Dispatcher) Store() core.SessionStore { return d.store }

// Limiter exposes the admission limiter backing this dispatcher.
func (d *Dispatcher) Limiter() *ratelimit.Limiter { return d.limiter }

// Metrics exposes the collector backing this dispatcher.
func (d *Dispatcher) Metrics() *metrics.Collector { return d.metrics }

// Providers lists the registered provider names, sorted.
func (d *Dispatcher) Providers() []string {
	names := make([]string, 0, len(d.clients))
	for name := range d.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ask performs one blocking exchange: resolve the model, admit under the
// rate limit, call upstream with retry and the compatibility fallback, and
// append the completed turn to the session.
func (d *Dispatcher) Ask(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	info, client, sess, qreq, userMsg, err := d.prepare(req)
	if err != nil {
		d.metrics.RecordError(core.CategoryOf(err), time.Since(start))
		return nil, err
	}

	rc := d.policy.NewContext()
	for {
		res, err := d.attempt(ctx, client, qreq, req.Priority)
		if err == nil {
			d.limiter.ReportSuccess()
			if appendErr := d.store.Append(sess.ID, userMsg, core.NewAssistantMessage(res.Text)); appendErr != nil {
				// The session expired mid-flight; the answer still stands.
				d.logger.Warn("session vanished before append", "session_id", sess.ID)
			}
			latency := time.Since(start)
			d.metrics.RecordSuccess(latency, res.Usage)
			d.logUpstream(info.Name, res.Usage, latency, rc.Attempt+1, nil)
			return &Result{
				SessionID: sess.ID,
				Text:      res.Text,
				Model:     res.Model,
				Usage:     res.Usage,
				Attempts:  rc.Attempt + 1,
			}, nil
		}

		if terminal, termErr := d.afterFailure(ctx, rc, &qreq, err); terminal {
			latency := time.Since(start)
			d.metrics.RecordError(core.CategoryOf(termErr), latency)
			d.logUpstream(info.Name, nil, latency, rc.Attempt+1, termErr)
			return nil, termErr
		}
	}
}

// AskStream performs one streamed exchange. In-order deltas are relayed to
// onDelta as they are reassembled. A stream that dies before producing any
// content is retried like a failed blocking call; once content has been
// relayed the partial result is returned with the terminal error so the
// caller can resume from Result.LastOffset.
func (d *Dispatcher) AskStream(ctx context.Context, req Request, onDelta func(core.Fragment)) (*Result, error) {
	start := time.Now()

	info, client, sess, qreq, userMsg, err := d.prepare(req)
	if err != nil {
		d.metrics.RecordError(core.CategoryOf(err), time.Since(start))
		return nil, err
	}
	qreq.Offset = req.Offset

	rc := d.policy.NewContext()
	for {
		res, err := d.attemptStream(ctx, client, qreq, req.Priority, onDelta)
		if err == nil {
			d.limiter.ReportSuccess()
			full := res.Text
			if appendErr := d.store.Append(sess.ID, userMsg, core.NewAssistantMessage(full)); appendErr != nil {
				d.logger.Warn("session vanished before append", "session_id", sess.ID)
			}
			latency := time.Since(start)
			d.metrics.RecordSuccess(latency, res.Usage)
			d.logUpstream(info.Name, res.Usage, latency, rc.Attempt+1, nil)
			return &Result{
				SessionID: sess.ID,
				Text:      full,
				Model:     info.Name,
				Usage:     res.Usage,
				Attempts:  rc.Attempt + 1,
			}, nil
		}

		if res != nil && res.Text != "" {
			// Content already reached the caller; retrying would duplicate
			// it. Surface the partial result with the resumption offset.
			latency := time.Since(start)
			d.metrics.RecordError(core.CategoryOf(err), latency)
			d.logUpstream(info.Name, res.Usage, latency, rc.Attempt+1, err)
			return &Result{
				SessionID:  sess.ID,
				Text:       res.Text,
				Model:      info.Name,
				Usage:      res.Usage,
				Attempts:   rc.Attempt + 1,
				Partial:    true,
				LastOffset: res.LastOffset,
			}, err
		}

		if terminal, termErr := d.afterFailure(ctx, rc, &qreq, err); terminal {
			latency := time.Since(start)
			d.metrics.RecordError(core.CategoryOf(termErr), latency)
			d.logUpstream(info.Name, nil, latency, rc.Attempt+1, termErr)
			return nil, termErr
		}
	}
}

// prepare resolves the model, the provider client and the session, and
// assembles the normalized upstream request.
func (d *Dispatcher) prepare(req Request) (upstream.ModelInfo, core.UpstreamClient, *core.Session, core.QueryRequest, core.Message, error) {
	info, err := d.resolve(req.Model)
	if err != nil {
		return upstream.ModelInfo{}, nil, nil, core.QueryRequest{}, core.Message{}, &core.UpstreamError{
			Code:     400,
			Category: core.CategoryInvalidRequest,
			Message:  err.Error(),
		}
	}
	client, ok := d.clients[info.Provider]
	if !ok {
		return upstream.ModelInfo{}, nil, nil, core.QueryRequest{}, core.Message{}, &core.UpstreamError{
			Category: core.CategoryInternal,
			Message:  fmt.Sprintf("no client registered for provider %q", info.Provider),
		}
	}

	var sess *core.Session
	if req.SessionID == "" {
		sess = d.store.Create()
	} else {
		sess = d.store.GetOrCreate(req.SessionID)
	}

	userMsg := buildUserMessage(req)
	qreq := core.QueryRequest{
		Model:    info.UpstreamID,
		Messages: append(sess.History(), userMsg),
		Thinking: req.Thinking,
	}
	return info, client, sess, qreq, userMsg, nil
}

// attempt runs a single admitted upstream exchange under the per-call
// timeout.
func (d *Dispatcher) attempt(ctx context.Context, client core.UpstreamClient, qreq core.QueryRequest, pri ratelimit.Priority) (*core.QueryResult, error) {
	if _, err := d.limiter.Admit(ctx, pri); err != nil {
		return nil, err
	}

	callCtx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}
	return client.Query(callCtx, qreq)
}

// attemptStream runs a single admitted streamed exchange reassembled by a
// fresh aggregator.
func (d *Dispatcher) attemptStream(ctx context.Context, client core.UpstreamClient, qreq core.QueryRequest, pri ratelimit.Priority, onDelta func(core.Fragment)) (*stream.Result, error) {
	if _, err := d.limiter.Admit(ctx, pri); err != nil {
		return nil, err
	}

	callCtx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	fragments, errs := client.QueryStream(callCtx, qreq)
	agg := stream.New(func(o *stream.Options) {
		o.MaxHold = d.maxHold
		o.Offset = qreq.Offset
		o.OnDelta = onDelta
		o.Logger = d.logger
	})
	return agg.Consume(callCtx, fragments, errs)
}

// afterFailure applies circuit and throttle side effects and advances the
// retry chain. It returns (true, err) when the chain is terminal; otherwise
// it sleeps out the decided delay and reports (false, nil) so the caller
// loops into the next attempt.
func (d *Dispatcher) afterFailure(ctx context.Context, rc *retry.Context, qreq *core.QueryRequest, err error) (bool, error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return true, ctx.Err()
	}

	switch core.CategoryOf(err) {
	case core.CategoryThrottled:
		if ra := core.RetryAfterOf(err); ra > 0 {
			d.limiter.SetRetryAfter(ra)
		}
		d.limiter.ReportFailure()
	case core.CategoryUnavailable, core.CategoryTimeout:
		d.limiter.ReportFailure()
	}

	decision := d.policy.Next(rc, err)
	switch decision.State {
	case retry.StateFatal:
		return true, err
	case retry.StateExhausted:
		return true, retry.NewExhaustedError(rc, err)
	}

	if decision.DisableThinking {
		qreq.Thinking = nil
	}
	if decision.Delay > 0 {
		if slept := sleep(ctx, decision.Delay); slept != nil {
			return true, slept
		}
	}
	return false, nil
}

// logUpstream emits the per-call structured record when the logger supports it.
func (d *Dispatcher) logUpstream(model string, usage *core.Usage, dur time.Duration, attempts int, err error) {
	pl, ok := d.logger.(*logging.ProxyLogger)
	if !ok {
		return
	}
	tokens := 0
	if usage != nil {
		tokens = usage.TotalTokens
	}
	pl.LogUpstreamCall(model, tokens, dur, attempts, err)
}

// buildUserMessage assembles the new user turn from prompt and attachments.
func buildUserMessage(req Request) core.Message {
	msg := core.NewUserMessage(req.Prompt)
	for _, att := range req.Attachments {
		msg.Parts = append(msg.Parts, att)
	}
	return msg
}

// sleep waits out d or returns the context error.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
