// Package poemux provides a high-level façade over the request pipeline
// (sessions, rate-limited admission, retry, streaming reassembly and
// metrics) enabling rapid construction of a multiplexing model proxy. Most
// applications interact with this package by:
//  1. Creating a Poemux via New() (optionally overriding the config or the
//     provider clients)
//  2. Asking models synchronously (Ask) or streamed (AskStream), or invoking
//     registry operations by name (Invoke)
//  3. Serving the HTTP surface via Serve()
//
// The façade delegates orchestration to dispatch.Dispatcher while keeping
// setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments supply API keys and a
// tuned config.
package poemux

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/poemux/poemux/attachment"
	"github.com/poemux/poemux/config"
	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/dispatch"
	"github.com/poemux/poemux/logging"
	"github.com/poemux/poemux/metrics"
	"github.com/poemux/poemux/ratelimit"
	"github.com/poemux/poemux/retry"
	"github.com/poemux/poemux/server"
	"github.com/poemux/poemux/session"
	"github.com/poemux/poemux/tool"
	"github.com/poemux/poemux/upstream"
	upanthropic "github.com/poemux/poemux/upstream/anthropic"
	upopenai "github.com/poemux/poemux/upstream/openai"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Options configures the Poemux instance.
type Options struct {
	// Config supplies all pipeline tuning; nil uses config.Default().
	Config *config.Config
	// Logger defaults to a structured logger built from the config.
	Logger logging.Logger
	// Clients overrides the provider set (used by tests and embedders).
	// When nil, the Anthropic and OpenAI adapters are wired from the config.
	Clients map[string]core.UpstreamClient
}

// Poemux is the high-level façade aggregating the pipeline services.
type Poemux struct {
	cfg         *config.Config
	logger      logging.Logger
	store       *session.InMemoryStore
	attachments *attachment.InMemoryStore
	dispatcher  *dispatch.Dispatcher
	registry    *tool.Registry
}

// New creates a new Poemux instance with optional overrides. Any unset
// service is initialized from the config.
func New(optFns ...func(o *Options)) (*Poemux, error) {
	opts := Options{Config: config.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(&logging.LoggerConfig{
			Level:  logging.ParseLevel(cfg.Logging.Level),
			Format: cfg.Logging.Format,
		})
	}

	clients := opts.Clients
	if clients == nil {
		clients = map[string]core.UpstreamClient{
			upstream.ProviderAnthropic: upanthropic.New(func(o *upanthropic.Options) {
				o.APIKey = cfg.Upstream.AnthropicAPIKey
				o.MaxTokens = cfg.Upstream.MaxTokens
				o.Temperature = cfg.Upstream.Temperature
			}),
			upstream.ProviderOpenAI: upopenai.New(func(o *upopenai.Options) {
				o.APIKey = cfg.Upstream.OpenAIAPIKey
				o.MaxCompletionTokens = cfg.Upstream.MaxTokens
				o.Temperature = cfg.Upstream.Temperature
			}),
		}
	}

	store := session.NewInMemoryStore(func(o *session.Options) {
		o.TTL = cfg.Session.TTL
		o.Logger = logger
	})

	limiter := ratelimit.New(func(o *ratelimit.Options) {
		o.RPM = cfg.RateLimit.RPM
		o.Burst = cfg.RateLimit.Burst
		o.FailureThreshold = cfg.RateLimit.FailureThreshold
		o.Cooldown = cfg.RateLimit.Cooldown
		o.MaxCooldown = cfg.RateLimit.MaxCooldown
		o.Logger = logger
	})

	policy := retry.NewPolicy(
		cfg.Retry.MaxRetries,
		ratelimit.NewBackoff(cfg.Retry.BaseWait, cfg.Retry.MaxBackoff),
	)

	dispatcher := dispatch.New(clients, func(o *dispatch.Options) {
		o.Store = store
		o.Limiter = limiter
		o.Policy = policy
		o.Metrics = metrics.NewCollector()
		o.CallTimeout = cfg.Upstream.CallTimeout
		o.MaxHold = cfg.Stream.MaxHold
		o.Logger = logger
	})

	attachments := attachment.NewInMemoryStore()

	registry, err := tool.NewRegistry(tool.Builtin(dispatcher, attachments, Version, func(o *tool.FuncOptions) {
		o.Logger = logger
	})...)
	if err != nil {
		return nil, err
	}

	return &Poemux{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		attachments: attachments,
		dispatcher:  dispatcher,
		registry:    registry,
	}, nil
}

// Attachments exposes the attachment store.
func (p *Poemux) Attachments() *attachment.InMemoryStore { return p.attachments }

// Dispatcher exposes the underlying dispatcher.
func (p *Poemux) Dispatcher() *dispatch.Dispatcher { return p.dispatcher }

// Registry exposes the operation registry.
func (p *Poemux) Registry() *tool.Registry { return p.registry }

// Ask performs one blocking exchange.
func (p *Poemux) Ask(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	return p.dispatcher.Ask(ctx, req)
}

// AskStream performs one streamed exchange, relaying in-order deltas.
func (p *Poemux) AskStream(ctx context.Context, req dispatch.Request, onDelta func(core.Fragment)) (*dispatch.Result, error) {
	return p.dispatcher.AskStream(ctx, req, onDelta)
}

// Invoke routes a call to a named registry operation.
func (p *Poemux) Invoke(ctx context.Context, operation string, args map[string]any) (any, error) {
	return p.registry.Invoke(ctx, operation, args)
}

// Serve runs the HTTP surface and the session sweeper until ctx is
// cancelled, then shuts down gracefully.
func (p *Poemux) Serve(ctx context.Context) error {
	p.store.StartSweeper(ctx, p.cfg.Session.SweepInterval)

	srv := server.New(p.dispatcher, p.registry, func(o *server.Options) {
		o.Version = Version
		o.Logger = p.logger
	})

	httpSrv := &http.Server{
		Addr:              p.cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("http server listening", "addr", p.cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
