package server

import (
	"net/http"

	"github.com/poemux/poemux/dispatch"
	"github.com/poemux/poemux/logging"
	"github.com/poemux/poemux/tool"
)

// Options holds overrides passed to New().
type Options struct {
	// Version is reported by the health endpoint.
	Version string
	// Logger receives request-level records.
	Logger logging.Logger
}

// Server routes HTTP traffic onto the operation registry and dispatcher.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *tool.Registry
	version    string
	logger     logging.Logger
}

// New constructs a Server over the given dispatcher and registry.
func New(d *dispatch.Dispatcher, registry *tool.Registry, optFns ...func(o *Options)) *Server {
	opts := Options{
		Version: "dev",
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Server{
		dispatcher: d,
		registry:   registry,
		version:    opts.Version,
		logger:     opts.Logger,
	}
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke", s.handleInvoke)
	mux.HandleFunc("POST /invoke/stream", s.handleInvokeStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /metrics/reset", s.handleMetricsReset)
	return mux
}
