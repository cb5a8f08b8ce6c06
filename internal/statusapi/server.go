// Package statusapi exposes the journal and lifecycle of a running
// controller over HTTP and accepts stop requests.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bc-dunia/fleetbench/internal/journal"
	"github.com/bc-dunia/fleetbench/internal/lifecycle"
	"github.com/bc-dunia/fleetbench/internal/otel"
)

// DefaultWatchTimeout bounds one long-poll on /v1/journal/watch.
const DefaultWatchTimeout = 25 * time.Second

// Source is what the API reads from and stops. Journal returns nil until
// a run has started.
type Source interface {
	RunID() string
	Journal() *journal.Journal
	Lifecycle() lifecycle.State
	Stop()
}

// Option configures a Server.
type Option func(*Server)

// WithTracer adds trace propagation to every route.
func WithTracer(tracer *otel.Tracer) Option {
	return func(s *Server) { s.tracer = tracer }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWatchTimeout overrides DefaultWatchTimeout.
func WithWatchTimeout(d time.Duration) Option {
	return func(s *Server) { s.watchTimeout = d }
}

type Server struct {
	source       Source
	addr         string
	tracer       *otel.Tracer
	logger       *slog.Logger
	watchTimeout time.Duration

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
}

func NewServer(addr string, source Source, opts ...Option) *Server {
	s := &Server{
		source:       source,
		addr:         addr,
		watchTimeout: DefaultWatchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "statusapi")
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware(s.tracer))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/journal", s.handleJournal)
		r.Get("/journal/groups", s.handleGroups)
		r.Get("/journal/watch", s.handleWatch)
		r.Get("/lifecycle", s.handleLifecycle)
		r.Post("/stop", s.handleStop)
	})
	return r
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	// WriteTimeout leaves room for a full long-poll.
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.watchTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status_api_serve_failed", "error", err)
		}
	}()

	s.logger.Info("status_api_listening", "addr", listener.Addr().String())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
