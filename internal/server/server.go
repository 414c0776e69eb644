// Package server exposes the job working areas over HTTP: per-step tool logs
// under "/<namespace>/<file>" and, when a job store is configured, the job
// history under /api/v1.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/zoocwl/internal/logging"
	"github.com/me/zoocwl/internal/store"
)

// Server serves tool logs and job history.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time
	logRoot   string
	store     store.Store
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore enables the job history endpoints.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a Server publishing the job directories under logRoot, the
// handler's temporary path.
func New(logRoot string, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.OrDiscard(logger).With("component", "server"),
		startTime: time.Now(),
		logRoot:   logRoot,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID, echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/transitions", s.handleListTransitions)
	})

	r.Get("/{namespace}/{file}", s.handleToolLog)
}
