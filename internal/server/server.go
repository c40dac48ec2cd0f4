package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/floe/internal/config"
	"github.com/me/floe/internal/scheduler"
	"github.com/me/floe/internal/store"
)

// Server is the Floe REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	executor  *scheduler.Executor
	loop      *scheduler.Loop // optional; nil when scheduling runs elsewhere
}

// New creates a new Server with all routes registered.
// loop may be nil if no scheduling is desired (e.g. in tests).
func New(cfg config.ServerConfig, st store.Store, exec *scheduler.Executor, loop *scheduler.Loop, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		executor:  exec,
		loop:      loop,
	}
	s.routes()
	return s
}

// StartScheduler begins the state propagation loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.loop == nil {
		return
	}
	go func() {
		if err := s.loop.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Health
		r.Get("/health", s.handleHealth)

		// Sessions
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Get("/attempts", s.handleListSessionAttempts)
			})
		})

		// Attempts
		r.Route("/attempts", func(r chi.Router) {
			r.Post("/", s.handleSubmitAttempt)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAttempt)
				r.Get("/tasks", s.handleListAttemptTasks)
				r.Post("/kill", s.handleKillAttempt)
				r.Post("/retries", s.handleRetryAttempt)
			})
		})

		// Agent dispatch: lease, heartbeat, and result callbacks.
		r.Route("/queues/{siteID}", func(r chi.Router) {
			r.Post("/lock", s.handleLockTasks)
			r.Post("/heartbeat", s.handleHeartbeat)
		})
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Post("/success", s.handleTaskSuccess)
			r.Post("/fail", s.handleTaskFail)
			r.Post("/retry", s.handleTaskRetry)
		})
	})
}
