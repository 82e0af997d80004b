package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"yesterday/internal/core"
	"yesterday/internal/store"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	scheduler  *core.Scheduler
	mcpHandler http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	now        func() time.Time
}

// NewServer constructs the HTTP API server. mcpHandler may be nil, in which
// case /mcp is not mounted.
func NewServer(addr, authToken string, store *store.Store, scheduler *core.Scheduler, mcpHandler http.Handler, logger *slog.Logger, location *time.Location) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		store:      store,
		scheduler:  scheduler,
		mcpHandler: mcpHandler,
		logger:     logger,
		location:   location,
		authToken:  authToken,
		now:        time.Now,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// The event stream is long lived.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	if s.mcpHandler != nil {
		mcpHandler := s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/recurrence/preview", s.handleRecurrencePreview)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)
			r.Post("/import", s.handleImportWorkflows)
			r.Get("/export", s.handleExportWorkflows)
			r.Get("/tags", s.handleWorkflowTags)

			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkflow)
				r.Patch("/", s.handleUpdateWorkflow)
				r.Delete("/", s.handleDeleteWorkflow)
				r.Get("/parameters", s.handleWorkflowParameters)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/stats", s.handleTaskStats)
			r.Get("/upcoming", s.handleUpcomingTasks)
			r.Get("/overdue", s.handleOverdueTasks)
			r.Post("/cleanup", s.handleCleanupTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/run", s.handleRunTask)
				r.Post("/cancel", s.handleCancelTask)
			})
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", s.handleSchedulerStats)
			r.Post("/start", s.handleSchedulerStart)
			r.Post("/stop", s.handleSchedulerStop)
			r.Put("/interval", s.handleSchedulerInterval)
			r.Get("/queue", s.handleSchedulerQueue)
			r.Get("/upcoming", s.handleSchedulerUpcoming)
			r.Get("/events", s.handleSchedulerEvents)
		})
	})
}
