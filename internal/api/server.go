package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/postwave/postwave/internal/campaign"
	"github.com/postwave/postwave/internal/config"
	"github.com/postwave/postwave/internal/event"
	"github.com/postwave/postwave/internal/metrics"
	"github.com/postwave/postwave/internal/task"
	"github.com/postwave/postwave/internal/template"
)

// Controller executes campaign control operations that involve more
// than a status flip
type Controller interface {
	Cancel(ctx context.Context, id string) error
}

// Server is the management HTTP API
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *campaign.Store
	queue      task.Queue
	templates  *template.Storage
	engine     *template.Engine
	events     *event.Sink
	control    Controller
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates the management API server
func NewServer(campaigns *campaign.Store, queue task.Queue, templates *template.Storage, engine *template.Engine, events *event.Sink, control Controller, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: campaigns,
		queue:     queue,
		templates: templates,
		engine:    engine,
		events:    events,
		control:   control,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Get("/{id}/stats", s.handleCampaignStats)
			r.Post("/{id}/recipients", s.handleAddRecipients)
			r.Post("/{id}/recipients/{rid}/suppress", s.handleSuppressRecipient)
			r.Post("/{id}/schedule", s.handleScheduleCampaign)
			r.Post("/{id}/pause", s.handlePauseCampaign)
			r.Post("/{id}/resume", s.handleResumeCampaign)
			r.Post("/{id}/cancel", s.handleCancelCampaign)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})

		r.Get("/events", s.handleListEvents)
		r.Get("/queue/stats", s.handleQueueStats)
	})
}

// Handler returns the configured router, used directly in tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	readTimeout := s.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := s.config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
