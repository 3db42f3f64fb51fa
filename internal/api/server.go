// Package api exposes the bill screening pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ocr"
	"github.com/opensource-finance/kestrel/internal/parse"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Deps bundles the collaborators the HTTP layer fronts.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Engine    *rules.Engine
	Detector  *anomaly.Detector
	Checker   *anomaly.Checker
	History   *history.Service
	Extractor *ocr.Extractor
	Parser    *parse.Parser
	Version   string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no key required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Screening API (key required when configured)
	router.Route("/", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))

		// Bill ingestion
		r.Post("/bills/process", handler.ProcessUpload)
		r.Post("/bills/process-base64", handler.ProcessBase64)
		r.Post("/bills/check", handler.CheckBill)

		// Bill retrieval
		r.Get("/bills", handler.ListBills)
		r.Get("/bills/summary", handler.Summary)
		r.Get("/bills/due-soon", handler.DueSoon)
		r.Get("/bills/anomalies", handler.ListAnomalies)
		r.Get("/bills/{id}", handler.GetBill)
		r.Patch("/bills/{id}/status", handler.UpdatePaymentStatus)

		// Model management
		r.Post("/train", handler.Train)
		r.Get("/model", handler.ModelInfo)

		// Screening rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Assistant
		r.Post("/chat", handler.Chat)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
