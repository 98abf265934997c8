package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/claimscore/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. Everything except the health,
// readiness and metrics endpoints sits behind bearer auth when tokens is
// non-nil.
func NewServer(cfg domain.ServerConfig, metricsCfg domain.MetricsConfig, deps Deps, tokens *TokenService) *Server {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = cfg.MaxUploadSize
	}
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(deps.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metricsCfg.Enabled && deps.Metrics != nil {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, deps.Metrics.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(tokens, handler.Logger))

		r.Post("/auth/verify", handler.VerifyAuth)

		// Claim ingest and retrieval
		r.Post("/claims/upload", handler.UploadClaims)
		r.Post("/claims", handler.SubmitClaims)
		r.Get("/claims", handler.ListClaims)
		r.Get("/claims/{id}", handler.GetClaim)
		r.Get("/batches/{id}", handler.GetBatch)

		// Reports
		r.Get("/anomalies", handler.Anomalies)
		r.Get("/savings", handler.Savings)
		r.Get("/export/csv", handler.ExportCSV)

		// Model bank
		r.Get("/model", handler.GetModel)
		r.Get("/model/versions", handler.ListModelVersions)
		r.Post("/model/train", handler.TrainModel)
		r.Post("/model/rollback/{version}", handler.RollbackModel)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
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

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
