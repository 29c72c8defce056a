package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires routes and middleware around deps.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Probes and scraping stay open.
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(cfg.APIKey))

		r.Post("/transaction", handler.ScoreTransaction)
		r.Post("/transactions/async", handler.SubmitTransaction)
		r.Get("/transactions", handler.SearchTransactions)
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Get("/anomalies", handler.ListAnomalies)
		r.Get("/metrics/risk", handler.RiskOverTime)

		r.Post("/users", handler.CreateUser)
		r.Get("/users/{id}/profile", handler.GetProfile)
		r.Post("/profiles/refresh", handler.RefreshProfiles)

		r.Get("/rules", handler.ListRules)
		r.Get("/catalog", handler.Catalog)

		r.Post("/actions", handler.CreateAction)
		r.Get("/actions", handler.ListActions)
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
