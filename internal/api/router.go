// Package api wires the HTTP router and server for the document and query API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Aryan1718/enterprise-rag-platform/internal/api/handlers"
	"github.com/Aryan1718/enterprise-rag-platform/internal/api/middleware"
)

// Service identity reported by /health.
const (
	ServiceName    = "enterprise-rag-api"
	ServiceVersion = "0.1.0"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int

	// RequestTimeout bounds non-streaming requests. It must exceed the
	// query engine's LLM timeout.
	RequestTimeout time.Duration

	EnableRateLimiting bool
	QueryLimit         middleware.Limit
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", middleware.WorkspaceHeader},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
		RequestTimeout: 90 * time.Second,

		EnableRateLimiting: true,
		QueryLimit:         middleware.DefaultQueryLimit(),
	}
}

// Dependencies holds all dependencies required by the API handlers.
type Dependencies struct {
	Logger    *slog.Logger
	Documents handlers.DocumentService
	Query     handlers.QueryService
	// History serves /queries and /citations; the routes are absent when nil.
	History handlers.HistoryService
	// Hub serves /api/v1/ws; the route is absent when nil.
	Hub handlers.WorkspaceSocket
	// RateCounter shares rate limit counts across instances. Nil counts in memory.
	RateCounter middleware.Counter
	// Checks are reported by /ready.
	Checks []handlers.NamedCheck
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Workspaces creates workspace rows on first use when set.
	Workspaces middleware.Provisioner
}

// NewRouter creates and configures a new Chi router with all middleware and routes.
func NewRouter(deps Dependencies, config RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   config.AllowedMethods,
		AllowedHeaders:   config.AllowedHeaders,
		ExposedHeaders:   config.ExposedHeaders,
		AllowCredentials: config.AllowCredentials,
		MaxAge:           config.MaxAge,
	}))

	r.Get("/health", handlers.HealthCheck(ServiceName, ServiceVersion))
	r.Get("/ready", handlers.ReadyCheck(deps.Checks...))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket handshake cannot carry custom headers from a browser
		// and must outlive the request timeout.
		if deps.Hub != nil {
			r.With(middleware.Workspace(true)).Get("/ws", handlers.HandleWebSocket(deps.Hub))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Workspace(false))
			if deps.Workspaces != nil {
				r.Use(middleware.ProvisionWorkspace(deps.Workspaces, logger))
			}
			r.Use(chimiddleware.Timeout(config.RequestTimeout))

			if deps.Documents != nil {
				r.Route("/documents", func(r chi.Router) {
					r.Get("/", handlers.ListDocuments(deps.Documents, logger))
					r.Post("/upload-prepare", handlers.PrepareUpload(deps.Documents, logger))
					r.Get("/{id}", handlers.GetDocument(deps.Documents, logger))
					r.Delete("/{id}", handlers.DeleteDocument(deps.Documents, logger))
					r.Post("/{id}/upload-complete", handlers.CompleteUpload(deps.Documents, logger))
					r.Post("/{id}/reindex", handlers.Reindex(deps.Documents, logger))
					r.Get("/{id}/pages/{page}", handlers.GetPage(deps.Documents, logger))
				})
			}

			var limits []func(http.Handler) http.Handler
			if config.EnableRateLimiting {
				limiter := middleware.NewRateLimiter(deps.RateCounter, "query", config.QueryLimit, logger)
				limits = append(limits, limiter.Middleware)
			}

			if deps.Query != nil {
				r.Get("/usage/today", handlers.UsageToday(deps.Query, logger))
				r.With(limits...).Post("/query", handlers.HandleQuery(deps.Query, logger))
				r.With(limits...).Post("/query/stream", handlers.HandleQueryStream(deps.Query, logger))
			}

			if deps.History != nil {
				r.Get("/queries", handlers.ListQueries(deps.History, logger))
				r.Get("/queries/{id}", handlers.GetQuery(deps.History, logger))
				r.With(limits...).Get("/citations/{chunk_id}", handlers.GetCitationSource(deps.History, logger))
			}
		})
	})

	return r
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns default server configuration. WriteTimeout
// leaves room for a full query including the LLM call.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new HTTP server.
func NewServer(handler http.Handler, config ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              formatAddr(config.Host, config.Port),
			Handler:           handler,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
		logger: logger,
	}
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func formatAddr(host string, port int) string {
	if host == "" {
		return fmt.Sprintf(":%d", port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
