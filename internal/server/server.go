package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/queryvault/queryvault/internal/buffer"
	"github.com/queryvault/queryvault/internal/metrics"
	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/search"
	"github.com/queryvault/queryvault/internal/service/embedding"
	"github.com/queryvault/queryvault/internal/storage"
)

// Server is the QueryVault HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers, e.g. for tests that want to
// call them directly.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	DB          *storage.DB
	StorageRing *buffer.Ring[model.QueryMetric]
	LiveRing    *buffer.Ring[model.QueryMetric]
	Live        *LiveChannel
	Searcher    search.Searcher
	Embedder    embedding.Provider
	Logger      *slog.Logger

	ListenAddr          string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		StorageRing:         cfg.StorageRing,
		LiveRing:            cfg.LiveRing,
		Live:                cfg.Live,
		Searcher:            cfg.Searcher,
		Embedder:            cfg.Embedder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/metrics/ingest", h.HandleIngest)
	mux.HandleFunc("GET /api/v1/workspaces/{id}/metrics", h.HandleListMetrics)
	mux.HandleFunc("GET /api/v1/workspaces/{id}/aggregations", h.HandleAggregations)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/search/similar", h.HandleSearchSimilar)
	mux.HandleFunc("GET /api/v1/workspaces/{id}/anomalies", h.HandleAnomalies)
	mux.HandleFunc("GET /api/v1/workspaces/{id}/ws", h.handleWorkspaceStreamRoute)

	// Middleware chain (outermost executes first):
	// request ID -> security headers -> CORS -> tracing -> logging -> auth -> recovery -> handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.DB, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// handleWorkspaceStreamRoute resolves and authorizes the {id} path segment
// before handing the connection to the WebSocket upgrade handler.
func (h *Handlers) handleWorkspaceStreamRoute(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := pathWorkspaceID(w, r)
	if !ok {
		return
	}
	h.HandleWorkspaceStream(w, r, workspaceID)
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
