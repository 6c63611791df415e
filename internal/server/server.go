package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fencio-dev/prism/internal/auth"
	"github.com/fencio-dev/prism/internal/ratelimit"
)

// Server is the prism HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Remote, Index, Limiter.
type ServerConfig struct {
	Handlers HandlersDeps
	JWTMgr   *auth.JWTManager

	// AdminAPIKeyHash enables operator API-key auth when non-empty.
	AdminAPIKeyHash string

	// Limiter rate-limits enforce and telemetry routes. Nil disables.
	Limiter ratelimit.Limiter

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Handlers)
	logger := cfg.Handlers.Logger

	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.TenantKeyFunc)

	mux := http.NewServeMux()

	// Enforcement (rate limited per tenant).
	mux.Handle("POST /api/v2/enforce", rl(http.HandlerFunc(h.HandleEnforce)))

	// Policy CRUD.
	mux.HandleFunc("POST /policies", h.HandleCreatePolicy)
	mux.HandleFunc("GET /policies", h.HandleListPolicies)
	mux.HandleFunc("GET /policies/{id}", h.HandleGetPolicy)
	mux.HandleFunc("PUT /policies/{id}", h.HandleUpdatePolicy)
	mux.HandleFunc("DELETE /policies/{id}", h.HandleDeletePolicy)
	mux.HandleFunc("DELETE /policies", h.HandleClearPolicies)

	// Telemetry reads (rate limited per tenant).
	mux.Handle("GET /telemetry/sessions", rl(http.HandlerFunc(h.HandleListSessions)))
	mux.Handle("GET /telemetry/sessions/{agent_id}", rl(http.HandlerFunc(h.HandleGetSession)))
	mux.Handle("GET /telemetry/calls", rl(http.HandlerFunc(h.HandleListCalls)))
	mux.Handle("GET /telemetry/calls/{id}", rl(http.HandlerFunc(h.HandleGetCall)))
	mux.HandleFunc("DELETE /telemetry/calls", h.HandleDeleteCalls)
	mux.Handle("GET /telemetry/remote/sessions", rl(http.HandlerFunc(h.HandleRemoteSessions)))
	mux.Handle("GET /telemetry/remote/sessions/{agent_id}", rl(http.HandlerFunc(h.HandleRemoteSession)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.AdminAPIKeyHash, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
