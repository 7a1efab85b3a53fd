package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the OCD HTTP server.
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

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Deps HandlersDeps

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	InternalAPIKey      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Deps)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required).
	mux.HandleFunc("POST /auth/login", h.HandleLogin)

	// Decision recording and feedback (user token required).
	mux.Handle("POST /v1/decisions", requireUser(http.HandlerFunc(h.HandleRecordDecision)))
	mux.Handle("PATCH /v1/decisions/{decision_id}/feedback", requireUser(http.HandlerFunc(h.HandleDecisionFeedback)))

	// Corpus inspection (user token required).
	mux.Handle("GET /v1/training/stats", requireUser(http.HandlerFunc(h.HandleTrainingStats)))
	mux.Handle("GET /v1/registry", requireUser(http.HandlerFunc(h.HandleRegistry)))

	// Batch pipeline endpoints (internal key or creator token).
	mux.Handle("POST /v1/training/track-outcomes", requireInternal(http.HandlerFunc(h.HandleTrackOutcomes)))
	mux.Handle("GET /v1/training/track-outcomes", requireInternal(http.HandlerFunc(h.HandleTrackOutcomesStatus)))
	mux.Handle("POST /v1/training/calculate-rewards", requireInternal(http.HandlerFunc(h.HandleCalculateRewards)))
	mux.Handle("GET /v1/training/calculate-rewards", requireInternal(http.HandlerFunc(h.HandleCalculateRewardsStatus)))
	mux.Handle("GET /v1/training/export", requireInternal(http.HandlerFunc(h.HandleTrainingExport)))
	mux.Handle("POST /v1/jobs/{name}", requireInternal(http.HandlerFunc(h.HandleRunJob)))

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → body limit → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Deps.Logger, handler)
	handler = authMiddleware(cfg.Deps.JWTMgr, cfg.InternalAPIKey, handler)
	handler = maxBytesMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Deps.Logger, handler)
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
		logger:   cfg.Deps.Logger,
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
