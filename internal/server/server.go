// Package server provides the MedWatch operational HTTP server: health checks,
// metrics, engine status, the anomaly review API and the live feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/internal/auth"
	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/internal/sink"
	"github.com/HerbHall/medwatch/internal/version"
	"github.com/HerbHall/medwatch/pkg/supply"
)

// EngineStatus is the read-only view of the engine the server reports.
type EngineStatus interface {
	State() engine.State
	Config() engine.Config
	LastBatch() (engine.BatchResult, bool)
}

// AnomalyStore serves the anomaly API. Implemented by sink.Store.
type AnomalyStore interface {
	ListAnomalies(ctx context.Context, f sink.Filter) ([]supply.Anomaly, error)
	GetAnomaly(ctx context.Context, id string) (*supply.Anomaly, error)
	ReviewAnomaly(ctx context.Context, id, status, assignedTo string, at time.Time) (*supply.Anomaly, error)
	CountBySeverity(ctx context.Context) (map[string]int, error)
}

// RouteRegistrar lets other packages mount routes without an import cycle.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Dependencies wires the server to the rest of the process. Tokens is
// optional; when nil the review endpoint is unauthenticated.
type Dependencies struct {
	Engine    EngineStatus
	Anomalies AnomalyStore
	Tokens    *auth.TokenService
	Routes    []RouteRegistrar
}

// Server is the MedWatch HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Dependencies
	logger     *zap.Logger
	mux        *http.ServeMux
	now        func() time.Time
}

var healthPaths = []string{"/healthz", "/readyz", "/metrics"}

// New creates a Server with middleware and routes.
func New(cfg Config, deps Dependencies, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		deps:   deps,
		logger: logger,
		mux:    mux,
		now:    time.Now,
	}

	s.registerRoutes()
	for _, r := range deps.Routes {
		r.RegisterRoutes(mux)
	}

	// Outermost first. Nothing below LoggingMiddleware may copy the request,
	// or the route label is lost.
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, healthPaths),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(RateLimit{
			RPS:        cfg.RateLimitRPS,
			Burst:      cfg.RateLimitBurst,
			TrustProxy: cfg.TrustProxy,
			Exempt:     healthPaths,
		}),
	)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the websocket feed holds responses open.
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/engine", s.handleEngine)
	s.mux.HandleFunc("GET /api/v1/anomalies", s.handleListAnomalies)
	s.mux.HandleFunc("GET /api/v1/anomalies/summary", s.handleSummary)
	s.mux.HandleFunc("GET /api/v1/anomalies/{id}", s.handleGetAnomaly)

	var review http.Handler = http.HandlerFunc(s.handleReviewAnomaly)
	if s.deps.Tokens != nil {
		review = auth.Require(s.deps.Tokens, auth.RoleReviewer, review)
	} else {
		s.logger.Warn("server.jwt_secret not set, anomaly review API is unauthenticated")
	}
	s.mux.Handle("POST /api/v1/anomalies/{id}/review", review)
}

// Start begins serving HTTP requests and blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is the liveness check: 200 while the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz returns 200 once the engine is initialized and not failed.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	state := s.deps.Engine.State()
	if state != engine.StateReady && state != engine.StateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"state":  state.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// EngineResponse is the body of GET /api/v1/engine.
type EngineResponse struct {
	State     string              `json:"state"`
	Version   map[string]string   `json:"version"`
	Config    EngineConfig        `json:"config"`
	LastBatch *engine.BatchResult `json:"last_batch,omitempty"`
}

// EngineConfig renders engine.Config with readable durations.
type EngineConfig struct {
	EnableRuleEngine   bool    `json:"enable_rule_engine"`
	EnableMLModels     bool    `json:"enable_ml_models"`
	ProcessingInterval string  `json:"processing_interval"`
	AlertThreshold     float64 `json:"alert_threshold"`
}

func (s *Server) handleEngine(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Engine.Config()
	resp := EngineResponse{
		State:   s.deps.Engine.State().String(),
		Version: version.Map(),
		Config: EngineConfig{
			EnableRuleEngine:   cfg.EnableRuleEngine,
			EnableMLModels:     cfg.EnableMLModels,
			ProcessingInterval: cfg.ProcessingInterval.String(),
			AlertThreshold:     cfg.AlertThreshold,
		},
	}
	if last, ok := s.deps.Engine.LastBatch(); ok {
		resp.LastBatch = &last
	}
	writeJSON(w, http.StatusOK, resp)
}
