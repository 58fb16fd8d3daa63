// Package server exposes the desensitize pipeline over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raaihank/desensitizer/internal/audit"
	"github.com/raaihank/desensitizer/internal/config"
	"github.com/raaihank/desensitizer/internal/logger"
	"github.com/raaihank/desensitizer/internal/metrics"
	"github.com/raaihank/desensitizer/internal/privacy"
	"github.com/raaihank/desensitizer/internal/websocket"
	"go.uber.org/zap"
)

// Version is reported by /info; set at build time
var Version = "dev"

// Desensitizer runs one desensitize call
type Desensitizer interface {
	Desensitize(ctx context.Context, text string, opts privacy.Options) (*privacy.MaskResult, error)
}

// ResultCache stores results keyed by text and options
type ResultCache interface {
	Get(ctx context.Context, text string, opts privacy.Options) (*privacy.MaskResult, bool)
	Set(ctx context.Context, text string, opts privacy.Options, result *privacy.MaskResult) error
}

// AuditStore records calls and serves the audit endpoints
type AuditStore interface {
	Insert(ctx context.Context, record *audit.Record) error
	Recent(ctx context.Context, limit int) ([]*audit.Record, error)
	Stats(ctx context.Context) (*audit.Stats, error)
}

// ModelStatus reports the NER model state, e.g. *ner.Handle
type ModelStatus interface {
	Status() (ready bool, err error)
}

// Server serves the desensitize API
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	pipeline Desensitizer
	router   *mux.Router
	server   *http.Server

	cache    ResultCache
	audit    AuditStore
	wsHub    *websocket.Hub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	model    ModelStatus
	limiter  *RateLimiter
	inFlight chan struct{}

	patternTypes []privacy.EntityType

	mu       sync.RWMutex
	defaults privacy.Options
	started  time.Time
}

// Option customizes a Server
type Option func(*Server)

// WithCache enables result caching
func WithCache(c ResultCache) Option {
	return func(s *Server) { s.cache = c }
}

// WithAudit enables the audit log and its endpoints
func WithAudit(a AuditStore) Option {
	return func(s *Server) { s.audit = a }
}

// WithHub enables the live detection feed
func WithHub(h *websocket.Hub) Option {
	return func(s *Server) { s.wsHub = h }
}

// WithMetrics enables /metrics, served from gatherer
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithModelStatus reports model readiness on /health
func WithModelStatus(m ModelStatus) Option {
	return func(s *Server) { s.model = m }
}

// New creates a new server instance
func New(cfg *config.Config, pipeline Desensitizer, log *logger.Logger, opts ...Option) (*Server, error) {
	defaults, err := cfg.Desensitize.Options()
	if err != nil {
		return nil, fmt.Errorf("invalid desensitize defaults: %w", err)
	}

	maxInFlight := cfg.Server.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	server := &Server{
		config:   cfg,
		logger:   logger.OrNop(log).WithComponent("server"),
		pipeline: pipeline,
		router:   mux.NewRouter(),
		inFlight: make(chan struct{}, maxInFlight),
		defaults: defaults,
		started:  time.Now(),

		patternTypes: privacy.NewPatternDetector(nil).Types(),
	}
	if cfg.RateLimit.Enabled {
		server.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	for _, opt := range opts {
		opt(server)
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)

	if s.wsHub != nil {
		s.router.HandleFunc(s.wsPath(), s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	base := s.router.NewRoute().Subrouter()
	base.Use(s.loggingMiddleware)
	base.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	base.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	api := base.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/entity-types", s.handleEntityTypes).Methods(http.MethodGet)
	api.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)
	if s.audit != nil {
		api.HandleFunc("/audit/recent", s.handleAuditRecent).Methods(http.MethodGet)
		api.HandleFunc("/audit/stats", s.handleAuditStats).Methods(http.MethodGet)
	}

	work := api.NewRoute().Subrouter()
	work.Use(s.inFlightMiddleware)
	work.HandleFunc("/desensitize", s.handleDesensitize).Methods(http.MethodPost)
	work.HandleFunc("/desensitize/file", s.handleFile).Methods(http.MethodPost)
}

func (s *Server) wsPath() string {
	if s.config.WebSocket.Path != "" {
		return s.config.WebSocket.Path
	}
	return "/ws"
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops. Background
// workers stop when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting desensitizer server",
		zap.Int("port", s.config.Server.Port),
		zap.Int("max_in_flight", cap(s.inFlight)),
		zap.Bool("cache", s.cache != nil),
		zap.Bool("audit", s.audit != nil),
	)

	if s.wsHub != nil {
		go s.wsHub.Run(ctx)
	}
	if s.limiter != nil {
		go s.limiter.Run(ctx, 10*time.Minute)
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping desensitizer server")
	return s.server.Shutdown(ctx)
}

// UpdateDefaults replaces the options applied to requests that leave
// fields empty. Used on config reload.
func (s *Server) UpdateDefaults(cfg config.DesensitizeConfig) error {
	defaults, err := cfg.Options()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.defaults = defaults
	s.mu.Unlock()
	s.logger.Info("Desensitize defaults updated",
		zap.String("strategy", string(defaults.Strategy)),
		zap.String("detectors", defaults.Detectors.String()),
	)
	return nil
}

func (s *Server) currentDefaults() privacy.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}
