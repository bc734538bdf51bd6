// Package server exposes run submission, run status, Prometheus metrics and
// websocket progress over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner processes a batch in-process. *pipeline.BatchRunner implements it.
type Runner interface {
	Run(ctx context.Context, records []receipt.InputRecord, config pipeline.ParallelConfig) ([]pipeline.RecordOutcome, error)
}

// Enqueuer hands records to the task queue. *queue.Enqueuer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID string, records []receipt.InputRecord) ([]string, error)
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	runner      Runner
	enqueuer    Enqueuer
	gatherer    prometheus.Gatherer
	metrics     *httpMetrics
	rateLimiter *RateLimiter
	runs        *runRegistry
	hub         *hub
	corsOrigin  string
	workers     int
	maxBodyMB   int64
	logger      *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Host            string
	Port            int
	CORSOrigin      string
	ShutdownTimeout int // seconds
	Workers         int
	MaxBodyMB       int64
	RateLimit       RateLimitConfig
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            8080,
		CORSOrigin:      "*",
		ShutdownTimeout: 10,
		Workers:         pipeline.DefaultWorkers,
		MaxBodyMB:       10,
	}
}

// Deps are the collaborators of a Server. Runner and Registry are
// required; a nil Enqueuer disables queue mode.
type Deps struct {
	Runner   Runner
	Enqueuer Enqueuer
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
	Queue   bool   `json:"queue"`
	Active  int    `json:"active_runs"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewServer creates a server. Runs submitted to it live until Close.
func NewServer(config Config, deps Deps) (*Server, error) {
	if deps.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("metrics registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Workers <= 0 {
		config.Workers = pipeline.DefaultWorkers
	}
	if config.MaxBodyMB <= 0 {
		config.MaxBodyMB = DefaultConfig().MaxBodyMB
	}

	metrics := newHTTPMetrics(deps.Registry)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:     deps.Runner,
		enqueuer:   deps.Enqueuer,
		gatherer:   deps.Registry,
		metrics:    metrics,
		runs:       newRunRegistry(),
		hub:        newHub(metrics, logger),
		corsOrigin: config.CORSOrigin,
		workers:    config.Workers,
		maxBodyMB:  config.MaxBodyMB,
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
	}
	if config.RateLimit.Enabled() {
		s.rateLimiter = NewRateLimiter(config.RateLimit)
	}
	return s, nil
}

// Close cancels every local run and waits for them to finish recording.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.closeAll()
	return nil
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/runs", s.corsMiddleware(s.runsHandler))
	mux.HandleFunc("/runs/{id}", s.corsMiddleware(s.runHandler))
	mux.HandleFunc("/ws/runs", s.runsWebSocketHandler)
}
