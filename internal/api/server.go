// Package api serves the AlertForge HTTP API: event ingestion, rule and log
// administration, alert listing and queue inspection.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/queue"
	"github.com/lvonguyen/alertforge/internal/storage"
	"github.com/lvonguyen/alertforge/internal/telemetry/ingestion"
)

// Ingester runs one payload through detection.
type Ingester interface {
	Ingest(ctx context.Context, payload map[string]any) (*ingestion.Result, error)
}

// Cache is a JSON read-through cache.
type Cache interface {
	GetOrSet(ctx context.Context, key string, dest any, fill func(ctx context.Context) (any, error)) error
}

// Invalidator requests asynchronous cache invalidation.
type Invalidator interface {
	RequestInvalidation(ctx context.Context, pattern string) error
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Deps wires a Server. Cache, Invalidator, RateLimit, Metrics,
// MetricsHandler and HEC are optional.
type Deps struct {
	Ingester    Ingester
	Store       storage.Store
	Cache       Cache
	Invalidator Invalidator
	// Queues exposes dead letters by queue name.
	Queues map[string]*queue.Queue
	// Checks run on /ready in addition to the store ping.
	Checks map[string]Check
	// RateLimit wraps the ingestion endpoints.
	RateLimit func(http.Handler) http.Handler
	// HEC is mounted at /services/collector.
	HEC            http.Handler
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Logger         *zap.Logger
	Version        string
	Timeout        time.Duration
}

// Server holds the API handlers.
type Server struct {
	ingester    Ingester
	store       storage.Store
	cache       Cache
	invalidator Invalidator
	queues      map[string]*queue.Queue
	checks      map[string]Check
	metrics     *observability.Metrics
	logger      *zap.Logger
	version     string
}

// NewServer creates a server.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Server{
		ingester:    d.Ingester,
		store:       d.Store,
		cache:       d.Cache,
		invalidator: d.Invalidator,
		queues:      d.Queues,
		checks:      d.Checks,
		metrics:     d.Metrics,
		logger:      d.Logger,
		version:     d.Version,
	}
}

// Router builds the HTTP handler for d.
func Router(d Deps) http.Handler {
	s := NewServer(d)
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := d.RateLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics(s.metrics))
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(limit).Post("/ingest", s.handleIngest)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.handleListLogs)
			r.Get("/{id}", s.handleGetLog)
			r.Delete("/{id}", s.handleDeleteLog)
		})

		r.Get("/alerts", s.handleListAlerts)
		r.Get("/queues/{queue}/dead-letters", s.handleDeadLetters)
	})

	if d.HEC != nil {
		r.With(limit).Mount("/services/collector", d.HEC)
	}

	return r
}

// invalidate is best-effort: cached lists also expire with their TTL.
func (s *Server) invalidate(ctx context.Context, pattern string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.RequestInvalidation(ctx, pattern); err != nil {
		s.logger.Warn("Failed to request cache invalidation", zap.String("pattern", pattern), zap.Error(err))
	}
}

// cachedList reads through the cache. A cache outage falls back to fill.
func cachedList[T any](ctx context.Context, s *Server, key string, fill func(ctx context.Context) ([]T, error)) ([]T, error) {
	if s.cache == nil {
		return fill(ctx)
	}

	var (
		out     []T
		fresh   []T
		filled  bool
		fillErr error
	)
	err := s.cache.GetOrSet(ctx, key, &out, func(ctx context.Context) (any, error) {
		v, err := fill(ctx)
		if err != nil {
			fillErr = err
			return nil, err
		}
		fresh, filled = v, true
		return v, nil
	})
	switch {
	case err == nil:
		return out, nil
	case fillErr != nil:
		return nil, fillErr
	case filled:
		s.logger.Warn("Failed to populate cache", zap.String("key", key), zap.Error(err))
		return fresh, nil
	}

	v, ferr := fill(ctx)
	if ferr != nil {
		return nil, ferr
	}
	s.logger.Warn("Cache unavailable, served from store", zap.String("key", key), zap.Error(err))
	return v, nil
}
