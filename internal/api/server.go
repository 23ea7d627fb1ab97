// Package api exposes the analysis pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/monitoring"
	"github.com/sells-group/synthesis-cli/internal/pipeline"
	"github.com/sells-group/synthesis-cli/internal/store"
)

// Analyzer runs analyses. *pipeline.Orchestrator satisfies it.
type Analyzer interface {
	Run(ctx context.Context, in model.Input) (*pipeline.Result, error)
	Start(ctx context.Context, in model.Input) (string, error)
	RunBatch(ctx context.Context, inputs []model.Input) []pipeline.BatchItem
}

// StatsCollector produces run statistics. *monitoring.Collector satisfies it.
type StatsCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// DefaultMaxBatch caps the number of inputs accepted by one batch request.
const DefaultMaxBatch = 50

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	analyzer Analyzer
	store    store.Store
	stats    StatsCollector

	corsOrigins []string
	maxBatch    int
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins sets the allowed CORS origins. Empty allows any origin.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMaxBatch overrides DefaultMaxBatch.
func WithMaxBatch(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

// New creates a Server.
func New(a Analyzer, st store.Store, stats StatsCollector, opts ...Option) *Server {
	s := &Server{
		analyzer: a,
		store:    st,
		stats:    stats,
		maxBatch: DefaultMaxBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/strategies", s.handleStrategies)
	r.Get("/stats", s.handleStats)

	r.Route("/analyses", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleAnalyze)
		r.Post("/batch", s.handleBatch)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Get("/status", s.handleStatus)
			r.Get("/artifacts/{key}", s.handleArtifact)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
