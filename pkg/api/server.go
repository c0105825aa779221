// Package api exposes the query, export, schema and cache endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/cache"
	"github.com/shopquery/shopquery/pkg/models"
	"github.com/shopquery/shopquery/pkg/querylog"
)

// Answerer runs the uncached question pipeline.
type Answerer interface {
	Run(ctx context.Context, question string, includeVisualization bool) (models.QueryResponse, error)
}

// Dataset is the read side of the warehouse the API needs.
type Dataset interface {
	Ping(ctx context.Context) error
	Schema(ctx context.Context) (models.Schema, error)
	Fingerprint(ctx context.Context) (string, error)
	SampleData(ctx context.Context, table string, limit int) (map[string][]map[string]any, error)
}

// Pinger reports whether the language model is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Server. Cache, LLM, QueryLog and Registry may be nil.
type Options struct {
	Listen   string
	Cache    *cache.QueryCache
	Pipeline Answerer
	Dataset  Dataset
	LLM      Pinger
	QueryLog querylog.Log
	Registry *prometheus.Registry
	Logger   *zap.Logger
	Timeout  time.Duration
}

// Server is the shopquery HTTP API.
type Server struct {
	listen   string
	cache    *cache.QueryCache
	pipeline Answerer
	dataset  Dataset
	llm      Pinger
	queryLog querylog.Log
	logger   *zap.Logger
	router   chi.Router

	// pending tracks background query log writes.
	pending sync.WaitGroup
}

// New creates a Server with middleware and routes configured.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	s := &Server{
		listen:   opts.Listen,
		cache:    opts.Cache,
		pipeline: opts.Pipeline,
		dataset:  opts.Dataset,
		llm:      opts.LLM,
		queryLog: opts.QueryLog,
		logger:   logger.Named("api"),
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(timeout))

	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/schema", s.handleSchema)
	s.router.Get("/sample-data", s.handleSampleData)
	s.router.Post("/query", s.handleQuery)
	s.router.Post("/query-stream", s.handleQueryStream)
	s.router.Post("/export/csv", s.handleExportCSV)
	s.router.Post("/export/json", s.handleExportJSON)

	s.router.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Post("/clear", s.handleCacheClear)
		r.Post("/cleanup", s.handleCacheCleanup)
	})

	if opts.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("shopquery listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	// Query log writes started by finished requests complete before the
	// caller closes the log.
	defer s.pending.Wait()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
