package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/cache"
	"github.com/shopquery/shopquery/pkg/models"
	"github.com/shopquery/shopquery/pkg/warehouse"
)

const (
	cacheHeader   = "X-Cache"
	maxQueryBytes = 64 << 10
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "shopquery API",
		"status":    "running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.dataset.Ping(r.Context()) == nil

	// Pinging the model costs a completion, so only do it on request.
	llmOK := s.llm != nil
	if llmOK && r.URL.Query().Get("deep") == "true" {
		llmOK = s.llm.Ping(r.Context()) == nil
	}

	status := "healthy"
	if !dbOK || !llmOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:    status,
		Database:  dbOK,
		LLM:       llmOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.dataset.Schema(r.Context())
	if err != nil {
		s.logger.Error("failed to get schema", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "Failed to retrieve database schema", "")
		return
	}
	if len(schema) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "No database schema found", "")
		return
	}
	writeJSON(w, http.StatusOK, models.SchemaResponse{
		Schema:      schema,
		TableCount:  len(schema),
		Fingerprint: cache.SchemaFingerprint(schema),
	})
}

func (s *Server) handleSampleData(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "validation_error", "Limit must be between 1 and 100", "")
			return
		}
		limit = n
	}

	data, err := s.dataset.SampleData(r.Context(), r.URL.Query().Get("table_name"), limit)
	if errors.Is(err, warehouse.ErrUnknownTable) {
		writeError(w, http.StatusNotFound, "not_found", "No sample data found", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to get sample data", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "Failed to retrieve sample data", "")
		return
	}

	tables := make([]string, 0, len(data))
	for t := range data {
		tables = append(tables, t)
	}
	writeJSON(w, http.StatusOK, models.SampleDataResponse{SampleData: data, Tables: tables})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	resp, hit, err := s.answer(r, req, start)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	if hit {
		w.Header().Set(cacheHeader, "hit")
	} else {
		w.Header().Set(cacheHeader, "miss")
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeQuery reads and validates a question body. It writes the 422 itself
// and reports false when the body is unusable.
func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (models.QueryRequest, bool) {
	var req models.QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "Validation Error", "invalid request body")
		return req, false
	}
	req.Query = strings.TrimSpace(req.Query)
	if err := validateStruct(req); err != nil {
		s.logger.Warn("rejected query", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "Validation Error", err.Error())
		return req, false
	}
	return req, true
}

// answer serves req from the cache, or runs the pipeline on a miss, and
// records the outcome in the query log.
func (s *Server) answer(r *http.Request, req models.QueryRequest, start time.Time) (models.QueryResponse, bool, error) {
	// Responses with and without a chart hint are cached separately.
	fp, err := s.dataset.Fingerprint(r.Context())
	c := s.cache
	if err != nil {
		s.logger.Warn("schema fingerprint unavailable, bypassing cache", zap.Error(err))
		c = nil
	}
	fp = scopedFingerprint(fp, req.IncludeVisualization)

	resp, hit, err := c.GetOrCompute(r.Context(), req.Query, fp, func(ctx context.Context) (models.QueryResponse, error) {
		return s.pipeline.Run(ctx, req.Query, req.IncludeVisualization)
	})
	s.recordQuery(r, req.Query, cache.Key(req.Query, fp), hit, resp.RecordCount, start, err)
	return resp, hit, err
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, warehouse.ErrUnsafeSQL):
		s.logger.Warn("generated sql rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "validation_error", "Generated query was rejected", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "Query processing timed out", "")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		s.logger.Error("query processing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error",
			"Query processing failed. Please try again or contact support.", "")
	}
}

func (s *Server) recordQuery(r *http.Request, question, key string, hit bool, count int, start time.Time, qerr error) {
	if s.queryLog == nil {
		return
	}
	rec := models.QueryRecord{
		ID:          middleware.GetReqID(r.Context()),
		Question:    question,
		CacheKey:    key,
		CacheHit:    hit,
		RecordCount: count,
		LatencyMs:   time.Since(start).Milliseconds(),
		Status:      "ok",
		CreatedAt:   time.Now().UTC(),
	}
	if qerr != nil {
		rec.Status = "error"
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.queryLog.Record(ctx, rec); err != nil {
			s.logger.Warn("query log write failed", zap.Error(err))
		}
	}()
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cache_stats": s.cache.GetStatistics(),
		"enabled":     s.cache != nil,
		"status":      "healthy",
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.ClearAll()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cache cleared successfully"})
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.cache.RunCleanupSweep()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "Cache cleanup completed",
		"removed_entries": removed,
	})
}

func scopedFingerprint(fp string, includeVisualization bool) string {
	if includeVisualization {
		return fp + "+viz"
	}
	return fp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg, details string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:     msg,
		ErrorType: errType,
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
