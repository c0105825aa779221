package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopquery/shopquery/pkg/cache"
	"github.com/shopquery/shopquery/pkg/models"
	"github.com/shopquery/shopquery/pkg/warehouse"
)

type fakeAnswerer struct {
	calls  atomic.Int32
	err    error
	noRows bool
}

func (f *fakeAnswerer) Run(_ context.Context, question string, viz bool) (models.QueryResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.QueryResponse{}, f.err
	}
	resp := models.QueryResponse{
		Response:    "answer to " + question,
		Data:        []map[string]any{{"sku": "A1", "revenue": 160.75}},
		SQLQuery:    "SELECT sku, SUM(amount) AS revenue FROM sales GROUP BY sku",
		RecordCount: 1,
	}
	if f.noRows {
		resp.Data, resp.RecordCount = nil, 0
	}
	if viz {
		resp.Visualization = &models.ChartHint{Type: "bar", XField: "sku", YField: "revenue"}
	}
	return resp, nil
}

type fakeDataset struct {
	fpErr error
}

func (f *fakeDataset) Ping(context.Context) error { return nil }

func (f *fakeDataset) Schema(context.Context) (models.Schema, error) {
	return models.Schema{"sales": {{Name: "sku", Type: "TEXT"}, {Name: "amount", Type: "REAL"}}}, nil
}

func (f *fakeDataset) Fingerprint(context.Context) (string, error) {
	if f.fpErr != nil {
		return "", f.fpErr
	}
	return "fp-1", nil
}

func (f *fakeDataset) SampleData(_ context.Context, table string, limit int) (map[string][]map[string]any, error) {
	if table != "" && table != "sales" {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrUnknownTable, table)
	}
	rows := make([]map[string]any, 0, limit)
	for i := range limit {
		rows = append(rows, map[string]any{"sku": fmt.Sprintf("A%d", i)})
	}
	return map[string][]map[string]any{"sales": rows}, nil
}

type fakeQueryLog struct {
	mu      sync.Mutex
	records []models.QueryRecord
	delay   time.Duration
}

func (f *fakeQueryLog) Record(_ context.Context, rec models.QueryRecord) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeQueryLog) Recent(context.Context, int) ([]models.QueryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.QueryRecord(nil), f.records...), nil
}

func (f *fakeQueryLog) Summary(context.Context, time.Time) ([]models.QuerySummary, error) {
	return nil, nil
}

func (f *fakeQueryLog) Close() error { return nil }

func (f *fakeQueryLog) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type testEnv struct {
	srv    *Server
	cache  *cache.QueryCache
	answer *fakeAnswerer
	data   *fakeDataset
	qlog   *fakeQueryLog
	reg    *prometheus.Registry
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := cache.NewMetrics("shopquery")
	c := cache.New(cache.Options{MaxSize: 10, TTL: time.Hour, SingleFlight: true, Metrics: metrics})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, metrics.Register(reg, c))

	env := &testEnv{
		cache:  c,
		answer: &fakeAnswerer{},
		data:   &fakeDataset{},
		qlog:   &fakeQueryLog{},
		reg:    reg,
	}
	env.srv = New(Options{
		Cache:    c,
		Pipeline: env.answer,
		Dataset:  env.data,
		QueryLog: env.qlog,
		Registry: reg,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestQueryCachesSecondRequest(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	first := decode[models.QueryResponse](t, w)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.RecordCount)

	w = env.do(t, http.MethodPost, "/query", `{"query":"  TOTAL   revenue per SKU "}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	second := decode[models.QueryResponse](t, w)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Response, second.Response)

	assert.Equal(t, int32(1), env.answer.calls.Load())
	st := env.cache.GetStatistics()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, 1, st.Size)
}

func TestQueryVisualizationCachedSeparately(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku","include_visualization":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	resp := decode[models.QueryResponse](t, w)
	require.NotNil(t, resp.Visualization)
	assert.Equal(t, "bar", resp.Visualization.Type)
	assert.Equal(t, int32(2), env.answer.calls.Load())
}

func TestQueryValidation(t *testing.T) {
	env := setupServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"query":`, "invalid request body"},
		{"empty", `{"query":"   "}`, "query is required"},
		{"too short", `{"query":"ab"}`, "at least 3"},
		{"one word", `{"query":"revenue"}`, "at least 2 words"},
		{"dangerous", `{"query":"drop table sales please"}`, "DROP"},
		{"too long", fmt.Sprintf(`{"query":"%s"}`, strings.Repeat("ab ", 400)), "at most 1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/query", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			resp := decode[models.ErrorResponse](t, w)
			assert.Equal(t, "validation_error", resp.ErrorType)
			assert.Contains(t, resp.Details, tt.want)
		})
	}
	assert.Zero(t, env.answer.calls.Load())
}

func TestQueryErrorsAreNotCached(t *testing.T) {
	env := setupServer(t)
	env.answer.err = errors.New("llm unavailable")

	w := env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, env.cache.GetStatistics().Size)

	env.answer.err = fmt.Errorf("generated: %w", warehouse.ErrUnsafeSQL)
	w = env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.answer.err = context.DeadlineExceeded
	w = env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	assert.Zero(t, env.cache.GetStatistics().Size)
	assert.Equal(t, int32(3), env.answer.calls.Load())
}

func TestQueryBypassesCacheWithoutFingerprint(t *testing.T) {
	env := setupServer(t)
	env.data.fpErr = errors.New("schema unavailable")

	for range 2 {
		w := env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	}
	assert.Equal(t, int32(2), env.answer.calls.Load())
	assert.Zero(t, env.cache.GetStatistics().Size)
}

func TestQueryWithCacheDisabled(t *testing.T) {
	answer := &fakeAnswerer{}
	srv := New(Options{Pipeline: answer, Dataset: &fakeDataset{}})

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"Total revenue per sku"}`))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int32(2), answer.calls.Load())

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enabled":false`)
}

func TestQueryIsRecorded(t *testing.T) {
	env := setupServer(t)

	env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)

	assert.Eventually(t, func() bool { return env.qlog.len() == 2 }, time.Second, 10*time.Millisecond)

	recs, _ := env.qlog.Recent(context.Background(), 10)
	hits := 0
	for _, r := range recs {
		assert.Equal(t, "ok", r.Status)
		assert.Len(t, r.CacheKey, 64)
		assert.NotEmpty(t, r.ID)
		if r.CacheHit {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}

func TestListenAndServeWaitsForQueryLogWrites(t *testing.T) {
	qlog := &fakeQueryLog{delay: 200 * time.Millisecond}
	srv := New(Options{Listen: "127.0.0.1:0", Pipeline: &fakeAnswerer{}, Dataset: &fakeDataset{}, QueryLog: qlog})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"Total revenue per sku"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, qlog.len(), "query log write should finish before ListenAndServe returns")
}

func TestCacheEndpoints(t *testing.T) {
	env := setupServer(t)
	env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)

	w := env.do(t, http.MethodGet, "/cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[struct {
		CacheStats models.CacheStats `json:"cache_stats"`
		Status     string            `json:"status"`
	}](t, w)
	assert.Equal(t, "healthy", stats.Status)
	assert.Equal(t, int64(1), stats.CacheStats.Hits)
	assert.Equal(t, int64(1), stats.CacheStats.Misses)
	assert.Equal(t, 1, stats.CacheStats.Size)
	assert.Equal(t, 10, stats.CacheStats.Capacity)
	assert.InDelta(t, 0.5, stats.CacheStats.HitRate, 1e-9)

	w = env.do(t, http.MethodPost, "/cache/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	cleanup := decode[map[string]any](t, w)
	assert.Equal(t, "Cache cleanup completed", cleanup["message"])
	assert.Equal(t, float64(0), cleanup["removed_entries"])

	w = env.do(t, http.MethodPost, "/cache/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Cache cleared successfully")
	assert.Zero(t, env.cache.GetStatistics().Size)

	w = env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupServer(t)
	env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)
	env.do(t, http.MethodPost, "/query", `{"query":"Total revenue per sku"}`)

	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "shopquery_cache_hits_total 1")
	assert.Contains(t, body, "shopquery_cache_misses_total 1")
	assert.Contains(t, body, "shopquery_cache_entries 1")
}

func TestHealth(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.HealthResponse](t, w)
	assert.True(t, resp.Database)
	// No LLM client configured.
	assert.False(t, resp.LLM)
	assert.Equal(t, "degraded", resp.Status)
}

func TestSchemaAndSampleData(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodGet, "/schema", "")
	require.Equal(t, http.StatusOK, w.Code)
	schema := decode[models.SchemaResponse](t, w)
	assert.Equal(t, 1, schema.TableCount)
	assert.Len(t, schema.Fingerprint, 64)

	w = env.do(t, http.MethodGet, "/sample-data?table_name=sales&limit=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	sample := decode[models.SampleDataResponse](t, w)
	assert.Len(t, sample.SampleData["sales"], 3)
	assert.Equal(t, []string{"sales"}, sample.Tables)

	w = env.do(t, http.MethodGet, "/sample-data?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/sample-data?table_name=nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
