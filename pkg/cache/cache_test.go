package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shopquery/shopquery/pkg/models"
)

const testFP = "fp"

func newTestCache(t *testing.T, opts Options) *QueryCache {
	t.Helper()
	if opts.MaxSize == 0 {
		opts.MaxSize = 10
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	c := New(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func answer(text string) models.QueryResponse {
	return models.QueryResponse{
		Response:    text,
		SQLQuery:    "SELECT 1",
		Data:        []map[string]any{{"n": 1}},
		RecordCount: 1,
	}
}

func TestLookupAndStore(t *testing.T) {
	c := newTestCache(t, Options{})

	if _, ok := c.Lookup("What are sales?", testFP); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Store("What are sales?", testFP, answer("lots"))

	resp, ok := c.Lookup("  what ARE sales?", testFP)
	if !ok {
		t.Fatal("expected hit for normalized question")
	}
	if resp.Response != "lots" || !resp.Cached {
		t.Errorf("unexpected response: %+v", resp)
	}

	if _, ok := c.Lookup("What are sales?", "other-schema"); ok {
		t.Error("different schema should miss")
	}
}

func TestGetStatistics(t *testing.T) {
	c := newTestCache(t, Options{MaxSize: 7, TTL: 90 * time.Second})
	c.Store("q", testFP, answer("a"))
	c.Lookup("q", testFP)
	c.Lookup("q", testFP)
	c.Lookup("q", testFP)
	c.Lookup("nope", testFP)

	st := c.GetStatistics()
	if st.Hits != 3 || st.Misses != 1 {
		t.Errorf("expected 3 hits 1 miss, got %+v", st)
	}
	if st.HitRate != 0.75 {
		t.Errorf("expected hit rate 0.75, got %f", st.HitRate)
	}
	if st.Capacity != 7 || st.TTLSeconds != 90 || st.Size != 1 {
		t.Errorf("unexpected shape: %+v", st)
	}
}

func TestClearAll(t *testing.T) {
	c := newTestCache(t, Options{})
	c.Store("q", testFP, answer("a"))
	c.Lookup("q", testFP)
	c.ClearAll()

	if _, ok := c.Lookup("q", testFP); ok {
		t.Error("expected miss after clear")
	}
	if st := c.GetStatistics(); st.Size != 0 || st.Hits != 1 {
		t.Errorf("clear should drop entries but keep history: %+v", st)
	}
}

func TestRunCleanupSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	c := newTestCache(t, Options{TTL: time.Minute, Now: clock})
	c.Store("old one", testFP, answer("1"))
	c.Store("old two", testFP, answer("2"))
	advance(45 * time.Second)
	c.Store("fresh", testFP, answer("3"))
	advance(30 * time.Second)

	if removed := c.RunCleanupSweep(); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, ok := c.Lookup("fresh", testFP); !ok {
		t.Error("fresh entry should survive sweep")
	}
	if exp := c.GetStatistics().Expirations; exp != 2 {
		t.Errorf("expected 2 expirations, got %d", exp)
	}
}

func TestBackgroundSweep(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: 5 * time.Millisecond, CleanupInterval: 10 * time.Millisecond})
	c.Start(context.Background())
	defer c.Close()

	c.Store("q", testFP, answer("a"))

	deadline := time.Now().Add(2 * time.Second)
	for c.GetStatistics().Size != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep did not remove expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.GetStatistics().Expirations != 1 {
		t.Errorf("expected expiration recorded by sweep")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(Options{})
	c.Start(context.Background())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestGetOrCompute(t *testing.T) {
	c := newTestCache(t, Options{})
	calls := 0
	compute := func(context.Context) (models.QueryResponse, error) {
		calls++
		return answer("computed"), nil
	}

	resp, hit, err := c.GetOrCompute(context.Background(), "q", testFP, compute)
	if err != nil || hit || resp.Response != "computed" {
		t.Fatalf("first call: resp=%+v hit=%v err=%v", resp, hit, err)
	}
	resp, hit, err = c.GetOrCompute(context.Background(), "Q ", testFP, compute)
	if err != nil || !hit || !resp.Cached {
		t.Fatalf("second call should hit: resp=%+v hit=%v err=%v", resp, hit, err)
	}
	if calls != 1 {
		t.Errorf("expected 1 computation, got %d", calls)
	}
}

func TestGetOrComputeFailureNotCached(t *testing.T) {
	c := newTestCache(t, Options{SingleFlight: true})
	boom := errors.New("llm unavailable")

	_, _, err := c.GetOrCompute(context.Background(), "q", testFP, func(context.Context) (models.QueryResponse, error) {
		return models.QueryResponse{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}
	if _, ok := c.Lookup("q", testFP); ok {
		t.Error("failed computation must not be cached")
	}
	if got := testutil.ToFloat64(c.metrics.ComputeFailures); got != 1 {
		t.Errorf("expected 1 compute failure, got %v", got)
	}
}

func TestGetOrComputeCancelledNotCached(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	_, _, err := c.GetOrCompute(ctx, "q", testFP, func(context.Context) (models.QueryResponse, error) {
		cancel()
		return answer("too late"), nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := c.Lookup("q", testFP); ok {
		t.Error("cancelled computation must not be cached")
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(t, Options{SingleFlight: true})
	var calls atomic.Int32
	release := make(chan struct{})

	compute := func(context.Context) (models.QueryResponse, error) {
		calls.Add(1)
		<-release
		return answer("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([]models.QueryResponse, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _, err := c.GetOrCompute(context.Background(), "same question", testFP, compute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = resp
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 computation, got %d", n)
	}
	for i, r := range results {
		if r.Response != "shared" {
			t.Errorf("result %d: unexpected response %q", i, r.Response)
		}
	}
}

func TestGetOrComputeFollowersRecomputeOnceAfterLeaderCancel(t *testing.T) {
	c := newTestCache(t, Options{SingleFlight: true})
	var calls atomic.Int32

	compute := func(ctx context.Context) (models.QueryResponse, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return models.QueryResponse{}, ctx.Err()
		}
		return answer("recomputed"), nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leaderCtx, "same question", testFP, compute)
		leaderErr <- err
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	var wg sync.WaitGroup
	results := make([]models.QueryResponse, 6)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), "same question", testFP, compute)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader: expected context.Canceled, got %v", err)
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("follower %d: unexpected error: %v", i, errs[i])
		}
		if results[i].Response != "recomputed" {
			t.Errorf("follower %d: unexpected response %q", i, results[i].Response)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected the cancelled run plus exactly 1 recomputation, got %d", n)
	}
}

func TestStoreSkipsOversizeResponse(t *testing.T) {
	c := newTestCache(t, Options{MaxEntryBytes: 256})
	big := answer(strings.Repeat("x", 1024))

	c.Store("big", testFP, big)
	if _, ok := c.Lookup("big", testFP); ok {
		t.Error("oversize response should not be cached")
	}
	if got := testutil.ToFloat64(c.metrics.SkippedWrites); got != 1 {
		t.Errorf("expected 1 skipped write, got %v", got)
	}

	c.Store("small", testFP, answer("ok"))
	if _, ok := c.Lookup("small", testFP); !ok {
		t.Error("small response should be cached")
	}
}

func TestNilCacheAlwaysMisses(t *testing.T) {
	var c *QueryCache

	c.Store("q", testFP, answer("a"))
	if _, ok := c.Lookup("q", testFP); ok {
		t.Error("nil cache should miss")
	}
	c.ClearAll()
	if c.RunCleanupSweep() != 0 {
		t.Error("nil cache sweep should remove nothing")
	}
	resp, hit, err := c.GetOrCompute(context.Background(), "q", testFP, func(context.Context) (models.QueryResponse, error) {
		return answer("fresh"), nil
	})
	if err != nil || hit || resp.Response != "fresh" {
		t.Errorf("nil cache should compute: %+v %v %v", resp, hit, err)
	}
	if err := c.Close(); err != nil {
		t.Error(err)
	}
}

func TestMetricsRegister(t *testing.T) {
	m := NewMetrics("test")
	c := newTestCache(t, Options{Metrics: m})
	reg := prometheus.NewRegistry()
	if err := m.Register(reg, c); err != nil {
		t.Fatal(err)
	}

	c.Store("q", testFP, answer("a"))
	c.Lookup("q", testFP)
	c.Lookup("missing", testFP)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	if values["test_cache_hits_total"] != 1 {
		t.Errorf("hits metric = %v", values["test_cache_hits_total"])
	}
	if values["test_cache_misses_total"] != 1 {
		t.Errorf("misses metric = %v", values["test_cache_misses_total"])
	}
	if values["test_cache_entries"] != 1 {
		t.Errorf("entries metric = %v", values["test_cache_entries"])
	}
}
