// Package cache caches whole query responses keyed by a normalized question
// and the schema fingerprint it was answered against.
//
// A nil *QueryCache is valid and behaves as a cache that always misses, so
// callers can run with caching disabled without branching.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shopquery/shopquery/pkg/cache/memory"
	"github.com/shopquery/shopquery/pkg/models"
)

// DefaultCleanupInterval is how often the background sweep runs.
const DefaultCleanupInterval = time.Hour

// Options configures a QueryCache.
type Options struct {
	MaxSize           int
	TTL               time.Duration
	CleanupInterval   time.Duration
	MaxEntryBytes     int
	ResetStatsOnClear bool
	SingleFlight      bool

	Logger  *zap.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// ComputeFunc produces a fresh response on a cache miss.
type ComputeFunc func(ctx context.Context) (models.QueryResponse, error)

// QueryCache is the process-wide response cache. Create one at startup with
// New, call Start to run the periodic sweep, and Close at shutdown.
type QueryCache struct {
	store    *memory.Store[models.QueryResponse]
	interval time.Duration
	single   bool
	logger   *zap.Logger
	metrics  *Metrics
	group    singleflight.Group

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a QueryCache. Zero options fall back to the store defaults.
func New(opts Options) *QueryCache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics("shopquery")
	}
	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	c := &QueryCache{
		interval: interval,
		single:   opts.SingleFlight,
		logger:   logger.Named("cache"),
		metrics:  metrics,
		done:     make(chan struct{}),
	}
	storeOpts := memory.Options[models.QueryResponse]{
		MaxSize:           opts.MaxSize,
		TTL:               opts.TTL,
		ResetStatsOnClear: opts.ResetStatsOnClear,
		Now:               opts.Now,
		OnRemove: func(key string, reason memory.RemovalReason) {
			c.logger.Debug("cache entry removed",
				zap.String("key", shortKey(key)),
				zap.Stringer("reason", reason))
		},
	}
	if opts.MaxEntryBytes > 0 {
		storeOpts.MaxEntryBytes = opts.MaxEntryBytes
		storeOpts.SizeOf = responseSize
	}
	c.store = memory.New(storeOpts)

	st := c.store.Stats()
	c.logger.Info("cache initialized",
		zap.Int("max_size", st.Capacity),
		zap.Int64("ttl_seconds", st.TTLSeconds),
		zap.Duration("cleanup_interval", interval),
		zap.Bool("single_flight", opts.SingleFlight))
	return c
}

// Lookup returns the cached response for question, if any. A miss is not an error.
func (c *QueryCache) Lookup(question, fingerprint string) (models.QueryResponse, bool) {
	if c == nil {
		return models.QueryResponse{}, false
	}
	key := Key(question, fingerprint)
	resp, ok := c.store.Get(key)
	if !ok {
		c.logger.Debug("cache miss", zap.String("key", shortKey(key)))
		return models.QueryResponse{}, false
	}
	c.logger.Debug("cache hit", zap.String("key", shortKey(key)))
	resp.Cached = true
	return resp, true
}

// Store caches resp for question. Rejected writes are logged and dropped.
func (c *QueryCache) Store(question, fingerprint string, resp models.QueryResponse) {
	if c == nil {
		return
	}
	c.put(Key(question, fingerprint), resp)
}

func (c *QueryCache) put(key string, resp models.QueryResponse) {
	resp.Cached = false
	if err := c.store.Put(key, resp); err != nil {
		c.metrics.SkippedWrites.Inc()
		c.logger.Warn("skipping cache write", zap.String("key", shortKey(key)), zap.Error(err))
		return
	}
	c.logger.Debug("cached response", zap.String("key", shortKey(key)), zap.Int("size", c.store.Len()))
}

// GetOrCompute returns the cached response for question or runs compute and
// caches its result. compute runs without any cache lock held. Failed or
// cancelled computations are not cached. The bool reports a cache hit.
func (c *QueryCache) GetOrCompute(ctx context.Context, question, fingerprint string, compute ComputeFunc) (models.QueryResponse, bool, error) {
	if c == nil {
		resp, err := compute(ctx)
		return resp, false, err
	}
	if resp, ok := c.Lookup(question, fingerprint); ok {
		return resp, true, nil
	}

	key := Key(question, fingerprint)
	if !c.single {
		resp, err := c.computeAndStore(ctx, key, compute)
		return resp, false, err
	}

	for {
		led := false
		ch := c.group.DoChan(key, func() (any, error) {
			led = true
			return c.computeAndStore(ctx, key, compute)
		})
		select {
		case <-ctx.Done():
			return models.QueryResponse{}, false, ctx.Err()
		case res := <-ch:
			if res.Shared {
				c.metrics.SingleFlightShared.Inc()
			}
			if res.Err == nil {
				return res.Val.(models.QueryResponse), false, nil
			}
			// Another caller led the flight and its context ended while ours
			// is still live: join or lead a fresh flight for the key.
			if !led && isContextErr(res.Err) && ctx.Err() == nil {
				continue
			}
			return models.QueryResponse{}, false, res.Err
		}
	}
}

func (c *QueryCache) computeAndStore(ctx context.Context, key string, compute ComputeFunc) (models.QueryResponse, error) {
	// Another flight may have filled the key after our lookup.
	if e, ok := c.store.Peek(key); ok {
		resp := e.Value
		resp.Cached = true
		return resp, nil
	}

	start := time.Now()
	resp, err := compute(ctx)
	c.metrics.ComputeDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		c.metrics.ComputeFailures.Inc()
		return models.QueryResponse{}, err
	}
	c.put(key, resp)
	return resp, nil
}

// ClearAll removes every cached response.
func (c *QueryCache) ClearAll() {
	if c == nil {
		return
	}
	c.store.Clear()
	c.logger.Info("cache cleared")
}

// GetStatistics returns the current cache counters.
func (c *QueryCache) GetStatistics() models.CacheStats {
	if c == nil {
		return models.CacheStats{}
	}
	return c.store.Stats()
}

// RunCleanupSweep removes expired entries and returns how many were removed.
func (c *QueryCache) RunCleanupSweep() int {
	if c == nil {
		return 0
	}
	removed := c.store.Sweep()
	c.metrics.SweepRuns.Inc()
	if removed > 0 {
		c.logger.Info("cleaned up expired cache entries", zap.Int("removed", removed))
	}
	return removed
}

// Start runs the periodic cleanup sweep until ctx ends or Close is called.
func (c *QueryCache) Start(ctx context.Context) {
	if c == nil {
		return
	}
	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (c *QueryCache) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

func (c *QueryCache) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunCleanupSweep()
		}
	}
}

func responseSize(resp models.QueryResponse) int {
	b, err := json.Marshal(resp)
	if err != nil {
		// Unmeasurable payloads are treated as too large to cache.
		return int(^uint(0) >> 1)
	}
	return len(b)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
