package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shopquery/shopquery/pkg/models"
)

// Metrics holds the Prometheus instruments owned by a QueryCache. Counters
// already kept by the store are exported as func metrics at registration.
type Metrics struct {
	namespace string

	ComputeDuration    prometheus.Histogram
	ComputeFailures    prometheus.Counter
	SweepRuns          prometheus.Counter
	SkippedWrites      prometheus.Counter
	SingleFlightShared prometheus.Counter
}

// NewMetrics creates unregistered cache metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		namespace: namespace,
		ComputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "compute_duration_seconds",
			Help:      "Time spent computing responses for cache misses",
			Buckets:   prometheus.DefBuckets,
		}),
		ComputeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "compute_failures_total",
			Help:      "Cache-miss computations that failed or were cancelled",
		}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "sweep_runs_total",
			Help:      "Number of cleanup sweeps executed",
		}),
		SkippedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "skipped_writes_total",
			Help:      "Responses not cached because they were rejected by the store",
		}),
		SingleFlightShared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "singleflight_shared_total",
			Help:      "Misses answered by another in-flight computation for the same key",
		}),
	}
}

// Register adds the cache metrics, plus func metrics reading c's statistics, to reg.
func (m *Metrics) Register(reg prometheus.Registerer, c *QueryCache) error {
	collectors := []prometheus.Collector{
		m.ComputeDuration, m.ComputeFailures, m.SweepRuns, m.SkippedWrites, m.SingleFlightShared,
		m.counterFunc("hits_total", "Cache hits", c, func(s models.CacheStats) float64 { return float64(s.Hits) }),
		m.counterFunc("misses_total", "Cache misses", c, func(s models.CacheStats) float64 { return float64(s.Misses) }),
		m.counterFunc("evictions_total", "Capacity evictions", c, func(s models.CacheStats) float64 { return float64(s.Evictions) }),
		m.counterFunc("expirations_total", "TTL expirations", c, func(s models.CacheStats) float64 { return float64(s.Expirations) }),
		m.gaugeFunc("entries", "Current number of cached entries", c, func(s models.CacheStats) float64 { return float64(s.Size) }),
		m.gaugeFunc("capacity", "Maximum number of cached entries", c, func(s models.CacheStats) float64 { return float64(s.Capacity) }),
		m.gaugeFunc("hit_ratio", "hits / (hits + misses)", c, func(s models.CacheStats) float64 { return s.HitRate }),
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) counterFunc(name, help string, c *QueryCache, f func(models.CacheStats) float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      name,
		Help:      help,
	}, func() float64 { return f(c.GetStatistics()) })
}

func (m *Metrics) gaugeFunc(name, help string, c *QueryCache, f func(models.CacheStats) float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      name,
		Help:      help,
	}, func() float64 { return f(c.GetStatistics()) })
}
