package models

import "time"

// QueryRecord is one served question in the query log.
type QueryRecord struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	CacheKey    string    `json:"cache_key"`
	CacheHit    bool      `json:"cache_hit"`
	RecordCount int       `json:"record_count"`
	LatencyMs   int64     `json:"latency_ms"`
	Status      string    `json:"status"` // "ok" or "error"
	CreatedAt   time.Time `json:"created_at"`
}

// QuerySummary aggregates the query log by day.
type QuerySummary struct {
	Day          string  `json:"day"`
	Requests     int64   `json:"requests"`
	CacheHits    int64   `json:"cache_hits"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}
