package models

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	TTLSeconds  int64   `json:"ttl_seconds"`
	HitRate     float64 `json:"hit_rate"`
}
