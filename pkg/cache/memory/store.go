// Package memory implements a bounded, process-local key/value store with
// least-recently-used eviction and time-based expiry.
package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/shopquery/shopquery/pkg/models"
)

// ErrEntryTooLarge is returned by Put when a value exceeds Options.MaxEntryBytes.
var ErrEntryTooLarge = errors.New("cache entry exceeds maximum size")

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultMaxSize = 1000
	DefaultTTL     = 1800 * time.Second
)

// RemovalReason explains why an entry left the store.
type RemovalReason int

const (
	// Expired entries reached their ExpiresAt.
	Expired RemovalReason = iota
	// Evicted entries were dropped to make room for a new key.
	Evicted
)

func (r RemovalReason) String() string {
	switch r {
	case Expired:
		return "expired"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Options configures a Store.
type Options[V any] struct {
	MaxSize int
	TTL     time.Duration

	// MaxEntryBytes rejects values whose SizeOf exceeds it. Zero disables the check.
	MaxEntryBytes int
	SizeOf        func(V) int

	// ResetStatsOnClear zeroes the cumulative counters on Clear.
	ResetStatsOnClear bool

	// OnRemove is called with the store lock held. It must not call back into the store.
	OnRemove func(key string, reason RemovalReason)

	Now func() time.Time
}

// Entry is a stored value plus its bookkeeping.
type Entry[V any] struct {
	Key          string
	Value        V
	Size         int
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
}

func (e *Entry[V]) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is safe for concurrent use. Every operation takes the same mutex.
type Store[V any] struct {
	mu   sync.Mutex
	opts Options[V]

	// recency owns the entries; its oldest element is the least recently used.
	recency *simplelru.LRU[string, *Entry[V]]
	// age is never read with Get, so its oldest element is the oldest
	// insertion. TTL is uniform, so that is also the next entry to expire.
	age *simplelru.LRU[string, *Entry[V]]

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// New creates a Store.
func New[V any](opts Options[V]) *Store[V] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store[V]{opts: opts}
	// NewLRU only fails for a non-positive size.
	s.age, _ = simplelru.NewLRU[string, *Entry[V]](opts.MaxSize, nil)
	s.recency, _ = simplelru.NewLRU[string, *Entry[V]](opts.MaxSize, func(key string, _ *Entry[V]) {
		s.age.Remove(key)
	})
	return s
}

// Get returns the value for key if it is present and unexpired. An expired
// entry is removed and counted as both an expiration and a miss.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.recency.Peek(key)
	if !ok {
		s.misses++
		return zero, false
	}
	now := s.opts.Now()
	if s.removeIfExpired(e, now) {
		s.misses++
		return zero, false
	}

	e.LastAccessed = now
	s.recency.Get(key)
	s.hits++
	return e.Value, true
}

// Peek returns the entry for key without touching recency or counters.
func (s *Store[V]) Peek(key string) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.recency.Peek(key)
	if !ok || e.expired(s.opts.Now()) {
		return Entry[V]{}, false
	}
	return *e, true
}

// Put inserts or overwrites key. When the store is full and key is new, an
// expired entry is reclaimed first; otherwise the least recently used entry
// is evicted, the oldest created one among equally recent entries.
func (s *Store[V]) Put(key string, value V) error {
	size := 0
	if s.opts.SizeOf != nil {
		size = s.opts.SizeOf(value)
	}
	if s.opts.MaxEntryBytes > 0 && size > s.opts.MaxEntryBytes {
		return ErrEntryTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	if s.recency.Contains(key) {
		s.recency.Remove(key)
	} else if s.recency.Len() >= s.opts.MaxSize {
		s.makeRoom(now)
	}

	e := &Entry[V]{
		Key:          key,
		Value:        value,
		Size:         size,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.opts.TTL),
		LastAccessed: now,
	}
	s.recency.Add(key, e)
	s.age.Add(key, e)
	return nil
}

// Delete removes key. It reports whether the key was present.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Remove(key)
}

// Clear removes all entries.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recency.Purge()
	s.age.Purge()
	if s.opts.ResetStatsOnClear {
		s.hits, s.misses, s.evictions, s.expirations = 0, 0, 0, 0
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	removed := 0
	for {
		_, e, ok := s.age.GetOldest()
		// age order is expiry order; nothing newer has expired.
		if !ok || !s.removeIfExpired(e, now) {
			break
		}
		removed++
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Len()
}

// Stats returns a snapshot of the store counters.
func (s *Store[V]) Stats() models.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rate float64
	if total := s.hits + s.misses; total > 0 {
		rate = float64(s.hits) / float64(total)
	}
	return models.CacheStats{
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		Size:        s.recency.Len(),
		Capacity:    s.opts.MaxSize,
		TTLSeconds:  int64(s.opts.TTL / time.Second),
		HitRate:     rate,
	}
}

// removeIfExpired is the single expiry path shared by Get, Put and Sweep.
// Callers must hold s.mu.
func (s *Store[V]) removeIfExpired(e *Entry[V], now time.Time) bool {
	if !e.expired(now) {
		return false
	}
	s.recency.Remove(e.Key)
	s.expirations++
	s.notify(e.Key, Expired)
	return true
}

// makeRoom frees one slot. Callers must hold s.mu.
func (s *Store[V]) makeRoom(now time.Time) {
	if _, oldest, ok := s.age.GetOldest(); ok && s.removeIfExpired(oldest, now) {
		return
	}
	victim := s.evictionCandidate()
	if victim == nil {
		return
	}
	s.recency.Remove(victim.Key)
	s.evictions++
	s.notify(victim.Key, Evicted)
}

// evictionCandidate returns the entry with the oldest LastAccessed, ties
// going to the oldest CreatedAt. Callers must hold s.mu.
func (s *Store[V]) evictionCandidate() *Entry[V] {
	_, victim, ok := s.recency.GetOldest()
	if !ok {
		return nil
	}
	// Equally recent entries sit together at the old end of the list.
	for _, e := range s.recency.Values()[1:] {
		if !e.LastAccessed.Equal(victim.LastAccessed) {
			break
		}
		if e.CreatedAt.Before(victim.CreatedAt) {
			victim = e
		}
	}
	return victim
}

func (s *Store[V]) notify(key string, reason RemovalReason) {
	if s.opts.OnRemove != nil {
		s.opts.OnRemove(key, reason)
	}
}
