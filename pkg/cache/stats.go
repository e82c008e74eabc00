package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks cache performance metrics.
type Statistics struct {
	// Atomic counters for thread-safe updates
	hits           int64
	misses         int64
	offers         int64
	rejections     int64
	evictions      int64
	removals       int64
	consolidations int64

	// Protected by mutex
	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
	memoryUsage int64 // Resident bytes as of the last consolidation
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Hit records a cache hit.
func (s *Statistics) Hit() {
	atomic.AddInt64(&s.hits, 1)
}

// Miss records a cache miss.
func (s *Statistics) Miss() {
	atomic.AddInt64(&s.misses, 1)
}

// Offer records an accepted offer.
func (s *Statistics) Offer() {
	atomic.AddInt64(&s.offers, 1)
}

// Rejection records an offer rejected because its size could not be computed.
func (s *Statistics) Rejection() {
	atomic.AddInt64(&s.rejections, 1)
}

// Evictions records n keys leaving residency.
func (s *Statistics) Evictions(n int) {
	if n > 0 {
		atomic.AddInt64(&s.evictions, int64(n))
	}
}

// Removals records n keys explicitly forgotten.
func (s *Statistics) Removals(n int) {
	if n > 0 {
		atomic.AddInt64(&s.removals, int64(n))
	}
}

// Consolidation records one residency recomputation.
func (s *Statistics) Consolidation() {
	atomic.AddInt64(&s.consolidations, 1)
}

// UpdateSize updates the current number of resident entries.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// UpdateMemoryUsage updates the resident memory usage in bytes.
func (s *Statistics) UpdateMemoryUsage(usage int64) {
	s.mu.Lock()
	s.memoryUsage = usage
	s.mu.Unlock()
}

// Hits returns the total number of cache hits.
func (s *Statistics) Hits() int64 {
	return atomic.LoadInt64(&s.hits)
}

// Misses returns the total number of cache misses.
func (s *Statistics) Misses() int64 {
	return atomic.LoadInt64(&s.misses)
}

// Offers returns the total number of accepted offers.
func (s *Statistics) Offers() int64 {
	return atomic.LoadInt64(&s.offers)
}

// Rejections returns the total number of rejected offers.
func (s *Statistics) Rejections() int64 {
	return atomic.LoadInt64(&s.rejections)
}

// EvictionCount returns the total number of residency evictions.
func (s *Statistics) EvictionCount() int64 {
	return atomic.LoadInt64(&s.evictions)
}

// RemovalCount returns the total number of explicitly forgotten keys.
func (s *Statistics) RemovalCount() int64 {
	return atomic.LoadInt64(&s.removals)
}

// Consolidations returns the total number of consolidation passes.
func (s *Statistics) Consolidations() int64 {
	return atomic.LoadInt64(&s.consolidations)
}

// CurrentSize returns the current number of resident entries.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the maximum number of entries the cache has held.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// MemoryUsage returns the resident memory usage in bytes.
func (s *Statistics) MemoryUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memoryUsage
}

// HitRatio returns the cache hit ratio (0.0 to 1.0).
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()

	if total == 0 {
		return 0.0
	}

	return float64(hits) / float64(total)
}

// MissRatio returns the cache miss ratio (0.0 to 1.0).
func (s *Statistics) MissRatio() float64 {
	return 1.0 - s.HitRatio()
}

// Uptime returns how long the cache has been running.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Reset resets all statistics to zero.
func (s *Statistics) Reset() {
	atomic.StoreInt64(&s.hits, 0)
	atomic.StoreInt64(&s.misses, 0)
	atomic.StoreInt64(&s.offers, 0)
	atomic.StoreInt64(&s.rejections, 0)
	atomic.StoreInt64(&s.evictions, 0)
	atomic.StoreInt64(&s.removals, 0)
	atomic.StoreInt64(&s.consolidations, 0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.currentSize = 0
	s.maxSize = 0
	s.memoryUsage = 0
	s.mu.Unlock()
}

// StatsSummary is a snapshot of all statistics.
type StatsSummary struct {
	Hits           int64         `json:"hits"`
	Misses         int64         `json:"misses"`
	Offers         int64         `json:"offers"`
	Rejections     int64         `json:"rejections"`
	Evictions      int64         `json:"evictions"`
	Removals       int64         `json:"removals"`
	Consolidations int64         `json:"consolidations"`
	CurrentSize    int64         `json:"current_size"`
	MaxSize        int64         `json:"max_size"`
	MemoryUsage    int64         `json:"memory_usage"`
	HitRatio       float64       `json:"hit_ratio"`
	Uptime         time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:           s.Hits(),
		Misses:         s.Misses(),
		Offers:         s.Offers(),
		Rejections:     s.Rejections(),
		Evictions:      s.EvictionCount(),
		Removals:       s.RemovalCount(),
		Consolidations: s.Consolidations(),
		CurrentSize:    s.CurrentSize(),
		MaxSize:        s.MaxSize(),
		MemoryUsage:    s.MemoryUsage(),
		HitRatio:       s.HitRatio(),
		Uptime:         s.Uptime(),
	}
}
