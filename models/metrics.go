package models

import "go.uber.org/atomic"

// Metrics stores cache effectiveness counters. All counters are monotonic.
type Metrics struct {
	CacheHits       *atomic.Int64
	CacheMisses     *atomic.Int64
	NetworkRequests *atomic.Int64
	TotalSavedBytes *atomic.Int64

	hitRate *atomic.Float64
}

func NewMetrics() *Metrics {
	return &Metrics{
		CacheHits:       atomic.NewInt64(0),
		CacheMisses:     atomic.NewInt64(0),
		NetworkRequests: atomic.NewInt64(0),
		TotalSavedBytes: atomic.NewInt64(0),
		hitRate:         atomic.NewFloat64(0),
	}
}

// RecordHit increments the hit counter and recomputes the hit rate.
func (m *Metrics) RecordHit() {
	m.CacheHits.Inc()
	m.recomputeHitRate()
}

// RecordMiss increments the miss counter and recomputes the hit rate.
func (m *Metrics) RecordMiss() {
	m.CacheMisses.Inc()
	m.recomputeHitRate()
}

// HitRate returns hits/(hits+misses), or 0 before any sample is recorded.
func (m *Metrics) HitRate() float64 {
	return m.hitRate.Load()
}

func (m *Metrics) recomputeHitRate() {
	hits := m.CacheHits.Load()
	total := hits + m.CacheMisses.Load()
	if total == 0 {
		m.hitRate.Store(0)
		return
	}
	m.hitRate.Store(float64(hits) / float64(total))
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to serialize.
type MetricsSnapshot struct {
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	NetworkRequests int64   `json:"network_requests"`
	TotalSavedBytes int64   `json:"total_saved_bytes"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
}

// Snapshot captures the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CacheHits:       m.CacheHits.Load(),
		CacheMisses:     m.CacheMisses.Load(),
		NetworkRequests: m.NetworkRequests.Load(),
		TotalSavedBytes: m.TotalSavedBytes.Load(),
		CacheHitRate:    m.hitRate.Load(),
	}
}
