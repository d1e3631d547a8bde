// Package ledger tracks operation timings and cache-effectiveness counters
// for the viewer session.
package ledger

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"goviewer.io/vellum/models"
)

// MemoryReader captures a heap snapshot, or returns nil when the host
// cannot report memory.
type MemoryReader func() *models.MemorySnapshot

// Ledger is the performance ledger. One instance lives for the session.
type Ledger struct {
	metrics *models.Metrics
	logger  *zap.Logger

	slowOpThreshold time.Duration
	retention       time.Duration

	mu      sync.Mutex
	starts  map[string]time.Time
	records map[string]timingRecord

	now        func() time.Time
	readMemory MemoryReader
	gcHint     func()
}

type timingRecord struct {
	duration   time.Duration
	recordedAt time.Time
}

// Option tweaks a Ledger, mainly for tests.
type Option func(*Ledger)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMemoryReader replaces the heap snapshot source.
func WithMemoryReader(r MemoryReader) Option {
	return func(l *Ledger) { l.readMemory = r }
}

// WithGCHint replaces the garbage-collection hint.
func WithGCHint(hint func()) Option {
	return func(l *Ledger) { l.gcHint = hint }
}

// New creates a Ledger. slowOpThreshold gates duration logging; retention
// bounds how long timing trace entries survive before cleanup drops them.
func New(logger *zap.Logger, slowOpThreshold, retention time.Duration, opts ...Option) *Ledger {
	l := &Ledger{
		metrics:         models.NewMetrics(),
		logger:          logger,
		slowOpThreshold: slowOpThreshold,
		retention:       retention,
		starts:          make(map[string]time.Time),
		records:         make(map[string]timingRecord),
		now:             time.Now,
		readMemory:      runtimeMemory,
		gcHint:          runtime.GC,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StartTiming opens a timer for op. Starting the same name twice overwrites
// the prior start; the last write wins.
func (l *Ledger) StartTiming(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts[op] = l.now()
}

// EndTiming closes the timer for op and records the elapsed duration.
// Returns false when no timer is open for op. Durations above the slow-op
// threshold are logged; faster ones are recorded silently.
func (l *Ledger) EndTiming(op string) (time.Duration, bool) {
	l.mu.Lock()
	start, ok := l.starts[op]
	if !ok {
		l.mu.Unlock()
		return 0, false
	}
	delete(l.starts, op)

	now := l.now()
	elapsed := now.Sub(start)
	l.records[op] = timingRecord{duration: elapsed, recordedAt: now}
	l.mu.Unlock()

	if elapsed > l.slowOpThreshold {
		l.logger.Warn("slow operation",
			zap.String("operation", op),
			zap.Duration("duration", elapsed))
	}
	return elapsed, true
}

// RecordCacheHit increments the hit counter and recomputes the hit rate.
func (l *Ledger) RecordCacheHit() {
	l.metrics.RecordHit()
}

// RecordCacheMiss increments the miss counter and recomputes the hit rate.
func (l *Ledger) RecordCacheMiss() {
	l.metrics.RecordMiss()
}

// RecordNetworkRequest counts a request that reached the network.
func (l *Ledger) RecordNetworkRequest() {
	l.metrics.NetworkRequests.Inc()
}

// AddSavedBytes credits bytes served from cache instead of the network.
func (l *Ledger) AddSavedBytes(n int64) {
	if n > 0 {
		l.metrics.TotalSavedBytes.Add(n)
	}
}

// HitRate returns the current cache hit rate.
func (l *Ledger) HitRate() float64 {
	return l.metrics.HitRate()
}

// Metrics returns a point-in-time counter snapshot.
func (l *Ledger) Metrics() models.MetricsSnapshot {
	return l.metrics.Snapshot()
}

// MemoryUsage captures used/total/limit heap counters, or nil when the host
// cannot report them.
func (l *Ledger) MemoryUsage() *models.MemorySnapshot {
	return l.readMemory()
}

// Report combines current metrics, recorded timings, a fresh memory
// snapshot and static host descriptors.
func (l *Ledger) Report() models.Report {
	l.mu.Lock()
	timings := make(map[string]time.Duration, len(l.records))
	for op, rec := range l.records {
		timings[op] = rec.duration
	}
	l.mu.Unlock()

	return models.Report{
		GeneratedAt: l.now(),
		Metrics:     l.metrics.Snapshot(),
		Timings:     timings,
		Memory:      l.readMemory(),
		Host: models.HostInfo{
			OS:             runtime.GOOS,
			Arch:           runtime.GOARCH,
			CPUs:           runtime.NumCPU(),
			RuntimeVersion: runtime.Version(),
		},
	}
}

// CleanupUnusedResources drops timing trace entries older than the
// retention window and issues a best-effort garbage-collection hint.
func (l *Ledger) CleanupUnusedResources() {
	cutoff := l.now().Add(-l.retention)

	l.mu.Lock()
	for op, start := range l.starts {
		if start.Before(cutoff) {
			delete(l.starts, op)
		}
	}
	for op, rec := range l.records {
		if rec.recordedAt.Before(cutoff) {
			delete(l.records, op)
		}
	}
	l.mu.Unlock()

	if l.gcHint != nil {
		l.gcHint()
	}
}

func runtimeMemory() *models.MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &models.MemorySnapshot{
		UsedBytes:  int64(ms.HeapAlloc),
		TotalBytes: int64(ms.HeapSys),
		LimitBytes: debug.SetMemoryLimit(-1),
	}
}
