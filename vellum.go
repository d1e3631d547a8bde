// Package vellum is the resource-caching and memory-management layer of a
// document viewer. It persists large binary assets across sessions through
// a background caching agent, validates binary modules before they reach
// the runtime loader, measures cache effectiveness and load latency, and
// bounds the memory held by decoded page images.
package vellum

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goviewer.io/vellum/config"
	"goviewer.io/vellum/internal/agent"
	"goviewer.io/vellum/internal/imagecache"
	"goviewer.io/vellum/internal/integrity"
	"goviewer.io/vellum/internal/ledger"
	"goviewer.io/vellum/models"
)

// Vellum is the owned service the viewer constructs once at startup. It
// wires the controller, the performance ledger, the integrity gate and the
// image eviction cache behind one lifecycle.
type Vellum struct {
	cfg        *config.Config
	logger     *zap.Logger
	controller *ResourceCacheController
	ledger     *ledger.Ledger
	gate       *integrity.Gate
	images     *imagecache.Cache
	store      agent.Store

	cancelMonitor context.CancelFunc
}

// New builds the service. redisOptions points at the agent's persistent
// store; passing nil, or an unreachable store, yields a degraded service
// that still bounds memory and validates modules but performs no caching.
func New(ctx context.Context, redisOptions *redis.Options, opts ...config.Option) (*Vellum, error) {
	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	led := ledger.New(cfg.Logger, cfg.SlowOpThreshold, cfg.TimingRetention)

	gate, err := integrity.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create integrity gate: %w", err)
	}

	images := imagecache.New(cfg.ImageCacheCapacity, cfg.MemoryCeilingBytes, cfg.MonitorInterval, led, cfg.Logger)

	var store agent.Store
	if redisOptions != nil {
		client := redis.NewClient(redisOptions)
		rs, err := agent.NewRedisStore(ctx, client, cfg)
		if err != nil {
			cfg.Logger.Warn("agent store unavailable", zap.Error(err))
			_ = client.Close()
		} else {
			store = rs
		}
	}

	return &Vellum{
		cfg:        cfg,
		logger:     cfg.Logger,
		controller: NewController(cfg, store, led, gate, http.DefaultClient),
		ledger:     led,
		gate:       gate,
		images:     images,
		store:      store,
	}, nil
}

// Initialize registers the caching agent and starts the memory monitor. It
// returns false when the session runs degraded; the viewer keeps working
// over direct network access.
func (v *Vellum) Initialize(ctx context.Context) bool {
	monitorCtx, cancel := context.WithCancel(context.Background())
	v.cancelMonitor = cancel
	go v.images.Monitor(monitorCtx)

	return v.controller.Initialize(ctx)
}

// Close stops the agent loop, the memory monitor and the store client.
func (v *Vellum) Close() error {
	if v.cancelMonitor != nil {
		v.cancelMonitor()
	}
	v.controller.Close()
	v.gate.Close()
	if v.store != nil {
		return v.store.Close()
	}
	return nil
}

// Transport wraps inner with the network interception layer. Compose it
// onto the viewer's designated client once at startup.
func (v *Vellum) Transport(inner http.RoundTripper) http.RoundTripper {
	return v.controller.Transport(inner)
}

// Client returns an http.Client carrying the interception transport.
func (v *Vellum) Client(inner http.RoundTripper) *http.Client {
	return v.controller.Client(inner)
}

// CacheStatus reports per-partition entry counts and byte totals.
func (v *Vellum) CacheStatus(ctx context.Context) (models.CacheStatus, error) {
	return v.controller.CacheStatus(ctx)
}

// ClearCache drops one partition from the agent store.
func (v *Vellum) ClearCache(ctx context.Context, partition string) (int, error) {
	return v.controller.ClearCache(ctx, partition)
}

// PreloadCriticalResources fetches and persists the given URLs ahead of use.
func (v *Vellum) PreloadCriticalResources(ctx context.Context, urls []string) (int, []string, error) {
	return v.controller.PreloadCriticalResources(ctx, urls)
}

// OptimizeForMobile applies the mobile caching policy.
func (v *Vellum) OptimizeForMobile(ctx context.Context, viewportWidth int, userAgent string) (bool, error) {
	return v.controller.OptimizeForMobile(ctx, viewportWidth, userAgent)
}

// Updates delivers non-disruptive agent update notifications.
func (v *Vellum) Updates() <-chan models.UpdateNotification {
	return v.controller.Updates()
}

// State returns the controller lifecycle state.
func (v *Vellum) State() State {
	return v.controller.State()
}

// LoadModule fetches a binary module and passes it through the integrity
// gate before handing it back for instantiation. Rejections carry either
// the misconfiguration diagnostic or the malformed-binary diagnostic.
func (v *Vellum) LoadModule(ctx context.Context, url string) ([]byte, error) {
	return v.controller.FetchModule(ctx, url)
}

// ValidateModule checks a payload against the binary-module signature
// without caching it.
func (v *Vellum) ValidateModule(data []byte) error {
	return v.gate.Validate(data)
}

// CacheImage stores a decoded page image, evicting least-recently-accessed
// entries first when the store is at capacity.
func (v *Vellum) CacheImage(key string, data []byte) {
	v.images.CacheImage(key, data)
}

// GetCachedImage returns a decoded page image and refreshes its access
// time. Hits and misses are recorded on the performance ledger.
func (v *Vellum) GetCachedImage(key string) ([]byte, bool) {
	data, ok := v.images.GetCachedImage(key)
	if ok {
		v.ledger.RecordCacheHit()
	} else {
		v.ledger.RecordCacheMiss()
	}
	return data, ok
}

// FreeMemory forces one image eviction pass.
func (v *Vellum) FreeMemory() int {
	return v.images.FreeMemory()
}

// StartTiming opens a stopwatch for op.
func (v *Vellum) StartTiming(op string) {
	v.ledger.StartTiming(op)
}

// EndTiming closes the stopwatch for op and returns the elapsed duration.
func (v *Vellum) EndTiming(op string) (time.Duration, bool) {
	return v.ledger.EndTiming(op)
}

// Report snapshots metrics, timings, memory and host descriptors.
func (v *Vellum) Report() models.Report {
	return v.ledger.Report()
}

// MemoryUsage captures current heap usage, or nil when unavailable.
func (v *Vellum) MemoryUsage() *models.MemorySnapshot {
	return v.ledger.MemoryUsage()
}

// HitRate returns the current cache hit rate.
func (v *Vellum) HitRate() float64 {
	return v.ledger.HitRate()
}
