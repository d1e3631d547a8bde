package vellum

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goviewer.io/vellum/config"
	"goviewer.io/vellum/internal/agent"
	"goviewer.io/vellum/internal/integrity"
	"goviewer.io/vellum/internal/ledger"
	"goviewer.io/vellum/models"
	"goviewer.io/vellum/utils"
)

// State is the controller lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateUpdating
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateDegraded:
		return "DEGRADED"
	case StateUpdating:
		return "UPDATING"
	default:
		return "UNKNOWN"
	}
}

// ResourceCacheController manages the background caching agent and the
// network interception layer. It is constructed explicitly and owned by the
// host; there is no package-level instance.
type ResourceCacheController struct {
	cfg    *config.Config
	logger *zap.Logger
	tracer trace.Tracer

	ledger *ledger.Ledger
	gate   *integrity.Gate
	store  agent.Store
	agent  *agent.Agent

	// origin is the designated client used for agent-side preload fetches.
	origin *http.Client

	state   *atomic.Int32
	updates chan models.UpdateNotification

	mu           sync.Mutex
	preloadSet   []string // non-nil after the mobile policy restricts preloading
	cancel       context.CancelFunc
	agentStopped chan struct{}

	closed *atomic.Bool
	now    func() time.Time
}

// NewController wires a controller over an agent store. A nil store means
// the environment offers no agent support; Initialize will degrade to
// passthrough.
func NewController(cfg *config.Config, store agent.Store, led *ledger.Ledger, gate *integrity.Gate, origin *http.Client) *ResourceCacheController {
	if origin == nil {
		origin = http.DefaultClient
	}
	return &ResourceCacheController{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("vellum/controller"),
		ledger:  led,
		gate:    gate,
		store:   store,
		origin:  origin,
		state:   atomic.NewInt32(int32(StateUninitialized)),
		updates: make(chan models.UpdateNotification, 1),
		closed:  atomic.NewBool(false),
		now:     time.Now,
	}
}

// State returns the current lifecycle state.
func (c *ResourceCacheController) State() State {
	return State(c.state.Load())
}

func (c *ResourceCacheController) setState(s State) {
	c.state.Store(int32(s))
}

// agentActive reports whether the agent is serving (READY, or UPDATING,
// which never interrupts in-flight cache operations).
func (c *ResourceCacheController) agentActive() bool {
	s := c.State()
	return s == StateReady || s == StateUpdating
}

// Initialize registers the caching agent for the session. It returns false,
// never an error, when the environment lacks agent support: the session then
// degrades to direct network access, a first-class mode. DEGRADED is
// terminal; registration is not retried.
func (c *ResourceCacheController) Initialize(ctx context.Context) bool {
	c.setState(StateInitializing)

	if c.store == nil {
		c.logger.Info("no agent store available, degrading to passthrough")
		c.setState(StateDegraded)
		return false
	}
	if err := c.store.Ping(ctx); err != nil {
		c.logger.Info("agent store unreachable, degrading to passthrough", zap.Error(err))
		c.setState(StateDegraded)
		return false
	}

	c.agent = agent.New(c.store, c.fetchOrigin, c.cfg.AgentVersion, c.cfg.VersionCheckInterval, c.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		c.agent.Run(runCtx)
	}()
	go c.watchUpdates(runCtx)

	c.mu.Lock()
	c.cancel = cancel
	c.agentStopped = stopped
	c.mu.Unlock()

	c.setState(StateReady)
	c.logger.Info("caching agent registered", zap.String("version", c.cfg.AgentVersion))
	return true
}

// watchUpdates forwards agent update notifications to the host. The
// transition READY -> UPDATING -> READY never interrupts in-flight cache
// operations and never forces a reload.
func (c *ResourceCacheController) watchUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.agent.Updates():
			c.setState(StateUpdating)
			c.logger.Info("newer agent version available",
				zap.String("current", n.CurrentVersion),
				zap.String("available", n.AvailableVersion))
			select {
			case c.updates <- n:
			default:
			}
			c.setState(StateReady)
		}
	}
}

// Updates delivers non-disruptive update notifications. The host decides
// when to refresh.
func (c *ResourceCacheController) Updates() <-chan models.UpdateNotification {
	return c.updates
}

// CacheStatus asks the agent for per-partition entry counts and sizes. In a
// degraded session it returns an unsupported status with ErrAgentUnavailable
// so callers can branch without a panic path.
func (c *ResourceCacheController) CacheStatus(ctx context.Context) (models.CacheStatus, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.CacheStatus")
	defer span.End()

	if c.closed.Load() {
		return models.CacheStatus{}, ErrControllerClosed
	}
	if !c.agentActive() {
		return models.CacheStatus{Supported: false}, ErrAgentUnavailable
	}

	resp, err := c.agent.Send(ctx, &agent.Request{Type: agent.MsgGetCacheStatus}, c.cfg.AgentRequestTimeout)
	if err != nil {
		return models.CacheStatus{}, err
	}
	return resp.Status, nil
}

// ClearCache drops every entry in the named partition and returns how many
// entries were removed.
func (c *ResourceCacheController) ClearCache(ctx context.Context, partition string) (int, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.ClearCache", trace.WithAttributes(attribute.String("partition", partition)))
	defer span.End()

	if c.closed.Load() {
		return 0, ErrControllerClosed
	}
	if !c.agentActive() {
		return 0, ErrAgentUnavailable
	}

	resp, err := c.agent.Send(ctx, &agent.Request{Type: agent.MsgClearCache, CacheType: partition}, c.cfg.AgentRequestTimeout)
	if err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// PreloadCriticalResources asks the agent to fetch and persist the given
// URLs. When the mobile policy is active the set is restricted to the
// configured minimal resources. Returns the preloaded count and the URLs
// that failed.
func (c *ResourceCacheController) PreloadCriticalResources(ctx context.Context, urls []string) (int, []string, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.PreloadCriticalResources", trace.WithAttributes(attribute.Int("urls", len(urls))))
	defer span.End()

	if c.closed.Load() {
		return 0, nil, ErrControllerClosed
	}
	if !c.agentActive() {
		return 0, nil, ErrAgentUnavailable
	}

	c.mu.Lock()
	if c.preloadSet != nil {
		urls = intersect(urls, c.preloadSet)
	}
	c.mu.Unlock()

	if len(urls) == 0 {
		return 0, nil, nil
	}

	resp, err := c.agent.Send(ctx, &agent.Request{Type: agent.MsgPreloadResources, URLs: urls}, c.cfg.AgentRequestTimeout)
	if err != nil {
		return 0, nil, err
	}
	return resp.Preloaded, resp.Failed, nil
}

// OptimizeForMobile applies the mobile policy: on a narrow viewport or a
// known mobile device signature it clears the dynamic partition and
// restricts preloading to the configured minimal set. A policy hook, not a
// correctness requirement; it reports whether the policy was applied.
func (c *ResourceCacheController) OptimizeForMobile(ctx context.Context, viewportWidth int, userAgent string) (bool, error) {
	if viewportWidth > c.cfg.MobileViewportWidth && !isMobileUserAgent(userAgent) {
		return false, nil
	}

	c.mu.Lock()
	c.preloadSet = c.cfg.CriticalResources
	if c.preloadSet == nil {
		c.preloadSet = []string{}
	}
	c.mu.Unlock()

	if !c.agentActive() {
		return true, nil
	}
	if _, err := c.ClearCache(ctx, models.PartitionDynamic); err != nil {
		return true, fmt.Errorf("failed to clear dynamic partition: %w", err)
	}
	c.logger.Info("mobile policy applied",
		zap.Int("viewport_width", viewportWidth),
		zap.Int("preload_set", len(c.cfg.CriticalResources)))
	return true, nil
}

// FetchModule retrieves a binary module, preferring validated session cache,
// then the agent store, then the origin. The payload passes the integrity
// gate before it is handed back for instantiation.
func (c *ResourceCacheController) FetchModule(ctx context.Context, url string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.FetchModule", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	if data, ok := c.gate.Cached(url); ok {
		c.ledger.RecordCacheHit()
		return data, nil
	}

	var data []byte
	if c.agentActive() {
		entry, found, err := c.store.Get(ctx, url)
		if err != nil {
			c.logger.Warn("agent store read failed", zap.String("url", url), zap.Error(err))
		}
		if found {
			// A stored entry that fails the signature check is treated as a
			// miss; the origin refetch below overwrites it, so recovery does
			// not require clearing the partition.
			if verr := c.gate.Validate(entry.Data); verr != nil {
				c.logger.Warn("stored module failed validation, refetching",
					zap.String("url", url),
					zap.Error(verr))
			} else {
				c.ledger.RecordCacheHit()
				c.ledger.AddSavedBytes(entry.Size)
				data = entry.Data
			}
		}
	}

	if data == nil {
		c.ledger.RecordCacheMiss()
		entry, err := c.fetchOrigin(ctx, url)
		if err != nil {
			return nil, err
		}
		data = entry.Data
		if c.agentActive() {
			if err := c.store.Set(ctx, entry); err != nil {
				c.logger.Warn("failed to persist module", zap.String("url", url), zap.Error(err))
			}
		}
	}

	if err := c.gate.Load(url, data); err != nil {
		return nil, err
	}
	return data, nil
}

// fetchOrigin retrieves one asset over the designated origin client. Used
// by the agent during preloading and by module fetches on a store miss.
func (c *ResourceCacheController) fetchOrigin(ctx context.Context, url string) (*models.CacheEntry, error) {
	op := "fetch:" + url
	c.ledger.StartTiming(op)
	defer c.ledger.EndTiming(op)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.origin.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin fetch failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.ledger.RecordNetworkRequest()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("origin returned %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read origin body: %w", err)
	}

	partition := utils.PartitionForURL(url)
	if partition == models.PartitionWasm {
		// A misconfigured server page must never enter the cache.
		if err := c.gate.Validate(data); err != nil {
			return nil, fmt.Errorf("module %s: %w", url, err)
		}
	}

	now := c.now()
	return &models.CacheEntry{
		URL:         url,
		Partition:   partition,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
		Size:        int64(len(data)),
		StoredAt:    now,
		LastAccess:  now,
	}, nil
}

// Close stops the agent loop. Pending exchanges fail with their own
// timeouts; the store itself is closed by the owning facade.
func (c *ResourceCacheController) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	cancel := c.cancel
	stopped := c.agentStopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
}

func intersect(urls, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, u := range allowed {
		set[u] = struct{}{}
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := set[u]; ok {
			out = append(out, u)
		}
	}
	return out
}

var mobileSignatures = []string{"Android", "iPhone", "iPad", "Mobile", "webOS"}

func isMobileUserAgent(ua string) bool {
	for _, sig := range mobileSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}
