package config

import (
	"errors"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goviewer.io/vellum/pkg/serialization"
)

// Config carries every tunable of the caching layer.
type Config struct {
	// FastHitThreshold classifies passthrough responses observed in under
	// this duration as heuristic cache hits. The classification is
	// approximate, not an exact signal.
	FastHitThreshold time.Duration

	// AgentRequestTimeout bounds each message exchange with the caching
	// agent. An exchange that outlives it fails as agent-unreachable.
	AgentRequestTimeout time.Duration

	// VersionCheckInterval is how often the agent store is polled for a
	// newer agent version.
	VersionCheckInterval time.Duration

	// ImageCacheCapacity is the maximum number of decoded page images held
	// before eviction runs.
	ImageCacheCapacity int

	// MemoryCeilingBytes is the used-heap level above which the memory
	// monitor forces eviction regardless of entry count.
	MemoryCeilingBytes int64

	// MonitorInterval is the memory monitor period.
	MonitorInterval time.Duration

	// TimingRetention is how long finished and abandoned timing traces are
	// kept before cleanup drops them.
	TimingRetention time.Duration

	// SlowOpThreshold is the duration above which a finished timing is
	// logged. Faster operations are recorded silently.
	SlowOpThreshold time.Duration

	// MobileViewportWidth is the viewport width (px) at or below which the
	// mobile policy applies.
	MobileViewportWidth int

	// CriticalResources is the minimal preload set used after the mobile
	// policy restricts preloading.
	CriticalResources []string

	// AgentVersion is the version this controller was built against,
	// compared with the store's version key to detect updates.
	AgentVersion string

	// StoreKeyPrefix namespaces every key written to the agent store.
	StoreKeyPrefix string

	ResilienceConfig ResilienceConfig
	Serialization    SerializationConfig
	Logger           *zap.Logger
}

// ResilienceConfig configures retries and the store circuit breaker.
type ResilienceConfig struct {
	StoreCircuitBreaker gobreaker.Settings
	RetrierBackoff      []time.Duration
}

// SerializationConfig selects how store entries are encoded.
type SerializationConfig struct {
	Type    string
	Encoder func(io.Writer) serialization.Encoder
	Decoder func(io.Reader) serialization.Decoder
}

// Option mutates a Config during construction.
type Option func(*Config) error

var ErrInvalidCapacity = errors.New("image cache capacity must be at least 1")

// envOverrides mirrors the Config fields that may be set from the
// environment.
type envOverrides struct {
	FastHitThreshold    time.Duration `env:"VELLUM_FAST_HIT_THRESHOLD"`
	AgentRequestTimeout time.Duration `env:"VELLUM_AGENT_REQUEST_TIMEOUT"`
	ImageCacheCapacity  int           `env:"VELLUM_IMAGE_CACHE_CAPACITY"`
	MemoryCeilingBytes  int64         `env:"VELLUM_MEMORY_CEILING_BYTES"`
	MonitorInterval     time.Duration `env:"VELLUM_MONITOR_INTERVAL"`
	StoreKeyPrefix      string        `env:"VELLUM_STORE_KEY_PREFIX"`
}

// NewConfig builds a Config with defaults, then applies options.
func NewConfig(options ...Option) (*Config, error) {
	cfg := &Config{
		FastHitThreshold:     10 * time.Millisecond,
		AgentRequestTimeout:  5 * time.Second,
		VersionCheckInterval: time.Minute,
		ImageCacheCapacity:   50,
		MemoryCeilingBytes:   500 * 1024 * 1024,
		MonitorInterval:      30 * time.Second,
		TimingRetention:      5 * time.Minute,
		SlowOpThreshold:      100 * time.Millisecond,
		MobileViewportWidth:  768,
		AgentVersion:         "1",
		StoreKeyPrefix:       "vellum",
		ResilienceConfig: ResilienceConfig{
			StoreCircuitBreaker: gobreaker.Settings{
				Name:        "StoreCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
			RetrierBackoff: []time.Duration{
				100 * time.Millisecond,
				200 * time.Millisecond,
				400 * time.Millisecond,
			},
		},
		Serialization: SerializationConfig{
			Type:    serialization.GobType,
			Encoder: serialization.GobEncoder,
			Decoder: serialization.GobDecoder,
		},
		Logger: zap.NewNop(),
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.ImageCacheCapacity < 1 {
		return nil, ErrInvalidCapacity
	}

	return cfg, nil
}

// LoadEnv overlays VELLUM_* environment variables onto the config. Unset
// variables leave the current values untouched.
func (c *Config) LoadEnv() error {
	overrides := envOverrides{
		FastHitThreshold:    c.FastHitThreshold,
		AgentRequestTimeout: c.AgentRequestTimeout,
		ImageCacheCapacity:  c.ImageCacheCapacity,
		MemoryCeilingBytes:  c.MemoryCeilingBytes,
		MonitorInterval:     c.MonitorInterval,
		StoreKeyPrefix:      c.StoreKeyPrefix,
	}
	if err := env.Parse(&overrides); err != nil {
		return err
	}

	c.FastHitThreshold = overrides.FastHitThreshold
	c.AgentRequestTimeout = overrides.AgentRequestTimeout
	c.ImageCacheCapacity = overrides.ImageCacheCapacity
	c.MemoryCeilingBytes = overrides.MemoryCeilingBytes
	c.MonitorInterval = overrides.MonitorInterval
	c.StoreKeyPrefix = overrides.StoreKeyPrefix
	return nil
}

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithImageCacheCapacity sets the decoded-image entry limit.
func WithImageCacheCapacity(capacity int) Option {
	return func(c *Config) error {
		if capacity < 1 {
			return ErrInvalidCapacity
		}
		c.ImageCacheCapacity = capacity
		return nil
	}
}

// WithMemoryCeiling sets the used-heap level that forces eviction.
func WithMemoryCeiling(bytes int64) Option {
	return func(c *Config) error {
		if bytes <= 0 {
			return errors.New("memory ceiling must be greater than 0")
		}
		c.MemoryCeilingBytes = bytes
		return nil
	}
}

// WithFastHitThreshold sets the heuristic hit-classification threshold.
func WithFastHitThreshold(d time.Duration) Option {
	return func(c *Config) error {
		c.FastHitThreshold = d
		return nil
	}
}

// WithAgentRequestTimeout bounds each agent message exchange.
func WithAgentRequestTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("agent request timeout must be greater than 0")
		}
		c.AgentRequestTimeout = d
		return nil
	}
}

// WithCriticalResources sets the minimal mobile preload set.
func WithCriticalResources(urls []string) Option {
	return func(c *Config) error {
		c.CriticalResources = urls
		return nil
	}
}

// WithSerialization selects the store entry encoding.
func WithSerialization(serializer string) Option {
	return func(c *Config) error {
		switch serializer {
		case serialization.JSONType:
			c.Serialization.Type = serialization.JSONType
			c.Serialization.Encoder = serialization.JsonEncoder
			c.Serialization.Decoder = serialization.JsonDecoder
		case serialization.GobType:
			c.Serialization.Type = serialization.GobType
			c.Serialization.Encoder = serialization.GobEncoder
			c.Serialization.Decoder = serialization.GobDecoder
		default:
			return errors.New("unsupported serialization type: " + serializer)
		}
		return nil
	}
}
