package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goviewer.io/vellum/config"
	"goviewer.io/vellum/models"
	"goviewer.io/vellum/retrier"
)

const (
	bloomExpectedItems     = 10000
	bloomFalsePositiveRate = 0.01
)

// RedisStore persists cache entries in Redis. A bloom filter short-circuits
// reads for URLs that were never written, and every Redis round trip runs
// behind a circuit breaker with retry backoff.
type RedisStore struct {
	client *redis.Client
	cfg    *config.Config
	logger *zap.Logger
	tracer trace.Tracer

	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewRedisStore wraps an existing Redis client. The bloom filter is loaded
// from the store if a previous session saved one.
func NewRedisStore(ctx context.Context, client *redis.Client, cfg *config.Config) (*RedisStore, error) {
	backoff := cfg.ResilienceConfig.RetrierBackoff
	if len(backoff) == 0 {
		backoff = []time.Duration{100 * time.Millisecond}
	}

	s := &RedisStore{
		client:  client,
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("vellum/store"),
		breaker: gobreaker.NewCircuitBreaker(cfg.ResilienceConfig.StoreCircuitBreaker),
		retrier: retrier.NewRetrier(len(backoff), backoff[0], backoff[len(backoff)-1], 2, 0.1),
		filter:  bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositiveRate),
	}

	if err := s.loadBloomFilter(ctx); err != nil {
		return nil, fmt.Errorf("failed to load bloom filter: %w", err)
	}
	return s, nil
}

func (s *RedisStore) entryKey(url string) string {
	return s.cfg.StoreKeyPrefix + ":entry:" + url
}

func (s *RedisStore) sizesKey(partition string) string {
	return s.cfg.StoreKeyPrefix + ":sizes:" + partition
}

func (s *RedisStore) versionKey() string {
	return s.cfg.StoreKeyPrefix + ":version"
}

func (s *RedisStore) bloomKey() string {
	return s.cfg.StoreKeyPrefix + ":bloom"
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, url string) (*models.CacheEntry, bool, error) {
	ctx, span := s.tracer.Start(ctx, "RedisStore.Get", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	s.mu.Lock()
	mightExist := s.filter.Test([]byte(url))
	s.mu.Unlock()
	if !mightExist {
		return nil, false, nil
	}

	var data []byte
	err := s.withResilience(ctx, func() error {
		var err error
		data, err = s.client.Get(ctx, s.entryKey(url)).Bytes()
		return err
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var entry models.CacheEntry
	if err := s.cfg.Serialization.Decoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &entry, true, nil
}

func (s *RedisStore) Set(ctx context.Context, entry *models.CacheEntry) error {
	ctx, span := s.tracer.Start(ctx, "RedisStore.Set", trace.WithAttributes(
		attribute.String("url", entry.URL),
		attribute.String("partition", entry.Partition)))
	defer span.End()

	var buf bytes.Buffer
	if err := s.cfg.Serialization.Encoder(&buf).Encode(entry); err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	if err := s.withResilience(ctx, func() error {
		pipe := s.client.Pipeline()
		pipe.Set(ctx, s.entryKey(entry.URL), buf.Bytes(), 0)
		pipe.HSet(ctx, s.sizesKey(entry.Partition), entry.URL, entry.Size)
		_, err := pipe.Exec(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.mu.Lock()
	s.filter.Add([]byte(entry.URL))
	s.mu.Unlock()
	go s.saveBloomFilter(context.WithoutCancel(ctx))

	return nil
}

func (s *RedisStore) ClearPartition(ctx context.Context, partition string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "RedisStore.ClearPartition", trace.WithAttributes(attribute.String("partition", partition)))
	defer span.End()

	var urls []string
	if err := s.withResilience(ctx, func() error {
		var err error
		urls, err = s.client.HKeys(ctx, s.sizesKey(partition)).Result()
		return err
	}); err != nil {
		return 0, fmt.Errorf("redis hkeys failed: %w", err)
	}

	if len(urls) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(urls)+1)
	for _, url := range urls {
		keys = append(keys, s.entryKey(url))
	}
	keys = append(keys, s.sizesKey(partition))

	if err := s.withResilience(ctx, func() error {
		return s.client.Del(ctx, keys...).Err()
	}); err != nil {
		return 0, fmt.Errorf("redis del failed: %w", err)
	}

	return len(urls), nil
}

func (s *RedisStore) Status(ctx context.Context) (models.CacheStatus, error) {
	ctx, span := s.tracer.Start(ctx, "RedisStore.Status")
	defer span.End()

	status := models.CacheStatus{
		Supported:  true,
		Partitions: make(map[string]models.PartitionStatus, len(models.Partitions)),
	}

	version, err := s.Version(ctx)
	if err != nil {
		return models.CacheStatus{}, err
	}
	status.AgentVersion = version

	for _, partition := range models.Partitions {
		var sizes map[string]string
		if err := s.withResilience(ctx, func() error {
			var err error
			sizes, err = s.client.HGetAll(ctx, s.sizesKey(partition)).Result()
			return err
		}); err != nil {
			return models.CacheStatus{}, fmt.Errorf("redis hgetall failed: %w", err)
		}

		ps := models.PartitionStatus{Entries: len(sizes)}
		for _, raw := range sizes {
			var size int64
			if _, err := fmt.Sscan(raw, &size); err == nil {
				ps.TotalBytes += size
			}
		}
		status.Partitions[partition] = ps
	}

	return status, nil
}

func (s *RedisStore) Version(ctx context.Context) (string, error) {
	var version string
	if err := s.withResilience(ctx, func() error {
		var err error
		version, err = s.client.Get(ctx, s.versionKey()).Result()
		return err
	}); err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis get version failed: %w", err)
	}
	return version, nil
}

func (s *RedisStore) SetVersion(ctx context.Context, version string) error {
	if err := s.withResilience(ctx, func() error {
		return s.client.Set(ctx, s.versionKey(), version, 0).Err()
	}); err != nil {
		return fmt.Errorf("redis set version failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	s.saveBloomFilter(context.Background())
	return s.client.Close()
}

func (s *RedisStore) withResilience(ctx context.Context, f func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.retrier.Run(ctx, f)
	})
	return err
}

func (s *RedisStore) saveBloomFilter(ctx context.Context) {
	s.mu.Lock()
	var buf bytes.Buffer
	_, err := s.filter.WriteTo(&buf)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to serialize bloom filter", zap.Error(err))
		return
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	if err := s.withResilience(ctx, func() error {
		return s.client.Set(ctx, s.bloomKey(), encoded, 0).Err()
	}); err != nil {
		s.logger.Error("failed to save bloom filter", zap.Error(err))
	}
}

func (s *RedisStore) loadBloomFilter(ctx context.Context) error {
	var encoded string
	if err := s.withResilience(ctx, func() error {
		var err error
		encoded, err = s.client.Get(ctx, s.bloomKey()).Result()
		return err
	}); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil // no saved filter yet
		}
		return err
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode bloom filter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.filter.ReadFrom(bytes.NewReader(decoded)); err != nil {
		return fmt.Errorf("failed to deserialize bloom filter: %w", err)
	}
	return nil
}
