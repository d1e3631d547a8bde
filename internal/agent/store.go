package agent

import (
	"context"
	"sync"
	"time"

	"goviewer.io/vellum/models"
)

// Store is the agent's persistent backend. Entries survive viewer sessions;
// the agent refreshes its answers from the store on demand.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, url string) (*models.CacheEntry, bool, error)
	Set(ctx context.Context, entry *models.CacheEntry) error
	ClearPartition(ctx context.Context, partition string) (int, error)
	Status(ctx context.Context) (models.CacheStatus, error)
	Version(ctx context.Context) (string, error)
	SetVersion(ctx context.Context, version string) error
	Close() error
}

// MemStore is an in-memory Store. It backs tests and serves as the
// reference implementation of the store contract.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*models.CacheEntry
	version string
	now     func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]*models.CacheEntry),
		now:     time.Now,
	}
}

func (s *MemStore) Ping(_ context.Context) error { return nil }

func (s *MemStore) Get(_ context.Context, url string) (*models.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[url]
	if !ok {
		return nil, false, nil
	}
	entry.LastAccess = s.now()
	cp := *entry
	return &cp, true, nil
}

func (s *MemStore) Set(_ context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.StoredAt.IsZero() {
		cp.StoredAt = s.now()
	}
	s.entries[cp.URL] = &cp
	return nil
}

func (s *MemStore) ClearPartition(_ context.Context, partition string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for url, entry := range s.entries {
		if entry.Partition == partition {
			delete(s.entries, url)
			cleared++
		}
	}
	return cleared, nil
}

func (s *MemStore) Status(_ context.Context) (models.CacheStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.CacheStatus{
		Supported:    true,
		AgentVersion: s.version,
		Partitions:   make(map[string]models.PartitionStatus, len(models.Partitions)),
	}
	for _, p := range models.Partitions {
		status.Partitions[p] = models.PartitionStatus{}
	}
	for _, entry := range s.entries {
		ps := status.Partitions[entry.Partition]
		ps.Entries++
		ps.TotalBytes += entry.Size
		status.Partitions[entry.Partition] = ps
	}
	return status, nil
}

func (s *MemStore) Version(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

func (s *MemStore) SetVersion(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	return nil
}

func (s *MemStore) Close() error { return nil }
