package models

import "time"

// Cache partitions. Assets are grouped by how they are invalidated:
// "static" survives across versions, "dynamic" is cleared aggressively,
// "wasm" holds binary modules.
const (
	PartitionStatic  = "static"
	PartitionDynamic = "dynamic"
	PartitionWasm    = "wasm"
)

// Partitions lists every known partition tag.
var Partitions = []string{PartitionStatic, PartitionDynamic, PartitionWasm}

// CacheEntry is a single asset held by the caching agent's persistent store.
type CacheEntry struct {
	URL         string    `json:"url"`
	Partition   string    `json:"partition"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
	LastAccess  time.Time `json:"last_access"`
}

// PartitionStatus describes one partition of the agent store.
type PartitionStatus struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// CacheStatus is the agent's answer to a GET_CACHE_STATUS exchange.
type CacheStatus struct {
	Supported    bool                       `json:"supported"`
	AgentVersion string                     `json:"agent_version"`
	Partitions   map[string]PartitionStatus `json:"partitions"`
}

// ImageEntry is a decoded page image held by the eviction cache.
type ImageEntry struct {
	Key          string
	Data         []byte
	Size         int64
	LastAccessed time.Time

	// Seq is the insertion sequence, used to break eviction ties between
	// entries with equal LastAccessed timestamps.
	Seq uint64
}

// MemorySnapshot captures heap usage at a point in time. A nil snapshot
// means the host could not report memory, which is not an error.
type MemorySnapshot struct {
	UsedBytes  int64 `json:"used_bytes"`
	TotalBytes int64 `json:"total_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
}

// HostInfo holds static host descriptors included in performance reports.
type HostInfo struct {
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	CPUs           int    `json:"cpus"`
	RuntimeVersion string `json:"runtime_version"`
}

// Report combines current metrics, a fresh memory snapshot and host
// descriptors. Memory is nil when the host cannot report it.
type Report struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Metrics     MetricsSnapshot          `json:"metrics"`
	Timings     map[string]time.Duration `json:"timings"`
	Memory      *MemorySnapshot          `json:"memory,omitempty"`
	Host        HostInfo                 `json:"host"`
}

// UpdateNotification signals that a newer agent version is available. The
// host application decides when to refresh; nothing is forced.
type UpdateNotification struct {
	CurrentVersion   string
	AvailableVersion string
}
