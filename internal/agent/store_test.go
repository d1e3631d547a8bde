package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goviewer.io/vellum/models"
)

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, found, err := store.Get(ctx, "https://viewer.example/a.css")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, &models.CacheEntry{
		URL:         "https://viewer.example/a.css",
		Partition:   models.PartitionStatic,
		ContentType: "text/css",
		Data:        []byte("body{}"),
		Size:        6,
	}))

	entry, found, err := store.Get(ctx, "https://viewer.example/a.css")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("body{}"), entry.Data)
	assert.Equal(t, "text/css", entry.ContentType)
	assert.False(t, entry.StoredAt.IsZero())
	assert.False(t, entry.LastAccess.IsZero())
}

func TestMemStoreStatusGroupsByPartition(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, &models.CacheEntry{URL: "s1", Partition: models.PartitionStatic, Size: 100}))
	require.NoError(t, store.Set(ctx, &models.CacheEntry{URL: "s2", Partition: models.PartitionStatic, Size: 50}))
	require.NoError(t, store.Set(ctx, &models.CacheEntry{URL: "w1", Partition: models.PartitionWasm, Size: 4096}))

	status, err := store.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Supported)
	assert.Equal(t, 2, status.Partitions[models.PartitionStatic].Entries)
	assert.Equal(t, int64(150), status.Partitions[models.PartitionStatic].TotalBytes)
	assert.Equal(t, 1, status.Partitions[models.PartitionWasm].Entries)
	assert.Equal(t, 0, status.Partitions[models.PartitionDynamic].Entries)
}

func TestMemStoreClearPartition(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, &models.CacheEntry{URL: "d1", Partition: models.PartitionDynamic}))
	require.NoError(t, store.Set(ctx, &models.CacheEntry{URL: "s1", Partition: models.PartitionStatic}))

	cleared, err := store.ClearPartition(ctx, models.PartitionDynamic)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	cleared, err = store.ClearPartition(ctx, models.PartitionDynamic)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared)
}

func TestMemStoreVersion(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	v, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.SetVersion(ctx, "3"))
	v, err = store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}
