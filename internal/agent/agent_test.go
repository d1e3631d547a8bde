package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goviewer.io/vellum/models"
)

func staticFetcher(payloads map[string][]byte) Fetcher {
	return func(_ context.Context, url string) (*models.CacheEntry, error) {
		data, ok := payloads[url]
		if !ok {
			return nil, errors.New("origin returned 404")
		}
		return &models.CacheEntry{
			URL:       url,
			Partition: models.PartitionStatic,
			Data:      data,
			Size:      int64(len(data)),
		}, nil
	}
}

func startAgent(t *testing.T, store Store, fetcher Fetcher) *Agent {
	t.Helper()
	if fetcher == nil {
		fetcher = staticFetcher(nil)
	}
	a := New(store, fetcher, "1", 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func TestStatusExchangeCorrelation(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Set(context.Background(), &models.CacheEntry{
		URL: "https://viewer.example/a.css", Partition: models.PartitionStatic, Size: 10,
	}))
	a := startAgent(t, store, nil)

	resp, err := a.Send(context.Background(), &Request{Type: MsgGetCacheStatus}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgCacheStatus, resp.Type)
	assert.True(t, resp.Status.Supported)
	assert.Equal(t, 1, resp.Status.Partitions[models.PartitionStatic].Entries)
	assert.Equal(t, int64(10), resp.Status.Partitions[models.PartitionStatic].TotalBytes)
}

func TestClearCacheExchange(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, &models.CacheEntry{URL: "d1", Partition: models.PartitionDynamic}))
	require.NoError(t, store.Set(ctx, &models.CacheEntry{URL: "d2", Partition: models.PartitionDynamic}))
	require.NoError(t, store.Set(ctx, &models.CacheEntry{URL: "s1", Partition: models.PartitionStatic}))
	a := startAgent(t, store, nil)

	resp, err := a.Send(ctx, &Request{Type: MsgClearCache, CacheType: models.PartitionDynamic}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgCacheCleared, resp.Type)
	assert.Equal(t, 2, resp.Cleared)

	// The static partition is untouched.
	_, found, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPreloadExchange(t *testing.T) {
	store := NewMemStore()
	a := startAgent(t, store, staticFetcher(map[string][]byte{
		"https://viewer.example/viewer.js": []byte("js"),
		"https://viewer.example/page1.bin": []byte("bin"),
	}))

	resp, err := a.Send(context.Background(), &Request{
		Type: MsgPreloadResources,
		URLs: []string{
			"https://viewer.example/viewer.js",
			"https://viewer.example/page1.bin",
			"https://viewer.example/missing.js",
		},
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgResourcesPreloaded, resp.Type)
	assert.Equal(t, 2, resp.Preloaded)
	assert.Equal(t, []string{"https://viewer.example/missing.js"}, resp.Failed)

	_, found, err := store.Get(context.Background(), "https://viewer.example/viewer.js")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPreloadCollapsesDuplicateURLs(t *testing.T) {
	url := "https://viewer.example/page1.bin"

	var fetches atomic.Int64
	slowFetcher := func(_ context.Context, u string) (*models.CacheEntry, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &models.CacheEntry{
			URL:       u,
			Partition: models.PartitionStatic,
			Data:      []byte("bin"),
			Size:      3,
		}, nil
	}

	store := NewMemStore()
	a := startAgent(t, store, slowFetcher)

	resp, err := a.Send(context.Background(), &Request{
		Type: MsgPreloadResources,
		URLs: []string{url, url, url, url},
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Preloaded, "every occurrence counts in the result")
	assert.Empty(t, resp.Failed)
	assert.Equal(t, int64(1), fetches.Load(), "in-flight duplicates share one origin fetch")

	_, found, err := store.Get(context.Background(), url)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestVersionWatcherTreatsAnyMismatchAsUpdate(t *testing.T) {
	store := NewMemStore()
	a := startAgent(t, store, nil)

	require.Eventually(t, func() bool {
		v, err := store.Version(context.Background())
		return err == nil && v == "1"
	}, time.Second, 5*time.Millisecond)

	// Versions are opaque: a value left behind by an older deployment still
	// differs from this build's and must be surfaced.
	require.NoError(t, store.SetVersion(context.Background(), "0"))

	select {
	case n := <-a.Updates():
		assert.Equal(t, "1", n.CurrentVersion)
		assert.Equal(t, "0", n.AvailableVersion)
	case <-time.After(time.Second):
		t.Fatal("no update notification")
	}
}

func TestSendTimesOutWithoutAgentLoop(t *testing.T) {
	// The agent is constructed but Run was never started: the message is
	// never picked up and the exchange must fail, not hang.
	a := New(NewMemStore(), staticFetcher(nil), "1", time.Minute, zap.NewNop())

	_, err := a.Send(context.Background(), &Request{Type: MsgGetCacheStatus}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendHonorsContextCancellation(t *testing.T) {
	a := New(NewMemStore(), staticFetcher(nil), "1", time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Send(ctx, &Request{Type: MsgGetCacheStatus}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVersionWatcherNotifiesOnce(t *testing.T) {
	store := NewMemStore()
	a := startAgent(t, store, nil)

	// Startup claims the version key.
	require.Eventually(t, func() bool {
		v, err := store.Version(context.Background())
		return err == nil && v == "1"
	}, time.Second, 5*time.Millisecond)

	// A newer deployment publishes its version.
	require.NoError(t, store.SetVersion(context.Background(), "2"))

	select {
	case n := <-a.Updates():
		assert.Equal(t, "1", n.CurrentVersion)
		assert.Equal(t, "2", n.AvailableVersion)
	case <-time.After(time.Second):
		t.Fatal("no update notification")
	}

	// Only one notification per observed version change.
	select {
	case <-a.Updates():
		t.Fatal("duplicate update notification")
	case <-time.After(50 * time.Millisecond):
	}
}
