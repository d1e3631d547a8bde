package vellum

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goviewer.io/vellum/config"
	"goviewer.io/vellum/internal/agent"
	"goviewer.io/vellum/models"
)

// fakeTransport answers every request with a canned response.
type fakeTransport struct {
	calls  int
	status int
	body   []byte
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(f.body)),
		Request:    req,
	}, nil
}

// stepClock advances a fixed amount on every reading, simulating elapsed
// time across a round trip.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func (s *stepClock) Now() time.Time {
	s.now = s.now.Add(s.step)
	return s.now
}

func TestTransportServesFromAgentStore(t *testing.T) {
	store := agent.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, &models.CacheEntry{
		URL:         "https://viewer.example/assets/page1.bin",
		Partition:   models.PartitionStatic,
		ContentType: "application/octet-stream",
		Data:        []byte("page bytes"),
		Size:        10,
	}))

	c := newTestController(t, store)
	require.True(t, c.Initialize(ctx))

	inner := &fakeTransport{body: []byte("origin bytes")}
	client := &http.Client{Transport: c.Transport(inner)}

	resp, err := client.Get("https://viewer.example/assets/page1.bin")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("page bytes"), body)
	assert.Equal(t, "hit", resp.Header.Get(cacheHeader))
	assert.Equal(t, 0, inner.calls, "a store hit must not reach the network")

	metrics := c.ledger.Metrics()
	assert.Equal(t, int64(1), metrics.CacheHits)
	assert.Equal(t, int64(10), metrics.TotalSavedBytes)
	assert.Equal(t, int64(0), metrics.NetworkRequests)
}

func TestTransportStoresThroughOnMiss(t *testing.T) {
	store := agent.NewMemStore()
	c := newTestController(t, store)
	ctx := context.Background()
	require.True(t, c.Initialize(ctx))

	inner := &fakeTransport{body: []byte("fresh bytes")}
	client := &http.Client{Transport: c.Transport(inner)}

	resp, err := client.Get("https://viewer.example/assets/page2.bin")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, []byte("fresh bytes"), body)
	assert.Equal(t, 1, inner.calls)

	entry, found, err := store.Get(ctx, "https://viewer.example/assets/page2.bin")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh bytes"), entry.Data)
	assert.Equal(t, models.PartitionStatic, entry.Partition)

	assert.Equal(t, int64(1), c.ledger.Metrics().NetworkRequests)
}

func TestTransportHeuristicFastResponseIsHit(t *testing.T) {
	c := newTestController(t, nil, config.WithFastHitThreshold(10*time.Millisecond))
	require.False(t, c.Initialize(context.Background()))
	c.now = (&stepClock{now: time.Now(), step: time.Millisecond}).Now

	client := &http.Client{Transport: c.Transport(&fakeTransport{body: []byte("x")})}
	resp, err := client.Get("https://viewer.example/api/session")
	require.NoError(t, err)
	_ = resp.Body.Close()

	metrics := c.ledger.Metrics()
	assert.Equal(t, int64(1), metrics.CacheHits)
	assert.Equal(t, int64(0), metrics.CacheMisses)
	assert.Equal(t, int64(1), metrics.NetworkRequests)
}

func TestTransportHeuristicSlowResponseIsMiss(t *testing.T) {
	c := newTestController(t, nil, config.WithFastHitThreshold(10*time.Millisecond))
	require.False(t, c.Initialize(context.Background()))
	c.now = (&stepClock{now: time.Now(), step: 50 * time.Millisecond}).Now

	client := &http.Client{Transport: c.Transport(&fakeTransport{body: []byte("x")})}
	resp, err := client.Get("https://viewer.example/api/session")
	require.NoError(t, err)
	_ = resp.Body.Close()

	metrics := c.ledger.Metrics()
	assert.Equal(t, int64(0), metrics.CacheHits)
	assert.Equal(t, int64(1), metrics.CacheMisses)
}

func TestTransportDoesNotPersistInvalidModulePayload(t *testing.T) {
	store := agent.NewMemStore()
	c := newTestController(t, store)
	ctx := context.Background()
	require.True(t, c.Initialize(ctx))

	markup := []byte("<!DOCTYPE html><html><body>error</body></html>")
	inner := &fakeTransport{body: markup}
	client := &http.Client{Transport: c.Transport(inner)}

	resp, err := client.Get("https://viewer.example/decoder.wasm")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	// The caller still sees the response as served.
	assert.Equal(t, markup, body)
	assert.Equal(t, 1, inner.calls)

	_, found, err := store.Get(ctx, "https://viewer.example/decoder.wasm")
	require.NoError(t, err)
	assert.False(t, found, "a markup payload must never enter the wasm partition")
}

func TestTransportStoresThroughValidModulePayload(t *testing.T) {
	store := agent.NewMemStore()
	c := newTestController(t, store)
	ctx := context.Background()
	require.True(t, c.Initialize(ctx))

	inner := &fakeTransport{body: wasmPayload}
	client := &http.Client{Transport: c.Transport(inner)}

	resp, err := client.Get("https://viewer.example/decoder.wasm")
	require.NoError(t, err)
	_ = resp.Body.Close()

	entry, found, err := store.Get(ctx, "https://viewer.example/decoder.wasm")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.PartitionWasm, entry.Partition)
	assert.Equal(t, wasmPayload, entry.Data)
}

func TestTransportSkipsStoreForNonGET(t *testing.T) {
	store := agent.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, &models.CacheEntry{
		URL:  "https://viewer.example/api/annotate",
		Data: []byte("stale"),
		Size: 5,
	}))

	c := newTestController(t, store)
	require.True(t, c.Initialize(ctx))

	inner := &fakeTransport{body: []byte("posted")}
	client := &http.Client{Transport: c.Transport(inner)}

	resp, err := client.Post("https://viewer.example/api/annotate", "text/plain", bytes.NewReader([]byte("note")))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, []byte("posted"), body)
	assert.Equal(t, 1, inner.calls)
}

func TestTransportSkipsStoreThroughOnErrorStatus(t *testing.T) {
	store := agent.NewMemStore()
	c := newTestController(t, store)
	ctx := context.Background()
	require.True(t, c.Initialize(ctx))

	inner := &fakeTransport{status: http.StatusInternalServerError, body: []byte("boom")}
	client := &http.Client{Transport: c.Transport(inner)}

	resp, err := client.Get("https://viewer.example/assets/broken.css")
	require.NoError(t, err)
	_ = resp.Body.Close()

	_, found, err := store.Get(ctx, "https://viewer.example/assets/broken.css")
	require.NoError(t, err)
	assert.False(t, found, "error responses must not be persisted")
}
