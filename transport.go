package vellum

import (
	"bytes"
	"io"
	"net/http"

	"go.uber.org/zap"

	"goviewer.io/vellum/models"
	"goviewer.io/vellum/utils"
)

const cacheHeader = "X-Vellum-Cache"

// Transport returns an http.RoundTripper that wraps inner with the
// controller's interception layer. It is composed once onto a single
// designated client at startup; no global is ever mutated.
//
// Every round trip is timed and reported to the performance ledger. In an
// active session GET responses are served from the agent store when present
// (an exact hit signal) and written through on a miss. For passthrough
// traffic a response observed in under the configured fast-threshold is
// classified as a cache hit; this is a heuristic approximation, not an
// exact signal.
func (c *ResourceCacheController) Transport(inner http.RoundTripper) http.RoundTripper {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &interceptor{controller: c, inner: inner}
}

// Client is a convenience wrapper returning an http.Client whose transport
// is the controller's interceptor over inner.
func (c *ResourceCacheController) Client(inner http.RoundTripper) *http.Client {
	return &http.Client{Transport: c.Transport(inner)}
}

type interceptor struct {
	controller *ResourceCacheController
	inner      http.RoundTripper
}

func (t *interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	c := t.controller
	url := req.URL.String()

	op := "request:" + req.URL.Path
	c.ledger.StartTiming(op)
	defer c.ledger.EndTiming(op)

	cacheable := req.Method == http.MethodGet && c.agentActive()

	if cacheable {
		entry, found, err := c.store.Get(req.Context(), url)
		if err != nil {
			c.logger.Warn("agent store read failed, passing through",
				zap.String("url", url),
				zap.Error(err))
		}
		if found {
			c.ledger.RecordCacheHit()
			c.ledger.AddSavedBytes(entry.Size)
			return cachedResponse(req, entry), nil
		}
	}

	start := c.now()
	resp, err := t.inner.RoundTrip(req)
	elapsed := c.now().Sub(start)
	c.ledger.RecordNetworkRequest()
	if err != nil {
		return nil, err
	}

	// Heuristic: a round trip under the fast-threshold almost certainly
	// came from an intermediate cache.
	if elapsed < c.cfg.FastHitThreshold {
		c.ledger.RecordCacheHit()
	} else {
		c.ledger.RecordCacheMiss()
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		return t.storeThrough(req, resp, url)
	}
	return resp, nil
}

// storeThrough persists a passthrough response into the agent store and
// hands the caller an identical response over a replayed body.
func (t *interceptor) storeThrough(req *http.Request, resp *http.Response, url string) (*http.Response, error) {
	c := t.controller

	data, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		c.logger.Debug("failed to close origin body", zap.Error(closeErr))
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))

	partition := utils.PartitionForURL(url)
	if partition == models.PartitionWasm {
		// A payload that fails the module signature check must never be
		// persisted; the caller still gets the response as served.
		if verr := c.gate.Validate(data); verr != nil {
			c.logger.Warn("refusing to persist invalid module payload",
				zap.String("url", url),
				zap.Error(verr))
			return resp, nil
		}
	}

	now := c.now()
	entry := &models.CacheEntry{
		URL:         url,
		Partition:   partition,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
		Size:        int64(len(data)),
		StoredAt:    now,
		LastAccess:  now,
	}
	if err := c.store.Set(req.Context(), entry); err != nil {
		c.logger.Warn("failed to persist response",
			zap.String("url", url),
			zap.Error(err))
	}
	return resp, nil
}

// cachedResponse synthesizes an http.Response from a store entry.
func cachedResponse(req *http.Request, entry *models.CacheEntry) *http.Response {
	header := make(http.Header)
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	header.Set(cacheHeader, "hit")

	return &http.Response{
		Status:        http.StatusText(http.StatusOK),
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: entry.Size,
		Request:       req,
	}
}
