// Package agent implements the background caching agent: an isolated
// execution context that serves and persists assets, reachable only through
// asynchronous message passing.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goviewer.io/vellum/models"
)

var (
	// ErrUnavailable is returned when no agent is running for the session.
	ErrUnavailable = errors.New("caching agent unavailable")

	// ErrTimeout is returned when a request receives no correlated response
	// within the exchange deadline.
	ErrTimeout = errors.New("caching agent did not respond in time")
)

// Fetcher retrieves one asset from the origin on the agent's behalf during
// preloading.
type Fetcher func(ctx context.Context, url string) (*models.CacheEntry, error)

// Agent owns the message loop over the persistent store. Requests are
// handled one at a time, run to completion, and answered with exactly one
// correlated response on the request's own reply channel.
type Agent struct {
	store   Store
	fetcher Fetcher
	logger  *zap.Logger
	version string

	requests chan *Request
	updates  chan models.UpdateNotification
	sf       *singleflight.Group

	versionCheckPeriod time.Duration
	notified           bool
}

// New creates an Agent over store. version is the opaque agent version this
// build carries; any different value appearing in the store signals an
// update, whichever deployment wrote it first.
func New(store Store, fetcher Fetcher, version string, versionCheckPeriod time.Duration, logger *zap.Logger) *Agent {
	return &Agent{
		store:              store,
		fetcher:            fetcher,
		logger:             logger,
		version:            version,
		requests:           make(chan *Request),
		updates:            make(chan models.UpdateNotification, 1),
		sf:                 &singleflight.Group{},
		versionCheckPeriod: versionCheckPeriod,
	}
}

// Store exposes the persistent backend for read-through serving.
func (a *Agent) Store() Store {
	return a.store
}

// Updates delivers at most one notification per newer version observed in
// the store. The host decides when to act; nothing is forced.
func (a *Agent) Updates() <-chan models.UpdateNotification {
	return a.updates
}

// Run processes requests until ctx is canceled. It also claims the store's
// version key on startup and watches it for updates published by a newer
// deployment.
func (a *Agent) Run(ctx context.Context) {
	if err := a.claimVersion(ctx); err != nil {
		a.logger.Warn("failed to record agent version", zap.Error(err))
	}

	ticker := time.NewTicker(a.versionCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.requests:
			req.reply <- a.handle(ctx, req)
		case <-ticker.C:
			a.checkVersion(ctx)
		}
	}
}

// Send delivers one request and waits for its correlated response. The
// exchange is bounded by timeout; once sent, a request cannot be withdrawn.
func (a *Agent) Send(ctx context.Context, req *Request, timeout time.Duration) (Response, error) {
	req.reply = make(chan Response, 1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case a.requests <- req:
	case <-timer.C:
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		if resp.Type != responseFor[req.Type] {
			return Response{}, errors.New("agent response type mismatch")
		}
		return resp, resp.Err
	case <-timer.C:
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (a *Agent) handle(ctx context.Context, req *Request) Response {
	switch req.Type {
	case MsgGetCacheStatus:
		status, err := a.store.Status(ctx)
		return Response{Type: MsgCacheStatus, Status: status, Err: err}

	case MsgClearCache:
		cleared, err := a.store.ClearPartition(ctx, req.CacheType)
		if err == nil {
			a.logger.Info("cache partition cleared",
				zap.String("partition", req.CacheType),
				zap.Int("entries", cleared))
		}
		return Response{Type: MsgCacheCleared, Cleared: cleared, Err: err}

	case MsgPreloadResources:
		preloaded, failed := a.preload(ctx, req.URLs)
		return Response{Type: MsgResourcesPreloaded, Preloaded: preloaded, Failed: failed}

	default:
		return Response{Type: req.Type, Err: errors.New("unknown request type")}
	}
}

// preload fetches the batch's URLs from the origin concurrently and persists
// each under its partition. In-flight fetches of the same URL share one
// origin round trip; every occurrence in the batch still counts toward the
// preloaded total or the failed list.
func (a *Agent) preload(ctx context.Context, urls []string) (int, []string) {
	var (
		mu        sync.Mutex
		preloaded int
		failed    []string
		wg        sync.WaitGroup
	)

	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()

			_, err, _ := a.sf.Do(url, func() (any, error) {
				entry, err := a.fetcher(ctx, url)
				if err != nil {
					return nil, err
				}
				return nil, a.store.Set(ctx, entry)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.logger.Warn("failed to preload resource",
					zap.String("url", url),
					zap.Error(err))
				failed = append(failed, url)
				return
			}
			preloaded++
		}(url)
	}
	wg.Wait()

	return preloaded, failed
}

func (a *Agent) claimVersion(ctx context.Context) error {
	stored, err := a.store.Version(ctx)
	if err != nil {
		return err
	}
	if stored == "" {
		return a.store.SetVersion(ctx, a.version)
	}
	return nil
}

// checkVersion emits one update notification when the store carries a
// version other than this build's. Versions are opaque strings with no
// ordering: any mismatch means another deployment owns the store, and the
// host is told an update is available.
func (a *Agent) checkVersion(ctx context.Context) {
	stored, err := a.store.Version(ctx)
	if err != nil {
		a.logger.Debug("version check failed", zap.Error(err))
		return
	}
	if stored == "" || stored == a.version || a.notified {
		return
	}

	a.notified = true
	notification := models.UpdateNotification{
		CurrentVersion:   a.version,
		AvailableVersion: stored,
	}
	select {
	case a.updates <- notification:
	default:
	}
}
