// Package integrity validates binary-module payloads before they reach the
// runtime loader.
package integrity

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

var (
	// ErrMisconfiguredEndpoint means the binary endpoint served markup
	// instead of the binary payload, typically a server error page.
	ErrMisconfiguredEndpoint = errors.New("binary endpoint served markup instead of the binary payload")

	// ErrMalformedModule means the payload failed the magic check for any
	// reason other than served markup.
	ErrMalformedModule = errors.New("malformed binary module")
)

// wasmMagic is the fixed leading signature of a binary module.
var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6D}

// markupOpen is the markup-opening byte ('<'). A payload starting with it is
// almost always a server error page served from the module endpoint.
const markupOpen = 0x3C

// Gate validates payloads and caches validated modules by URL for the
// session. The per-session module set is small and fixed, so the cache is
// effectively unbounded.
type Gate struct {
	cache  *ristretto.Cache
	logger *zap.Logger
}

func New(logger *zap.Logger) (*Gate, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 10,
		MaxCost:     1 << 30,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create module cache: %w", err)
	}
	return &Gate{cache: cache, logger: logger}, nil
}

// Validate inspects the first four bytes of data. A markup-opening first
// byte fails with the misconfiguration diagnostic; any other mismatch,
// including short buffers, fails as a malformed module.
func (g *Gate) Validate(data []byte) error {
	if len(data) > 0 && data[0] == markupOpen {
		return ErrMisconfiguredEndpoint
	}
	if len(data) < len(wasmMagic) {
		return ErrMalformedModule
	}
	for i, b := range wasmMagic {
		if data[i] != b {
			return ErrMalformedModule
		}
	}
	return nil
}

// Load validates data and, on success, caches it under url. On failure the
// specific diagnostic is returned immediately so the loader never surfaces
// an opaque runtime error.
func (g *Gate) Load(url string, data []byte) error {
	if err := g.Validate(data); err != nil {
		g.logger.Error("binary module rejected",
			zap.String("url", url),
			zap.Error(err))
		return fmt.Errorf("module %s: %w", url, err)
	}

	g.cache.Set(url, data, int64(len(data)))
	g.cache.Wait()
	return nil
}

// Cached returns a previously validated payload for url.
func (g *Gate) Cached(url string) ([]byte, bool) {
	v, found := g.cache.Get(url)
	if !found {
		return nil, false
	}
	return v.([]byte), true
}

// Close releases the module cache.
func (g *Gate) Close() {
	g.cache.Close()
}
