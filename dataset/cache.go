// Package dataset caches parsed dataset metadata (COG tile indexes, Zarr
// array descriptors) keyed by canonical URI, so repeated tile requests do not
// re-parse headers. Metadata is parsed at most once per URI per process
// lifetime, shared read-only by every caller, until explicitly invalidated.
package dataset

import (
	"context"
	"sync"

	"github.com/honua-io/honua-raster/flight"
)

// ParseFunc produces the metadata for one dataset. It runs at most once per
// URI regardless of how many callers race on the first access.
type ParseFunc func(ctx context.Context) (any, error)

// Cache is the in-process metadata cache. The zero value is not usable; call
// New.
type Cache struct {
	mu       sync.RWMutex
	parsed   map[string]any
	inflight flight.Group[any]
}

func New() *Cache {
	return &Cache{parsed: make(map[string]any)}
}

// GetOrParse returns the cached metadata for uri, parsing it first if needed.
// Concurrent callers for the same unparsed URI share a single parse; all of
// them receive the same metadata instance. Parse failures are not cached, so
// a later call retries.
func (c *Cache) GetOrParse(ctx context.Context, uri string, parse ParseFunc) (any, error) {
	c.mu.RLock()
	m, ok := c.parsed[uri]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	return c.inflight.Do(ctx, uri, func(ctx context.Context) (any, error) {
		// A parse may have completed between the read above and this call
		// winning the flight.
		c.mu.RLock()
		m, ok := c.parsed[uri]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}

		m, err := parse(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.parsed[uri] = m
		c.mu.Unlock()
		return m, nil
	})
}

// Invalidate drops the cached metadata for uri. The next GetOrParse parses
// again. In-flight parses are unaffected; their result lands in the cache.
func (c *Cache) Invalidate(uri string) {
	c.mu.Lock()
	delete(c.parsed, uri)
	c.mu.Unlock()
}

// Len reports how many datasets currently hold parsed metadata.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.parsed)
}
