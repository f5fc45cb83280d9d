package tilecache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/honua-io/honua-raster/flight"
	"github.com/honua-io/honua-raster/raster"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raster_tilecache_hits_total",
		Help: "Tile cache lookups served from the cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raster_tilecache_misses_total",
		Help: "Tile cache lookups that went upstream.",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raster_tilecache_evictions_total",
		Help: "Entries evicted to stay under the byte budget.",
	})
	cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "raster_tilecache_bytes",
		Help: "Total bytes accounted to the tile cache.",
	})
	cacheDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raster_tilecache_store_errors_total",
		Help: "Backing store failures served uncached instead.",
	})
)

// Key addresses one cached payload.
type Key struct {
	Dataset    string
	Coordinate raster.TileCoordinate
}

func (k Key) String() string { return k.Dataset + "|" + k.Coordinate.Key() }

// entry is the LRU bookkeeping for one stored payload.
type entry struct {
	key      Key
	size     int64
	lastSeen time.Time
	elem     *list.Element
}

// Cache is the decoded-tile cache: an LRU index bounded by aggregate byte
// size over a pluggable backing store. Eviction runs synchronously on Put.
// Failures of the backing store degrade lookups to direct upstream calls and
// are never surfaced to callers.
type Cache struct {
	store    Store
	capacity int64
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	total   int64

	inflight flight.Group[*raster.TilePayload]
}

// New builds a Cache over store bounded to capacity bytes.
func New(store Store, capacity int64, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		capacity: capacity,
		logger:   logger,
		entries:  make(map[string]*entry),
		lru:      list.New(),
	}
}

// Get returns the cached payload for key, or nil on a miss. Backing store
// failures count as misses.
func (c *Cache) Get(ctx context.Context, key Key) *raster.TilePayload {
	ks := key.String()

	c.mu.Lock()
	e, ok := c.entries[ks]
	if ok {
		e.lastSeen = time.Now()
		c.lru.MoveToFront(e.elem)
	}
	c.mu.Unlock()
	if !ok {
		cacheMisses.Inc()
		return nil
	}

	data, found, err := c.store.Get(ctx, ks)
	if err != nil {
		cacheDegraded.Inc()
		c.logger.Warn("tile cache store get failed, serving uncached",
			"key", ks, "error", &raster.CacheBackingStoreError{Op: "get", Err: err})
		cacheMisses.Inc()
		return nil
	}
	if !found {
		// The store lost the entry behind our back (shared bucket,
		// external cleanup). Drop the index entry and report a miss.
		c.dropEntry(ks)
		cacheMisses.Inc()
		return nil
	}

	var p raster.TilePayload
	if err := p.UnmarshalBinary(data); err != nil {
		c.logger.Warn("tile cache entry corrupt, dropping", "key", ks, "error", err)
		c.dropEntry(ks)
		_ = c.store.Delete(ctx, ks)
		cacheMisses.Inc()
		return nil
	}
	cacheHits.Inc()
	return &p
}

// Put stores a payload and evicts least-recently-used entries until the cache
// is back under its byte budget. Store failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, key Key, p *raster.TilePayload) {
	data, err := p.MarshalBinary()
	if err != nil {
		c.logger.Warn("tile payload marshal failed", "key", key.String(), "error", err)
		return
	}
	size := int64(len(data))
	if size > c.capacity {
		// Caching it would evict everything else for one entry.
		return
	}

	ks := key.String()
	if err := c.store.Put(ctx, ks, data); err != nil {
		cacheDegraded.Inc()
		c.logger.Warn("tile cache store put failed",
			"key", ks, "error", &raster.CacheBackingStoreError{Op: "put", Err: err})
		return
	}

	var evict []string
	c.mu.Lock()
	if e, ok := c.entries[ks]; ok {
		// Replace-whole-entry update.
		c.total += size - e.size
		e.size = size
		e.lastSeen = time.Now()
		c.lru.MoveToFront(e.elem)
	} else {
		e := &entry{key: key, size: size, lastSeen: time.Now()}
		e.elem = c.lru.PushFront(e)
		c.entries[ks] = e
		c.total += size
	}
	for c.total > c.capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		old := back.Value.(*entry)
		oldKey := old.key.String()
		c.lru.Remove(back)
		delete(c.entries, oldKey)
		c.total -= old.size
		evict = append(evict, oldKey)
	}
	cacheBytes.Set(float64(c.total))
	c.mu.Unlock()

	for _, k := range evict {
		cacheEvictions.Inc()
		if err := c.store.Delete(ctx, k); err != nil {
			c.logger.Warn("tile cache eviction delete failed", "key", k, "error", err)
		}
	}
}

// GetOrFill returns the cached payload or produces it via fill, coordinating
// concurrent misses for the same key so fill runs once and every waiter
// shares its result. Only successful fills are cached.
func (c *Cache) GetOrFill(ctx context.Context, key Key,
	fill func(ctx context.Context) (*raster.TilePayload, error)) (*raster.TilePayload, error) {

	if p := c.Get(ctx, key); p != nil {
		return p, nil
	}

	return c.inflight.Do(ctx, key.String(), func(ctx context.Context) (*raster.TilePayload, error) {
		// A racing fill may have landed while we waited on the flight.
		if p := c.Get(ctx, key); p != nil {
			return p, nil
		}
		p, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, p)
		return p, nil
	})
}

// Invalidate removes every entry belonging to datasetURI. Used when the
// caller signals that the underlying data changed.
func (c *Cache) Invalidate(ctx context.Context, datasetURI string) {
	var victims []string
	c.mu.Lock()
	for ks, e := range c.entries {
		if e.key.Dataset == datasetURI {
			c.lru.Remove(e.elem)
			delete(c.entries, ks)
			c.total -= e.size
			victims = append(victims, ks)
		}
	}
	cacheBytes.Set(float64(c.total))
	c.mu.Unlock()

	for _, ks := range victims {
		if err := c.store.Delete(ctx, ks); err != nil {
			c.logger.Warn("tile cache invalidation delete failed", "key", ks, "error", err)
		}
	}
}

func (c *Cache) dropEntry(ks string) {
	c.mu.Lock()
	if e, ok := c.entries[ks]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, ks)
		c.total -= e.size
		cacheBytes.Set(float64(c.total))
	}
	c.mu.Unlock()
}

// Stats reports the index's current shape.
type Stats struct {
	Entries    int
	TotalBytes int64
	Capacity   int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), TotalBytes: c.total, Capacity: c.capacity}
}
