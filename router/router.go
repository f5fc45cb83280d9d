// Package router is the engine's entry point. It inspects dataset URIs,
// routes tile requests to the COG reader, the Zarr reader or the external
// native fallback, and wraps every path with the tile cache.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/honua-io/honua-raster/cog"
	"github.com/honua-io/honua-raster/dataset"
	"github.com/honua-io/honua-raster/flight"
	"github.com/honua-io/honua-raster/raster"
	"github.com/honua-io/honua-raster/tilecache"
	"github.com/honua-io/honua-raster/zarr"
)

// Fallback is the narrow interface of the external native reader. The router
// assumes nothing about its internals beyond these calls being awaitable and
// Open failing with *raster.UnsupportedFormatError when the native engine
// cannot handle the format either.
type Fallback interface {
	Open(ctx context.Context, uri string) (FallbackHandle, error)
}

// FallbackHandle is one opened native dataset.
type FallbackHandle interface {
	ReadTile(ctx context.Context, coord raster.TileCoordinate) ([]byte, error)
	Close() error
}

type route int

const (
	routeCOG route = iota
	routeZarr
	routeFallback
)

func (r route) String() string {
	switch r {
	case routeCOG:
		return "cog"
	case routeZarr:
		return "zarr"
	default:
		return "fallback"
	}
}

var (
	tileRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raster_router_requests_total",
		Help: "GetTile requests by chosen path.",
	}, []string{"path"})
	fallbackSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raster_router_fallback_switches_total",
		Help: "Datasets rerouted to the native fallback after an in-process reader declined them.",
	})
)

// decisionTTL bounds how long a per-dataset routing decision is reused before
// the URI is probed again.
const decisionTTL = time.Hour

// Router implements GetTile over the readers and caches.
type Router struct {
	cog      *cog.Reader
	zarr     *zarr.Reader
	cache    *tilecache.Cache
	meta     *dataset.Cache
	fallback Fallback
	logger   *slog.Logger

	decisions *ccache.Cache[route]

	opening   flight.Group[FallbackHandle]
	handlesMu sync.Mutex
	handles   map[string]FallbackHandle
}

// Config collects the router's collaborators. Fallback may be nil when no
// native engine is available.
type Config struct {
	COG      *cog.Reader
	Zarr     *zarr.Reader
	Cache    *tilecache.Cache
	Metadata *dataset.Cache
	Fallback Fallback
	Logger   *slog.Logger
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cog:       cfg.COG,
		zarr:      cfg.Zarr,
		cache:     cfg.Cache,
		meta:      cfg.Metadata,
		fallback:  cfg.Fallback,
		logger:    logger,
		decisions: ccache.New(ccache.Configure[route]().MaxSize(4096)),
		handles:   make(map[string]FallbackHandle),
	}
}

// GetTile returns the decoded payload for coord in the dataset at uri. The
// tile cache is consulted before any reader; on a miss the chosen reader runs
// under single-flight and its result, on success only, is cached.
func (r *Router) GetTile(ctx context.Context, uri string, coord raster.TileCoordinate) (*raster.TilePayload, error) {
	key := tilecache.Key{Dataset: uri, Coordinate: coord}
	return r.cache.GetOrFill(ctx, key, func(ctx context.Context) (*raster.TilePayload, error) {
		return r.readTile(ctx, uri, coord)
	})
}

func (r *Router) readTile(ctx context.Context, uri string, coord raster.TileCoordinate) (*raster.TilePayload, error) {
	rt := r.routeFor(uri)
	tileRequests.WithLabelValues(rt.String()).Inc()

	var (
		payload *raster.TilePayload
		err     error
	)
	switch rt {
	case routeCOG:
		payload, err = r.cog.ReadTile(ctx, uri, coord.Z, coord.X, coord.Y)
	case routeZarr:
		payload, err = r.zarr.ReadChunk(ctx, uri, coord.Indices)
	default:
		return r.readViaFallback(ctx, uri, coord)
	}

	var unsupported *raster.UnsupportedFormatError
	if err != nil && errors.As(err, &unsupported) {
		// The URI matched an in-process reader but the file does not
		// comply (a .tif that is not tiled, a directory without .zarray).
		// Reroute to the native engine and remember the decision so later
		// requests skip the pure path entirely.
		r.logger.Info("in-process reader declined dataset, delegating to native fallback",
			"uri", uri, "reason", unsupported.Reason)
		fallbackSwitches.Inc()
		r.decisions.Set(uri, routeFallback, decisionTTL)
		return r.readViaFallback(ctx, uri, coord)
	}
	return payload, err
}

// routeFor picks the execution path for a URI; decisions are cached per
// dataset.
func (r *Router) routeFor(uri string) route {
	if item := r.decisions.Get(uri); item != nil && !item.Expired() {
		return item.Value()
	}
	rt := routeFromURI(uri)
	r.decisions.Set(uri, rt, decisionTTL)
	return rt
}

func routeFromURI(uri string) route {
	trimmed := strings.TrimSuffix(uri, "/")
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(lower, ".tif"), strings.HasSuffix(lower, ".tiff"):
		return routeCOG
	case strings.HasSuffix(lower, ".zarr"), strings.Contains(lower, ".zarr/"):
		return routeZarr
	default:
		return routeFallback
	}
}

func (r *Router) readViaFallback(ctx context.Context, uri string, coord raster.TileCoordinate) (*raster.TilePayload, error) {
	if r.fallback == nil {
		return nil, &raster.UnsupportedFormatError{URI: uri, Reason: "no native fallback reader configured"}
	}

	handle, err := r.fallbackHandle(ctx, uri)
	if err != nil {
		return nil, err
	}
	data, err := handle.ReadTile(ctx, coord)
	if err != nil {
		return nil, err
	}
	return &raster.TilePayload{Bytes: data, Type: raster.TypeUnknown, Shape: []int{len(data)}}, nil
}

// fallbackHandle opens a native handle once per URI, sharing concurrent opens.
func (r *Router) fallbackHandle(ctx context.Context, uri string) (FallbackHandle, error) {
	r.handlesMu.Lock()
	h, ok := r.handles[uri]
	r.handlesMu.Unlock()
	if ok {
		return h, nil
	}

	return r.opening.Do(ctx, uri, func(ctx context.Context) (FallbackHandle, error) {
		r.handlesMu.Lock()
		h, ok := r.handles[uri]
		r.handlesMu.Unlock()
		if ok {
			return h, nil
		}
		h, err := r.fallback.Open(ctx, uri)
		if err != nil {
			return nil, err
		}
		r.handlesMu.Lock()
		r.handles[uri] = h
		r.handlesMu.Unlock()
		return h, nil
	})
}

// InvalidateDataset drops everything cached for uri: tile payloads, parsed
// metadata, the routing decision and any native handle. The next request
// starts from scratch.
func (r *Router) InvalidateDataset(ctx context.Context, uri string) {
	r.cache.Invalidate(ctx, uri)
	r.meta.Invalidate(uri)
	r.decisions.Delete(uri)

	r.handlesMu.Lock()
	h, ok := r.handles[uri]
	delete(r.handles, uri)
	r.handlesMu.Unlock()
	if ok {
		if err := h.Close(); err != nil {
			r.logger.Warn("closing native fallback handle", "uri", uri, "error", err)
		}
	}
}

// Close releases every native fallback handle.
func (r *Router) Close() error {
	r.handlesMu.Lock()
	handles := r.handles
	r.handles = make(map[string]FallbackHandle)
	r.handlesMu.Unlock()

	var firstErr error
	for uri, h := range handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		} else if err != nil {
			r.logger.Warn("closing native fallback handle", "uri", uri, "error", err)
		}
	}
	return firstErr
}
