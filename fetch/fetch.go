// Package fetch abstracts byte-range reads over local files, HTTP(S)
// endpoints and object-store buckets. Remote reads issue Range GETs and
// require 206 responses; transient failures are retried with exponential
// backoff, permanent ones fail immediately.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/honua-io/honua-raster/raster"
)

// ErrNotFound reports a URI or object that does not exist. Callers that treat
// absence as data (Zarr missing chunks) test for it with errors.Is.
var ErrNotFound = errors.New("object not found")

// Range is one byte span of a batched fetch.
type Range struct {
	Offset int64
	Length int64
}

// Fetcher retrieves bytes from a URI. Implementations are safe for
// concurrent use and honor context cancellation on every call.
type Fetcher interface {
	// FetchRange reads exactly length bytes starting at offset.
	FetchRange(ctx context.Context, uri string, offset, length int64) ([]byte, error)
	// FetchRanges reads several spans, coalescing adjacent ones into fewer
	// underlying requests. Results align one-to-one with ranges.
	FetchRanges(ctx context.Context, uri string, ranges []Range) ([][]byte, error)
	// FetchAll reads a whole object, the access pattern for Zarr chunks.
	FetchAll(ctx context.Context, uri string) ([]byte, error)
	// Size reports the object's total byte size.
	Size(ctx context.Context, uri string) (int64, error)
}

var (
	fetchBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raster_fetch_bytes_total",
		Help: "Bytes fetched from storage, by scheme.",
	}, []string{"scheme"})
	fetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raster_fetch_retries_total",
		Help: "Transient fetch failures that were retried.",
	})
)

// coalesceGap is the largest hole between two requested ranges that still
// gets folded into one underlying request. Tile-index reads in a COG header
// sit a few bytes apart, so one merged request covers them all.
const coalesceGap = 512

// fetchRangesVia implements the batched form on top of a single-range
// function, shared by the client and bucket fetchers.
func fetchRangesVia(ctx context.Context, ranges []Range,
	fetchOne func(ctx context.Context, offset, length int64) ([]byte, error)) ([][]byte, error) {

	if len(ranges) == 0 {
		return nil, nil
	}

	type span struct {
		Range
		members []int // indexes into ranges served by this span
	}

	order := make([]int, len(ranges))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return ranges[order[a]].Offset < ranges[order[b]].Offset
	})

	var spans []*span
	for _, idx := range order {
		r := ranges[idx]
		if n := len(spans); n > 0 {
			last := spans[n-1]
			if r.Offset <= last.Offset+last.Length+coalesceGap {
				if end := r.Offset + r.Length; end > last.Offset+last.Length {
					last.Length = end - last.Offset
				}
				last.members = append(last.members, idx)
				continue
			}
		}
		spans = append(spans, &span{Range: r, members: []int{idx}})
	}

	results := make([][]byte, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range spans {
		s := s
		g.Go(func() error {
			data, err := fetchOne(gctx, s.Offset, s.Length)
			if err != nil {
				return err
			}
			for _, idx := range s.members {
				r := ranges[idx]
				start := r.Offset - s.Offset
				results[idx] = data[start : start+r.Length]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func validRange(offset, length int64) error {
	if offset < 0 || length <= 0 {
		return fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	return nil
}

func permanent(uri string, err error) error {
	return &raster.RangeFetchError{URI: uri, Permanent: true, Err: err}
}

func transient(uri string, err error) error {
	return &raster.RangeFetchError{URI: uri, Permanent: false, Err: err}
}
