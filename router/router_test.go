package router

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/honua-io/honua-raster/cog"
	"github.com/honua-io/honua-raster/dataset"
	"github.com/honua-io/honua-raster/fetch"
	"github.com/honua-io/honua-raster/raster"
	"github.com/honua-io/honua-raster/tilecache"
	"github.com/honua-io/honua-raster/zarr"
)

// memFetcher serves every URI from the same byte slice and counts calls.
type memFetcher struct {
	data  []byte
	calls int32
}

func (m *memFetcher) FetchRange(_ context.Context, uri string, offset, length int64) ([]byte, error) {
	atomic.AddInt32(&m.calls, 1)
	if offset < 0 || offset+length > int64(len(m.data)) {
		return nil, &raster.RangeFetchError{URI: uri, Permanent: true,
			Err: errors.New("range out of bounds")}
	}
	return m.data[offset : offset+length], nil
}

func (m *memFetcher) FetchRanges(ctx context.Context, uri string, ranges []fetch.Range) ([][]byte, error) {
	out := make([][]byte, len(ranges))
	for i, r := range ranges {
		b, err := m.FetchRange(ctx, uri, r.Offset, r.Length)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (m *memFetcher) FetchAll(_ context.Context, uri string) ([]byte, error) {
	atomic.AddInt32(&m.calls, 1)
	return m.data, nil
}

func (m *memFetcher) Size(_ context.Context, uri string) (int64, error) {
	return int64(len(m.data)), nil
}

// fakeFallback is a native engine stand-in that counts opens and reads.
type fakeFallback struct {
	opens int32
	data  []byte
}

type fakeHandle struct {
	parent *fakeFallback
	reads  int32
	closed int32
}

func (f *fakeFallback) Open(_ context.Context, uri string) (FallbackHandle, error) {
	atomic.AddInt32(&f.opens, 1)
	return &fakeHandle{parent: f}, nil
}

func (h *fakeHandle) ReadTile(_ context.Context, coord raster.TileCoordinate) ([]byte, error) {
	atomic.AddInt32(&h.reads, 1)
	return h.parent.data, nil
}

func (h *fakeHandle) Close() error {
	atomic.AddInt32(&h.closed, 1)
	return nil
}

// tinyCOG builds an uncompressed single-tile TIFF: an 8x8 uint8 image in one
// 8x8 tile, all entry values inline.
func tinyCOG(tile []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0, 8, 0, 0, 0})

	type ent struct {
		tag, ftype uint16
		count, val uint32
	}
	const short, long = 3, 4
	// IFD is 2 + 10*12 + 4 = 126 bytes at offset 8, tile data follows at 134.
	entries := []ent{
		{256, long, 1, 8},    // ImageWidth
		{257, long, 1, 8},    // ImageLength
		{258, short, 1, 8},   // BitsPerSample
		{259, short, 1, 1},   // Compression: none
		{277, short, 1, 1},   // SamplesPerPixel
		{322, short, 1, 8},   // TileWidth
		{323, short, 1, 8},   // TileLength
		{324, long, 1, 134},  // TileOffsets
		{325, long, 1, 64},   // TileByteCounts
		{339, short, 1, 1},   // SampleFormat: uint
	}
	binary.Write(&buf, binary.LittleEndian, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.tag)
		binary.Write(&buf, binary.LittleEndian, e.ftype)
		binary.Write(&buf, binary.LittleEndian, e.count)
		binary.Write(&buf, binary.LittleEndian, e.val)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // no next IFD
	buf.Write(tile)
	return buf.Bytes()
}

// stripedTIFF is a valid TIFF that is not tiled, so the COG reader declines it.
func stripedTIFF() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0, 8, 0, 0, 0})
	type ent struct {
		tag, ftype uint16
		count, val uint32
	}
	entries := []ent{
		{256, 4, 1, 8},
		{257, 4, 1, 8},
		{258, 3, 1, 8},
		{259, 3, 1, 1},
	}
	binary.Write(&buf, binary.LittleEndian, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.tag)
		binary.Write(&buf, binary.LittleEndian, e.ftype)
		binary.Write(&buf, binary.LittleEndian, e.count)
		binary.Write(&buf, binary.LittleEndian, e.val)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	return buf.Bytes()
}

func newTestRouter(fetcher fetch.Fetcher, fb Fallback) *Router {
	meta := dataset.New()
	return New(Config{
		COG:      cog.NewReader(fetcher, meta),
		Zarr:     zarr.NewReader(fetcher, meta),
		Cache:    tilecache.New(tilecache.NewMemoryStore(), 1<<20, nil),
		Metadata: meta,
		Fallback: fb,
	})
}

func TestRouteFromURI(t *testing.T) {
	cases := []struct {
		uri  string
		want route
	}{
		{"file:///data/dem.tif", routeCOG},
		{"https://example.com/scene.TIFF", routeCOG},
		{"s3://bucket/temp.zarr", routeZarr},
		{"s3://bucket/temp.zarr/", routeZarr},
		{"s3://bucket/stack.zarr/precip", routeZarr},
		{"file:///data/model.nc", routeFallback},
		{"file:///data/roads.gpkg", routeFallback},
		{"file:///plain", routeFallback},
	}
	for _, tc := range cases {
		t.Run(tc.uri, func(t *testing.T) {
			if got := routeFromURI(tc.uri); got != tc.want {
				t.Errorf("routeFromURI(%q) = %s, want %s", tc.uri, got, tc.want)
			}
		})
	}
}

func TestGetTileServedFromCache(t *testing.T) {
	tile := bytes.Repeat([]byte{6}, 64)
	mf := &memFetcher{data: tinyCOG(tile)}
	r := newTestRouter(mf, nil)
	ctx := context.Background()
	coord := raster.TileCoordinate{Z: 0, X: 0, Y: 0}

	p, err := r.GetTile(ctx, "file:///dem.tif", coord)
	if err != nil {
		t.Fatalf("GetTile returned an unexpected error: %v", err)
	}
	if !bytes.Equal(p.Bytes, tile) {
		t.Fatal("first read returned wrong tile bytes")
	}
	after := atomic.LoadInt32(&mf.calls)

	p, err = r.GetTile(ctx, "file:///dem.tif", coord)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p.Bytes, tile) {
		t.Fatal("cached read returned wrong tile bytes")
	}
	if got := atomic.LoadInt32(&mf.calls); got != after {
		t.Errorf("cached read still hit the fetcher (%d extra calls)", got-after)
	}
}

func TestFallbackOpenedOncePerDataset(t *testing.T) {
	fb := &fakeFallback{data: []byte("native tile")}
	r := newTestRouter(&memFetcher{}, fb)
	ctx := context.Background()

	for x := 0; x < 3; x++ {
		p, err := r.GetTile(ctx, "file:///model.nc", raster.TileCoordinate{Z: 0, X: x, Y: 0})
		if err != nil {
			t.Fatalf("GetTile via fallback: %v", err)
		}
		if p.Type != raster.TypeUnknown {
			t.Errorf("fallback payload type %s, want unknown", p.Type)
		}
		if !bytes.Equal(p.Bytes, fb.data) {
			t.Error("fallback payload bytes mismatch")
		}
	}

	if got := atomic.LoadInt32(&fb.opens); got != 1 {
		t.Errorf("fallback opened %d times for one dataset, want 1", got)
	}
}

func TestUnsupportedCOGReroutesToFallback(t *testing.T) {
	fb := &fakeFallback{data: []byte("gdal says hi")}
	mf := &memFetcher{data: stripedTIFF()}
	r := newTestRouter(mf, fb)
	ctx := context.Background()

	p, err := r.GetTile(ctx, "file:///plain.tif", raster.TileCoordinate{Z: 0, X: 0, Y: 0})
	if err != nil {
		t.Fatalf("expected a fallback-served tile, got %v", err)
	}
	if !bytes.Equal(p.Bytes, fb.data) {
		t.Error("rerouted tile bytes mismatch")
	}
	parseCalls := atomic.LoadInt32(&mf.calls)

	// The reroute decision sticks: the next request goes straight to the
	// fallback without probing the file again.
	if _, err := r.GetTile(ctx, "file:///plain.tif", raster.TileCoordinate{Z: 0, X: 1, Y: 0}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&mf.calls); got != parseCalls {
		t.Errorf("second request probed the file again (%d extra fetches)", got-parseCalls)
	}
	if got := atomic.LoadInt32(&fb.opens); got != 1 {
		t.Errorf("fallback opened %d times, want 1", got)
	}
}

func TestNoFallbackConfigured(t *testing.T) {
	r := newTestRouter(&memFetcher{}, nil)

	_, err := r.GetTile(context.Background(), "file:///model.nc", raster.TileCoordinate{})
	var unsupported *raster.UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFormatError without a fallback, got %v", err)
	}
}

func TestInvalidateDataset(t *testing.T) {
	tile := bytes.Repeat([]byte{3}, 64)
	mf := &memFetcher{data: tinyCOG(tile)}
	fb := &fakeFallback{data: []byte("n")}
	r := newTestRouter(mf, fb)
	ctx := context.Background()
	coord := raster.TileCoordinate{Z: 0, X: 0, Y: 0}

	if _, err := r.GetTile(ctx, "file:///dem.tif", coord); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetTile(ctx, "file:///model.nc", coord); err != nil {
		t.Fatal(err)
	}

	r.InvalidateDataset(ctx, "file:///dem.tif")

	// The COG must be re-parsed and re-read from the source.
	before := atomic.LoadInt32(&mf.calls)
	if _, err := r.GetTile(ctx, "file:///dem.tif", coord); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&mf.calls); got == before {
		t.Error("tile still served from cache after invalidation")
	}

	// The fallback dataset was untouched.
	if got := atomic.LoadInt32(&fb.opens); got != 1 {
		t.Errorf("fallback handle churned on unrelated invalidation (%d opens)", got)
	}

	r.InvalidateDataset(ctx, "file:///model.nc")
	if _, err := r.GetTile(ctx, "file:///model.nc", coord); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&fb.opens); got != 2 {
		t.Errorf("invalidated fallback dataset reused its old handle (%d opens)", got)
	}
}

func TestRouterClose(t *testing.T) {
	fb := &fakeFallback{data: []byte("n")}
	r := newTestRouter(&memFetcher{}, fb)
	ctx := context.Background()

	if _, err := r.GetTile(ctx, "file:///a.nc", raster.TileCoordinate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetTile(ctx, "file:///b.nc", raster.TileCoordinate{X: 1}); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	// Handles are gone: the next request opens fresh ones.
	if _, err := r.GetTile(ctx, "file:///a.nc", raster.TileCoordinate{Y: 1}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&fb.opens); got != 3 {
		t.Errorf("%d opens across close boundary, want 3", got)
	}
}
