package cog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/honua-io/honua-raster/codec"
	"github.com/honua-io/honua-raster/dataset"
	"github.com/honua-io/honua-raster/fetch"
	"github.com/honua-io/honua-raster/raster"
)

// memFetcher serves ranges from an in-memory byte slice, counting calls.
type memFetcher struct {
	data       []byte
	rangeCalls int32
}

func (m *memFetcher) FetchRange(_ context.Context, uri string, offset, length int64) ([]byte, error) {
	atomic.AddInt32(&m.rangeCalls, 1)
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
	return m.data, nil
}

func (m *memFetcher) Size(_ context.Context, uri string) (int64, error) {
	return int64(len(m.data)), nil
}

// cogLevel describes one pyramid level of a synthetic test COG.
type cogLevel struct {
	width, height uint32
	tileW, tileH  uint32
	// tiles holds each tile's stored (compressed) bytes in row-major
	// order; nil means a zero byte-count (all no-data) tile.
	tiles [][]byte
}

type tiffEntry struct {
	tag      Tag
	ftype    fieldType
	count    uint32
	inline   []byte // value if it fits in 4 bytes
	external []byte // value block otherwise
}

func shortEntry(tag Tag, v uint16) tiffEntry {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b, v)
	return tiffEntry{tag: tag, ftype: SHORT, count: 1, inline: b}
}

func longEntry(tag Tag, v uint32) tiffEntry {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return tiffEntry{tag: tag, ftype: LONG, count: 1, inline: b}
}

func longArrayEntry(tag Tag, vs []uint32) tiffEntry {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	if len(b) <= 4 {
		pad := make([]byte, 4)
		copy(pad, b)
		return tiffEntry{tag: tag, ftype: LONG, count: uint32(len(vs)), inline: pad[:len(b)]}
	}
	return tiffEntry{tag: tag, ftype: LONG, count: uint32(len(vs)), external: b}
}

func asciiEntry(tag Tag, s string) tiffEntry {
	b := append([]byte(s), 0)
	if len(b) <= 4 {
		return tiffEntry{tag: tag, ftype: ASCII, count: uint32(len(b)), inline: b}
	}
	return tiffEntry{tag: tag, ftype: ASCII, count: uint32(len(b)), external: b}
}

// buildTestCOG assembles a classic little-endian tiled TIFF with the given
// pyramid. Level 0 carries uint8 samples, deflate compression and a no-data
// value of 7.
func buildTestCOG(t *testing.T, levels []cogLevel) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0, 8, 0, 0, 0}) // header, first IFD at 8

	off := uint32(8)
	for li, lvl := range levels {
		tilesAcross := (lvl.width + lvl.tileW - 1) / lvl.tileW
		tilesDown := (lvl.height + lvl.tileH - 1) / lvl.tileH
		if int(tilesAcross*tilesDown) != len(lvl.tiles) {
			t.Fatalf("level %d: %d tiles for a %dx%d grid", li, len(lvl.tiles), tilesAcross, tilesDown)
		}

		entries := []tiffEntry{
			longEntry(ImageWidth, lvl.width),
			longEntry(ImageLength, lvl.height),
			shortEntry(BitsPerSample, 8),
			shortEntry(Compression, compressionDeflate),
			shortEntry(SamplesPerPixel, 1),
			shortEntry(TileWidth, uint16(lvl.tileW)),
			shortEntry(TileLength, uint16(lvl.tileH)),
		}
		if li > 0 {
			entries = append([]tiffEntry{longEntry(NewSubfileType, 1)}, entries...)
		}

		// Sizes first so tile offsets can be computed before writing.
		ifdSize := uint32(2 + 12*(len(entries)+3) + 4) // +offsets, +counts, +sampleformat or nodata
		extra := []tiffEntry{shortEntry(SampleFormat, sampleFormatUint)}
		if li == 0 {
			extra = append(extra, asciiEntry(GDALNoData, "7"))
			ifdSize += 12
		}

		externalSize := uint32(0)
		offsetsEnt := longArrayEntry(TileOffsets, make([]uint32, len(lvl.tiles)))
		countsEnt := longArrayEntry(TileByteCounts, make([]uint32, len(lvl.tiles)))
		for _, e := range []tiffEntry{offsetsEnt, countsEnt} {
			externalSize += uint32(len(e.external))
		}

		tileDataOff := off + ifdSize + externalSize
		tileOffsets := make([]uint32, len(lvl.tiles))
		tileCounts := make([]uint32, len(lvl.tiles))
		cursor := tileDataOff
		for i, tile := range lvl.tiles {
			if tile == nil {
				continue
			}
			tileOffsets[i] = cursor
			tileCounts[i] = uint32(len(tile))
			cursor += uint32(len(tile))
		}
		offsetsEnt = longArrayEntry(TileOffsets, tileOffsets)
		countsEnt = longArrayEntry(TileByteCounts, tileCounts)

		all := append(entries, offsetsEnt, countsEnt)
		all = append(all, extra...)
		// TIFF requires ascending tag order.
		for i := 1; i < len(all); i++ {
			for j := i; j > 0 && all[j-1].tag > all[j].tag; j-- {
				all[j-1], all[j] = all[j], all[j-1]
			}
		}

		next := uint32(0)
		if li < len(levels)-1 {
			next = cursor
		}

		// Entry count.
		binary.Write(&buf, binary.LittleEndian, uint16(len(all)))
		extOff := off + ifdSize
		var externals []byte
		for _, e := range all {
			binary.Write(&buf, binary.LittleEndian, uint16(e.tag))
			binary.Write(&buf, binary.LittleEndian, uint16(e.ftype))
			binary.Write(&buf, binary.LittleEndian, e.count)
			if e.external != nil {
				binary.Write(&buf, binary.LittleEndian, extOff+uint32(len(externals)))
				externals = append(externals, e.external...)
			} else {
				v := make([]byte, 4)
				copy(v, e.inline)
				buf.Write(v)
			}
		}
		binary.Write(&buf, binary.LittleEndian, next)
		buf.Write(externals)
		for _, tile := range lvl.tiles {
			buf.Write(tile)
		}
		off = cursor
	}
	return buf.Bytes()
}

// fixture returns a 2-level COG: a 32x32 image of 16x16 tiles [A,B,C,nodata]
// and a 16x16 single-tile overview. The raw tiles hold constant values.
func fixture(t *testing.T) ([]byte, map[string][]byte) {
	t.Helper()
	raw := map[string][]byte{
		"A":  bytes.Repeat([]byte{1}, 256),
		"B":  bytes.Repeat([]byte{2}, 256),
		"C":  bytes.Repeat([]byte{3}, 256),
		"ov": bytes.Repeat([]byte{9}, 256),
	}
	comp := func(name string) []byte {
		b, err := codec.Encode(codec.Deflate, raw[name])
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	data := buildTestCOG(t, []cogLevel{
		{width: 32, height: 32, tileW: 16, tileH: 16,
			tiles: [][]byte{comp("A"), comp("B"), comp("C"), nil}},
		{width: 16, height: 16, tileW: 16, tileH: 16,
			tiles: [][]byte{comp("ov")}},
	})
	return data, raw
}

func newTestReader(data []byte) (*Reader, *memFetcher) {
	mf := &memFetcher{data: data}
	return NewReader(mf, dataset.New()), mf
}

func TestReadTile(t *testing.T) {
	data, raw := fixture(t)
	r, _ := newTestReader(data)
	ctx := context.Background()

	cases := []struct {
		name    string
		z, x, y int
		want    []byte
	}{
		{"tile A", 0, 0, 0, raw["A"]},
		{"tile B", 0, 1, 0, raw["B"]},
		{"tile C", 0, 0, 1, raw["C"]},
		{"overview", 1, 0, 0, raw["ov"]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := r.ReadTile(ctx, "file:///test.tif", tc.z, tc.x, tc.y)
			if err != nil {
				t.Fatalf("ReadTile returned an unexpected error: %v", err)
			}
			if !bytes.Equal(p.Bytes, tc.want) {
				t.Errorf("tile bytes mismatch: got %d bytes starting %v", len(p.Bytes), p.Bytes[:4])
			}
			if p.Type != raster.TypeUint8 {
				t.Errorf("payload type %s, want uint8", p.Type)
			}
			if len(p.Shape) != 2 || p.Shape[0] != 16 || p.Shape[1] != 16 {
				t.Errorf("payload shape %v, want [16 16]", p.Shape)
			}
			if want := 16 * 16 * 1; len(p.Bytes) != want {
				t.Errorf("payload size %d, want tileW*tileH*bytesPerPixel=%d", len(p.Bytes), want)
			}
		})
	}
}

func TestReadTileNoData(t *testing.T) {
	data, _ := fixture(t)
	r, mf := newTestReader(data)
	ctx := context.Background()

	// Prime the metadata so the fetch counter below only sees tile reads.
	if _, err := r.Open(ctx, "file:///test.tif"); err != nil {
		t.Fatal(err)
	}
	before := atomic.LoadInt32(&mf.rangeCalls)

	p, err := r.ReadTile(ctx, "file:///test.tif", 0, 1, 1)
	if err != nil {
		t.Fatalf("ReadTile returned an unexpected error: %v", err)
	}
	if after := atomic.LoadInt32(&mf.rangeCalls); after != before {
		t.Errorf("no-data tile issued %d fetches, want 0", after-before)
	}
	if p.NoData == nil || *p.NoData != 7 {
		t.Fatalf("payload nodata = %v, want 7", p.NoData)
	}
	for i, b := range p.Bytes {
		if b != 7 {
			t.Fatalf("byte %d = %d, want no-data fill 7", i, b)
		}
	}
}

func TestReadTileInvalidCoordinate(t *testing.T) {
	data, _ := fixture(t)
	r, _ := newTestReader(data)
	ctx := context.Background()

	cases := []struct {
		name    string
		z, x, y int
	}{
		{"negative x", 0, -1, 0},
		{"x beyond grid", 0, 2, 0},
		{"y beyond grid", 0, 0, 2},
		{"negative z", -1, 0, 0},
		{"z beyond pyramid", 5, 0, 0},
		{"overview out of range", 1, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.ReadTile(ctx, "file:///test.tif", tc.z, tc.x, tc.y)
			var invalid *raster.InvalidTileCoordinateError
			if !errors.As(err, &invalid) {
				t.Errorf("expected InvalidTileCoordinateError, got %v", err)
			}
		})
	}
}

func TestParseOncePerURI(t *testing.T) {
	data, _ := fixture(t)
	r, mf := newTestReader(data)
	ctx := context.Background()

	if _, err := r.ReadTile(ctx, "file:///test.tif", 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	afterFirst := atomic.LoadInt32(&mf.rangeCalls)
	if _, err := r.ReadTile(ctx, "file:///test.tif", 0, 1, 0); err != nil {
		t.Fatal(err)
	}
	// The second tile must cost exactly one fetch: its data range. No
	// header or IFD re-reads.
	if got := atomic.LoadInt32(&mf.rangeCalls) - afterFirst; got != 1 {
		t.Errorf("second tile issued %d fetches, want 1", got)
	}
}

func TestNonTiledTIFFUnsupported(t *testing.T) {
	// A striped TIFF: valid header, no tile tags.
	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0, 8, 0, 0, 0})
	entries := []tiffEntry{
		longEntry(ImageWidth, 8),
		longEntry(ImageLength, 8),
		shortEntry(BitsPerSample, 8),
		shortEntry(Compression, compressionNone),
	}
	binary.Write(&buf, binary.LittleEndian, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, uint16(e.tag))
		binary.Write(&buf, binary.LittleEndian, uint16(e.ftype))
		binary.Write(&buf, binary.LittleEndian, e.count)
		v := make([]byte, 4)
		copy(v, e.inline)
		buf.Write(v)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	r, _ := newTestReader(buf.Bytes())
	_, err := r.ReadTile(context.Background(), "file:///plain.tif", 0, 0, 0)
	var unsupported *raster.UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFormatError for striped TIFF, got %v", err)
	}
}

func TestNotATIFF(t *testing.T) {
	r, _ := newTestReader([]byte("PK\x03\x04 definitely not a tiff, padded to sixteen"))
	_, err := r.ReadTile(context.Background(), "file:///archive.tif", 0, 0, 0)
	var unsupported *raster.UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
}

func TestUndoHorizontalPrediction(t *testing.T) {
	t.Run("single band uint8", func(t *testing.T) {
		ix := &Index{DataType: raster.TypeUint8, SamplesPerPixel: 1, ByteOrder: binary.LittleEndian}
		lvl := &Level{TileWidth: 4, TileLength: 2}
		// Two rows of deltas; each row accumulates independently.
		data := []byte{10, 1, 1, 1, 20, 2, 2, 2}
		if err := undoHorizontalPrediction(data, ix, lvl); err != nil {
			t.Fatal(err)
		}
		want := []byte{10, 11, 12, 13, 20, 22, 24, 26}
		if !bytes.Equal(data, want) {
			t.Errorf("got %v, want %v", data, want)
		}
	})

	t.Run("interleaved bands difference per sample", func(t *testing.T) {
		ix := &Index{DataType: raster.TypeUint8, SamplesPerPixel: 2, ByteOrder: binary.LittleEndian}
		lvl := &Level{TileWidth: 3, TileLength: 1}
		// Pixels (r,g): (10,100) then deltas (1,2), (1,2).
		data := []byte{10, 100, 1, 2, 1, 2}
		if err := undoHorizontalPrediction(data, ix, lvl); err != nil {
			t.Fatal(err)
		}
		want := []byte{10, 100, 11, 102, 12, 104}
		if !bytes.Equal(data, want) {
			t.Errorf("got %v, want %v", data, want)
		}
	})

	t.Run("uint16 little endian", func(t *testing.T) {
		ix := &Index{DataType: raster.TypeUint16, SamplesPerPixel: 1, ByteOrder: binary.LittleEndian}
		lvl := &Level{TileWidth: 3, TileLength: 1}
		data := make([]byte, 6)
		binary.LittleEndian.PutUint16(data[0:], 1000)
		binary.LittleEndian.PutUint16(data[2:], 5)
		binary.LittleEndian.PutUint16(data[4:], 0xFFFF) // wraps modulo 2^16
		if err := undoHorizontalPrediction(data, ix, lvl); err != nil {
			t.Fatal(err)
		}
		got := []uint16{
			binary.LittleEndian.Uint16(data[0:]),
			binary.LittleEndian.Uint16(data[2:]),
			binary.LittleEndian.Uint16(data[4:]),
		}
		want := []uint16{1000, 1005, 1004}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("element %d = %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("float samples rejected", func(t *testing.T) {
		ix := &Index{DataType: raster.TypeFloat32, SamplesPerPixel: 1, ByteOrder: binary.LittleEndian}
		lvl := &Level{TileWidth: 2, TileLength: 1}
		if err := undoHorizontalPrediction(make([]byte, 8), ix, lvl); err == nil {
			t.Error("expected an error for float samples")
		}
	})
}

func TestParseHeaderBigTIFF(t *testing.T) {
	b := make([]byte, 16)
	b[0], b[1] = 'I', 'I'
	binary.LittleEndian.PutUint16(b[2:], bigTiffIdentifier)
	binary.LittleEndian.PutUint16(b[4:], bigTiffBytesize)
	binary.LittleEndian.PutUint64(b[8:], 1234)

	h, err := parseHeader(b)
	if err != nil {
		t.Fatalf("parseHeader returned an unexpected error: %v", err)
	}
	if !h.isBigTIFF || h.ifdOffset != 1234 {
		t.Errorf("got %+v, want BigTIFF with IFD at 1234", h)
	}
}
