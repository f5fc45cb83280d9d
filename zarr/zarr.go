// Package zarr reads Zarr v2 arrays. The .zarray metadata document is parsed
// once per dataset; chunks are discrete stored objects fetched whole and
// decoded with the compressor the metadata declares.
package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/honua-io/honua-raster/codec"
	"github.com/honua-io/honua-raster/dataset"
	"github.com/honua-io/honua-raster/fetch"
	"github.com/honua-io/honua-raster/raster"
)

// zarrayDoc mirrors the Zarr v2 .zarray JSON schema.
type zarrayDoc struct {
	Shape              []int             `json:"shape"`
	Chunks             []int             `json:"chunks"`
	DType              string            `json:"dtype"`
	Compressor         *compressorConfig `json:"compressor"`
	FillValue          json.RawMessage   `json:"fill_value"`
	Order              string            `json:"order"`
	ZarrFormat         int               `json:"zarr_format"`
	DimensionSeparator string            `json:"dimension_separator"`
}

type compressorConfig struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// Array is the parsed, immutable description of one Zarr array.
type Array struct {
	URI       string
	Shape     []int
	Chunks    []int
	DataType  raster.DataType
	ByteOrder binary.ByteOrder
	Codec     string
	FillValue float64
	Separator string
}

// ChunkGrid returns the number of chunks per dimension:
// ceil(shape[i]/chunks[i]).
func (a *Array) ChunkGrid() []int {
	grid := make([]int, len(a.Shape))
	for i := range a.Shape {
		grid[i] = (a.Shape[i] + a.Chunks[i] - 1) / a.Chunks[i]
	}
	return grid
}

// ChunkKey is the storage key of the chunk at the given indices, relative to
// the array root.
func (a *Array) ChunkKey(indices []int) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, a.Separator)
}

func (a *Array) chunkElements() int {
	n := 1
	for _, c := range a.Chunks {
		n *= c
	}
	return n
}

// Reader materializes Zarr chunks. Stateless beyond the metadata cache.
type Reader struct {
	fetcher fetch.Fetcher
	meta    *dataset.Cache
}

func NewReader(fetcher fetch.Fetcher, meta *dataset.Cache) *Reader {
	return &Reader{fetcher: fetcher, meta: meta}
}

// Open returns the parsed array metadata for uri, fetching and parsing the
// .zarray document on first access.
func (r *Reader) Open(ctx context.Context, uri string) (*Array, error) {
	m, err := r.meta.GetOrParse(ctx, uri, func(ctx context.Context) (any, error) {
		return parseArray(ctx, r.fetcher, uri)
	})
	if err != nil {
		return nil, err
	}
	return m.(*Array), nil
}

// ReadChunk fetches and decodes the chunk at the given indices. A chunk whose
// stored object does not exist is, by Zarr's definition, entirely fill value
// and is synthesized without error.
func (r *Reader) ReadChunk(ctx context.Context, uri string, indices []int) (*raster.TilePayload, error) {
	a, err := r.Open(ctx, uri)
	if err != nil {
		return nil, err
	}

	coord := raster.TileCoordinate{Indices: indices}
	if len(indices) != len(a.Shape) {
		return nil, &raster.InvalidTileCoordinateError{
			Coordinate: coord,
			Reason:     fmt.Sprintf("got %d indices for a %d-dimensional array", len(indices), len(a.Shape)),
		}
	}
	grid := a.ChunkGrid()
	for i, idx := range indices {
		if idx < 0 || idx >= grid[i] {
			return nil, &raster.InvalidTileCoordinateError{
				Coordinate: coord,
				Reason:     fmt.Sprintf("index %d out of range for dimension %d (grid %d)", idx, i, grid[i]),
			}
		}
	}

	fill := a.FillValue
	compressed, err := r.fetcher.FetchAll(ctx, joinKey(a.URI, a.ChunkKey(indices)))
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			return raster.FillPayload(a.DataType, a.Chunks, fill, a.ByteOrder), nil
		}
		return nil, err
	}

	expected := a.chunkElements() * a.DataType.Size()
	decoded, err := codec.Decode(a.Codec, compressed, expected)
	if err != nil {
		return nil, err
	}

	return &raster.TilePayload{
		Bytes:  decoded,
		Type:   a.DataType,
		Shape:  append([]int(nil), a.Chunks...),
		NoData: &fill,
	}, nil
}

func joinKey(root, key string) string {
	return strings.TrimSuffix(root, "/") + "/" + key
}

func parseArray(ctx context.Context, fetcher fetch.Fetcher, uri string) (*Array, error) {
	raw, err := fetcher.FetchAll(ctx, joinKey(uri, ".zarray"))
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			return nil, &raster.UnsupportedFormatError{URI: uri, Reason: "no .zarray document"}
		}
		return nil, err
	}

	var doc zarrayDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &raster.MetadataParseError{URI: uri, Err: err}
	}
	if doc.ZarrFormat != 0 && doc.ZarrFormat != 2 {
		return nil, &raster.UnsupportedFormatError{URI: uri,
			Reason: fmt.Sprintf("zarr_format %d", doc.ZarrFormat)}
	}
	if len(doc.Shape) == 0 || len(doc.Chunks) != len(doc.Shape) {
		return nil, &raster.MetadataParseError{URI: uri,
			Err: fmt.Errorf("shape %v and chunks %v disagree", doc.Shape, doc.Chunks)}
	}
	for i := range doc.Chunks {
		if doc.Chunks[i] <= 0 || doc.Shape[i] < 0 {
			return nil, &raster.MetadataParseError{URI: uri,
				Err: fmt.Errorf("non-positive chunk shape %v", doc.Chunks)}
		}
	}
	if doc.Order != "" && doc.Order != "C" {
		return nil, &raster.UnsupportedFormatError{URI: uri,
			Reason: fmt.Sprintf("order %q, only C supported", doc.Order)}
	}

	dt, order, err := parseDType(doc.DType)
	if err != nil {
		return nil, &raster.MetadataParseError{URI: uri, Err: err}
	}

	id, err := codecForCompressor(doc.Compressor)
	if err != nil {
		return nil, err
	}

	fill, err := parseFillValue(doc.FillValue)
	if err != nil {
		return nil, &raster.MetadataParseError{URI: uri, Err: err}
	}

	sep := doc.DimensionSeparator
	if sep == "" {
		sep = "."
	}

	return &Array{
		URI:       uri,
		Shape:     doc.Shape,
		Chunks:    doc.Chunks,
		DataType:  dt,
		ByteOrder: order,
		Codec:     id,
		FillValue: fill,
		Separator: sep,
	}, nil
}

// parseDType maps a numpy-style dtype string ("<f4", ">i2", "|u1") onto an
// element type and byte order.
func parseDType(dtype string) (raster.DataType, binary.ByteOrder, error) {
	if len(dtype) < 3 {
		return raster.TypeUnknown, nil, fmt.Errorf("invalid dtype %q", dtype)
	}

	var order binary.ByteOrder
	switch dtype[0] {
	case '<', '|':
		order = binary.LittleEndian
	case '>':
		order = binary.BigEndian
	default:
		return raster.TypeUnknown, nil, fmt.Errorf("invalid dtype byte order in %q", dtype)
	}

	var dt raster.DataType
	switch dtype[1:] {
	case "b1", "u1":
		dt = raster.TypeUint8
	case "i1":
		dt = raster.TypeInt8
	case "u2":
		dt = raster.TypeUint16
	case "i2":
		dt = raster.TypeInt16
	case "u4":
		dt = raster.TypeUint32
	case "i4":
		dt = raster.TypeInt32
	case "u8":
		dt = raster.TypeUint64
	case "i8":
		dt = raster.TypeInt64
	case "f4":
		dt = raster.TypeFloat32
	case "f8":
		dt = raster.TypeFloat64
	default:
		return raster.TypeUnknown, nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	return dt, order, nil
}

// codecForCompressor maps a numcodecs compressor config onto a registry
// identifier. A null compressor means raw chunks.
func codecForCompressor(c *compressorConfig) (string, error) {
	if c == nil {
		return codec.None, nil
	}
	switch c.ID {
	case "", "none":
		return codec.None, nil
	case "zlib", "deflate":
		return codec.Deflate, nil
	case "zstd":
		return codec.Zstd, nil
	case "lz4":
		return codec.LZ4, nil
	}
	return "", &raster.UnsupportedCodecError{Codec: c.ID}
}

// parseFillValue handles the JSON encodings Zarr allows: a number, null, or
// the strings "NaN", "Infinity" and "-Infinity".
func parseFillValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unparseable fill_value %s", raw)
	}
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return 0, fmt.Errorf("unparseable fill_value %q", s)
}
