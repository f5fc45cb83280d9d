// Package cog reads Cloud-Optimized GeoTIFF datasets. It parses the TIFF
// header and the IFD chain (full resolution plus overview pyramid) through
// the range fetcher, never loading whole files, and materializes individual
// tiles on demand.
package cog

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/honua-io/honua-raster/codec"
	"github.com/honua-io/honua-raster/dataset"
	"github.com/honua-io/honua-raster/fetch"
	"github.com/honua-io/honua-raster/raster"
)

// head represents the TIFF file header information.
type head struct {
	byteOrder binary.ByteOrder
	isBigTIFF bool
	ifdOffset uint64
}

// tagData holds the parsed data for a TIFF tag in its typed form.
type tagData struct {
	fType      fieldType
	count      uint64
	byteData   []uint8
	asciiData  string
	shortData  []uint16
	longData   []uint32
	floatData  []float32
	doubleData []float64
	uint64Data []uint64
}

type tags map[Tag]tagData

// Level is one resolution level of the pyramid: level 0 is the full
// resolution image, higher levels are progressively smaller overviews.
type Level struct {
	ImageWidth     uint32
	ImageLength    uint32
	TileWidth      uint32
	TileLength     uint32
	TileOffsets    []uint64
	TileByteCounts []uint64
	TilesAcross    int
	TilesDown      int
}

// Index is the parsed, immutable description of a COG dataset. It is built
// once per URI and shared read-only between all tile requests.
type Index struct {
	URI       string
	ByteOrder binary.ByteOrder
	IsBigTIFF bool
	Levels    []Level

	Codec           string
	Predictor       uint16
	DataType        raster.DataType
	SamplesPerPixel int
	NoData          *float64

	// PixelScaleX/Y carry the geographic resolution when the file declares
	// one; zero otherwise.
	PixelScaleX float64
	PixelScaleY float64
}

// BytesPerPixel is the decoded size of one pixel across all samples.
func (ix *Index) BytesPerPixel() int {
	return ix.DataType.Size() * ix.SamplesPerPixel
}

// Reader materializes COG tiles. It is a stateless service: all mutable
// state lives in the metadata cache it consults.
type Reader struct {
	fetcher fetch.Fetcher
	meta    *dataset.Cache
}

func NewReader(fetcher fetch.Fetcher, meta *dataset.Cache) *Reader {
	return &Reader{fetcher: fetcher, meta: meta}
}

// Open returns the parsed index for uri, parsing it on first access. The
// parse runs at most once per URI no matter how many requests race on it.
func (r *Reader) Open(ctx context.Context, uri string) (*Index, error) {
	m, err := r.meta.GetOrParse(ctx, uri, func(ctx context.Context) (any, error) {
		return parseIndex(ctx, r.fetcher, uri)
	})
	if err != nil {
		return nil, err
	}
	return m.(*Index), nil
}

// ReadTile fetches and decodes the tile at (x, y) on overview level z.
// The returned payload always covers the full tile extent; edge tiles carry
// their padding and no-data masking is the caller's business. A tile with a
// zero byte count is entirely no-data and is synthesized without a fetch.
func (r *Reader) ReadTile(ctx context.Context, uri string, z, x, y int) (*raster.TilePayload, error) {
	ix, err := r.Open(ctx, uri)
	if err != nil {
		return nil, err
	}

	coord := raster.TileCoordinate{Z: z, X: x, Y: y}
	if z < 0 || z >= len(ix.Levels) {
		return nil, &raster.InvalidTileCoordinateError{
			Coordinate: coord,
			Reason:     fmt.Sprintf("level out of range, dataset has %d levels", len(ix.Levels)),
		}
	}
	lvl := &ix.Levels[z]
	if x < 0 || x >= lvl.TilesAcross || y < 0 || y >= lvl.TilesDown {
		return nil, &raster.InvalidTileCoordinateError{
			Coordinate: coord,
			Reason:     fmt.Sprintf("outside %dx%d tile grid", lvl.TilesAcross, lvl.TilesDown),
		}
	}

	tileNum := y*lvl.TilesAcross + x
	shape := []int{int(lvl.TileLength), int(lvl.TileWidth)}

	if lvl.TileByteCounts[tileNum] == 0 {
		// An absent tile is entirely no-data.
		nodata := 0.0
		if ix.NoData != nil {
			nodata = *ix.NoData
		}
		return raster.FillPayload(ix.DataType, shape, nodata, ix.ByteOrder), nil
	}

	compressed, err := r.fetcher.FetchRange(ctx, uri,
		int64(lvl.TileOffsets[tileNum]), int64(lvl.TileByteCounts[tileNum]))
	if err != nil {
		return nil, err
	}

	expected := int(lvl.TileWidth) * int(lvl.TileLength) * ix.BytesPerPixel()
	decoded, err := codec.Decode(ix.Codec, compressed, expected)
	if err != nil {
		return nil, err
	}

	if ix.Predictor == predictorHorizontal {
		if err := undoHorizontalPrediction(decoded, ix, lvl); err != nil {
			return nil, err
		}
	}

	return &raster.TilePayload{
		Bytes:  decoded,
		Type:   ix.DataType,
		Shape:  shape,
		NoData: ix.NoData,
	}, nil
}

// parseIndex walks the header and IFD chain, fetching only the structural
// byte ranges it needs.
func parseIndex(ctx context.Context, fetcher fetch.Fetcher, uri string) (*Index, error) {
	headerBytes, err := fetcher.FetchRange(ctx, uri, 0, 16)
	if err != nil {
		return nil, err
	}
	h, err := parseHeader(headerBytes)
	if err != nil {
		return nil, &raster.UnsupportedFormatError{URI: uri, Reason: err.Error()}
	}
	if h.ifdOffset == 0 {
		return nil, &raster.MetadataParseError{URI: uri, Err: fmt.Errorf("file contains no IFDs")}
	}

	ix := &Index{URI: uri, ByteOrder: h.byteOrder, IsBigTIFF: h.isBigTIFF}

	offset := h.ifdOffset
	for offset != 0 {
		ifdTags, next, err := readIFD(ctx, fetcher, uri, h, offset)
		if err != nil {
			return nil, &raster.MetadataParseError{URI: uri, Err: err}
		}

		if t, ok := ifdTags.getUint(NewSubfileType); ok && t&maskSubfileTypeBit != 0 {
			// Mask IFDs are not part of the pyramid.
			offset = next
			continue
		}

		lvl, err := buildLevel(ifdTags)
		if err != nil {
			if len(ix.Levels) == 0 {
				// The primary image is not tiled: not a COG, let the
				// router delegate it.
				return nil, &raster.UnsupportedFormatError{URI: uri, Reason: err.Error()}
			}
			return nil, &raster.MetadataParseError{URI: uri, Err: err}
		}
		if len(ix.Levels) == 0 {
			if err := fillSampleInfo(ix, ifdTags, uri); err != nil {
				return nil, err
			}
		}
		ix.Levels = append(ix.Levels, *lvl)
		offset = next
	}

	if len(ix.Levels) == 0 {
		return nil, &raster.UnsupportedFormatError{URI: uri, Reason: "no tiled image directories"}
	}
	return ix, nil
}

// fillSampleInfo extracts pixel format, compression, predictor and no-data
// from the full-resolution IFD. Overviews are assumed to share them.
func fillSampleInfo(ix *Index, t tags, uri string) error {
	bits := uint64(32)
	if v, ok := t.getUint(BitsPerSample); ok {
		bits = v
	}
	format := uint64(sampleFormatFloat)
	if v, ok := t.getUint(SampleFormat); ok {
		format = v
	}
	dt, err := sampleDataType(format, bits)
	if err != nil {
		return &raster.UnsupportedFormatError{URI: uri, Reason: err.Error()}
	}
	ix.DataType = dt

	ix.SamplesPerPixel = 1
	if v, ok := t.getUint(SamplesPerPixel); ok {
		ix.SamplesPerPixel = int(v)
	}

	comp := uint64(compressionNone)
	if v, ok := t.getUint(Compression); ok {
		comp = v
	}
	id, err := codecForCompression(uint16(comp))
	if err != nil {
		return &raster.UnsupportedFormatError{URI: uri, Reason: err.Error()}
	}
	ix.Codec = id

	ix.Predictor = predictorNone
	if v, ok := t.getUint(Predictor); ok {
		ix.Predictor = uint16(v)
	}
	if ix.Predictor != predictorNone && ix.Predictor != predictorHorizontal {
		return &raster.UnsupportedFormatError{URI: uri,
			Reason: fmt.Sprintf("unsupported predictor %d", ix.Predictor)}
	}

	if nd, ok := t[GDALNoData]; ok && nd.fType == ASCII {
		if v, err := strconv.ParseFloat(strings.TrimSpace(nd.asciiData), 64); err == nil {
			ix.NoData = &v
		}
	}

	if ps, ok := t[ModelPixelScale]; ok && ps.fType == DOUBLE && len(ps.doubleData) >= 2 {
		ix.PixelScaleX = ps.doubleData[0]
		ix.PixelScaleY = ps.doubleData[1]
		if ix.PixelScaleY > 0 {
			ix.PixelScaleY = -ix.PixelScaleY
		}
	}
	return nil
}

func buildLevel(t tags) (*Level, error) {
	var lvl Level
	width, ok := t.getUint(ImageWidth)
	if !ok {
		return nil, fmt.Errorf("missing or invalid tag: ImageWidth")
	}
	lvl.ImageWidth = uint32(width)
	length, ok := t.getUint(ImageLength)
	if !ok {
		return nil, fmt.Errorf("missing or invalid tag: ImageLength")
	}
	lvl.ImageLength = uint32(length)

	tw, ok := t.getUint(TileWidth)
	if !ok {
		return nil, fmt.Errorf("image is not tiled: missing TileWidth")
	}
	lvl.TileWidth = uint32(tw)
	tl, ok := t.getUint(TileLength)
	if !ok {
		return nil, fmt.Errorf("image is not tiled: missing TileLength")
	}
	lvl.TileLength = uint32(tl)
	if lvl.TileWidth == 0 || lvl.TileLength == 0 {
		return nil, fmt.Errorf("zero tile dimensions")
	}

	offsets, ok := t.get64bitSlice(TileOffsets)
	if !ok {
		return nil, fmt.Errorf("missing or invalid tag: TileOffsets")
	}
	lvl.TileOffsets = offsets
	counts, ok := t.get64bitSlice(TileByteCounts)
	if !ok {
		return nil, fmt.Errorf("missing or invalid tag: TileByteCounts")
	}
	lvl.TileByteCounts = counts

	lvl.TilesAcross = int(lvl.ImageWidth+lvl.TileWidth-1) / int(lvl.TileWidth)
	lvl.TilesDown = int(lvl.ImageLength+lvl.TileLength-1) / int(lvl.TileLength)

	if want := lvl.TilesAcross * lvl.TilesDown; len(lvl.TileOffsets) < want || len(lvl.TileByteCounts) < want {
		return nil, fmt.Errorf("tile index shorter than %dx%d grid", lvl.TilesAcross, lvl.TilesDown)
	}
	return &lvl, nil
}

func sampleDataType(format, bits uint64) (raster.DataType, error) {
	switch format {
	case sampleFormatUint:
		switch bits {
		case 8:
			return raster.TypeUint8, nil
		case 16:
			return raster.TypeUint16, nil
		case 32:
			return raster.TypeUint32, nil
		case 64:
			return raster.TypeUint64, nil
		}
	case sampleFormatInt:
		switch bits {
		case 8:
			return raster.TypeInt8, nil
		case 16:
			return raster.TypeInt16, nil
		case 32:
			return raster.TypeInt32, nil
		case 64:
			return raster.TypeInt64, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return raster.TypeFloat32, nil
		case 64:
			return raster.TypeFloat64, nil
		}
	}
	return raster.TypeUnknown, fmt.Errorf("unsupported sample format %d with %d bits", format, bits)
}

func codecForCompression(comp uint16) (string, error) {
	switch comp {
	case compressionNone:
		return codec.None, nil
	case compressionDeflate, compressionOldDeflate:
		return codec.Deflate, nil
	case compressionZstd:
		return codec.Zstd, nil
	case compressionLZ4:
		return codec.LZ4, nil
	}
	return "", fmt.Errorf("unsupported compression tag %d", comp)
}

// parseHeader decodes the 8/16-byte TIFF header.
func parseHeader(b []byte) (head, error) {
	var h head
	if len(b) < 8 {
		return h, fmt.Errorf("short header")
	}
	switch binary.BigEndian.Uint16(b) {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, fmt.Errorf("invalid byte order marker")
	}

	switch h.byteOrder.Uint16(b[2:]) {
	case tiffIdentifier:
		h.isBigTIFF = false
		h.ifdOffset = uint64(h.byteOrder.Uint32(b[4:]))
	case bigTiffIdentifier:
		h.isBigTIFF = true
		if len(b) < 16 {
			return h, fmt.Errorf("short BigTIFF header")
		}
		if h.byteOrder.Uint16(b[4:]) != bigTiffBytesize {
			return h, fmt.Errorf("invalid BigTIFF bytesize")
		}
		h.ifdOffset = h.byteOrder.Uint64(b[8:])
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", h.byteOrder.Uint16(b[2:]))
	}
	return h, nil
}

// readIFD fetches one directory: the entry count, the entry block and the
// next-IFD pointer, then resolves external tag values with one coalesced
// batch of range reads.
func readIFD(ctx context.Context, fetcher fetch.Fetcher, uri string, h head, offset uint64) (tags, uint64, error) {
	countLen := int64(2)
	entryLen := int64(12)
	nextLen := int64(4)
	if h.isBigTIFF {
		countLen, entryLen, nextLen = 8, 20, 8
	}

	countBytes, err := fetcher.FetchRange(ctx, uri, int64(offset), countLen)
	if err != nil {
		return nil, 0, err
	}
	var numEntries uint64
	if h.isBigTIFF {
		numEntries = h.byteOrder.Uint64(countBytes)
	} else {
		numEntries = uint64(h.byteOrder.Uint16(countBytes))
	}
	if numEntries == 0 || numEntries > 4096 {
		return nil, 0, fmt.Errorf("implausible IFD entry count %d", numEntries)
	}

	block, err := fetcher.FetchRange(ctx, uri,
		int64(offset)+countLen, entryLen*int64(numEntries)+nextLen)
	if err != nil {
		return nil, 0, err
	}

	type entry struct {
		tag        Tag
		fType      fieldType
		count      uint64
		valueBytes []byte // inline value, nil when external
		valueOff   uint64
	}

	inlineSize := uint64(4)
	if h.isBigTIFF {
		inlineSize = 8
	}

	var entries []entry
	for i := uint64(0); i < numEntries; i++ {
		e := block[int64(i)*entryLen : int64(i+1)*entryLen]
		ent := entry{
			tag:   Tag(h.byteOrder.Uint16(e)),
			fType: fieldType(h.byteOrder.Uint16(e[2:])),
		}
		if ent.fType.bytes() == 0 {
			// Unknown field type, skip like any other unknown tag.
			continue
		}
		if h.isBigTIFF {
			ent.count = h.byteOrder.Uint64(e[4:])
			ent.valueOff = h.byteOrder.Uint64(e[12:])
			if uint64(ent.fType.bytes())*ent.count <= inlineSize {
				ent.valueBytes = e[12 : 12+uint64(ent.fType.bytes())*ent.count]
			}
		} else {
			ent.count = uint64(h.byteOrder.Uint32(e[4:]))
			ent.valueOff = uint64(h.byteOrder.Uint32(e[8:]))
			if uint64(ent.fType.bytes())*ent.count <= inlineSize {
				ent.valueBytes = e[8 : 8+uint64(ent.fType.bytes())*ent.count]
			}
		}
		entries = append(entries, ent)
	}

	var next uint64
	nextField := block[entryLen*int64(numEntries):]
	if h.isBigTIFF {
		next = h.byteOrder.Uint64(nextField)
	} else {
		next = uint64(h.byteOrder.Uint32(nextField))
	}

	// Resolve external values in one coalesced batch. Offsets and byte
	// counts of a tile index usually sit adjacent, so this collapses into
	// very few requests.
	var ranges []fetch.Range
	var external []int
	for i, ent := range entries {
		if ent.valueBytes == nil {
			ranges = append(ranges, fetch.Range{
				Offset: int64(ent.valueOff),
				Length: int64(uint64(ent.fType.bytes()) * ent.count),
			})
			external = append(external, i)
		}
	}
	if len(ranges) > 0 {
		blocks, err := fetcher.FetchRanges(ctx, uri, ranges)
		if err != nil {
			return nil, 0, err
		}
		for i, idx := range external {
			entries[idx].valueBytes = blocks[i]
		}
	}

	out := make(tags, len(entries))
	for _, ent := range entries {
		td, err := decodeTagData(ent.fType, ent.count, ent.valueBytes, h.byteOrder)
		if err != nil {
			return nil, 0, fmt.Errorf("tag %d: %w", ent.tag, err)
		}
		out[ent.tag] = td
	}
	return out, next, nil
}

func decodeTagData(ft fieldType, count uint64, data []byte, order binary.ByteOrder) (tagData, error) {
	t := tagData{fType: ft, count: count}
	if uint64(len(data)) < uint64(ft.bytes())*count {
		return t, fmt.Errorf("value block too short for %d elements", count)
	}
	switch ft {
	case BYTE, SBYTE, UNDEFINED:
		t.byteData = append([]uint8(nil), data[:count]...)
	case ASCII:
		t.asciiData = string(trimNul(data[:count]))
	case SHORT, SSHORT:
		t.shortData = make([]uint16, count)
		for i := range t.shortData {
			t.shortData[i] = order.Uint16(data[i*2:])
		}
	case LONG, SLONG:
		t.longData = make([]uint32, count)
		for i := range t.longData {
			t.longData[i] = order.Uint32(data[i*4:])
		}
	case FLOAT:
		t.floatData = make([]float32, count)
		for i := range t.floatData {
			t.floatData[i] = math.Float32frombits(order.Uint32(data[i*4:]))
		}
	case DOUBLE:
		t.doubleData = make([]float64, count)
		for i := range t.doubleData {
			t.doubleData[i] = math.Float64frombits(order.Uint64(data[i*8:]))
		}
	case LONG8, SLONG8, IFD8:
		t.uint64Data = make([]uint64, count)
		for i := range t.uint64Data {
			t.uint64Data[i] = order.Uint64(data[i*8:])
		}
	default:
		// RATIONAL and friends are not needed by the tile path.
		t.byteData = append([]uint8(nil), data[:uint64(ft.bytes())*count]...)
	}
	return t, nil
}

func trimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

func (t tags) getUint(tag Tag) (uint64, bool) {
	td, ok := t[tag]
	if !ok {
		return 0, false
	}
	switch {
	case td.fType == SHORT && len(td.shortData) > 0:
		return uint64(td.shortData[0]), true
	case td.fType == LONG && len(td.longData) > 0:
		return uint64(td.longData[0]), true
	case td.fType == LONG8 && len(td.uint64Data) > 0:
		return td.uint64Data[0], true
	}
	return 0, false
}

func (t tags) get64bitSlice(tag Tag) ([]uint64, bool) {
	td, ok := t[tag]
	if !ok {
		return nil, false
	}
	switch td.fType {
	case LONG8, IFD8:
		return td.uint64Data, true
	case LONG:
		res := make([]uint64, len(td.longData))
		for i, v := range td.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(td.shortData))
		for i, v := range td.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

// undoHorizontalPrediction reverses the horizontal differencing predictor in
// place, row by row. With interleaved multi-band pixels each sample is
// differenced against the same sample of the previous pixel, so the stride is
// one whole pixel.
func undoHorizontalPrediction(data []byte, ix *Index, lvl *Level) error {
	samples := ix.SamplesPerPixel
	rowElems := int(lvl.TileWidth) * samples
	height := int(lvl.TileLength)
	order := ix.ByteOrder

	switch ix.DataType {
	case raster.TypeUint8, raster.TypeInt8:
		for y := 0; y < height; y++ {
			row := data[y*rowElems:]
			if len(row) < rowElems {
				break
			}
			for x := samples; x < rowElems; x++ {
				row[x] += row[x-samples]
			}
		}
	case raster.TypeUint16, raster.TypeInt16:
		for y := 0; y < height; y++ {
			rowStart := y * rowElems * 2
			if rowStart+rowElems*2 > len(data) {
				break
			}
			for x := samples; x < rowElems; x++ {
				i := rowStart + x*2
				prev := i - samples*2
				order.PutUint16(data[i:], order.Uint16(data[i:])+order.Uint16(data[prev:]))
			}
		}
	case raster.TypeUint32, raster.TypeInt32:
		for y := 0; y < height; y++ {
			rowStart := y * rowElems * 4
			if rowStart+rowElems*4 > len(data) {
				break
			}
			for x := samples; x < rowElems; x++ {
				i := rowStart + x*4
				prev := i - samples*4
				order.PutUint32(data[i:], order.Uint32(data[i:])+order.Uint32(data[prev:]))
			}
		}
	default:
		return fmt.Errorf("predictor unsupported for %s samples", ix.DataType)
	}
	return nil
}
