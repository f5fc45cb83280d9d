// Package raster holds the value types shared by every reader and cache in
// the engine: tile/chunk coordinates, decoded payloads, dataset descriptors
// and the error taxonomy surfaced to callers.
package raster

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatKind identifies how a dataset is read.
type FormatKind int

const (
	FormatUnsupported FormatKind = iota
	FormatCOG
	FormatZarr
)

func (f FormatKind) String() string {
	switch f {
	case FormatCOG:
		return "cog"
	case FormatZarr:
		return "zarr"
	default:
		return "unsupported"
	}
}

// DataType is the pixel/element type of a decoded buffer.
type DataType int

const (
	TypeUnknown DataType = iota
	TypeUint8
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeUint64
	TypeInt64
	TypeFloat32
	TypeFloat64
)

var dataTypeNames = map[DataType]string{
	TypeUint8:   "uint8",
	TypeInt8:    "int8",
	TypeUint16:  "uint16",
	TypeInt16:   "int16",
	TypeUint32:  "uint32",
	TypeInt32:   "int32",
	TypeUint64:  "uint64",
	TypeInt64:   "int64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return "unknown"
}

// Size returns the width of one element in bytes, 0 when unknown.
func (d DataType) Size() int {
	switch d {
	case TypeUint8, TypeInt8:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	}
	return 0
}

// TileCoordinate addresses one unit of raster data. COG tiles use (Z, X, Y)
// with Z selecting the overview level; Zarr chunks use Indices, one entry per
// array dimension. Exactly one of the two representations is populated.
type TileCoordinate struct {
	Z, X, Y int
	Indices []int
}

// Key renders the coordinate into the canonical cache-key fragment.
func (c TileCoordinate) Key() string {
	if c.Indices != nil {
		parts := make([]string, len(c.Indices))
		for i, v := range c.Indices {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, ".")
	}
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

func (c TileCoordinate) String() string { return c.Key() }

// TilePayload is a decoded tile or chunk: raw bytes plus enough of a
// descriptor for the caller to interpret them. Immutable once produced.
type TilePayload struct {
	Bytes []byte
	Type  DataType
	// Shape gives the element extent per dimension: [height, width] for COG
	// tiles, the chunk shape for Zarr.
	Shape  []int
	NoData *float64
}

// Elements is the number of elements the shape describes.
func (p *TilePayload) Elements() int {
	n := 1
	for _, s := range p.Shape {
		n *= s
	}
	return n
}

const payloadMagic = uint32(0x48525031) // "HRP1"

// envelopeHeaderLen is magic + type + ndim + nodata flag + nodata bits.
const envelopeHeaderLen = 4 + 1 + 1 + 1 + 8

// MarshalBinary renders the payload into the byte-transparent form stored by
// cache backing stores: a fixed header, the shape vector, then the raw bytes.
// NoData carries an explicit presence flag so that NaN, a legitimate Zarr
// fill value, survives the round trip.
func (p *TilePayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, envelopeHeaderLen+len(p.Shape)*8+len(p.Bytes))
	buf = binary.LittleEndian.AppendUint32(buf, payloadMagic)
	buf = append(buf, byte(p.Type), byte(len(p.Shape)))
	if p.NoData != nil {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(*p.NoData))
	} else {
		buf = append(buf, 0)
		buf = binary.LittleEndian.AppendUint64(buf, 0)
	}
	for _, s := range p.Shape {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s))
	}
	return append(buf, p.Bytes...), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (p *TilePayload) UnmarshalBinary(data []byte) error {
	if len(data) < envelopeHeaderLen || binary.LittleEndian.Uint32(data) != payloadMagic {
		return fmt.Errorf("raster: malformed payload envelope (%d bytes)", len(data))
	}
	p.Type = DataType(data[4])
	ndim := int(data[5])
	if data[6] != 0 {
		nodata := math.Float64frombits(binary.LittleEndian.Uint64(data[7:]))
		p.NoData = &nodata
	} else {
		p.NoData = nil
	}
	off := envelopeHeaderLen
	if len(data) < off+ndim*8 {
		return fmt.Errorf("raster: truncated payload envelope")
	}
	p.Shape = make([]int, ndim)
	for i := range p.Shape {
		p.Shape[i] = int(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	p.Bytes = data[off:]
	return nil
}

// SizeBytes is the payload's weight for cache accounting.
func (p *TilePayload) SizeBytes() int64 {
	return int64(len(p.Bytes)) + int64(len(p.Shape)*8) + envelopeHeaderLen
}

// FillPayload builds a payload of the given shape and type whose every
// element holds value. Used for no-data COG tiles and missing Zarr chunks.
func FillPayload(t DataType, shape []int, value float64, order binary.ByteOrder) *TilePayload {
	n := 1
	for _, s := range shape {
		n *= s
	}
	elem := encodeElement(t, value, order)
	buf := make([]byte, n*len(elem))
	for i := 0; i < n; i++ {
		copy(buf[i*len(elem):], elem)
	}
	v := value
	return &TilePayload{Bytes: buf, Type: t, Shape: append([]int(nil), shape...), NoData: &v}
}

func encodeElement(t DataType, value float64, order binary.ByteOrder) []byte {
	b := make([]byte, t.Size())
	switch t {
	case TypeUint8, TypeInt8:
		b[0] = byte(int64(value))
	case TypeUint16, TypeInt16:
		order.PutUint16(b, uint16(int64(value)))
	case TypeUint32, TypeInt32:
		order.PutUint32(b, uint32(int64(value)))
	case TypeUint64, TypeInt64:
		order.PutUint64(b, uint64(int64(value)))
	case TypeFloat32:
		order.PutUint32(b, math.Float32bits(float32(value)))
	case TypeFloat64:
		order.PutUint64(b, math.Float64bits(value))
	default:
		b = []byte{0}
	}
	return b
}
