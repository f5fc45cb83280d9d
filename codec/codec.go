// Package codec implements the pluggable decompressors used by the COG and
// Zarr readers. The set is a closed registry keyed by the codec identifier
// declared in dataset metadata; adding a codec means adding it here.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/honua-io/honua-raster/raster"
)

// Identifiers accepted in dataset metadata.
const (
	None    = "none"
	Deflate = "deflate"
	Zstd    = "zstd"
	LZ4     = "lz4"
)

// Codec is a stateless, pure compressor/decompressor pair.
type Codec interface {
	ID() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte, expectedSize int) ([]byte, error)
}

var registry = map[string]Codec{
	None:    noneCodec{},
	Deflate: deflateCodec{},
	Zstd:    newZstdCodec(),
	LZ4:     lz4Codec{},
}

// Lookup resolves a codec identifier against the registry.
func Lookup(id string) (Codec, error) {
	c, ok := registry[id]
	if !ok {
		return nil, &raster.UnsupportedCodecError{Codec: id}
	}
	return c, nil
}

// Decode decompresses data with the named codec. expectedSize, when > 0,
// pre-sizes the output buffer and turns a short result into an error instead
// of silently returning truncated data; pass 0 when the size is unknown.
func Decode(id string, data []byte, expectedSize int) ([]byte, error) {
	c, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	out, err := c.Decode(data, expectedSize)
	if err != nil {
		return nil, err
	}
	if expectedSize > 0 && len(out) != expectedSize {
		return nil, fmt.Errorf("codec %s: decoded %d bytes, expected %d", id, len(out), expectedSize)
	}
	return out, nil
}

// Encode compresses data with the named codec.
func Encode(id string, data []byte) ([]byte, error) {
	c, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	return c.Encode(data)
}

type noneCodec struct{}

func (noneCodec) ID() string { return None }

func (noneCodec) Encode(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (noneCodec) Decode(data []byte, _ int) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// deflateCodec wraps zlib streams, the framing TIFF's DEFLATE compression tag
// and the Zarr "zlib" compressor both use.
type deflateCodec struct{}

func (deflateCodec) ID() string { return Deflate }

func (deflateCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (deflateCodec) Decode(data []byte, expectedSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	defer r.Close()
	buf := bytes.NewBuffer(make([]byte, 0, expectedSize))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// zstdCodec reuses one encoder and one decoder; both are safe for concurrent
// EncodeAll/DecodeAll use.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() zstdCodec {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return zstdCodec{enc: enc, dec: dec}
}

func (zstdCodec) ID() string { return Zstd }

func (c zstdCodec) Encode(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c zstdCodec) Decode(data []byte, expectedSize int) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// lz4Codec uses the lz4 frame format. Block mode cannot represent
// incompressible inputs with this library, frames always round-trip.
type lz4Codec struct{}

func (lz4Codec) ID() string { return LZ4 }

func (lz4Codec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(data []byte, expectedSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	buf := bytes.NewBuffer(make([]byte, 0, expectedSize))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return buf.Bytes(), nil
}
