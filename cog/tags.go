package cog

// TIFF structural constants shared by the header and IFD parsers.

type fieldType uint16

// TIFF field types.
const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

// fieldTypeLen is the length of every field type in bytes, indexed by type.
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

// bytes returns the number of bytes of one element of this field type,
// 0 if unrecognized.
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return 0
	}
	return fieldTypeLen[int(f)]
}

// Tag is a TIFF tag identifier.
type Tag uint16

// Tags the reader cares about.
const (
	NewSubfileType  Tag = 254
	ImageWidth      Tag = 256
	ImageLength     Tag = 257
	BitsPerSample   Tag = 258
	Compression     Tag = 259
	SamplesPerPixel Tag = 277
	Predictor       Tag = 317
	TileWidth       Tag = 322
	TileLength      Tag = 323
	TileOffsets     Tag = 324
	TileByteCounts  Tag = 325
	SampleFormat    Tag = 339
	ModelPixelScale Tag = 33550
	ModelTiepoint   Tag = 33922
	GDALNoData      Tag = 42113
)

// Header magic.
const (
	littleEndian       = 0x4949 // "II"
	bigEndian          = 0x4D4D // "MM"
	tiffIdentifier     = 42
	bigTiffIdentifier  = 43
	bigTiffBytesize    = 8
	maskSubfileTypeBit = 4
)

// Compression tag values the reader maps onto codec identifiers.
const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionOldDeflate = 32946
	compressionZstd       = 50000
	compressionLZ4        = 50001
)

// SampleFormat tag values.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// Predictor tag values.
const (
	predictorNone       = 1
	predictorHorizontal = 2
)
