package raster

import "fmt"

// UnsupportedFormatError means the in-process readers cannot handle a URI.
// The Storage Router recovers from it by delegating to the native fallback;
// it only reaches callers when the fallback fails too.
type UnsupportedFormatError struct {
	URI    string
	Reason string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format for %s: %s", e.URI, e.Reason)
}

// UnsupportedCodecError means dataset metadata declared a codec identifier
// the codec registry does not know. Fatal for the dataset, never retried.
type UnsupportedCodecError struct {
	Codec string
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("unsupported codec %q", e.Codec)
}

// InvalidTileCoordinateError means the requested coordinate lies outside the
// dataset's declared grid. Surfaced directly, never retried.
type InvalidTileCoordinateError struct {
	Coordinate TileCoordinate
	Reason     string
}

func (e *InvalidTileCoordinateError) Error() string {
	return fmt.Sprintf("invalid tile coordinate %s: %s", e.Coordinate, e.Reason)
}

// MetadataParseError means TIFF or Zarr metadata was malformed. Fatal for the
// dataset but not cached, so a corrected remote file can be retried later.
type MetadataParseError struct {
	URI string
	Err error
}

func (e *MetadataParseError) Error() string {
	return fmt.Sprintf("parsing metadata for %s: %v", e.URI, e.Err)
}

func (e *MetadataParseError) Unwrap() error { return e.Err }

// RangeFetchError wraps a fetch failure after internal retry is exhausted
// (transient causes) or immediately (permanent causes).
type RangeFetchError struct {
	URI       string
	Permanent bool
	Err       error
}

func (e *RangeFetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s fetch failure for %s: %v", kind, e.URI, e.Err)
}

func (e *RangeFetchError) Unwrap() error { return e.Err }

// CacheBackingStoreError reports an unavailable tile-cache backing store. The
// cache recovers locally by serving the request uncached; callers never see
// this error, it exists for logging and metrics.
type CacheBackingStoreError struct {
	Op  string
	Err error
}

func (e *CacheBackingStoreError) Error() string {
	return fmt.Sprintf("cache backing store %s: %v", e.Op, e.Err)
}

func (e *CacheBackingStoreError) Unwrap() error { return e.Err }
