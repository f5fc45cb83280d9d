package fetch

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/honua-io/honua-raster/raster"
)

// BucketFetcher is a Fetcher over a gocloud.dev bucket (S3, Azure, GCS,
// in-memory). URIs are interpreted as keys relative to the bucket root.
type BucketFetcher struct {
	bucket *blob.Bucket
}

// NewBucketFetcher wraps an open bucket. The caller keeps ownership of the
// bucket and closes it after the fetcher is no longer used.
func NewBucketFetcher(bucket *blob.Bucket) *BucketFetcher {
	return &BucketFetcher{bucket: bucket}
}

func bucketKey(uri string) string {
	if i := strings.Index(uri, "://"); i >= 0 {
		uri = uri[i+3:]
	}
	return strings.TrimPrefix(uri, "/")
}

func (b *BucketFetcher) classify(uri string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return permanent(uri, ErrNotFound)
	}
	return &raster.RangeFetchError{URI: uri, Err: err}
}

// FetchRange implements Fetcher.
func (b *BucketFetcher) FetchRange(ctx context.Context, uri string, offset, length int64) ([]byte, error) {
	if err := validRange(offset, length); err != nil {
		return nil, permanent(uri, err)
	}
	r, err := b.bucket.NewRangeReader(ctx, bucketKey(uri), offset, length, nil)
	if err != nil {
		return nil, b.classify(uri, err)
	}
	defer r.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, permanent(uri, fmt.Errorf("short range body: %w", err))
	}
	fetchBytes.WithLabelValues("blob").Add(float64(length))
	return buf, nil
}

// FetchRanges implements Fetcher.
func (b *BucketFetcher) FetchRanges(ctx context.Context, uri string, ranges []Range) ([][]byte, error) {
	return fetchRangesVia(ctx, ranges, func(ctx context.Context, offset, length int64) ([]byte, error) {
		return b.FetchRange(ctx, uri, offset, length)
	})
}

// FetchAll implements Fetcher.
func (b *BucketFetcher) FetchAll(ctx context.Context, uri string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, bucketKey(uri))
	if err != nil {
		return nil, b.classify(uri, err)
	}
	fetchBytes.WithLabelValues("blob").Add(float64(len(data)))
	return data, nil
}

// Size implements Fetcher.
func (b *BucketFetcher) Size(ctx context.Context, uri string) (int64, error) {
	attrs, err := b.bucket.Attributes(ctx, bucketKey(uri))
	if err != nil {
		return 0, b.classify(uri, err)
	}
	return attrs.Size, nil
}
