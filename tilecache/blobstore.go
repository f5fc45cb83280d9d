package tilecache

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BlobStore keeps payloads in a gocloud.dev bucket under a common prefix,
// letting several instances share one object-store cache.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

func NewBlobStore(bucket *blob.Bucket, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, prefix: prefix}
}

func (s *BlobStore) objKey(key string) string {
	return fmt.Sprintf("%s%016x.tile", s.prefix, xxhash.Sum64String(key))
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.bucket.ReadAll(ctx, s.objKey(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, value []byte) error {
	return s.bucket.WriteAll(ctx, s.objKey(key), value, nil)
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.objKey(key))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}
