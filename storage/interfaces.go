package storage

import "context"

// Reader reads records from a bucket
type Reader interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	ForEach(ctx context.Context, bucket string, fn func(key string, value []byte) error) error
}

// Writer mutates buckets. Each call is atomic.
type Writer interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	ReplaceAll(ctx context.Context, bucket string, records map[string][]byte) error
	Append(ctx context.Context, bucket string, values ...[]byte) error
	Trim(ctx context.Context, bucket string, max int) (int, error)
}

// KV combines read and write access
type KV interface {
	Reader
	Writer
}

var _ KV = (*Store)(nil)
