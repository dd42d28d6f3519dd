package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReplaceJSON marshals every record and atomically replaces the bucket with them
func ReplaceJSON[T any](ctx context.Context, w Writer, bucket string, records map[string]T) error {
	raw := make(map[string][]byte, len(records))
	for k, v := range records {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s: %w", bucket, k, err)
		}
		raw[k] = data
	}
	return w.ReplaceAll(ctx, bucket, raw)
}

// AppendJSON marshals items and appends them in order
func AppendJSON[T any](ctx context.Context, w Writer, bucket string, items []T) error {
	values := make([][]byte, 0, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item at index %d: %w", i, err)
		}
		values = append(values, data)
	}
	return w.Append(ctx, bucket, values...)
}

// DecodeAll unmarshals every record in a bucket. Records that fail to decode
// are passed to onCorrupt and skipped; they never abort the iteration.
func DecodeAll[T any](ctx context.Context, r Reader, bucket string, fn func(key string, v T) error, onCorrupt func(key string, err error)) error {
	return r.ForEach(ctx, bucket, func(key string, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			if onCorrupt != nil {
				onCorrupt(key, err)
			}
			return nil
		}
		return fn(key, v)
	})
}
