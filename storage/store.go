package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names owned by the engine components
const (
	BucketBaselines    = "baselines"
	BucketEvents       = "events"
	BucketChanges      = "changes"
	BucketSnapshots    = "snapshots"
	BucketRemediations = "remediations"
)

var bucketMeta = []byte("meta")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("storage closed")

// Store is a durable key/value blob store backed by bbolt. Every write runs in
// a single bbolt transaction, so a crash mid-write leaves the previously
// committed state intact.
type Store struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	dir    string
	closed bool
}

// Open opens or creates vigil.db inside dir
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "vigil.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	buckets := [][]byte{
		[]byte(BucketBaselines),
		[]byte(BucketEvents),
		[]byte(BucketChanges),
		[]byte(BucketSnapshots),
		[]byte(BucketRemediations),
		bucketMeta,
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dir: dir}, nil
}

// Close closes the underlying database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return filepath.Join(s.dir, "vigil.db")
}

// Get returns a copy of the value stored under key
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var out []byte
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// ForEach calls fn for every record in key order. Values are copies and may
// be retained. Iteration stops at the first error returned by fn.
func (s *Store) ForEach(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	return s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}

// Count returns the number of records in a bucket
func (s *Store) Count(ctx context.Context, bucket string) (int, error) {
	var n int
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(bucket)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Put stores a single record
func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// ReplaceAll atomically replaces the whole content of a bucket. Readers see
// either the previous content or the new content, never a mix.
func (s *Store) ReplaceAll(ctx context.Context, bucket string, records map[string][]byte) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		name := []byte(bucket)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("clear bucket %s: %w", bucket, err)
			}
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		for k, v := range records {
			if err := b.Put([]byte(k), v); err != nil {
				return fmt.Errorf("put %s/%s: %w", bucket, k, err)
			}
		}
		return touchMeta(tx, bucket)
	})
}

// Append stores values under monotonically increasing sequence keys so that
// ForEach returns them in insertion order.
func (s *Store) Append(ctx context.Context, bucket string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		for i, v := range values {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			if err := b.Put(sequenceKey(seq), v); err != nil {
				return fmt.Errorf("failed to append value at index %d: %w", i, err)
			}
		}
		return touchMeta(tx, bucket)
	})
}

// Trim deletes the oldest records (lowest keys) until at most max remain.
// It returns the number of deleted records.
func (s *Store) Trim(ctx context.Context, bucket string, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	var deleted int
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		excess := b.Stats().KeyN - max
		if excess <= 0 {
			return nil
		}
		keys := make([][]byte, 0, excess)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("trim %s: %w", bucket, err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// LastWrite returns when a bucket was last replaced or appended to
func (s *Store) LastWrite(ctx context.Context, bucket string) (time.Time, bool, error) {
	raw, ok, err := s.Get(ctx, string(bucketMeta), "written:"+bucket)
	if err != nil || !ok || len(raw) != 8 {
		return time.Time{}, false, err
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(raw))), true, nil
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(fn)
}

func touchMeta(tx *bbolt.Tx, bucket string) error {
	meta := tx.Bucket(bucketMeta)
	if meta == nil {
		return nil
	}
	return meta.Put([]byte("written:"+bucket), int64ToBytes(time.Now().UnixNano()))
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func int64ToBytes(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}
