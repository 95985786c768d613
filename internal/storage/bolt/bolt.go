package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/pagelimit/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketLocal = "local"
	bucketSync  = "sync"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketLocal, bucketSync} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Local returns the machine-local partition.
func (s *Store) Local() storage.Partition { return &partition{db: s.db, bucket: bucketLocal} }

// Sync returns the syncable partition. Without a shared backend it lives in
// the same file as the local one.
func (s *Store) Sync() storage.Partition { return &partition{db: s.db, bucket: bucketSync} }

type partition struct {
	db     *bbolt.DB
	bucket string
}

func (p *partition) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(p.bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction.
		value = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *partition) Set(ctx context.Context, values map[string][]byte) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(p.bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", p.bucket)
		}
		for key, value := range values {
			if err := b.Put([]byte(key), value); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
		}
		return nil
	})
}
