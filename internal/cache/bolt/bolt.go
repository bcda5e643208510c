// Package bolt provides a bbolt file-backed cache backend.
//
// Entries carry an expiry stamp in their value and are evicted lazily on
// read. The backend suits single-host deployments where cached state should
// survive process restarts.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const cacheBucket = "cache"

// expiry stamp is a big-endian unix-millisecond prefix on every stored value.
const stampLen = 8

// Backend stores cache entries in a bbolt database.
type Backend struct {
	db    *bbolt.DB
	clock func() time.Time
}

// Open opens a bbolt-backed cache at the provided path.
func Open(path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	backend := &Backend{db: db, clock: time.Now}
	if err := backend.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

// Close closes the underlying bbolt database.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) ensureBucket() error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure cache bucket: %w", err)
	}
	return nil
}

// Get returns the value stored under key. Expired entries are deleted and
// reported as a miss.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if b == nil || b.db == nil {
		return nil, false, fmt.Errorf("cache is not configured")
	}

	var (
		value   []byte
		found   bool
		expired bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		stored := bucket.Get([]byte(key))
		if stored == nil || len(stored) < stampLen {
			return nil
		}
		expiresAt := time.UnixMilli(int64(binary.BigEndian.Uint64(stored[:stampLen])))
		if b.clock().After(expiresAt) {
			expired = true
			return nil
		}
		value = make([]byte, len(stored)-stampLen)
		copy(value, stored[stampLen:])
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if expired {
		_ = b.Delete(ctx, key)
	}
	return value, found, nil
}

// Set stores value under key with the given ttl.
func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.db == nil {
		return fmt.Errorf("cache is not configured")
	}

	stored := make([]byte, stampLen+len(value))
	binary.BigEndian.PutUint64(stored[:stampLen], uint64(b.clock().Add(ttl).UnixMilli()))
	copy(stored[stampLen:], value)

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		return bucket.Put([]byte(key), stored)
	})
}

// Delete removes the entry stored under key if present.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.db == nil {
		return fmt.Errorf("cache is not configured")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		return bucket.Delete([]byte(key))
	})
}

// DeletePrefix removes every entry whose key starts with prefix.
func (b *Backend) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.db == nil {
		return fmt.Errorf("cache is not configured")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		cursor := bucket.Cursor()
		p := []byte(prefix)
		for key, _ := cursor.Seek(p); key != nil && bytes.HasPrefix(key, p); key, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetClock overrides the time source. Intended for tests.
func (b *Backend) SetClock(clock func() time.Time) {
	if clock != nil {
		b.clock = clock
	}
}
