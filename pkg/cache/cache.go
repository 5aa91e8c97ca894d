package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTestData = []byte("testdata")
	bucketAddrs    = []byte("addrs")
)

// openTimeout bounds the wait for bolt's file lock when another worker
// process is mid-operation on the same cache file.
const openTimeout = 5 * time.Second

// ErrNotFound is returned when a key has no cached value
var ErrNotFound = fmt.Errorf("cache: key not found")

// Cache is the per-instance fixture data cache shared by tests that
// reuse the same cluster instance. Keys are caller-chosen strings and
// values are opaque; the cache never interprets them. The backing file
// lives in the instance's state dir and is deleted when the instance
// restarts, so cached fixtures can never outlive the chain state they
// were derived from.
//
// Several workers hold the same instance concurrently, so the bolt
// file is opened per operation rather than kept open: bolt's exclusive
// file lock then serializes writers briefly instead of blocking every
// other holder for the life of a session.
type Cache struct {
	path string

	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the fixture cache in the given instance dir
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	c := &Cache{path: filepath.Join(dir, "fixtures.db")}

	// Create the file and buckets up front so later reads can treat a
	// missing bucket as corruption rather than first use.
	err := c.withDB(func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range [][]byte{bucketTestData, bucketAddrs} {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) withDB(fn func(*bolt.DB) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("cache: closed")
	}
	c.mu.Unlock()

	db, err := bolt.Open(c.path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return fmt.Errorf("failed to open fixture cache: %w", err)
	}
	defer db.Close()
	return fn(db)
}

// Put stores an opaque value under key
func (c *Cache) Put(key string, value []byte) error {
	return c.withDB(func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bucketTestData)
			if err != nil {
				return err
			}
			return b.Put([]byte(key), value)
		})
	})
}

// Get returns the value stored under key, or ErrNotFound
func (c *Cache) Get(key string) ([]byte, error) {
	var value []byte
	err := c.withDB(func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketTestData)
			if b == nil {
				return ErrNotFound
			}
			data := b.Get([]byte(key))
			if data == nil {
				return ErrNotFound
			}
			value = append(value, data...)
			return nil
		})
	})
	return value, err
}

// PutJSON marshals v and stores it under key
func (c *Cache) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.Put(key, data)
}

// GetJSON unmarshals the value stored under key into v
func (c *Cache) GetJSON(key string, v any) error {
	data, err := c.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PutAddr stores generated address data under name in the addrs bucket
func (c *Cache) PutAddr(name string, data []byte) error {
	return c.withDB(func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bucketAddrs)
			if err != nil {
				return err
			}
			return b.Put([]byte(name), data)
		})
	})
}

// GetAddr returns address data stored under name, or ErrNotFound
func (c *Cache) GetAddr(name string) ([]byte, error) {
	var value []byte
	err := c.withDB(func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketAddrs)
			if b == nil {
				return ErrNotFound
			}
			data := b.Get([]byte(name))
			if data == nil {
				return ErrNotFound
			}
			value = append(value, data...)
			return nil
		})
	})
	return value, err
}

// AddrsData returns all cached address entries
func (c *Cache) AddrsData() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := c.withDB(func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketAddrs)
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				out[string(k)] = append([]byte(nil), v...)
				return nil
			})
		})
	})
	return out, err
}

// Close invalidates the handle. Closing twice is a no-op.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Invalidate closes the cache and deletes the backing file. Called when
// the owning instance restarts.
func (c *Cache) Invalidate() error {
	if err := c.Close(); err != nil {
		return err
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove fixture cache: %w", err)
	}
	return nil
}

// InvalidateDir removes the fixture cache file from an instance dir
// without opening it. Used by the pool during restarts when no cache
// handle exists in this process.
func InvalidateDir(dir string) error {
	path := filepath.Join(dir, "fixtures.db")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove fixture cache: %w", err)
	}
	return nil
}
