// Package kv is the always-available persistence tier, a bbolt file with
// one bucket per kind of value.
//
// Every write is committed before returning. When the file cannot be
// opened or written the store degrades to in-memory buckets instead of
// failing the caller, and Recheck moves that data back to disk once the
// file is usable again.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/example/lessonsync/internal/logging"
)

// Buckets
const (
	BucketProgress = "progress"
	BucketOffline  = "offline"
	BucketMeta     = "meta"
)

var buckets = []string{BucketProgress, BucketOffline, BucketMeta}

// bbolt holds an exclusive file lock; a second opener gives up after this
const lockTimeout = time.Second

// Store is safe for concurrent use
type Store struct {
	mu     sync.Mutex
	path   string
	db     *bolt.DB
	closed bool

	// While db is nil: the live data, plus deletes and clears that Recheck
	// replays onto the file before writing mem
	mem     map[string]map[string][]byte
	removed map[string]map[string]bool
	cleared map[string]bool

	logger *slog.Logger
}

// Open returns a store backed by the bbolt file at path. It never fails:
// an unusable path leaves the store in memory-only mode.
func Open(path string, logger *slog.Logger) *Store {
	s := newStore(path, logger)

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openFile()
	if err != nil {
		s.logger.Warn("KV store unavailable, keeping data in memory", "path", path, "error", err)
		return s
	}
	s.db = db
	return s
}

// NewMemory returns a store that never touches disk
func NewMemory() *Store {
	return newStore("", nil)
}

func newStore(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logging.OrDefault(logger).With("component", "kv"),
	}
	s.resetMemory()
	return s
}

// Path returns the backing file path, empty for memory-only stores
func (s *Store) Path() string {
	return s.path
}

// Get decodes the value at key in bucket into v. It reports false when
// absent.
func (s *Store) Get(bucket, key string, v any) (bool, error) {
	s.mu.Lock()
	raw, found, err := s.get(bucket, key)
	s.mu.Unlock()
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode kv value %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Set stores v at key in bucket. Only an encoding failure is returned;
// when the file cannot be written the value is kept in memory.
func (s *Store) Set(bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode kv value %s/%s: %w", bucket, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(bucket)).Put([]byte(key), raw)
		})
		if err == nil {
			return nil
		}
		s.degrade(err)
	}
	s.mem[bucket][key] = raw
	delete(s.removed[bucket], key)
	return nil
}

// Delete removes the given keys from bucket
func (s *Store) Delete(bucket string, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucket))
			for _, k := range keys {
				if err := b.Delete([]byte(k)); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return
		}
		s.degrade(err)
	}
	for _, k := range keys {
		delete(s.mem[bucket], k)
		s.removed[bucket][k] = true
	}
}

// Clear removes every key in bucket
func (s *Store) Clear(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket([]byte(bucket)); err != nil {
				return err
			}
			_, err := tx.CreateBucket([]byte(bucket))
			return err
		})
		if err == nil {
			return
		}
		s.degrade(err)
	}
	s.mem[bucket] = make(map[string][]byte)
	s.removed[bucket] = make(map[string]bool)
	s.cleared[bucket] = true
}

// Keys returns the sorted keys of bucket
func (s *Store) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	if s.db != nil {
		err := s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(bucket)).ForEach(func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			})
		})
		if err == nil {
			return keys
		}
		s.degrade(err)
		keys = nil
	}
	for k := range s.mem[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Recheck tries to leave memory-only mode by reopening the file and
// writing the in-memory data into it. It reports whether the store is on
// disk.
func (s *Store) Recheck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return true
	}
	if s.path == "" || s.closed {
		return false
	}
	db, err := s.openFile()
	if err != nil {
		s.logger.Debug("KV store still unavailable", "path", s.path, "error", err)
		return false
	}

	// Values written while degraded are newer than what is on disk
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if s.cleared[name] {
				if err := tx.DeleteBucket([]byte(name)); err != nil {
					return err
				}
				if _, err := tx.CreateBucket([]byte(name)); err != nil {
					return err
				}
			}
			b := tx.Bucket([]byte(name))
			for k := range s.removed[name] {
				if err := b.Delete([]byte(k)); err != nil {
					return err
				}
			}
			for k, v := range s.mem[name] {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		s.logger.Warn("Failed to move in-memory KV data to disk", "path", s.path, "error", err)
		return false
	}

	s.db = db
	s.resetMemory()
	s.logger.Info("KV store back on disk", "path", s.path)
	return true
}

// Close releases the file. Later calls work from memory only.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// get returns a copy of the raw value. Caller holds mu.
func (s *Store) get(bucket, key string) ([]byte, bool, error) {
	if s.db == nil {
		raw, ok := s.mem[bucket][key]
		return raw, ok, nil
	}

	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucket)).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("read kv value %s/%s: %w", bucket, key, err)
	}
	return raw, raw != nil, nil
}

// degrade copies what is still readable into memory and closes the file.
// Caller holds mu.
func (s *Store) degrade(cause error) {
	s.logger.Warn("KV store unavailable, keeping data in memory", "path", s.path, "error", cause)

	_ = s.db.View(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			_ = tx.Bucket([]byte(name)).ForEach(func(k, v []byte) error {
				s.mem[name][string(k)] = append([]byte(nil), v...)
				return nil
			})
		}
		return nil
	})
	_ = s.db.Close()
	s.db = nil
}

func (s *Store) resetMemory() {
	s.mem = make(map[string]map[string][]byte, len(buckets))
	s.removed = make(map[string]map[string]bool, len(buckets))
	s.cleared = make(map[string]bool, len(buckets))
	for _, name := range buckets {
		s.mem[name] = make(map[string][]byte)
		s.removed[name] = make(map[string]bool)
	}
}

// openFile opens the bbolt file and creates the buckets. A file that is
// not a bbolt database is moved aside and replaced.
func (s *Store) openFile() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("create kv directory: %w", err)
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: lockTimeout})
	if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrVersionMismatch) {
		aside := s.path + ".corrupt"
		if rerr := os.Rename(s.path, aside); rerr != nil {
			return nil, fmt.Errorf("open kv file: %w", err)
		}
		s.logger.Warn("KV file was corrupt, moved aside", "path", aside, "error", err)
		db, err = bolt.Open(s.path, 0600, &bolt.Options{Timeout: lockTimeout})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
