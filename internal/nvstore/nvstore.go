// Package nvstore is the durable key/value store for state that must
// survive power loss and firmware updates. It is a thin layer over a Bolt
// database: readers always supply a default that is returned when the key,
// bucket, or value is missing or unreadable, so a wiped or corrupt store
// never fails a boot.
package nvstore

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/boltdb/bolt"
)

type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at the given path. A corrupt
// database file is moved aside and replaced with a fresh one, so the next
// load re-seeds compiled-in defaults instead of bricking the node.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err == nil {
		return &Store{db: db}, nil
	}

	if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	db, err = bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("recreating store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(bucket, key string) ([]byte, bool) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// GetString returns the stored value or def when absent.
func (s *Store) GetString(bucket, key, def string) string {
	v, ok := s.get(bucket, key)
	if !ok {
		return def
	}
	return string(v)
}

func (s *Store) PutString(bucket, key, value string) error {
	return s.PutAll(bucket, map[string]string{key: value})
}

// GetBool returns the stored value or def when absent or unparseable.
func (s *Store) GetBool(bucket, key string, def bool) bool {
	v, ok := s.get(bucket, key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(string(v))
	if err != nil {
		return def
	}
	return b
}

func (s *Store) PutBool(bucket, key string, value bool) error {
	return s.PutString(bucket, key, strconv.FormatBool(value))
}

// GetInt returns the stored value or def when absent or unparseable.
func (s *Store) GetInt(bucket, key string, def int) int {
	v, ok := s.get(bucket, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return def
	}
	return n
}

func (s *Store) PutInt(bucket, key string, value int) error {
	return s.PutString(bucket, key, strconv.Itoa(value))
}

// PutAll writes all keys in a single transaction. Either every key is
// visible after this returns or none are.
func (s *Store) PutAll(bucket string, values map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear deletes every bucket. The next boot will see an empty store and
// re-seed compiled-in defaults.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}
