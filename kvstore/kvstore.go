// Package kvstore wraps badgerhold into the structured key-value contract
// this module's components persist through: sync-state vectors, pending
// records and interface metadata, each under a composable tuple key.
package kvstore

import (
	"fmt"
	"os"

	"github.com/timshannon/badgerhold"
)

// Store is a thin badgerhold wrapper exposing tuple-keyed Get/Put/Delete
// plus prefix scans, grounded on the teacher's storage.Store pattern of one
// embedded badgerhold handle behind a small domain API.
type Store struct {
	bh  *badgerhold.Store
	dir string
}

// Open opens (creating if absent) a badgerhold store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("kvstore: create dir: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}

	return &Store{bh: bh, dir: dir}, nil
}

func (s *Store) Close() error {
	return s.bh.Close()
}

// Key joins tuple components into a single composite string key, e.g.
// ("sync_state", peer_bytes, interface_id_bytes).
func Key(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "\x00"
		}
		key += p
	}
	return key
}

// Put stores value under key, creating or overwriting the record.
func (s *Store) Put(key string, value interface{}) error {
	if err := s.bh.Upsert(key, value); err != nil {
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}
	return nil
}

// Get loads the record stored under key into out, which must be a pointer.
func (s *Store) Get(key string, out interface{}) error {
	if err := s.bh.Get(key, out); err != nil {
		return fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return nil
}

// Delete removes the record stored under key. dataType must be a zero value
// of the stored type, matching badgerhold's type-scoped delete.
func (s *Store) Delete(key string, dataType interface{}) error {
	if err := s.bh.Delete(key, dataType); err != nil {
		return fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return nil
}

// Has reports whether key currently has a record, probing with a throwaway
// decode target.
func (s *Store) Has(key string, out interface{}) bool {
	return s.bh.Get(key, out) == nil
}

// Find runs a badgerhold query against records of out's type, appending
// matches into out (a pointer to a slice).
func (s *Store) Find(out interface{}, query *badgerhold.Query) error {
	if err := s.bh.Find(out, query); err != nil {
		return fmt.Errorf("kvstore: find: %w", err)
	}
	return nil
}
