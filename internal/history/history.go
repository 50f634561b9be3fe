// Package history records completed relocations in a bbolt database.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/trctl/trmv/pkg/model"
)

var movesBucket = []byte("moves")

// OpenTimeout bounds the wait for another process holding the database.
const OpenTimeout = 5 * time.Second

// ErrNotFound is returned by Get for unknown hashes.
var ErrNotFound = errors.New("no history for hash")

// Store is the move history. Keys are info-hashes; the latest move wins.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing database for reading.
func OpenReadOnly(path string) (*Store, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*Store, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: OpenTimeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if !readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(movesBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init history: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores rec under its hash.
func (s *Store) Record(rec *model.MoveRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal move record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(movesBucket).Put([]byte(rec.Hash), data)
	})
}

// Get returns the latest move of hash.
func (s *Store) Get(hash string) (*model.MoveRecord, error) {
	var rec *model.MoveRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(movesBucket)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(hash))
		if v == nil {
			return ErrNotFound
		}
		rec = &model.MoveRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns all moves ordered by completion time.
func (s *Store) List() ([]*model.MoveRecord, error) {
	var recs []*model.MoveRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(movesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec := &model.MoveRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].MovedAt.Before(recs[j].MovedAt)
	})
	return recs, nil
}
