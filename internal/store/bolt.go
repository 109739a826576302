package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConsole = []byte("console")
	keyPrefs      = []byte("preferences")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConsole)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SavePreferences(p *Preferences) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putPrefs(tx, p)
	})
}

func (s *BoltStore) GetPreferences() (*Preferences, error) {
	var p *Preferences
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = getPrefs(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *BoltStore) UpdatePreferences(fn func(p *Preferences) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getPrefs(tx)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			p = &Preferences{}
		}
		if err := fn(p); err != nil {
			return err
		}
		return putPrefs(tx, p)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getPrefs(tx *bolt.Tx) (*Preferences, error) {
	b := tx.Bucket(bucketConsole)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", bucketConsole)
	}
	data := b.Get(keyPrefs)
	if data == nil {
		return nil, fmt.Errorf("preferences: %w", ErrNotFound)
	}
	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return &p, nil
}

func putPrefs(tx *bolt.Tx, p *Preferences) error {
	b := tx.Bucket(bucketConsole)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucketConsole)
	}
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.Put(keyPrefs, data)
}
