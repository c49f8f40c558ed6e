// Package state keeps small pieces of non-secret vault state in a bbolt
// database next to the vault directory: the failed-attempt counter and the
// lockout deadline. Keeping these on the host rather than the device means
// cycling the device cannot reset them.
package state

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	lockoutBucket = []byte("lockout")

	keyFailures    = []byte("failures")
	keyLockedUntil = []byte("locked_until")
)

type Store struct {
	db *bolt.DB
}

// Open opens or creates the state database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lockoutBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LoadAttempts returns the persisted failure counter and lockout deadline.
// Missing keys read as zero values.
func (s *Store) LoadAttempts() (int, time.Time, error) {
	var failures int
	var until time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(lockoutBucket)
		if v := b.Get(keyFailures); len(v) == 8 {
			failures = int(binary.BigEndian.Uint64(v))
		}
		if v := b.Get(keyLockedUntil); len(v) > 0 {
			// Copy: slices are only valid inside the transaction.
			_ = until.UnmarshalBinary(append([]byte(nil), v...))
		}
		return nil
	})
	return failures, until, err
}

func (s *Store) SaveAttempts(failures int, lockedUntil time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lockoutBucket)
		var fb [8]byte
		binary.BigEndian.PutUint64(fb[:], uint64(failures))
		if err := b.Put(keyFailures, fb[:]); err != nil {
			return err
		}
		ub, err := lockedUntil.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(keyLockedUntil, ub)
	})
}
