package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/marcus-agent/marcus/pkg/types"
)

// BoltStore implements Store on a single bbolt database, one bucket per
// collection. bbolt gives the same atomicity the file backend gets from
// temp+rename, with cheaper per-record writes.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "marcus.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			CollectionAssignments,
			CollectionReversionCounts,
			CollectionDependencyCache,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) bucket(tx *bolt.Tx, collection string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(collection))
	if b == nil {
		return tx.CreateBucketIfNotExists([]byte(collection))
	}
	return b, nil
}

// Put stores one record, stamping _stored_at.
func (s *BoltStore) Put(collection, id string, record any) error {
	stamped, err := stamp(record, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", types.ErrLedgerWrite, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), stamped)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrLedgerWrite, err)
	}
	return nil
}

// Get loads one record into out, reporting whether it existed.
func (s *BoltStore) Get(collection, id string, out any) (bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(id)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// Delete removes one record. Deleting an absent record is not an error.
func (s *BoltStore) Delete(collection, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrLedgerWrite, err)
	}
	return nil
}

// List returns a snapshot of the whole collection.
func (s *BoltStore) List(collection string) (map[string]json.RawMessage, error) {
	records := map[string]json.RawMessage{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			records[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return records, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
