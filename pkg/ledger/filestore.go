package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/marcus-agent/marcus/pkg/types"
)

// FileStore persists each collection as a single JSON file in the data
// directory: an object keyed by record id. Writes go through a temp file
// and an atomic rename; a per-collection mutex serializes read-modify-write.
type FileStore struct {
	dataDir string
	fsync   bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time // test hook
}

// NewFileStore creates a JSON file store rooted at dataDir.
func NewFileStore(dataDir string, fsync bool) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileStore{
		dataDir: dataDir,
		fsync:   fsync,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}, nil
}

func (s *FileStore) lock(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collection] = l
	}
	return l
}

func (s *FileStore) path(collection string) string {
	return filepath.Join(s.dataDir, collection+".json")
}

func (s *FileStore) readAll(collection string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrLedgerWrite, collection, err)
	}
	records := map[string]json.RawMessage{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse collection %s: %w", collection, err)
	}
	return records, nil
}

// writeAll serializes the full collection and swaps it into place.
// Record ids are emitted in sorted order so identical contents produce
// identical bytes.
func (s *FileStore) writeAll(collection string, records map[string]json.RawMessage) error {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf []byte
	buf = append(buf, '{')
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, _ := json.Marshal(id)
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, records[id]...)
	}
	buf = append(buf, '}', '\n')

	tmp, err := os.CreateTemp(s.dataDir, collection+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", types.ErrLedgerWrite, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp: %v", types.ErrLedgerWrite, err)
	}
	if s.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: fsync: %v", types.ErrLedgerWrite, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp: %v", types.ErrLedgerWrite, err)
	}
	if err := os.Rename(tmpName, s.path(collection)); err != nil {
		return fmt.Errorf("%w: rename: %v", types.ErrLedgerWrite, err)
	}
	return nil
}

// Put stores one record, stamping _stored_at.
func (s *FileStore) Put(collection, id string, record any) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	records, err := s.readAll(collection)
	if err != nil {
		return err
	}

	stamped, err := stamp(record, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", types.ErrLedgerWrite, err)
	}
	records[id] = stamped

	return s.writeAll(collection, records)
}

// Get loads one record into out, reporting whether it existed.
func (s *FileStore) Get(collection, id string, out any) (bool, error) {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	records, err := s.readAll(collection)
	if err != nil {
		return false, err
	}
	raw, ok := records[id]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// Delete removes one record. Deleting an absent record is not an error.
func (s *FileStore) Delete(collection, id string) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	records, err := s.readAll(collection)
	if err != nil {
		return err
	}
	if _, ok := records[id]; !ok {
		return nil
	}
	delete(records, id)
	return s.writeAll(collection, records)
}

// List returns a snapshot of the whole collection.
func (s *FileStore) List(collection string) (map[string]json.RawMessage, error) {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()
	return s.readAll(collection)
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}
