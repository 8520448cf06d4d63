package ledger

import (
	"encoding/json"
)

// Collection names persisted by the coordinator.
const (
	CollectionAssignments     = "assignments"
	CollectionReversionCounts = "reversion_counts"
	CollectionDependencyCache = "dependency_cache"
)

// Store is a durable map of collections, each holding JSON records keyed by
// id. Writes are atomic per collection: readers observe either the previous
// snapshot or the next complete one, never a torn file.
//
// Every stored record is stamped with a `_stored_at` RFC3339 field; loaders
// tolerate unknown fields and apply defaults for missing ones.
type Store interface {
	Put(collection, id string, record any) error
	Get(collection, id string, out any) (bool, error)
	Delete(collection, id string) error
	List(collection string) (map[string]json.RawMessage, error)
	Close() error
}

// stamp injects _stored_at into a record's JSON representation.
func stamp(record any, storedAt string) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["_stored_at"] = storedAt
	return json.Marshal(m)
}
