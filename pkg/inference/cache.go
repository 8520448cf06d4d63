package inference

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus-agent/marcus/pkg/types"
)

// CacheStore is the slice of the ledger the cache persists through.
type CacheStore interface {
	PutCacheEntry(key string, record any) error
	GetCacheEntry(key string, out any) (bool, error)
}

// cacheEntry is the persisted shape of one inference result.
type cacheEntry struct {
	Key       string                 `json:"key"`
	Edges     []types.DependencyEdge `json:"edges"`
	CreatedAt time.Time              `json:"created_at"`
}

// Cache memoizes inference results keyed by a digest of the task set.
// Entries older than the TTL are stale: normal lookups miss, but GetStale
// still serves them when the Oracle is down.
type Cache struct {
	mu    sync.Mutex
	store CacheStore // may be nil for memory-only caching
	ttl   time.Duration
	local map[string]cacheEntry
	now   func() time.Time
}

// NewCache creates a cache with the given TTL. store may be nil.
func NewCache(store CacheStore, ttl time.Duration) *Cache {
	return &Cache{
		store: store,
		ttl:   ttl,
		local: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// CacheKey digests task identity, name, and description content, so any
// task edit invalidates the cached result.
func CacheKey(tasks []*types.Task) string {
	sigs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		descSum := md5.Sum([]byte(t.Description))
		sigs = append(sigs, fmt.Sprintf("%s:%s:%s", t.ID, t.Name, hex.EncodeToString(descSum[:])))
	}
	sort.Strings(sigs)

	h := md5.New()
	for _, sig := range sigs {
		fmt.Fprintln(h, sig)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) lookup(key string) (cacheEntry, bool) {
	if entry, ok := c.local[key]; ok {
		return entry, true
	}
	if c.store == nil {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	ok, err := c.store.GetCacheEntry(key, &entry)
	if err != nil || !ok {
		return cacheEntry{}, false
	}
	c.local[key] = entry
	return entry, true
}

// Get returns a fresh cached result for the task set.
func (c *Cache) Get(tasks []*types.Task) ([]types.DependencyEdge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookup(CacheKey(tasks))
	if !ok || c.now().Sub(entry.CreatedAt) > c.ttl {
		return nil, false
	}
	return entry.Edges, true
}

// GetStale returns a cached result regardless of age. Used when the Oracle
// is unavailable and a stale answer beats a pattern-only one.
func (c *Cache) GetStale(tasks []*types.Task) ([]types.DependencyEdge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookup(CacheKey(tasks))
	if !ok {
		return nil, false
	}
	return entry.Edges, true
}

// Put stores an inference result. Persistence errors are ignored: the
// in-memory copy still serves this process.
func (c *Cache) Put(tasks []*types.Task, edges []types.DependencyEdge) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := CacheKey(tasks)
	entry := cacheEntry{Key: key, Edges: edges, CreatedAt: c.now()}
	c.local[key] = entry
	if c.store != nil {
		_ = c.store.PutCacheEntry(key, entry)
	}
}
