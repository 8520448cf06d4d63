package ledger

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/types"
)

// Ledger is the durable agent->assignment map. It keeps an in-memory view
// for lookups and writes through to the backing store; every mutation is
// durable before it is visible.
type Ledger struct {
	mu      sync.RWMutex
	store   Store
	byAgent map[string]*types.Assignment
}

// New creates a ledger over the given store with an empty in-memory view.
// Call Load before serving requests.
func New(store Store) *Ledger {
	return &Ledger{
		store:   store,
		byAgent: make(map[string]*types.Assignment),
	}
}

// Load replaces the in-memory view with the persisted assignments.
// Records that fail to parse are skipped and reported; the caller decides
// whether to reconcile against the board.
func (l *Ledger) Load() (map[string]*types.Assignment, error) {
	records, err := l.store.List(CollectionAssignments)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}

	loaded := make(map[string]*types.Assignment, len(records))
	for id, raw := range records {
		var a types.Assignment
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("parse assignment %s: %w", id, err)
		}
		if a.Status == "" {
			a.Status = types.AssignmentActive
		}
		loaded[id] = &a
	}

	l.mu.Lock()
	l.byAgent = loaded
	l.mu.Unlock()

	l.updateGauge()

	out := make(map[string]*types.Assignment, len(loaded))
	for k, v := range loaded {
		out[k] = v
	}
	return out, nil
}

// Save persists an assignment and updates the in-memory view.
// The store write happens first: a failed write leaves the view unchanged.
func (l *Ledger) Save(a *types.Assignment) error {
	if a.AgentID == "" || a.TaskID == "" {
		return fmt.Errorf("%w: assignment requires agent_id and task_id", types.ErrInvalidInput)
	}
	if err := l.store.Put(CollectionAssignments, a.AgentID, a); err != nil {
		return err
	}

	l.mu.Lock()
	l.byAgent[a.AgentID] = a
	l.mu.Unlock()

	l.updateGauge()
	return nil
}

// Remove deletes an agent's assignment. Removing an absent entry is a no-op.
func (l *Ledger) Remove(agentID string) error {
	if err := l.store.Delete(CollectionAssignments, agentID); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.byAgent, agentID)
	l.mu.Unlock()

	l.updateGauge()
	return nil
}

// ByAgent returns the assignment held by an agent.
func (l *Ledger) ByAgent(agentID string) (*types.Assignment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.byAgent[agentID]
	return a, ok
}

// ByTask returns the assignment covering a task, if any.
func (l *Ledger) ByTask(taskID string) (*types.Assignment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.byAgent {
		if a.TaskID == taskID {
			return a, true
		}
	}
	return nil, false
}

// All returns a snapshot of every assignment.
func (l *Ledger) All() []*types.Assignment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.Assignment, 0, len(l.byAgent))
	for _, a := range l.byAgent {
		out = append(out, a)
	}
	return out
}

// Len returns the number of assignments.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byAgent)
}

func (l *Ledger) updateGauge() {
	metrics.AssignmentsActive.Set(float64(l.Len()))
}

// reversionRecord is the persisted shape of one reversion counter.
type reversionRecord struct {
	TaskID string `json:"task_id"`
	Count  int    `json:"count"`
}

// SaveReversionCount persists the reversion counter for a task.
// The counter survives restarts so repeat offenders keep escalating.
func (l *Ledger) SaveReversionCount(taskID string, count int) error {
	return l.store.Put(CollectionReversionCounts, taskID, reversionRecord{TaskID: taskID, Count: count})
}

// LoadReversionCounts returns all persisted reversion counters.
func (l *Ledger) LoadReversionCounts() (map[string]int, error) {
	records, err := l.store.List(CollectionReversionCounts)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(records))
	for id, raw := range records {
		var r reversionRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		counts[id] = r.Count
	}
	return counts, nil
}

// PutCacheEntry stores an opaque inference-cache record.
func (l *Ledger) PutCacheEntry(key string, record any) error {
	return l.store.Put(CollectionDependencyCache, key, record)
}

// GetCacheEntry loads an inference-cache record into out.
func (l *Ledger) GetCacheEntry(key string, out any) (bool, error) {
	return l.store.Get(CollectionDependencyCache, key, out)
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
