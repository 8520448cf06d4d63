package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-agent/marcus/pkg/types"
)

func newFileLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(dir, false)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return New(store), dir
}

func newBoltLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func assignment(agentID, taskID string) *types.Assignment {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	return &types.Assignment{
		AgentID:        agentID,
		TaskID:         taskID,
		AssignedAt:     now,
		LeaseExpiresAt: now.Add(30 * time.Minute),
		LastHeartbeat:  now,
		Status:         types.AssignmentActive,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	backends := map[string]func(t *testing.T) *Ledger{
		"file": func(t *testing.T) *Ledger { l, _ := newFileLedger(t); return l },
		"bolt": newBoltLedger,
	}

	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			l := mk(t)
			require.NoError(t, l.Save(assignment("agent-1", "T1")))
			require.NoError(t, l.Save(assignment("agent-2", "T2")))

			loaded, err := l.Load()
			require.NoError(t, err)
			require.Len(t, loaded, 2)
			assert.Equal(t, "T1", loaded["agent-1"].TaskID)
			assert.Equal(t, types.AssignmentActive, loaded["agent-1"].Status)
		})
	}
}

func TestLookups(t *testing.T) {
	l, _ := newFileLedger(t)
	require.NoError(t, l.Save(assignment("agent-1", "T1")))

	a, ok := l.ByAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, "T1", a.TaskID)

	a, ok = l.ByTask("T1")
	require.True(t, ok)
	assert.Equal(t, "agent-1", a.AgentID)

	_, ok = l.ByAgent("ghost")
	assert.False(t, ok)
	_, ok = l.ByTask("T9")
	assert.False(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	l, _ := newFileLedger(t)
	require.NoError(t, l.Save(assignment("agent-1", "T1")))

	require.NoError(t, l.Remove("agent-1"))
	require.NoError(t, l.Remove("agent-1"))
	assert.Equal(t, 0, l.Len())
}

func TestSaveRejectsEmptyIDs(t *testing.T) {
	l, _ := newFileLedger(t)
	err := l.Save(&types.Assignment{TaskID: "T1"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestFileBytesStableAcrossResave(t *testing.T) {
	l, dir := newFileLedger(t)
	require.NoError(t, l.Save(assignment("agent-1", "T1")))
	require.NoError(t, l.Save(assignment("agent-2", "T2")))

	path := filepath.Join(dir, "assignments.json")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	loaded, err := l.Load()
	require.NoError(t, err)
	for _, a := range loaded {
		require.NoError(t, l.Save(a))
	}

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStoredAtStamp(t *testing.T) {
	l, dir := newFileLedger(t)
	require.NoError(t, l.Save(assignment("agent-1", "T1")))

	data, err := os.ReadFile(filepath.Join(dir, "assignments.json"))
	require.NoError(t, err)

	var records map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	assert.Equal(t, "2026-01-02T03:04:05Z", records["agent-1"]["_stored_at"])
}

func TestLoaderToleratesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	content := `{"agent-1":{"agent_id":"agent-1","task_id":"T1","future_field":42}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assignments.json"), []byte(content), 0644))

	store, err := NewFileStore(dir, false)
	require.NoError(t, err)
	l := New(store)

	loaded, err := l.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	// Missing status defaults to active.
	assert.Equal(t, types.AssignmentActive, loaded["agent-1"].Status)
}

func TestReversionCounts(t *testing.T) {
	l, _ := newFileLedger(t)
	require.NoError(t, l.SaveReversionCount("T1", 2))
	require.NoError(t, l.SaveReversionCount("T2", 1))
	require.NoError(t, l.SaveReversionCount("T1", 3))

	counts, err := l.LoadReversionCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"T1": 3, "T2": 1}, counts)
}

func TestCacheEntries(t *testing.T) {
	l, _ := newFileLedger(t)

	type entry struct {
		Edges []string `json:"edges"`
	}
	require.NoError(t, l.PutCacheEntry("k1", entry{Edges: []string{"a->b"}}))

	var out entry
	ok, err := l.GetCacheEntry("k1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a->b"}, out.Edges)

	ok, err = l.GetCacheEntry("missing", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

// stall wraps a store so one collection's operations block until released.
type stallStore struct {
	Store
	block chan struct{}
}

func (s *stallStore) Put(collection, id string, record any) error {
	<-s.block
	return s.Store.Put(collection, id, record)
}

func TestTimedStoreBudget(t *testing.T) {
	inner, err := NewFileStore(t.TempDir(), false)
	require.NoError(t, err)
	stalled := &stallStore{Store: inner, block: make(chan struct{})}

	led := New(WithTimeout(stalled, 20*time.Millisecond))
	err = led.Save(assignment("agent-a", "t1"))
	assert.ErrorIs(t, err, types.ErrLedgerWrite)

	// The write never landed, so the view stays empty.
	_, ok := led.ByAgent("agent-a")
	assert.False(t, ok)

	close(stalled.block)
	require.NoError(t, led.Save(assignment("agent-a", "t1")))
	a, ok := led.ByAgent("agent-a")
	require.True(t, ok)
	assert.Equal(t, "t1", a.TaskID)
}

func TestTimedStorePassesFastOps(t *testing.T) {
	inner, err := NewFileStore(t.TempDir(), false)
	require.NoError(t, err)

	led := New(WithTimeout(inner, time.Second))
	require.NoError(t, led.Save(assignment("agent-a", "t1")))

	loaded, err := led.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
