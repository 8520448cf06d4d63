package lease

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-agent/marcus/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	m.Run()
}

func newTestManager(onExpire ExpireFunc) (*Manager, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(Options{}, nil, onExpire)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestAcquireIsExclusive(t *testing.T) {
	m, _ := newTestManager(nil)

	l, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)
	assert.Equal(t, "agent-a", l.AgentID)
	assert.Equal(t, 30*time.Minute, l.Remaining(l.AcquiredAt))

	_, ok = m.Acquire("t1", "agent-b", 0)
	assert.False(t, ok, "second acquire on an active lease must fail")

	_, ok = m.Acquire("t2", "agent-b", 0)
	assert.True(t, ok, "other tasks are unaffected")
}

func TestAcquireCapsDuration(t *testing.T) {
	m, _ := newTestManager(nil)

	l, ok := m.Acquire("t1", "agent-a", 12*time.Hour)
	require.True(t, ok)
	assert.Equal(t, 4*time.Hour, l.Remaining(l.AcquiredAt))
}

func TestAcquireAfterExpiry(t *testing.T) {
	m, now := newTestManager(nil)

	_, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)

	*now = now.Add(31 * time.Minute)
	_, ok = m.Acquire("t1", "agent-b", 0)
	assert.True(t, ok, "a lapsed lease does not block acquisition")
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	m, now := newTestManager(nil)

	_, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)

	*now = now.Add(5 * time.Minute)
	assert.True(t, m.Heartbeat("t1", "agent-a"))

	l, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, *now, l.LastHeartbeat)
	assert.Equal(t, 0, l.RenewalCount, "plenty of time left, no auto-renew")
}

func TestHeartbeatAutoRenewsNearDeadline(t *testing.T) {
	m, now := newTestManager(nil)

	_, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)

	// 25 minutes in, 5 remain: below the 10 minute threshold.
	*now = now.Add(25 * time.Minute)
	require.True(t, m.Heartbeat("t1", "agent-a"))

	l, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, 1, l.RenewalCount)
	assert.Equal(t, 35*time.Minute, l.Remaining(*now))
}

func TestHeartbeatRejectsWrongAgentAndExpired(t *testing.T) {
	m, now := newTestManager(nil)

	_, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)

	assert.False(t, m.Heartbeat("t1", "agent-b"))
	assert.False(t, m.Heartbeat("t2", "agent-a"))

	*now = now.Add(31 * time.Minute)
	assert.False(t, m.Heartbeat("t1", "agent-a"), "expired lease cannot heartbeat")
}

func TestRenewalCountCapped(t *testing.T) {
	m, now := newTestManager(nil)

	_, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		require.True(t, m.Renew("t1", "agent-a", 10*time.Minute), "renewal %d", i+1)
	}
	assert.False(t, m.Renew("t1", "agent-a", 10*time.Minute), "sixth renewal exceeds the cap")

	l, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, 5, l.RenewalCount)

	// Auto-renew via heartbeat respects the same cap.
	*now = l.ExpiresAt.Add(-5 * time.Minute)
	require.True(t, m.Heartbeat("t1", "agent-a"))
	l2, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, l.ExpiresAt, l2.ExpiresAt, "no extension past the renewal cap")
}

func TestRenewExtensionCappedAtDefault(t *testing.T) {
	m, _ := newTestManager(nil)

	l, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)

	require.True(t, m.Renew("t1", "agent-a", 6*time.Hour))
	l2, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, l.ExpiresAt.Add(30*time.Minute), l2.ExpiresAt)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(nil)

	_, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)

	m.Release("t1", "agent-b")
	assert.True(t, m.Active("t1"), "release by a non-holder is ignored")

	m.Release("t1", "agent-a")
	assert.False(t, m.Active("t1"))
	m.Release("t1", "agent-a") // second release is a no-op
}

func TestTickExpiresAndNotifies(t *testing.T) {
	var expired []Lease
	m, now := newTestManager(func(l Lease) { expired = append(expired, l) })

	_, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)
	_, ok = m.Acquire("t2", "agent-b", time.Hour)
	require.True(t, ok)

	*now = now.Add(31 * time.Minute)
	m.Tick()

	require.Len(t, expired, 1)
	assert.Equal(t, "t1", expired[0].TaskID)
	assert.Equal(t, "agent-a", expired[0].AgentID)
	assert.False(t, m.Active("t1"))
	assert.True(t, m.Active("t2"))
}

func TestTickExpiresSilentHolders(t *testing.T) {
	var expired []Lease
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(Options{HeartbeatTimeout: 10 * time.Minute}, nil, func(l Lease) {
		expired = append(expired, l)
	})
	m.now = func() time.Time { return now }

	_, ok := m.Acquire("t1", "agent-a", time.Hour)
	require.True(t, ok)
	_, ok = m.Acquire("t2", "agent-b", time.Hour)
	require.True(t, ok)

	// agent-b keeps heartbeating, agent-a goes quiet.
	now = now.Add(9 * time.Minute)
	require.True(t, m.Heartbeat("t2", "agent-b"))

	now = now.Add(2 * time.Minute)
	m.Tick()

	require.Len(t, expired, 1)
	assert.Equal(t, "t1", expired[0].TaskID)
	assert.False(t, m.Active("t1"))
	assert.True(t, m.Active("t2"), "heartbeats reset the silence window")
}

func TestForceReleaseIgnoresHolder(t *testing.T) {
	m, _ := newTestManager(nil)

	_, ok := m.Acquire("t1", "agent-a", 0)
	require.True(t, ok)

	m.ForceRelease("t1", "task reverted on board")
	assert.False(t, m.Active("t1"))

	m.ForceRelease("t1", "again") // no lease, no-op
}

func TestActiveTasks(t *testing.T) {
	m, now := newTestManager(nil)

	_, _ = m.Acquire("t2", "agent-a", 0)
	_, _ = m.Acquire("t1", "agent-b", time.Hour)
	assert.Equal(t, []string{"t1", "t2"}, m.ActiveTasks())

	*now = now.Add(31 * time.Minute)
	assert.Equal(t, []string{"t1"}, m.ActiveTasks())
}
