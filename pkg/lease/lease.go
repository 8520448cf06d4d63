package lease

import (
	"sort"
	"sync"
	"time"

	"github.com/marcus-agent/marcus/pkg/events"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/metrics"
)

// Lease is a time-bounded exclusive right to work on one task.
type Lease struct {
	TaskID        string    `json:"task_id"`
	AgentID       string    `json:"agent_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RenewalCount  int       `json:"renewal_count"`
}

// Remaining returns the time left on the lease relative to now.
func (l *Lease) Remaining(now time.Time) time.Duration {
	return l.ExpiresAt.Sub(now)
}

// Options tunes lease durations and the expiration sweep.
type Options struct {
	DefaultDuration    time.Duration
	MaxDuration        time.Duration
	AutoRenewThreshold time.Duration
	MaxRenewals        int
	TickInterval       time.Duration

	// HeartbeatTimeout, when positive, expires a lease whose holder has
	// been silent for the window even if the lease itself has time left.
	HeartbeatTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultDuration == 0 {
		o.DefaultDuration = 30 * time.Minute
	}
	if o.MaxDuration == 0 {
		o.MaxDuration = 4 * time.Hour
	}
	if o.AutoRenewThreshold == 0 {
		o.AutoRenewThreshold = 10 * time.Minute
	}
	if o.MaxRenewals == 0 {
		o.MaxRenewals = 5
	}
	if o.TickInterval == 0 {
		o.TickInterval = time.Minute
	}
	return o
}

// ExpireFunc is called for each lease the sweep expires, outside the
// manager's lock, so the caller can clear the ledger and reset the board.
type ExpireFunc func(l Lease)

// Manager grants at most one active lease per task. An expiration loop
// sweeps leases whose deadline passed without a heartbeat or renewal.
type Manager struct {
	opts     Options
	broker   *events.Broker
	onExpire ExpireFunc

	mu     sync.Mutex
	leases map[string]*Lease // task id -> active lease

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewManager creates a lease manager. broker and onExpire may be nil.
func NewManager(opts Options, broker *events.Broker, onExpire ExpireFunc) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		broker:   broker,
		onExpire: onExpire,
		leases:   make(map[string]*Lease),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetExpireFunc installs the expiration callback. Call before Start.
func (m *Manager) SetExpireFunc(fn ExpireFunc) {
	m.onExpire = fn
}

// Start begins the expiration sweep loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop stops the expiration sweep loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stopCh:
			return
		}
	}
}

// Acquire grants a lease on taskID to agentID if no active lease exists.
// A zero duration means the default; durations are capped at the maximum.
func (m *Manager) Acquire(taskID, agentID string, duration time.Duration) (*Lease, bool) {
	if duration <= 0 {
		duration = m.opts.DefaultDuration
	}
	if duration > m.opts.MaxDuration {
		duration = m.opts.MaxDuration
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[taskID]; ok && cur.ExpiresAt.After(now) {
		return nil, false
	}

	l := &Lease{
		TaskID:        taskID,
		AgentID:       agentID,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(duration),
		LastHeartbeat: now,
	}
	m.leases[taskID] = l

	out := *l
	return &out, true
}

// Heartbeat records liveness for an active lease. When the remaining time
// has dropped below the auto-renew threshold and renewals are left, the
// lease is extended by the default duration.
func (m *Manager) Heartbeat(taskID, agentID string) bool {
	m.mu.Lock()

	l, ok := m.leases[taskID]
	now := m.now()
	if !ok || l.AgentID != agentID || !l.ExpiresAt.After(now) {
		m.mu.Unlock()
		return false
	}

	l.LastHeartbeat = now

	renewed := false
	if l.Remaining(now) < m.opts.AutoRenewThreshold && l.RenewalCount < m.opts.MaxRenewals {
		l.ExpiresAt = l.ExpiresAt.Add(m.opts.DefaultDuration)
		l.RenewalCount++
		renewed = true
		metrics.LeaseRenewalsTotal.Inc()
	}
	snapshot := *l
	m.mu.Unlock()

	if m.broker != nil {
		m.broker.Emit(events.EventLeaseHeartbeat, "heartbeat for "+taskID, map[string]string{
			"task_id":  taskID,
			"agent_id": agentID,
		})
		if renewed {
			m.broker.Emit(events.EventLeaseRenewed, "lease auto-renewed for "+taskID, map[string]string{
				"task_id":    taskID,
				"agent_id":   agentID,
				"expires_at": snapshot.ExpiresAt.Format(time.RFC3339),
			})
		}
	}
	return true
}

// Renew explicitly extends an active lease. The extension is capped at the
// default duration and the renewal count at the configured maximum.
func (m *Manager) Renew(taskID, agentID string, extra time.Duration) bool {
	m.mu.Lock()

	l, ok := m.leases[taskID]
	now := m.now()
	if !ok || l.AgentID != agentID || !l.ExpiresAt.After(now) || l.RenewalCount >= m.opts.MaxRenewals {
		m.mu.Unlock()
		return false
	}

	if extra <= 0 || extra > m.opts.DefaultDuration {
		extra = m.opts.DefaultDuration
	}
	l.ExpiresAt = l.ExpiresAt.Add(extra)
	l.RenewalCount++
	snapshot := *l
	m.mu.Unlock()

	metrics.LeaseRenewalsTotal.Inc()
	if m.broker != nil {
		m.broker.Emit(events.EventLeaseRenewed, "lease renewed for "+taskID, map[string]string{
			"task_id":    taskID,
			"agent_id":   agentID,
			"expires_at": snapshot.ExpiresAt.Format(time.RFC3339),
		})
	}
	return true
}

// Release ends a lease normally. Releasing a task with no lease, or one
// held by another agent, is a no-op.
func (m *Manager) Release(taskID, agentID string) {
	m.mu.Lock()
	l, ok := m.leases[taskID]
	if ok && l.AgentID == agentID {
		delete(m.leases, taskID)
	}
	m.mu.Unlock()
}

// ForceRelease removes a lease regardless of holder, for the reconciler and
// admin paths.
func (m *Manager) ForceRelease(taskID, reason string) {
	m.mu.Lock()
	l, ok := m.leases[taskID]
	if ok {
		delete(m.leases, taskID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	log.WithComponent("lease").Warn().
		Str("task_id", taskID).
		Str("agent_id", l.AgentID).
		Str("reason", reason).
		Msg("lease force-released")
	if m.broker != nil {
		m.broker.Emit(events.EventLeaseForcedRelease, "lease force-released for "+taskID, map[string]string{
			"task_id":  taskID,
			"agent_id": l.AgentID,
			"reason":   reason,
		})
	}
}

// Tick sweeps out every lease whose deadline has passed. Expired leases are
// reported through the expire callback and the event broker.
func (m *Manager) Tick() {
	m.mu.Lock()
	now := m.now()
	var expired []Lease
	for taskID, l := range m.leases {
		silent := m.opts.HeartbeatTimeout > 0 &&
			now.Sub(l.LastHeartbeat) >= m.opts.HeartbeatTimeout
		if !l.ExpiresAt.After(now) || silent {
			expired = append(expired, *l)
			delete(m.leases, taskID)
		}
	}
	m.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].TaskID < expired[j].TaskID })
	for _, l := range expired {
		metrics.LeaseExpirationsTotal.Inc()
		log.WithComponent("lease").Warn().
			Str("task_id", l.TaskID).
			Str("agent_id", l.AgentID).
			Time("expired_at", l.ExpiresAt).
			Msg("lease expired")
		if m.onExpire != nil {
			m.onExpire(l)
		}
		if m.broker != nil {
			m.broker.Emit(events.EventLeaseExpired, "lease expired for "+l.TaskID, map[string]string{
				"task_id":  l.TaskID,
				"agent_id": l.AgentID,
			})
		}
	}
}

// Get returns a copy of the active lease for taskID, if any.
func (m *Manager) Get(taskID string) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[taskID]
	if !ok || !l.ExpiresAt.After(m.now()) {
		return nil, false
	}
	out := *l
	return &out, true
}

// Active reports whether taskID has a live lease.
func (m *Manager) Active(taskID string) bool {
	_, ok := m.Get(taskID)
	return ok
}

// ActiveTasks returns the ids of all tasks under a live lease.
func (m *Manager) ActiveTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ids := make([]string, 0, len(m.leases))
	for taskID, l := range m.leases {
		if l.ExpiresAt.After(now) {
			ids = append(ids, taskID)
		}
	}
	sort.Strings(ids)
	return ids
}
