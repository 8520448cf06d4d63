package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-agent/marcus/pkg/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventAssignmentAcquired EventType = "assignment.acquired"
	EventAssignmentReleased EventType = "assignment.released"
	EventAssignmentReverted EventType = "assignment.reverted"

	EventLeaseRenewed       EventType = "lease.renewed"
	EventLeaseExpired       EventType = "lease.expired"
	EventLeaseHeartbeat     EventType = "lease.heartbeat"
	EventLeaseForcedRelease EventType = "lease.forced_release"

	EventTaskStarted   EventType = "task.started"
	EventTaskProgress  EventType = "task.progress"
	EventTaskBlocked   EventType = "task.blocked"
	EventTaskCompleted EventType = "task.completed"

	EventDependencyInferred EventType = "dependency.inferred"
	EventReconcilerReport   EventType = "reconciler.report"
	EventProblemTask        EventType = "problem.task"
)

// Event represents a coordination event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives events on a bounded queue.
type Subscriber struct {
	C       chan *Event
	dropped atomic.Uint64
}

// Dropped returns how many events this subscriber has lost to backpressure.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Broker manages event subscriptions and distribution.
//
// Publishing never blocks: each subscriber has a bounded queue and when it is
// full the oldest queued event is discarded to make room, with a dropped
// counter so slow subscribers are visible rather than silent.
type Broker struct {
	subscribers map[*Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	queueMax    int
	stopOnce    sync.Once
}

// NewBroker creates a new event broker. queueMax bounds each subscriber's
// queue; values below 1 fall back to 1000.
func NewBroker(queueMax int) *Broker {
	if queueMax < 1 {
		queueMax = 1000
	}
	return &Broker{
		subscribers: make(map[*Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		queueMax:    queueMax,
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription with its own bounded queue.
func (b *Broker) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{C: make(chan *Event, b.queueMax)}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.C)
	}
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is a convenience wrapper building an Event from parts.
func (b *Broker) Emit(typ EventType, msg string, metadata map[string]string) {
	b.Publish(&Event{Type: typ, Message: msg, Metadata: metadata})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	for sub := range b.subscribers {
		select {
		case sub.C <- event:
		default:
			// Queue full: drop the oldest event, then enqueue the new one.
			select {
			case <-sub.C:
				sub.dropped.Add(1)
				metrics.EventsDroppedTotal.Inc()
			default:
			}
			select {
			case sub.C <- event:
			default:
				sub.dropped.Add(1)
				metrics.EventsDroppedTotal.Inc()
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
