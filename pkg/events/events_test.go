package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishDelivers(t *testing.T) {
	b := NewBroker(10)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Emit(EventTaskStarted, "agent-1 started T1", map[string]string{"task_id": "T1"})

	ev := recvEvent(t, sub)
	assert.Equal(t, EventTaskStarted, ev.Type)
	assert.Equal(t, "T1", ev.Metadata["task_id"])
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestFanOut(t *testing.T) {
	b := NewBroker(10)
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Emit(EventLeaseExpired, "lease gone", nil)

	assert.Equal(t, EventLeaseExpired, recvEvent(t, sub1).Type)
	assert.Equal(t, EventLeaseExpired, recvEvent(t, sub2).Type)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBroker(2)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: EventTaskProgress, Message: string(rune('a' + i))})
	}

	// Wait for the broadcast loop to drain the publish channel.
	require.Eventually(t, func() bool {
		return sub.Dropped() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	// The two newest events survive.
	first := recvEvent(t, sub)
	second := recvEvent(t, sub)
	assert.Equal(t, "d", first.Message)
	assert.Equal(t, "e", second.Message)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(10)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.C
	assert.False(t, open)

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker(10)
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Emit(EventTaskProgress, "x", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after stop")
	}
}
