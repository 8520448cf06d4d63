/*
Package events provides the in-memory event broker for Marcus pub/sub messaging.

Every state transition in the coordinator publishes an event after the
transition is durable: assignment lifecycle, lease lifecycle, task progress,
dependency inference, reconciler reports, and problem-task escalations.
Sinks such as dashboards and cost trackers attach as subscribers and never
call back into the core.

Delivery is fan-out over per-subscriber bounded queues. A slow subscriber
never blocks the publisher: when its queue is full the oldest event is
dropped and counted, both on the subscriber (Dropped) and in the Prometheus
drop counter.

Usage:

	broker := events.NewBroker(1000)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub.C {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()

	broker.Emit(events.EventTaskCompleted, "task T1 completed", map[string]string{
		"task_id":  "T1",
		"agent_id": "agent-1",
	})
*/
package events
