/*
Package events provides an in-memory pub/sub broker for engine lifecycle
notifications: worker spawned/handshook/sealed/terminated/broken, channel
started/finished, and queue rejections. It is fire-and-forget — publish
never blocks on a slow subscriber, and a full subscriber buffer simply
drops the event rather than stalling the engine loop.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			fmt.Printf("%s %s worker=%s\n", ev.Type, ev.App, ev.WorkerID)
		}
	}()

	broker.Publish(&events.Event{Type: events.WorkerSpawned, App: "echo", WorkerID: id})

# Limitations

In-memory only, no replay, no delivery guarantee. Suitable for diagnostics
and CLI "watch" style commands, not for anything that needs at-least-once
delivery.
*/
package events
