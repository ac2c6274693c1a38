// Package events provides a lightweight in-process pub-sub broker that the
// engine uses to publish worker and channel lifecycle notifications, e.g.
// for a CLI "watch" subcommand or diagnostics tooling.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of lifecycle event published by an engine.
type Type string

const (
	WorkerSpawned    Type = "worker.spawned"
	WorkerHandshook  Type = "worker.handshook"
	WorkerSealed     Type = "worker.sealed"
	WorkerTerminated Type = "worker.terminated"
	WorkerBroken     Type = "worker.broken"
	ChannelStarted   Type = "channel.started"
	ChannelFinished  Type = "channel.finished"
	QueueRejected    Type = "queue.rejected"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type
	App       string
	WorkerID  string
	ChannelID uint64
	Timestamp time.Time
	Message   string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages subscriptions and fans out published events to all of
// them, dropping events for any subscriber whose buffer is full rather than
// blocking the publisher (the engine's event loop).
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish hands an event to the distribution loop for delivery to all
// subscribers. It waits only while the broker's 256-event buffer is full;
// once the broker has stopped, the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
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

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
