package events

import (
	"context"

	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/pubsub"
)

// Bus aggregates events from all producers and republishes them to
// subscribers through a central broker. Directory monitors run on their own
// goroutines and publish here; a single forwarder on the server side drains
// the bus into the connection manager. Producers never touch WebSockets.
type Bus struct {
	broker *pubsub.Broker[Event]
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{broker: pubsub.NewBroker[Event]()}
}

// Publish sends an event to all subscribers. Events with an unknown type
// are logged and dropped here, which keeps the unknown-type contract in one
// place for every producer.
func (b *Bus) Publish(e Event) {
	if !Known(e.Type) {
		log.Warn(log.CatBus, "Dropping event with unknown type", "type", e.Type)
		return
	}
	b.broker.Publish(pubsub.UpdatedEvent, e)
}

// Subscribe returns a channel of all bus events. The channel is closed when
// the context is cancelled.
func (b *Bus) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.broker.Subscribe(ctx)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	return b.broker.SubscriberCount()
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.broker.Close()
}
