// Package events carries connection liveness notifications to observers.
//
// Publishing is fire-and-forget: nothing in the access layer waits for, or
// depends on, a subscriber.
package events

import (
	evbus "github.com/asaskevich/EventBus"
)

// Topics.
const (
	TopicConnectionUp   = "connection:up"
	TopicConnectionDown = "connection:down"
)

// Connection identifies the endpoint a liveness event is about.
type Connection struct {
	Index int
	URL   string
}

// Bus publishes connection events.
type Bus struct {
	bus evbus.Bus
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

// PublishConnection emits connection:up or connection:down for an endpoint.
func (b *Bus) PublishConnection(up bool, index int, url string) {
	if b == nil {
		return
	}
	topic := TopicConnectionDown
	if up {
		topic = TopicConnectionUp
	}
	b.bus.Publish(topic, Connection{Index: index, URL: url})
}

// SubscribeConnection registers fn for both connection topics. Handlers run
// asynchronously, one at a time per topic; delivery order is not guaranteed.
func (b *Bus) SubscribeConnection(fn func(up bool, conn Connection)) error {
	if err := b.bus.SubscribeAsync(TopicConnectionUp, func(c Connection) { fn(true, c) }, true); err != nil {
		return err
	}
	return b.bus.SubscribeAsync(TopicConnectionDown, func(c Connection) { fn(false, c) }, true)
}

// Wait blocks until every asynchronous handler has returned.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}
