package internal

import "time"

// EventType identifies a lifecycle event emitted by the broker.
type EventType string

const (
	EventConnectionOpen      EventType = "connection.open"
	EventConnectionClose     EventType = "connection.close"
	EventConnectionError     EventType = "connection.error"
	EventConnectionHeartbeat EventType = "connection.heartbeat"
	EventChannelOpen         EventType = "channel.open"
	EventChannelClose        EventType = "channel.close"
	EventBrokerShutdown      EventType = "broker.shutdown"
)

// Event describes a single lifecycle occurrence. Events are informational;
// handlers must not assume the originating object is still usable.
type Event struct {
	Type      EventType
	ChannelId uint16 // set for channel events, zero otherwise
	Err       error  // set when the event was caused by an error
	At        time.Time
}

// EventHandler receives broker lifecycle events. Handlers are invoked
// synchronously from broker goroutines and should return quickly.
type EventHandler func(Event)

func (b *Broker) emit(ev Event) {
	handler := b.eventHandler
	if handler == nil {
		return
	}
	ev.At = time.Now()

	defer func() {
		if r := recover(); r != nil {
			b.Err("event handler panic on %s: %v", ev.Type, r)
		}
	}()
	handler(ev)
}
