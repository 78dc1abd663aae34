package internal

import (
	"sync"
	"time"

	"github.com/embermq/embermq/mqerror"
)

type connectionState int

const (
	connStateDisconnected connectionState = iota
	connStateConnected
	connStateClosed
)

// Connection groups channels and owns exclusive queues. It models one
// client attachment to the broker; closing it tears down everything it
// owns.
type Connection struct {
	broker *Broker

	mu            sync.Mutex
	state         connectionState
	channels      map[uint16]*Channel
	nextChannelId uint16

	heartbeatStop chan struct{}
}

// Connect transitions the connection into the connected state. Connecting
// an already-connected connection is a no-op; a closed connection cannot
// be reconnected.
func (c *Connection) Connect() error {
	if c.broker.isShutdown() {
		return mqerror.New(mqerror.ConnectionForced, "broker is shut down")
	}

	c.mu.Lock()
	switch c.state {
	case connStateConnected:
		c.mu.Unlock()
		return nil
	case connStateClosed:
		c.mu.Unlock()
		return mqerror.New(mqerror.ConnectionNotOpen, "connection is closed")
	}
	c.state = connStateConnected
	interval := c.broker.heartbeatInterval
	if interval > 0 {
		c.heartbeatStop = make(chan struct{})
		go c.heartbeatLoop(interval, c.heartbeatStop)
	}
	c.mu.Unlock()

	c.broker.addConnection(c)
	c.broker.emit(Event{Type: EventConnectionOpen})
	c.broker.Debug("Connection opened")
	return nil
}

// IsOpen reports whether the connection is in the connected state.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == connStateConnected
}

// CreateChannel opens a new channel on the connection. Channel ids are
// monotonically increasing and never reused within the connection.
func (c *Connection) CreateChannel() (*Channel, error) {
	c.mu.Lock()
	if c.state != connStateConnected {
		c.mu.Unlock()
		return nil, mqerror.New(mqerror.ConnectionNotOpen, "connection is not open")
	}
	c.nextChannelId++
	ch := newChannel(c.nextChannelId, c)
	c.channels[ch.id] = ch
	c.mu.Unlock()

	c.broker.emit(Event{Type: EventChannelOpen, ChannelId: ch.id})
	c.broker.Debug("Channel %d opened", ch.id)
	return ch, nil
}

// CreateConfirmChannel opens a new channel already in confirm mode.
func (c *Connection) CreateConfirmChannel() (*Channel, error) {
	ch, err := c.CreateChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(); err != nil {
		return nil, err
	}
	return ch, nil
}

// Channel returns the open channel with the given id, if any.
func (c *Connection) Channel(id uint16) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

func (c *Connection) removeChannel(id uint16) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// Close shuts the connection down: all channels are closed concurrently,
// exclusive queues owned by the connection are deleted, and the heartbeat
// stops. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == connStateClosed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.state == connStateConnected
	c.state = connStateClosed
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[uint16]*Channel)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			if err := ch.Close(); err != nil {
				c.broker.Err("Error closing channel %d: %v", ch.id, err)
				c.broker.emit(Event{Type: EventConnectionError, ChannelId: ch.id, Err: err})
			}
		}(ch)
	}
	wg.Wait()

	if wasConnected {
		c.broker.topology.deleteQueuesOwnedBy(c)
		c.broker.removeConnection(c)
		c.broker.emit(Event{Type: EventConnectionClose})
		c.broker.Debug("Connection closed")
	}
	return nil
}

func (c *Connection) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.broker.heartbeatLogging {
				c.broker.Debug("Heartbeat")
			}
			c.broker.emit(Event{Type: EventConnectionHeartbeat})
		}
	}
}
