package internal

import (
	"sync"

	"github.com/embermq/embermq/logger"
	"github.com/embermq/embermq/mqerror"
)

// consumer is a single registered subscription on a queue. Each consumer
// owns one worker goroutine that pulls messages from the queue buffer and
// invokes the handler, so handler calls for one consumer are sequential.
type consumer struct {
	Tag       string
	NoAck     bool
	Exclusive bool
	Priority  int

	queue   *queue
	channel *Channel
	handler func(Delivery)

	stopped bool          // guarded by queue.mu
	done    chan struct{} // closed when the worker goroutine exits
}

func (c *consumer) invoke(d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.channel.broker.Err("consumer '%s' handler panic: %v", c.Tag, r)
		}
	}()
	c.handler(d)
}

// queue buffers messages and dispatches them to consumers in FIFO order.
type queue struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       map[string]interface{}

	mu        sync.Mutex
	cond      *sync.Cond
	Messages  []*message
	Bindings  map[string]bool // "exchange:routingKey"
	consumers map[string]*consumer
	order     []string // consumer tags in registration order
	owner     *Connection
	deleted   bool

	log logger.Logger
}

func newQueue(name string, durable, exclusive, autoDelete bool, args map[string]interface{}, owner *Connection, log logger.Logger) *queue {
	q := &queue{
		Name:       name,
		Durable:    durable,
		Exclusive:  exclusive,
		AutoDelete: autoDelete,
		Args:       args,
		Bindings:   make(map[string]bool),
		consumers:  make(map[string]*consumer),
		owner:      owner,
		log:        log,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue appends a message and wakes the consumer workers. Messages
// arriving after the queue was deleted are dropped.
func (q *queue) enqueue(msg *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		q.log.Warn("Message to deleted queue '%s' dropped", q.Name)
		return
	}
	q.Messages = append(q.Messages, msg)
	q.cond.Broadcast()
}

// requeueFront puts a message back at the head of the queue so it is the
// next one delivered.
func (q *queue) requeueFront(msg *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	q.Messages = append([]*message{msg}, q.Messages...)
	q.cond.Broadcast()
}

// pop removes and returns the head message, plus the count of messages
// remaining after it. Used by the pull-mode Get path.
func (q *queue) pop() (*message, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.Messages) == 0 {
		return nil, 0, false
	}
	msg := q.Messages[0]
	q.Messages = q.Messages[1:]
	return msg, len(q.Messages), true
}

// purge drops all buffered messages and reports how many were removed.
// Unacknowledged messages are not affected.
func (q *queue) purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.Messages)
	q.Messages = nil
	return n
}

func (q *queue) messageCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Messages)
}

func (q *queue) consumerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.consumers)
}

// notify wakes the consumer workers; called when delivery capacity is
// freed elsewhere (acks, qos changes, consumer cancellation).
func (q *queue) notify() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// addConsumer registers a consumer and starts its worker goroutine.
func (q *queue) addConsumer(c *consumer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return mqerror.New(mqerror.NotFound, "no queue '%s'", q.Name)
	}
	if _, exists := q.consumers[c.Tag]; exists {
		return mqerror.New(mqerror.NotAllowed, "consumer tag '%s' already in use on queue '%s'", c.Tag, q.Name)
	}
	if c.Exclusive && len(q.consumers) > 0 {
		return mqerror.New(mqerror.AccessRefused, "queue '%s' has consumers, exclusive consume refused", q.Name)
	}
	for _, existing := range q.consumers {
		if existing.Exclusive {
			return mqerror.New(mqerror.AccessRefused, "queue '%s' has an exclusive consumer", q.Name)
		}
	}

	c.queue = q
	c.done = make(chan struct{})
	q.consumers[c.Tag] = c
	q.order = append(q.order, c.Tag)
	go q.runConsumer(c)
	q.cond.Broadcast()
	return nil
}

// removeConsumer stops a consumer's worker and unregisters it. Returns the
// consumer and the number left, or nil if the tag was not registered here.
func (q *queue) removeConsumer(tag string) (*consumer, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.consumers[tag]
	if !ok {
		return nil, len(q.consumers)
	}
	c.stopped = true
	delete(q.consumers, tag)
	for i, t := range q.order {
		if t == tag {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.cond.Broadcast()
	return c, len(q.consumers)
}

// markDeleted tears the queue down: no further enqueues are accepted and
// all consumer workers are told to exit. Returns the consumers that were
// still registered so the caller can detach them from their channels.
func (q *queue) markDeleted() []*consumer {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleted = true
	stopped := make([]*consumer, 0, len(q.consumers))
	for _, c := range q.consumers {
		c.stopped = true
		stopped = append(stopped, c)
	}
	q.consumers = make(map[string]*consumer)
	q.order = nil
	q.cond.Broadcast()
	return stopped
}

// runConsumer is the worker loop for one consumer. It waits for messages,
// honors the channel's prefetch window and consumer priorities, and hands
// each taken message to beginDelivery before invoking the handler.
func (q *queue) runConsumer(c *consumer) {
	defer close(c.done)

	q.mu.Lock()
	for {
		if c.stopped || q.deleted {
			q.mu.Unlock()
			return
		}

		msg := q.takeLocked(c)
		if msg == nil {
			q.cond.Wait()
			continue
		}
		q.mu.Unlock()

		d, ok := c.channel.beginDelivery(c, msg, q.Name)
		if !ok {
			// Channel went down between take and delivery; put the
			// message back so another consumer can have it.
			q.requeueFront(msg)
			q.mu.Lock()
			continue
		}
		c.invoke(d)

		q.mu.Lock()
	}
}

// takeLocked removes the head message if this consumer is the one that
// should receive it. A consumer defers to any active higher-priority
// consumer that has prefetch capacity.
func (q *queue) takeLocked(c *consumer) *message {
	if len(q.Messages) == 0 {
		return nil
	}
	if !c.channel.hasCapacity(c) {
		return nil
	}
	for _, tag := range q.order {
		other := q.consumers[tag]
		if other == nil || other == c || other.stopped {
			continue
		}
		if other.Priority > c.Priority && other.channel.hasCapacity(other) {
			return nil
		}
	}
	msg := q.Messages[0]
	q.Messages = q.Messages[1:]
	return msg
}
