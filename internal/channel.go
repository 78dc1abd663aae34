package internal

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/embermq/embermq/mqerror"
)

type channelState int

const (
	channelStateOpen channelState = iota
	channelStateClosing
	channelStateClosed
)

// ConsumeOptions controls consumer registration.
type ConsumeOptions struct {
	ConsumerTag string // generated when empty
	NoAck       bool
	Exclusive   bool
	Priority    int
}

// Channel is the unit of message-flow state: delivery tags, the unacked
// set, prefetch limits, consumers and publisher-confirm bookkeeping all
// live here. Channels are created from a Connection and are safe for
// concurrent use.
type Channel struct {
	id     uint16
	conn   *Connection
	broker *Broker

	mu            sync.Mutex
	state         channelState
	deliveryTag   uint64
	unacked       map[uint64]*unackedMessage
	unackedByTag  map[string]int // consumer tag -> unacked count, for per-consumer qos
	consumers     map[string]*consumer
	prefetchCount int
	qosGlobal     bool

	confirmMode    bool
	publishSeq     uint64
	pending        map[uint64]*pendingConfirm
	confirmTimeout time.Duration
	resolver       ConfirmResolver
}

func newChannel(id uint16, conn *Connection) *Channel {
	return &Channel{
		id:             id,
		conn:           conn,
		broker:         conn.broker,
		unacked:        make(map[uint64]*unackedMessage),
		unackedByTag:   make(map[string]int),
		consumers:      make(map[string]*consumer),
		pending:        make(map[uint64]*pendingConfirm),
		confirmTimeout: conn.broker.confirmTimeout,
		resolver:       conn.broker.resolver,
	}
}

// Id returns the channel's number, unique within its connection.
func (ch *Channel) Id() uint16 {
	return ch.id
}

// IsOpen reports whether the channel accepts operations.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == channelStateOpen
}

// Open is idempotent: channels are open on creation, and reopening a
// closed channel is an error.
func (ch *Channel) Open() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != channelStateOpen {
		return mqerror.New(mqerror.ChannelNotOpen, "channel %d is closed", ch.id)
	}
	return nil
}

func (ch *Channel) ensureOpenLocked() error {
	if ch.state != channelStateOpen {
		return mqerror.New(mqerror.ChannelNotOpen, "channel %d is not open", ch.id)
	}
	return nil
}

// --- topology operations, delegated to the broker's topology store ---

// DeclareQueue creates the queue if needed and returns its current counts.
// An empty name asks the broker to generate a unique one.
func (ch *Channel) DeclareQueue(name string, opts QueueOptions) (QueueInfo, error) {
	if err := ch.Open(); err != nil {
		return QueueInfo{}, err
	}
	return ch.broker.topology.DeclareQueue(name, opts, ch.conn)
}

// CheckQueue verifies a queue exists without creating it.
func (ch *Channel) CheckQueue(name string) (QueueInfo, error) {
	if err := ch.Open(); err != nil {
		return QueueInfo{}, err
	}
	return ch.broker.topology.CheckQueue(name)
}

// DeleteQueue removes a queue, returning the number of messages discarded.
func (ch *Channel) DeleteQueue(name string, ifUnused, ifEmpty bool) (int, error) {
	if err := ch.Open(); err != nil {
		return 0, err
	}
	return ch.broker.topology.DeleteQueue(name, ifUnused, ifEmpty, ch.conn)
}

// PurgeQueue drops all ready messages from a queue.
func (ch *Channel) PurgeQueue(name string) (int, error) {
	if err := ch.Open(); err != nil {
		return 0, err
	}
	return ch.broker.topology.PurgeQueue(name, ch.conn)
}

// DeclareExchange creates an exchange of the given type.
func (ch *Channel) DeclareExchange(name, kind string, opts ExchangeOptions) error {
	if err := ch.Open(); err != nil {
		return err
	}
	return ch.broker.topology.DeclareExchange(name, kind, opts)
}

// CheckExchange verifies an exchange exists without creating it.
func (ch *Channel) CheckExchange(name string) error {
	if err := ch.Open(); err != nil {
		return err
	}
	return ch.broker.topology.CheckExchange(name)
}

// DeleteExchange removes an exchange.
func (ch *Channel) DeleteExchange(name string, ifUnused bool) error {
	if err := ch.Open(); err != nil {
		return err
	}
	return ch.broker.topology.DeleteExchange(name, ifUnused)
}

// BindQueue binds a queue to an exchange under a routing pattern.
func (ch *Channel) BindQueue(queueName, exchangeName, pattern string) error {
	if err := ch.Open(); err != nil {
		return err
	}
	return ch.broker.topology.BindQueue(queueName, exchangeName, pattern, ch.conn)
}

// UnbindQueue removes a queue binding.
func (ch *Channel) UnbindQueue(queueName, exchangeName, pattern string) error {
	if err := ch.Open(); err != nil {
		return err
	}
	return ch.broker.topology.UnbindQueue(queueName, exchangeName, pattern, ch.conn)
}

// BindExchange binds a source exchange to a destination exchange.
func (ch *Channel) BindExchange(destination, source, pattern string) error {
	if err := ch.Open(); err != nil {
		return err
	}
	return ch.broker.topology.BindExchange(destination, source, pattern)
}

// UnbindExchange removes an exchange-to-exchange binding.
func (ch *Channel) UnbindExchange(destination, source, pattern string) error {
	if err := ch.Open(); err != nil {
		return err
	}
	return ch.broker.topology.UnbindExchange(destination, source, pattern)
}

// --- publishing ---

// Publish routes a message through an exchange. A message that matches no
// binding is silently dropped; only structural problems (closed channel,
// missing exchange) are errors. The returned flag is always true on
// success and is reserved for backpressure signalling.
func (ch *Channel) Publish(exchange, routingKey string, body []byte, props Properties) (bool, error) {
	_, err := ch.publish(exchange, routingKey, body, props, nil)
	return err == nil, err
}

// PublishWithConfirm publishes on a confirm-mode channel and registers a
// callback for the outcome of this message's confirm. It returns the
// confirm sequence number assigned to the message.
func (ch *Channel) PublishWithConfirm(exchange, routingKey string, body []byte, props Properties, cb ConfirmCallback) (uint64, error) {
	ch.mu.Lock()
	confirmEnabled := ch.confirmMode
	ch.mu.Unlock()
	if !confirmEnabled {
		return 0, mqerror.New(mqerror.ConfirmsNotEnabled, "channel %d is not in confirm mode", ch.id)
	}
	return ch.publish(exchange, routingKey, body, props, cb)
}

// SendToQueue publishes directly to a named queue, bypassing exchange
// routing. Unlike Publish, a missing target is an error.
func (ch *Channel) SendToQueue(queueName string, body []byte, props Properties) (bool, error) {
	if err := ch.Open(); err != nil {
		return false, err
	}
	if _, ok := ch.broker.topology.getQueue(queueName); !ok {
		return false, mqerror.New(mqerror.NotFound, "no queue '%s'", queueName)
	}
	_, err := ch.publish("", queueName, body, props, nil)
	return err == nil, err
}

// SendToQueueWithConfirm is SendToQueue with a per-message confirm callback.
func (ch *Channel) SendToQueueWithConfirm(queueName string, body []byte, props Properties, cb ConfirmCallback) (uint64, error) {
	ch.mu.Lock()
	confirmEnabled := ch.confirmMode
	ch.mu.Unlock()
	if !confirmEnabled {
		return 0, mqerror.New(mqerror.ConfirmsNotEnabled, "channel %d is not in confirm mode", ch.id)
	}
	if _, ok := ch.broker.topology.getQueue(queueName); !ok {
		return 0, mqerror.New(mqerror.NotFound, "no queue '%s'", queueName)
	}
	return ch.publish("", queueName, body, props, cb)
}

func (ch *Channel) publish(exchangeName, routingKey string, body []byte, props Properties, cb ConfirmCallback) (uint64, error) {
	if err := ch.Open(); err != nil {
		return 0, err
	}

	if exchangeName != "" {
		ex, ok := ch.broker.topology.getExchange(exchangeName)
		if !ok {
			return 0, mqerror.New(mqerror.NotFound, "no exchange '%s'", exchangeName)
		}
		if ex.Internal {
			return 0, mqerror.New(mqerror.AccessRefused, "exchange '%s' is internal", exchangeName)
		}
	}

	queueNames, err := ch.broker.topology.route(exchangeName, routingKey)
	if err != nil {
		return 0, err
	}

	// In confirm mode every publish gets a sequence number, registered
	// before the message becomes visible to consumers.
	var seq uint64
	ch.mu.Lock()
	if err := ch.ensureOpenLocked(); err != nil {
		ch.mu.Unlock()
		return 0, err
	}
	if ch.confirmMode {
		ch.publishSeq++
		seq = ch.publishSeq
		ch.pending[seq] = &pendingConfirm{
			Seq:        seq,
			Exchange:   exchangeName,
			RoutingKey: routingKey,
			Callback:   cb,
			IssuedAt:   time.Now(),
		}
	}
	ch.mu.Unlock()

	if len(queueNames) == 0 {
		ch.broker.Debug("Message to exchange '%s' with key '%s' matched no queue", displayName(exchangeName), routingKey)
	}

	msg := &message{
		Exchange:   exchangeName,
		RoutingKey: routingKey,
		Properties: props,
		Body:       body,
	}
	for _, name := range queueNames {
		if q, ok := ch.broker.topology.getQueue(name); ok {
			q.enqueue(msg.deepCopy())
		}
	}

	if seq > 0 {
		go ch.resolveConfirm(seq)
	}
	return seq, nil
}

// --- consuming ---

// Consume registers a handler for a queue and returns the consumer tag.
// The handler runs on a dedicated goroutine; deliveries to one consumer
// are sequential.
func (ch *Channel) Consume(queueName string, handler func(Delivery), opts ConsumeOptions) (string, error) {
	if err := ch.Open(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", mqerror.New(mqerror.PreconditionFailed, "nil delivery handler")
	}

	q, ok := ch.broker.topology.getQueue(queueName)
	if !ok {
		return "", mqerror.New(mqerror.NotFound, "no queue '%s'", queueName)
	}
	if err := checkQueueAccess(q, ch.conn); err != nil {
		return "", err
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	c := &consumer{
		Tag:       tag,
		NoAck:     opts.NoAck,
		Exclusive: opts.Exclusive,
		Priority:  opts.Priority,
		channel:   ch,
		handler:   handler,
	}

	ch.mu.Lock()
	if err := ch.ensureOpenLocked(); err != nil {
		ch.mu.Unlock()
		return "", err
	}
	if _, dup := ch.consumers[tag]; dup {
		ch.mu.Unlock()
		return "", mqerror.New(mqerror.NotAllowed, "consumer tag '%s' already in use", tag)
	}
	ch.consumers[tag] = c
	ch.mu.Unlock()

	if err := q.addConsumer(c); err != nil {
		ch.mu.Lock()
		delete(ch.consumers, tag)
		ch.mu.Unlock()
		return "", err
	}

	ch.broker.Debug("Consumer '%s' registered on queue '%s'", tag, queueName)
	return tag, nil
}

// Cancel removes a consumer. Messages already delivered but unacked stay
// unacked. Cancelling an unknown tag is a no-op.
func (ch *Channel) Cancel(tag string) error {
	if err := ch.Open(); err != nil {
		return err
	}

	ch.mu.Lock()
	c, ok := ch.consumers[tag]
	if !ok {
		ch.mu.Unlock()
		return nil
	}
	delete(ch.consumers, tag)
	ch.mu.Unlock()

	q := c.queue
	if q == nil {
		return nil
	}
	q.removeConsumer(tag)
	ch.broker.topology.maybeAutoDeleteQueue(q.Name)
	return nil
}

// detachConsumer drops a consumer's registration when its queue is torn
// down underneath it.
func (ch *Channel) detachConsumer(tag string) {
	ch.mu.Lock()
	delete(ch.consumers, tag)
	ch.mu.Unlock()
}

// Get synchronously takes one message from a queue. The second return
// value is false when the queue is empty.
func (ch *Channel) Get(queueName string, autoAck bool) (Delivery, bool, error) {
	if err := ch.Open(); err != nil {
		return Delivery{}, false, err
	}

	q, ok := ch.broker.topology.getQueue(queueName)
	if !ok {
		return Delivery{}, false, mqerror.New(mqerror.NotFound, "no queue '%s'", queueName)
	}
	if err := checkQueueAccess(q, ch.conn); err != nil {
		return Delivery{}, false, err
	}

	msg, remaining, ok := q.pop()
	if !ok {
		return Delivery{}, false, nil
	}

	ch.mu.Lock()
	if err := ch.ensureOpenLocked(); err != nil {
		ch.mu.Unlock()
		q.requeueFront(msg)
		return Delivery{}, false, err
	}
	ch.deliveryTag++
	tag := ch.deliveryTag
	if !autoAck {
		ch.unacked[tag] = &unackedMessage{
			Message:     msg,
			QueueName:   q.Name,
			DeliveryTag: tag,
			Delivered:   time.Now(),
		}
	}
	ch.mu.Unlock()

	return Delivery{
		Body:         msg.Body,
		Exchange:     msg.Exchange,
		RoutingKey:   msg.RoutingKey,
		DeliveryTag:  tag,
		Redelivered:  msg.Redelivered,
		MessageCount: remaining,
		Properties:   msg.Properties,
		channel:      ch,
	}, true, nil
}

// beginDelivery assigns a delivery tag and records the unacked entry for a
// push-mode delivery. Returns false when the channel can no longer accept
// the delivery, in which case the caller keeps the message.
func (ch *Channel) beginDelivery(c *consumer, msg *message, queueName string) (Delivery, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != channelStateOpen {
		return Delivery{}, false
	}
	if current, ok := ch.consumers[c.Tag]; !ok || current != c {
		return Delivery{}, false
	}
	// The worker's capacity check ran under the queue lock; with a global
	// qos window another queue's worker may have taken the last slot in
	// between, so the window is re-verified here before recording.
	if !ch.hasCapacityLocked(c) {
		return Delivery{}, false
	}

	ch.deliveryTag++
	tag := ch.deliveryTag
	if !c.NoAck {
		ch.unacked[tag] = &unackedMessage{
			Message:     msg,
			QueueName:   queueName,
			ConsumerTag: c.Tag,
			DeliveryTag: tag,
			Delivered:   time.Now(),
		}
		ch.unackedByTag[c.Tag]++
	}

	return Delivery{
		Body:        msg.Body,
		Exchange:    msg.Exchange,
		RoutingKey:  msg.RoutingKey,
		DeliveryTag: tag,
		Redelivered: msg.Redelivered,
		ConsumerTag: c.Tag,
		Properties:  msg.Properties,
		channel:     ch,
	}, true
}

// hasCapacity reports whether the prefetch window allows another
// unacknowledged delivery to the given consumer.
func (ch *Channel) hasCapacity(c *consumer) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != channelStateOpen {
		return false
	}
	return ch.hasCapacityLocked(c)
}

func (ch *Channel) hasCapacityLocked(c *consumer) bool {
	if c.NoAck || ch.prefetchCount == 0 {
		return true
	}
	if ch.qosGlobal {
		return len(ch.unacked) < ch.prefetchCount
	}
	return ch.unackedByTag[c.Tag] < ch.prefetchCount
}

// --- acknowledgement ---

// Ack acknowledges a delivery. With multiple set, all deliveries up to and
// including the tag are acknowledged. Unknown tags are ignored.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	if err := ch.Open(); err != nil {
		return err
	}
	removed := ch.removeUnacked(tag, multiple)
	ch.notifyQueuesOf(removed)
	return nil
}

// AckAll acknowledges every outstanding delivery on the channel.
func (ch *Channel) AckAll() error {
	if err := ch.Open(); err != nil {
		return err
	}
	removed := ch.removeAllUnacked()
	ch.notifyQueuesOf(removed)
	return nil
}

// Nack rejects a delivery, optionally requeueing it at the head of its
// origin queue with the redelivered flag set.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	if err := ch.Open(); err != nil {
		return err
	}
	removed := ch.removeUnacked(tag, multiple)
	if requeue {
		ch.requeueEntries(removed)
	}
	ch.notifyQueuesOf(removed)
	return nil
}

// NackAll rejects every outstanding delivery on the channel.
func (ch *Channel) NackAll(requeue bool) error {
	if err := ch.Open(); err != nil {
		return err
	}
	removed := ch.removeAllUnacked()
	if requeue {
		ch.requeueEntries(removed)
	}
	ch.notifyQueuesOf(removed)
	return nil
}

// Reject is the single-message form of Nack.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// Recover requeues every unacked message on the channel. Redelivery to the
// same consumer without requeueing (requeue=false) is not supported.
func (ch *Channel) Recover(requeue bool) error {
	if err := ch.Open(); err != nil {
		return err
	}
	if !requeue {
		return mqerror.New(mqerror.NotImplemented, "recover with requeue=false is not supported")
	}
	removed := ch.removeAllUnacked()
	ch.requeueEntries(removed)
	ch.notifyQueuesOf(removed)
	return nil
}

// Qos sets the prefetch window. A count of zero means unlimited. With
// global set, the window bounds the whole channel; otherwise it applies
// per consumer.
func (ch *Channel) Qos(prefetchCount int, global bool) error {
	ch.mu.Lock()
	if err := ch.ensureOpenLocked(); err != nil {
		ch.mu.Unlock()
		return err
	}
	ch.prefetchCount = prefetchCount
	ch.qosGlobal = global
	queues := ch.consumerQueuesLocked()
	ch.mu.Unlock()

	for _, q := range queues {
		q.notify()
	}
	return nil
}

// removeUnacked deletes the entry for tag (or all entries up to tag with
// multiple) and returns what was removed, in ascending tag order.
func (ch *Channel) removeUnacked(tag uint64, multiple bool) []*unackedMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var removed []*unackedMessage
	if multiple {
		for t, entry := range ch.unacked {
			if t <= tag {
				removed = append(removed, entry)
				ch.dropUnackedLocked(t, entry)
			}
		}
	} else if entry, ok := ch.unacked[tag]; ok {
		removed = append(removed, entry)
		ch.dropUnackedLocked(tag, entry)
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i].DeliveryTag < removed[j].DeliveryTag })
	return removed
}

func (ch *Channel) removeAllUnacked() []*unackedMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	removed := make([]*unackedMessage, 0, len(ch.unacked))
	for t, entry := range ch.unacked {
		removed = append(removed, entry)
		ch.dropUnackedLocked(t, entry)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].DeliveryTag < removed[j].DeliveryTag })
	return removed
}

func (ch *Channel) dropUnackedLocked(tag uint64, entry *unackedMessage) {
	delete(ch.unacked, tag)
	if entry.ConsumerTag != "" {
		if ch.unackedByTag[entry.ConsumerTag] > 1 {
			ch.unackedByTag[entry.ConsumerTag]--
		} else {
			delete(ch.unackedByTag, entry.ConsumerTag)
		}
	}
}

// requeueEntries puts removed unacked messages back at the head of their
// origin queues with the redelivered flag set. Prepending in descending
// tag order restores the original relative order at the head.
func (ch *Channel) requeueEntries(entries []*unackedMessage) {
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		q, ok := ch.broker.topology.getQueue(entry.QueueName)
		if !ok {
			ch.broker.Warn("Requeue target queue '%s' is gone, message dropped", entry.QueueName)
			continue
		}
		entry.Message.Redelivered = true
		q.requeueFront(entry.Message)
	}
}

// notifyQueuesOf wakes the queues whose delivery capacity may have been
// freed by removing the given unacked entries.
func (ch *Channel) notifyQueuesOf(entries []*unackedMessage) {
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if seen[entry.QueueName] {
			continue
		}
		seen[entry.QueueName] = true
		if q, ok := ch.broker.topology.getQueue(entry.QueueName); ok {
			q.notify()
		}
	}
}

func (ch *Channel) consumerQueuesLocked() []*queue {
	seen := make(map[*queue]bool)
	var queues []*queue
	for _, c := range ch.consumers {
		if c.queue != nil && !seen[c.queue] {
			seen[c.queue] = true
			queues = append(queues, c.queue)
		}
	}
	return queues
}

// Close shuts the channel down: waits for outstanding confirms (timeouts
// are logged and swallowed) and cancels consumers. Deliveries still unacked
// at close are discarded with the channel, not redelivered; callers that
// want them back must Recover before closing. Closing an already-closed
// channel is a no-op.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.state != channelStateOpen {
		ch.mu.Unlock()
		return nil
	}
	waitConfirms := ch.confirmMode && len(ch.pending) > 0
	ch.state = channelStateClosing
	ch.mu.Unlock()

	if waitConfirms {
		if err := ch.WaitForConfirms(); err != nil {
			ch.broker.Warn("Channel %d closed with unresolved confirms: %v", ch.id, err)
			ch.broker.emit(Event{Type: EventConnectionError, ChannelId: ch.id, Err: err})
		}
	}

	ch.mu.Lock()
	consumers := make([]*consumer, 0, len(ch.consumers))
	for _, c := range ch.consumers {
		consumers = append(consumers, c)
	}
	ch.consumers = make(map[string]*consumer)

	discarded := len(ch.unacked)
	ch.unacked = make(map[uint64]*unackedMessage)
	ch.unackedByTag = make(map[string]int)
	ch.state = channelStateClosed
	ch.mu.Unlock()

	for _, c := range consumers {
		if c.queue != nil {
			c.queue.removeConsumer(c.Tag)
			ch.broker.topology.maybeAutoDeleteQueue(c.queue.Name)
		}
	}

	if discarded > 0 {
		ch.broker.Debug("Channel %d closed with %d unacked deliveries discarded", ch.id, discarded)
	}

	ch.conn.removeChannel(ch.id)
	ch.broker.emit(Event{Type: EventChannelClose, ChannelId: ch.id})
	ch.broker.Debug("Channel %d closed", ch.id)
	return nil
}
