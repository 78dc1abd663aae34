package internal

import "time"

// Properties carries the application-visible message metadata. All fields
// are optional; the zero value is a valid set of properties.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	DeliveryMode    uint8 // 1 = transient, 2 = persistent
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       uint64
	Type            string
	AppId           string
}

// message is the broker-side representation of a published message.
type message struct {
	Exchange    string
	RoutingKey  string
	Properties  Properties
	Body        []byte
	Redelivered bool
}

// deepCopy returns an independent copy of the message so each target queue
// owns its own instance. Fan-out to multiple queues must not share state:
// redelivery flags and header mutations on one queue's copy cannot be
// allowed to leak into another's.
func (m *message) deepCopy() *message {
	msgCopy := &message{
		Exchange:    m.Exchange,
		RoutingKey:  m.RoutingKey,
		Properties:  m.Properties,
		Redelivered: m.Redelivered,
	}

	if m.Body != nil {
		msgCopy.Body = make([]byte, len(m.Body))
		copy(msgCopy.Body, m.Body)
	}

	if m.Properties.Headers != nil {
		headers := make(map[string]interface{}, len(m.Properties.Headers))
		for k, v := range m.Properties.Headers {
			headers[k] = v
		}
		msgCopy.Properties.Headers = headers
	}

	return msgCopy
}

// unackedMessage tracks a delivered-but-not-acknowledged message on a channel.
type unackedMessage struct {
	Message     *message
	QueueName   string
	ConsumerTag string // empty for pull-mode (Get) deliveries
	DeliveryTag uint64
	Delivered   time.Time
}

// Delivery is a message as handed to a consumer or returned by Get.
type Delivery struct {
	Body         []byte
	Exchange     string
	RoutingKey   string
	DeliveryTag  uint64
	Redelivered  bool
	ConsumerTag  string
	MessageCount int // remaining messages in the queue, Get only
	Properties   Properties

	channel *Channel
}

// Ack acknowledges this delivery on the channel it arrived on.
func (d Delivery) Ack() error {
	if d.channel == nil {
		return nil
	}
	return d.channel.Ack(d.DeliveryTag, false)
}

// Nack negatively acknowledges this delivery, optionally requeueing it.
func (d Delivery) Nack(requeue bool) error {
	if d.channel == nil {
		return nil
	}
	return d.channel.Nack(d.DeliveryTag, false, requeue)
}

// Reject is the single-message form of Nack.
func (d Delivery) Reject(requeue bool) error {
	if d.channel == nil {
		return nil
	}
	return d.channel.Reject(d.DeliveryTag, requeue)
}
