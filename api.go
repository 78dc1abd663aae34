// Package embermq provides the public API for creating and managing an
// EmberMQ broker. It offers a simple and configurable way to embed an
// AMQP-style message broker into any Go application: no sockets, no wire
// protocol, just connections, channels, exchanges and queues running
// in-process.
package embermq

import (
	"context"
	"time"

	"github.com/embermq/embermq/config"
	"github.com/embermq/embermq/internal"
	"github.com/embermq/embermq/logger"
	"github.com/embermq/embermq/storage"
)

// Re-exported domain types. The internal package holds the implementation;
// these aliases are the supported public surface.
type (
	// Connection groups channels and owns exclusive queues.
	Connection = internal.Connection
	// Channel is the unit of message-flow state: delivery tags, prefetch,
	// consumers and publisher confirms.
	Channel = internal.Channel
	// Delivery is a message as handed to a consumer or returned by Get.
	Delivery = internal.Delivery
	// Properties carries optional message metadata.
	Properties = internal.Properties
	// QueueOptions controls queue declaration.
	QueueOptions = internal.QueueOptions
	// ExchangeOptions controls exchange declaration.
	ExchangeOptions = internal.ExchangeOptions
	// ConsumeOptions controls consumer registration.
	ConsumeOptions = internal.ConsumeOptions
	// QueueInfo reports a queue's state at declaration or check time.
	QueueInfo = internal.QueueInfo
	// Event describes a broker lifecycle occurrence.
	Event = internal.Event
	// EventType identifies a lifecycle event.
	EventType = internal.EventType
	// EventHandler receives broker lifecycle events.
	EventHandler = internal.EventHandler
	// ConfirmCallback receives the outcome of a single confirmed publish.
	ConfirmCallback = internal.ConfirmCallback
	// ConfirmResolver decides the outcome of publisher confirms.
	ConfirmResolver = internal.ConfirmResolver
)

// Supported exchange types.
const (
	ExchangeDirect = internal.ExchangeDirect
	ExchangeFanout = internal.ExchangeFanout
	ExchangeTopic  = internal.ExchangeTopic
)

// Lifecycle event types.
const (
	EventConnectionOpen      = internal.EventConnectionOpen
	EventConnectionClose     = internal.EventConnectionClose
	EventConnectionError     = internal.EventConnectionError
	EventConnectionHeartbeat = internal.EventConnectionHeartbeat
	EventChannelOpen         = internal.EventChannelOpen
	EventChannelClose        = internal.EventChannelClose
	EventBrokerShutdown      = internal.EventBrokerShutdown
)

// Broker represents an EmberMQ broker instance.
// It wraps the internal broker implementation to provide a clean public API.
type Broker struct {
	b *internal.Broker
}

// BrokerOption is a function that configures a Broker during initialization.
// Use the provided With* functions to create BrokerOptions.
type BrokerOption func(*brokerOptions)

// brokerOptions holds the configuration that will be passed to the internal broker
type brokerOptions struct {
	internalOpts []internal.BrokerOption
}

// NewBroker creates a new EmberMQ broker with the provided options. The
// broker is ready immediately; call Connect to start using it.
func NewBroker(opts ...BrokerOption) *Broker {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return &Broker{b: internal.NewBroker(options.internalOpts...)}
}

// Connect opens a new connection to the broker.
func (b *Broker) Connect() (*Connection, error) {
	return b.b.Connect()
}

// NewConnection creates a connection in the disconnected state; call
// Connect on it when ready.
func (b *Broker) NewConnection() *Connection {
	return b.b.NewConnection()
}

// ConnectionCount returns the number of open connections.
func (b *Broker) ConnectionCount() int {
	return b.b.ConnectionCount()
}

// Shutdown gracefully stops the broker: every open connection is closed,
// which requeues unacked messages and releases exclusive queues, and the
// storage backend is shut down. The provided context bounds how long the
// shutdown may take.
func (b *Broker) Shutdown(ctx context.Context) error {
	return b.b.Shutdown(ctx)
}

// Logger returns the broker's configured logger instance, which conforms
// to the logger.Logger interface.
func (b *Broker) Logger() logger.Logger {
	return b.b.Logger()
}

// WithLogger sets a custom logger that implements the logger.Logger interface.
// If not used, a default logger that writes to stdout will be used.
func WithLogger(l logger.Logger) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithLoggingConfig(config.LoggingConfig{CustomLogger: l}))
	}
}

// WithLoggingConfig applies a full logging configuration, including
// heartbeat logging and the option to disable logging entirely.
func WithLoggingConfig(cfg config.LoggingConfig) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithLoggingConfig(cfg))
	}
}

// WithTopology configures the broker with predefined exchanges, queues and
// bindings. This is intended for initial setup; runtime management should
// be done through channel operations.
func WithTopology(cfg config.TopologyConfig) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithTopology(cfg))
	}
}

// WithStorage configures durable-topology persistence based on the
// provided StorageConfig.
func WithStorage(cfg config.StorageConfig) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorageConfig(cfg))
	}
}

// WithInMemoryStorage is a convenience option that configures in-memory storage,
// which is volatile and will be lost on broker shutdown.
func WithInMemoryStorage() BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorageConfig(config.StorageConfig{
			Type: config.StorageTypeMemory,
		}))
	}
}

// WithBuntDBStorage is a convenience option that configures persistent storage
// using BuntDB at the specified file path.
func WithBuntDBStorage(path string) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorageConfig(config.StorageConfig{
			Type: config.StorageTypeBuntDB,
			BuntDB: &config.BuntDBConfig{
				Path: path,
			},
		}))
	}
}

// WithNoStorage is a convenience option that explicitly disables persistence.
// This is the default behavior if no storage option is provided.
func WithNoStorage() BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorageConfig(config.StorageConfig{
			Type: config.StorageTypeNone,
		}))
	}
}

// WithStorageProvider allows for the injection of a custom storage implementation
// that conforms to the storage.StorageProvider interface.
func WithStorageProvider(provider storage.StorageProvider) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorageProvider(provider))
	}
}

// WithHeartbeatInterval enables periodic heartbeat events on every
// connection. Heartbeats are disabled when the interval is zero.
func WithHeartbeatInterval(interval time.Duration) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithHeartbeatInterval(interval))
	}
}

// WithConfirmTimeout overrides the default 30 second publisher-confirm
// timeout used by WaitForConfirms and channel close.
func WithConfirmTimeout(d time.Duration) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithConfirmTimeout(d))
	}
}

// WithConfirmResolver overrides how publisher confirms are resolved. The
// default resolver acknowledges every routed publish.
func WithConfirmResolver(r ConfirmResolver) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithConfirmResolver(r))
	}
}

// WithEventHandler registers a handler for broker lifecycle events such as
// connection open/close and heartbeats.
func WithEventHandler(h EventHandler) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithEventHandler(h))
	}
}
