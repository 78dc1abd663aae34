package internal

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/embermq/embermq/config"
	"github.com/embermq/embermq/logger"
	"github.com/embermq/embermq/storage"
)

const defaultConfirmTimeout = 30 * time.Second

// Broker is the top-level object: it owns the topology, hands out
// connections, and carries the ambient configuration (logging, storage,
// confirm behavior) shared by everything below it.
type Broker struct {
	topology       *topology
	internalLogger *log.Logger
	customLogger   logger.Logger

	mu          sync.RWMutex
	connections map[*Connection]struct{}
	shutdown    bool

	persistenceManager *persistenceManager
	storageConfig      *config.StorageConfig
	topologyConfig     *config.TopologyConfig

	resolver          ConfirmResolver
	confirmTimeout    time.Duration
	heartbeatInterval time.Duration
	heartbeatLogging  bool
	eventHandler      EventHandler
}

// BrokerOption configures a Broker at construction time.
type BrokerOption func(*Broker)

// WithLoggingConfig applies a logging configuration.
func WithLoggingConfig(cfg config.LoggingConfig) BrokerOption {
	return func(b *Broker) {
		if cfg.DisableLogging {
			b.customLogger = &logger.NilLogger{}
		} else if cfg.CustomLogger != nil {
			b.customLogger = cfg.CustomLogger
		}
		b.heartbeatLogging = cfg.HeartbeatLogging
	}
}

// WithLogger routes all broker logging through a custom logger.
func WithLogger(l logger.Logger) BrokerOption {
	return func(b *Broker) {
		if l != nil {
			b.customLogger = l
		}
	}
}

// WithTopology declares exchanges, queues and bindings at startup.
func WithTopology(cfg config.TopologyConfig) BrokerOption {
	return func(b *Broker) {
		b.topologyConfig = &cfg
	}
}

// WithStorageConfig enables durable-topology persistence backed by the
// configured storage type.
func WithStorageConfig(cfg config.StorageConfig) BrokerOption {
	return func(b *Broker) {
		b.storageConfig = &cfg
	}
}

// WithStorageProvider enables durable-topology persistence on a custom
// storage provider. The provider must already be initialized.
func WithStorageProvider(provider storage.StorageProvider) BrokerOption {
	return func(b *Broker) {
		if provider != nil {
			b.persistenceManager = newPersistenceManager(provider, b)
		}
	}
}

// WithConfirmResolver overrides how publisher confirms are resolved.
func WithConfirmResolver(r ConfirmResolver) BrokerOption {
	return func(b *Broker) {
		if r != nil {
			b.resolver = r
		}
	}
}

// WithConfirmTimeout overrides the default 30s publisher-confirm timeout.
func WithConfirmTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.confirmTimeout = d
		}
	}
}

// WithHeartbeatInterval enables heartbeat events on every connection.
func WithHeartbeatInterval(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.heartbeatInterval = d
	}
}

// WithEventHandler registers a handler for broker lifecycle events.
func WithEventHandler(h EventHandler) BrokerOption {
	return func(b *Broker) {
		b.eventHandler = h
	}
}

// NewBroker builds a broker, recovers any persisted durable topology, and
// applies the preconfigured topology.
func NewBroker(opts ...BrokerOption) *Broker {
	var logPrefix string
	if IsTerminal {
		logPrefix = fmt.Sprintf("%s[EmberMQ]%s ", colorBlue, colorReset)
	} else {
		logPrefix = "[EmberMQ] "
	}

	b := &Broker{
		internalLogger: log.New(os.Stdout, logPrefix, log.LstdFlags|log.Lmicroseconds),
		connections:    make(map[*Connection]struct{}),
		resolver:       alwaysConfirm{},
		confirmTimeout: defaultConfirmTimeout,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.topology = newTopology(b.Logger())

	if b.persistenceManager == nil && b.storageConfig != nil {
		b.initStorage()
	}
	if b.persistenceManager != nil {
		b.topology.persist = b.persistenceManager
		b.recoverPersistedTopology()
	}
	if b.topologyConfig != nil {
		b.applyTopologyConfig(*b.topologyConfig)
	}

	return b
}

func (b *Broker) initStorage() {
	cfg := *b.storageConfig
	if err := cfg.Validate(); err != nil {
		b.Err("Invalid storage config, persistence disabled: %v", err)
		return
	}
	if cfg.Type == config.StorageTypeNone {
		return
	}

	var path string
	if cfg.Type == config.StorageTypeBuntDB && cfg.BuntDB != nil {
		path = cfg.BuntDB.Path
	}
	provider := storage.NewBuntDBProvider(path)
	if err := provider.Initialize(); err != nil {
		b.Err("Storage initialization failed, persistence disabled: %v", err)
		return
	}
	b.persistenceManager = newPersistenceManager(provider, b)
}

// recoverPersistedTopology re-declares durable exchanges, queues and
// bindings found in storage.
func (b *Broker) recoverPersistedTopology() {
	exchanges, queues, bindings, err := b.persistenceManager.LoadTopology()
	if err != nil {
		b.Err("Topology recovery failed: %v", err)
		return
	}

	for _, rec := range exchanges {
		if err := b.topology.DeclareExchange(rec.Name, rec.Type, ExchangeOptions{
			Durable:    true,
			AutoDelete: rec.AutoDelete,
			Internal:   rec.Internal,
		}); err != nil {
			b.Warn("Recovered exchange '%s' not declared: %v", rec.Name, err)
		}
	}
	for _, rec := range queues {
		if _, err := b.topology.DeclareQueue(rec.Name, QueueOptions{
			Durable:    true,
			AutoDelete: rec.AutoDelete,
		}, nil); err != nil {
			b.Warn("Recovered queue '%s' not declared: %v", rec.Name, err)
		}
	}
	for _, rec := range bindings {
		if err := b.topology.BindQueue(rec.Queue, rec.Exchange, rec.RoutingKey, nil); err != nil {
			b.Warn("Recovered binding %s -> %s not applied: %v", rec.Exchange, rec.Queue, err)
		}
	}

	if len(exchanges) > 0 || len(queues) > 0 || len(bindings) > 0 {
		b.Info("Recovered topology: %d exchanges, %d queues, %d bindings",
			len(exchanges), len(queues), len(bindings))
	}
}

func (b *Broker) applyTopologyConfig(cfg config.TopologyConfig) {
	for _, ex := range cfg.Exchanges {
		if err := b.topology.DeclareExchange(ex.Name, ex.Type, ExchangeOptions{
			Durable:    ex.Durable,
			AutoDelete: ex.AutoDelete,
			Internal:   ex.Internal,
		}); err != nil {
			b.Err("Preconfigured exchange '%s' not declared: %v", ex.Name, err)
		}
	}
	for _, q := range cfg.Queues {
		if _, err := b.topology.DeclareQueue(q.Name, QueueOptions{
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
		}, nil); err != nil {
			b.Err("Preconfigured queue '%s' not declared: %v", q.Name, err)
			continue
		}
		for key := range q.Bindings {
			exName, pattern := splitBindingKey(key)
			if err := b.topology.BindQueue(q.Name, exName, pattern, nil); err != nil {
				b.Err("Preconfigured binding %s -> %s not applied: %v", exName, q.Name, err)
			}
		}
	}
}

// NewConnection creates a connection in the disconnected state; call
// Connect on it to use it.
func (b *Broker) NewConnection() *Connection {
	return &Connection{
		broker:   b,
		channels: make(map[uint16]*Channel),
	}
}

// Connect creates a connection and opens it in one step.
func (b *Broker) Connect() (*Connection, error) {
	conn := b.NewConnection()
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	return conn, nil
}

func (b *Broker) isShutdown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shutdown
}

func (b *Broker) addConnection(c *Connection) {
	b.mu.Lock()
	b.connections[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) removeConnection(c *Connection) {
	b.mu.Lock()
	delete(b.connections, c)
	b.mu.Unlock()
}

// ConnectionCount returns the number of open connections.
func (b *Broker) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

// Shutdown closes every connection and releases storage. It honors the
// context deadline: connections still closing when the context expires are
// abandoned and the context error is returned.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true
	conns := make([]*Connection, 0, len(b.connections))
	for c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.Info("Broker shutting down, %d connections open", len(conns))
	b.emit(Event{Type: EventBrokerShutdown})

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *Connection) {
				defer wg.Done()
				if err := c.Close(); err != nil {
					b.Err("Error closing connection: %v", err)
				}
			}(c)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.Warn("Shutdown interrupted: %v", ctx.Err())
		return ctx.Err()
	}

	if b.persistenceManager != nil {
		if err := b.persistenceManager.Close(); err != nil {
			b.Err("Error closing storage: %v", err)
		}
	}
	b.Info("Broker shutdown complete")
	return nil
}
