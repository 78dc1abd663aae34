package internal

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/embermq/embermq/logger"
	"github.com/embermq/embermq/mqerror"
)

const (
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
	ExchangeTopic  = "topic"
)

// exchange routes messages to queues and to other exchanges.
type exchange struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       map[string]interface{}

	mu               sync.RWMutex
	Bindings         map[string][]string // routing pattern -> queue names
	ExchangeBindings map[string][]string // routing pattern -> destination exchange names
}

func newExchange(name, kind string, durable, autoDelete, internal bool, args map[string]interface{}) *exchange {
	return &exchange{
		Name:             name,
		Type:             kind,
		Durable:          durable,
		AutoDelete:       autoDelete,
		Internal:         internal,
		Args:             args,
		Bindings:         make(map[string][]string),
		ExchangeBindings: make(map[string][]string),
	}
}

func (e *exchange) bindQueue(pattern, queueName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.Bindings[pattern] {
		if name == queueName {
			return false
		}
	}
	e.Bindings[pattern] = append(e.Bindings[pattern], queueName)
	return true
}

func (e *exchange) unbindQueue(pattern, queueName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := e.Bindings[pattern]
	for i, name := range names {
		if name == queueName {
			names = append(names[:i], names[i+1:]...)
			if len(names) == 0 {
				delete(e.Bindings, pattern)
			} else {
				e.Bindings[pattern] = names
			}
			return true
		}
	}
	return false
}

func (e *exchange) bindExchange(pattern, destination string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.ExchangeBindings[pattern] {
		if name == destination {
			return false
		}
	}
	e.ExchangeBindings[pattern] = append(e.ExchangeBindings[pattern], destination)
	return true
}

func (e *exchange) unbindExchange(pattern, destination string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := e.ExchangeBindings[pattern]
	for i, name := range names {
		if name == destination {
			names = append(names[:i], names[i+1:]...)
			if len(names) == 0 {
				delete(e.ExchangeBindings, pattern)
			} else {
				e.ExchangeBindings[pattern] = names
			}
			return true
		}
	}
	return false
}

func (e *exchange) bindingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, names := range e.Bindings {
		n += len(names)
	}
	for _, names := range e.ExchangeBindings {
		n += len(names)
	}
	return n
}

// QueueOptions controls queue declaration.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       map[string]interface{}
}

// ExchangeOptions controls exchange declaration.
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       map[string]interface{}
}

// QueueInfo reports a queue's state at declaration or check time.
type QueueInfo struct {
	Name          string
	MessageCount  int
	ConsumerCount int
}

// topology is the broker-global registry of exchanges, queues and bindings.
type topology struct {
	log     logger.Logger
	persist *persistenceManager

	mu        sync.RWMutex
	exchanges map[string]*exchange
	queues    map[string]*queue
}

func newTopology(log logger.Logger) *topology {
	t := &topology{
		log:       log,
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
	// Standard exchanges available without declaration. The nameless
	// default exchange routes by queue name.
	t.exchanges[""] = newExchange("", ExchangeDirect, true, false, false, nil)
	t.exchanges["amq.direct"] = newExchange("amq.direct", ExchangeDirect, true, false, false, nil)
	t.exchanges["amq.fanout"] = newExchange("amq.fanout", ExchangeFanout, true, false, false, nil)
	t.exchanges["amq.topic"] = newExchange("amq.topic", ExchangeTopic, true, false, false, nil)
	return t
}

func validExchangeType(kind string) bool {
	switch kind {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic:
		return true
	}
	return false
}

// checkQueueAccess enforces exclusive queue ownership for the given
// connection. A nil connection bypasses the check (broker-internal access).
func checkQueueAccess(q *queue, conn *Connection) error {
	if q.Exclusive && conn != nil && q.owner != nil && q.owner != conn {
		return mqerror.New(mqerror.ResourceLocked, "queue '%s' is exclusive to another connection", q.Name)
	}
	return nil
}

// DeclareQueue creates the queue if it does not exist, or verifies access to
// the existing one. An empty name asks the broker to generate one.
func (t *topology) DeclareQueue(name string, opts QueueOptions, conn *Connection) (QueueInfo, error) {
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	t.mu.Lock()
	if q, exists := t.queues[name]; exists {
		t.mu.Unlock()
		if err := checkQueueAccess(q, conn); err != nil {
			return QueueInfo{}, err
		}
		return QueueInfo{Name: name, MessageCount: q.messageCount(), ConsumerCount: q.consumerCount()}, nil
	}

	var owner *Connection
	if opts.Exclusive {
		owner = conn
	}
	q := newQueue(name, opts.Durable, opts.Exclusive, opts.AutoDelete, opts.Args, owner, t.log)
	t.queues[name] = q
	t.mu.Unlock()

	t.log.Info("Queue declared: '%s'", name)
	if t.persist != nil && opts.Durable && !opts.Exclusive {
		t.persist.SaveQueue(q)
	}
	return QueueInfo{Name: name}, nil
}

// CheckQueue is the passive form of DeclareQueue: it never creates anything.
func (t *topology) CheckQueue(name string) (QueueInfo, error) {
	q, ok := t.getQueue(name)
	if !ok {
		return QueueInfo{}, mqerror.New(mqerror.NotFound, "no queue '%s'", name)
	}
	return QueueInfo{Name: name, MessageCount: q.messageCount(), ConsumerCount: q.consumerCount()}, nil
}

// DeleteQueue removes a queue. ifUnused and ifEmpty make deletion
// conditional on having no consumers or no messages. Returns the number of
// messages discarded with the queue.
func (t *topology) DeleteQueue(name string, ifUnused, ifEmpty bool, conn *Connection) (int, error) {
	t.mu.Lock()
	q, ok := t.queues[name]
	if !ok {
		t.mu.Unlock()
		return 0, mqerror.New(mqerror.NotFound, "no queue '%s'", name)
	}
	if err := checkQueueAccess(q, conn); err != nil {
		t.mu.Unlock()
		return 0, err
	}
	if ifUnused && q.consumerCount() > 0 {
		t.mu.Unlock()
		return 0, mqerror.New(mqerror.PreconditionFailed, "queue '%s' in use", name)
	}
	if ifEmpty && q.messageCount() > 0 {
		t.mu.Unlock()
		return 0, mqerror.New(mqerror.PreconditionFailed, "queue '%s' not empty", name)
	}
	delete(t.queues, name)

	// Drop every binding that references the queue.
	q.mu.Lock()
	boundKeys := make([]string, 0, len(q.Bindings))
	for key := range q.Bindings {
		boundKeys = append(boundKeys, key)
	}
	q.mu.Unlock()
	for _, key := range boundKeys {
		exName, pattern := splitBindingKey(key)
		if ex, exists := t.exchanges[exName]; exists {
			ex.unbindQueue(pattern, name)
		}
	}
	t.mu.Unlock()

	purged := q.messageCount()
	stopped := q.markDeleted()
	for _, c := range stopped {
		c.channel.detachConsumer(c.Tag)
	}

	t.log.Info("Queue deleted: '%s' (%d messages discarded)", name, purged)
	if t.persist != nil && q.Durable && !q.Exclusive {
		t.persist.DeleteQueue(name)
		t.persist.DeleteQueueBindings(name)
	}
	return purged, nil
}

// PurgeQueue drops all ready messages from a queue.
func (t *topology) PurgeQueue(name string, conn *Connection) (int, error) {
	q, ok := t.getQueue(name)
	if !ok {
		return 0, mqerror.New(mqerror.NotFound, "no queue '%s'", name)
	}
	if err := checkQueueAccess(q, conn); err != nil {
		return 0, err
	}
	n := q.purge()
	t.log.Info("Queue purged: '%s' (%d messages)", name, n)
	return n, nil
}

// DeclareExchange creates an exchange, or verifies that an existing one has
// the same type.
func (t *topology) DeclareExchange(name, kind string, opts ExchangeOptions) error {
	if !validExchangeType(kind) {
		return mqerror.New(mqerror.NotImplemented, "unknown exchange type '%s'", kind)
	}

	t.mu.Lock()
	if ex, exists := t.exchanges[name]; exists {
		t.mu.Unlock()
		if ex.Type != kind {
			return mqerror.New(mqerror.PreconditionFailed,
				"exchange '%s' is of type '%s', requested '%s'", name, ex.Type, kind)
		}
		return nil
	}
	ex := newExchange(name, kind, opts.Durable, opts.AutoDelete, opts.Internal, opts.Args)
	t.exchanges[name] = ex
	t.mu.Unlock()

	t.log.Info("Exchange declared: '%s' (%s)", name, kind)
	if t.persist != nil && opts.Durable {
		t.persist.SaveExchange(ex)
	}
	return nil
}

// CheckExchange is the passive form of DeclareExchange.
func (t *topology) CheckExchange(name string) error {
	if _, ok := t.getExchange(name); !ok {
		return mqerror.New(mqerror.NotFound, "no exchange '%s'", name)
	}
	return nil
}

// DeleteExchange removes an exchange and every binding hanging off it.
func (t *topology) DeleteExchange(name string, ifUnused bool) error {
	if name == "" || isReservedExchange(name) {
		return mqerror.New(mqerror.AccessRefused, "exchange '%s' cannot be deleted", displayName(name))
	}

	t.mu.Lock()
	ex, ok := t.exchanges[name]
	if !ok {
		t.mu.Unlock()
		return mqerror.New(mqerror.NotFound, "no exchange '%s'", name)
	}
	if ifUnused && ex.bindingCount() > 0 {
		t.mu.Unlock()
		return mqerror.New(mqerror.PreconditionFailed, "exchange '%s' in use", name)
	}
	delete(t.exchanges, name)

	ex.mu.RLock()
	for pattern, queueNames := range ex.Bindings {
		for _, qName := range queueNames {
			if q, exists := t.queues[qName]; exists {
				q.mu.Lock()
				delete(q.Bindings, bindingKey(name, pattern))
				q.mu.Unlock()
			}
		}
	}
	ex.mu.RUnlock()
	t.mu.Unlock()

	t.log.Info("Exchange deleted: '%s'", name)
	if t.persist != nil && ex.Durable {
		t.persist.DeleteExchange(name)
		t.persist.DeleteExchangeBindings(name)
	}
	return nil
}

// BindQueue binds a queue to an exchange under a routing pattern. Binding
// is idempotent.
func (t *topology) BindQueue(queueName, exchangeName, pattern string, conn *Connection) error {
	if exchangeName == "" {
		return mqerror.New(mqerror.AccessRefused, "cannot bind to the default exchange")
	}

	t.mu.RLock()
	ex, exOk := t.exchanges[exchangeName]
	q, qOk := t.queues[queueName]
	t.mu.RUnlock()

	if !exOk {
		return mqerror.New(mqerror.NotFound, "no exchange '%s'", exchangeName)
	}
	if !qOk {
		return mqerror.New(mqerror.NotFound, "no queue '%s'", queueName)
	}
	if err := checkQueueAccess(q, conn); err != nil {
		return err
	}

	if !ex.bindQueue(pattern, queueName) {
		return nil // already bound
	}
	q.mu.Lock()
	q.Bindings[bindingKey(exchangeName, pattern)] = true
	q.mu.Unlock()

	t.log.Info("Queue '%s' bound to exchange '%s' with key '%s'", queueName, exchangeName, pattern)
	if t.persist != nil && q.Durable && ex.Durable && !q.Exclusive {
		t.persist.SaveBinding(exchangeName, queueName, pattern)
	}
	return nil
}

// UnbindQueue removes a queue binding. Removing a binding that does not
// exist is not an error.
func (t *topology) UnbindQueue(queueName, exchangeName, pattern string, conn *Connection) error {
	t.mu.RLock()
	ex, exOk := t.exchanges[exchangeName]
	q, qOk := t.queues[queueName]
	t.mu.RUnlock()

	if !exOk {
		return mqerror.New(mqerror.NotFound, "no exchange '%s'", exchangeName)
	}
	if !qOk {
		return mqerror.New(mqerror.NotFound, "no queue '%s'", queueName)
	}
	if err := checkQueueAccess(q, conn); err != nil {
		return err
	}

	if !ex.unbindQueue(pattern, queueName) {
		return nil
	}
	q.mu.Lock()
	delete(q.Bindings, bindingKey(exchangeName, pattern))
	q.mu.Unlock()

	if t.persist != nil && q.Durable && ex.Durable {
		t.persist.DeleteBinding(exchangeName, queueName, pattern)
	}
	t.maybeAutoDeleteExchange(ex)
	return nil
}

// BindExchange binds a source exchange to a destination exchange, so that
// messages routed by the source flow on to the destination.
func (t *topology) BindExchange(destination, source, pattern string) error {
	if source == "" || destination == "" {
		return mqerror.New(mqerror.AccessRefused, "cannot bind the default exchange")
	}

	t.mu.RLock()
	src, srcOk := t.exchanges[source]
	_, dstOk := t.exchanges[destination]
	t.mu.RUnlock()

	if !srcOk {
		return mqerror.New(mqerror.NotFound, "no exchange '%s'", source)
	}
	if !dstOk {
		return mqerror.New(mqerror.NotFound, "no exchange '%s'", destination)
	}

	if src.bindExchange(pattern, destination) {
		t.log.Info("Exchange '%s' bound to exchange '%s' with key '%s'", destination, source, pattern)
	}
	return nil
}

// UnbindExchange removes an exchange-to-exchange binding.
func (t *topology) UnbindExchange(destination, source, pattern string) error {
	t.mu.RLock()
	src, srcOk := t.exchanges[source]
	_, dstOk := t.exchanges[destination]
	t.mu.RUnlock()

	if !srcOk {
		return mqerror.New(mqerror.NotFound, "no exchange '%s'", source)
	}
	if !dstOk {
		return mqerror.New(mqerror.NotFound, "no exchange '%s'", destination)
	}

	if src.unbindExchange(pattern, destination) {
		t.maybeAutoDeleteExchange(src)
	}
	return nil
}

// maybeAutoDeleteExchange removes an auto-delete exchange once its last
// binding is gone.
func (t *topology) maybeAutoDeleteExchange(ex *exchange) {
	if !ex.AutoDelete || ex.bindingCount() > 0 {
		return
	}
	t.mu.Lock()
	if current, ok := t.exchanges[ex.Name]; ok && current == ex && ex.bindingCount() == 0 {
		delete(t.exchanges, ex.Name)
		t.log.Info("Auto-delete exchange removed: '%s'", ex.Name)
	}
	t.mu.Unlock()
	if t.persist != nil && ex.Durable {
		t.persist.DeleteExchange(ex.Name)
	}
}

// maybeAutoDeleteQueue removes an auto-delete queue once its last consumer
// is cancelled.
func (t *topology) maybeAutoDeleteQueue(name string) {
	q, ok := t.getQueue(name)
	if !ok || !q.AutoDelete || q.consumerCount() > 0 {
		return
	}
	if _, err := t.DeleteQueue(name, false, false, nil); err != nil {
		t.log.Warn("Auto-delete of queue '%s' failed: %v", name, err)
	}
}

// deleteQueuesOwnedBy removes every exclusive queue owned by the given
// connection. Called as part of connection teardown.
func (t *topology) deleteQueuesOwnedBy(conn *Connection) {
	t.mu.RLock()
	var owned []string
	for name, q := range t.queues {
		if q.Exclusive && q.owner == conn {
			owned = append(owned, name)
		}
	}
	t.mu.RUnlock()

	for _, name := range owned {
		if _, err := t.DeleteQueue(name, false, false, conn); err != nil {
			t.log.Warn("Cleanup of exclusive queue '%s' failed: %v", name, err)
		}
	}
}

func (t *topology) getQueue(name string) (*queue, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.queues[name]
	return q, ok
}

func (t *topology) getExchange(name string) (*exchange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ex, ok := t.exchanges[name]
	return ex, ok
}

func isReservedExchange(name string) bool {
	switch name {
	case "amq.direct", "amq.fanout", "amq.topic":
		return true
	}
	return false
}

func displayName(name string) string {
	if name == "" {
		return "(default)"
	}
	return name
}

func bindingKey(exchangeName, pattern string) string {
	return fmt.Sprintf("%s:%s", exchangeName, pattern)
}

func splitBindingKey(key string) (exchangeName, pattern string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
