package internal

import (
	"encoding/json"
	"fmt"

	"github.com/embermq/embermq/storage"
)

// ExchangeRecord is the persisted form of a durable exchange.
type ExchangeRecord struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	AutoDelete bool   `json:"auto_delete,omitempty"`
	Internal   bool   `json:"internal,omitempty"`
}

// QueueRecord is the persisted form of a durable queue. Exclusive queues
// are never persisted; message contents are not persisted either, only the
// topology.
type QueueRecord struct {
	Name       string `json:"name"`
	AutoDelete bool   `json:"auto_delete,omitempty"`
}

// BindingRecord is the persisted form of a binding between a durable
// exchange and a durable queue.
type BindingRecord struct {
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key"`
}

func exchangeKey(name string) string {
	return storage.KeyPrefixExchange + name
}

func queueKey(name string) string {
	return storage.KeyPrefixQueue + name
}

func bindingStorageKey(exchangeName, queueName, routingKey string) string {
	return fmt.Sprintf("%s%s:%s:%s", storage.KeyPrefixBinding, exchangeName, queueName, routingKey)
}

// persistenceManager writes durable topology through a storage provider.
// Persistence failures are logged, never propagated: a broker with a sick
// disk keeps serving in-memory traffic.
type persistenceManager struct {
	provider storage.StorageProvider
	broker   *Broker
}

func newPersistenceManager(provider storage.StorageProvider, b *Broker) *persistenceManager {
	return &persistenceManager{provider: provider, broker: b}
}

func (p *persistenceManager) Close() error {
	return p.provider.Close()
}

func (p *persistenceManager) SaveExchange(ex *exchange) {
	rec := ExchangeRecord{Name: ex.Name, Type: ex.Type, AutoDelete: ex.AutoDelete, Internal: ex.Internal}
	data, err := json.Marshal(rec)
	if err != nil {
		p.broker.Err("Failed to encode exchange '%s': %v", ex.Name, err)
		return
	}
	if err := p.provider.Set(exchangeKey(ex.Name), data); err != nil {
		p.broker.Err("Failed to persist exchange '%s': %v", ex.Name, err)
	}
}

func (p *persistenceManager) DeleteExchange(name string) {
	if err := p.provider.Delete(exchangeKey(name)); err != nil && err != storage.ErrKeyNotFound {
		p.broker.Err("Failed to remove persisted exchange '%s': %v", name, err)
	}
}

func (p *persistenceManager) SaveQueue(q *queue) {
	rec := QueueRecord{Name: q.Name, AutoDelete: q.AutoDelete}
	data, err := json.Marshal(rec)
	if err != nil {
		p.broker.Err("Failed to encode queue '%s': %v", q.Name, err)
		return
	}
	if err := p.provider.Set(queueKey(q.Name), data); err != nil {
		p.broker.Err("Failed to persist queue '%s': %v", q.Name, err)
	}
}

func (p *persistenceManager) DeleteQueue(name string) {
	if err := p.provider.Delete(queueKey(name)); err != nil && err != storage.ErrKeyNotFound {
		p.broker.Err("Failed to remove persisted queue '%s': %v", name, err)
	}
}

func (p *persistenceManager) SaveBinding(exchangeName, queueName, routingKey string) {
	rec := BindingRecord{Exchange: exchangeName, Queue: queueName, RoutingKey: routingKey}
	data, err := json.Marshal(rec)
	if err != nil {
		p.broker.Err("Failed to encode binding %s -> %s: %v", exchangeName, queueName, err)
		return
	}
	if err := p.provider.Set(bindingStorageKey(exchangeName, queueName, routingKey), data); err != nil {
		p.broker.Err("Failed to persist binding %s -> %s: %v", exchangeName, queueName, err)
	}
}

func (p *persistenceManager) DeleteBinding(exchangeName, queueName, routingKey string) {
	key := bindingStorageKey(exchangeName, queueName, routingKey)
	if err := p.provider.Delete(key); err != nil && err != storage.ErrKeyNotFound {
		p.broker.Err("Failed to remove persisted binding %s -> %s: %v", exchangeName, queueName, err)
	}
}

// DeleteQueueBindings drops every persisted binding that targets the queue.
func (p *persistenceManager) DeleteQueueBindings(queueName string) {
	p.deleteBindingsMatching(func(rec BindingRecord) bool { return rec.Queue == queueName })
}

// DeleteExchangeBindings drops every persisted binding from the exchange.
func (p *persistenceManager) DeleteExchangeBindings(exchangeName string) {
	p.deleteBindingsMatching(func(rec BindingRecord) bool { return rec.Exchange == exchangeName })
}

func (p *persistenceManager) deleteBindingsMatching(match func(BindingRecord) bool) {
	var stale []string
	err := p.provider.Scan(storage.KeyPrefixBinding, func(key string, value []byte) error {
		var rec BindingRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // skip corrupt record, reported at load time
		}
		if match(rec) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		p.broker.Err("Failed to scan persisted bindings: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	if err := p.provider.DeleteBatch(stale); err != nil {
		p.broker.Err("Failed to remove %d persisted bindings: %v", len(stale), err)
	}
}

// LoadTopology reads every persisted record. Corrupt records are logged
// and skipped rather than failing the whole recovery.
func (p *persistenceManager) LoadTopology() ([]ExchangeRecord, []QueueRecord, []BindingRecord, error) {
	var exchanges []ExchangeRecord
	err := p.provider.Scan(storage.KeyPrefixExchange, func(key string, value []byte) error {
		var rec ExchangeRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			p.broker.Warn("Skipping corrupt exchange record '%s': %v", key, err)
			return nil
		}
		exchanges = append(exchanges, rec)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var queues []QueueRecord
	err = p.provider.Scan(storage.KeyPrefixQueue, func(key string, value []byte) error {
		var rec QueueRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			p.broker.Warn("Skipping corrupt queue record '%s': %v", key, err)
			return nil
		}
		queues = append(queues, rec)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var bindings []BindingRecord
	err = p.provider.Scan(storage.KeyPrefixBinding, func(key string, value []byte) error {
		var rec BindingRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			p.broker.Warn("Skipping corrupt binding record '%s': %v", key, err)
			return nil
		}
		bindings = append(bindings, rec)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	return exchanges, queues, bindings, nil
}
