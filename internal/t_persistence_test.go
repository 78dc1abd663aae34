package internal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embermq/embermq/config"
	"github.com/embermq/embermq/mqerror"
	"github.com/embermq/embermq/storage"
)

func buntDBBroker(t *testing.T, path string) *Broker {
	t.Helper()
	return newTestBroker(WithStorageConfig(config.StorageConfig{
		Type:   config.StorageTypeBuntDB,
		BuntDB: &config.BuntDBConfig{Path: path},
	}))
}

func TestDurableTopologySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.db")

	b1 := buntDBBroker(t, path)
	topo := b1.topology
	require.NoError(t, topo.DeclareExchange("events", ExchangeTopic, ExchangeOptions{Durable: true}))
	_, err := topo.DeclareQueue("audit", QueueOptions{Durable: true}, nil)
	require.NoError(t, err)
	require.NoError(t, topo.BindQueue("audit", "events", "audit.#", nil))
	require.NoError(t, b1.Shutdown(testContext(t)))

	b2 := buntDBBroker(t, path)
	defer b2.Shutdown(testContext(t))

	require.NoError(t, b2.topology.CheckExchange("events"))
	info, err := b2.topology.CheckQueue("audit")
	require.NoError(t, err)
	assert.Equal(t, "audit", info.Name)

	queues, err := b2.topology.route("events", "audit.login")
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, queues)
}

func TestTransientTopologyNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.db")

	b1 := buntDBBroker(t, path)
	conn, err := b1.Connect()
	require.NoError(t, err)
	ch, err := conn.CreateChannel()
	require.NoError(t, err)

	require.NoError(t, ch.DeclareExchange("transient", ExchangeDirect, ExchangeOptions{}))
	_, err = ch.DeclareQueue("scratch", QueueOptions{})
	require.NoError(t, err)
	// Exclusive queues are never persisted, durable or not.
	_, err = ch.DeclareQueue("mine", QueueOptions{Durable: true, Exclusive: true})
	require.NoError(t, err)
	require.NoError(t, b1.Shutdown(testContext(t)))

	b2 := buntDBBroker(t, path)
	defer b2.Shutdown(testContext(t))

	assert.ErrorIs(t, b2.topology.CheckExchange("transient"), mqerror.NotFound)
	_, err = b2.topology.CheckQueue("scratch")
	assert.ErrorIs(t, err, mqerror.NotFound)
	_, err = b2.topology.CheckQueue("mine")
	assert.ErrorIs(t, err, mqerror.NotFound)
}

func TestDeletedTopologyRemovedFromStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.db")

	b1 := buntDBBroker(t, path)
	topo := b1.topology
	require.NoError(t, topo.DeclareExchange("ex", ExchangeDirect, ExchangeOptions{Durable: true}))
	_, err := topo.DeclareQueue("q", QueueOptions{Durable: true}, nil)
	require.NoError(t, err)
	require.NoError(t, topo.BindQueue("q", "ex", "k", nil))

	_, err = topo.DeleteQueue("q", false, false, nil)
	require.NoError(t, err)
	require.NoError(t, topo.DeleteExchange("ex", false))
	require.NoError(t, b1.Shutdown(testContext(t)))

	b2 := buntDBBroker(t, path)
	defer b2.Shutdown(testContext(t))

	assert.ErrorIs(t, b2.topology.CheckExchange("ex"), mqerror.NotFound)
	_, err = b2.topology.CheckQueue("q")
	assert.ErrorIs(t, err, mqerror.NotFound)
}

func TestCustomStorageProvider(t *testing.T) {
	provider := storage.NewBuntDBProvider("")
	require.NoError(t, provider.Initialize())

	b := newTestBroker(WithStorageProvider(provider))
	_, err := b.topology.DeclareQueue("durable", QueueOptions{Durable: true}, nil)
	require.NoError(t, err)

	data, err := provider.Get(storage.KeyPrefixQueue + "durable")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name":"durable"`)

	require.NoError(t, b.Shutdown(testContext(t)))
}

func TestPreconfiguredTopology(t *testing.T) {
	b := newTestBroker(WithTopology(config.TopologyConfig{
		Exchanges: []config.ExchangeConfig{
			{Name: "tasks", Type: "direct"},
		},
		Queues: []config.QueueConfig{
			{Name: "work", Bindings: map[string]bool{"tasks:run": true}},
		},
	}))

	require.NoError(t, b.topology.CheckExchange("tasks"))
	_, err := b.topology.CheckQueue("work")
	require.NoError(t, err)

	queues, err := b.topology.route("tasks", "run")
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, queues)
}
