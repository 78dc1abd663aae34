package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embermq/embermq/config"
	"github.com/embermq/embermq/mqerror"
)

func newTestBroker(opts ...BrokerOption) *Broker {
	opts = append([]BrokerOption{
		WithLoggingConfig(config.LoggingConfig{DisableLogging: true}),
	}, opts...)
	return NewBroker(opts...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern    string
		routingKey string
		want       bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.#", "a", true},
		{"a.#", "a.b", true},
		{"a.#", "a.b.c", true},
		{"#", "", true},
		{"#", "anything.at.all", true},
		{"*.b", "a.b", true},
		{"*.b", "b", false},
		{"a.*.c", "a.x.c", true},
		{"a.*.c", "a.x.y.c", false},
		{"a.#.c", "a.c", true},
		{"a.#.c", "a.x.y.c", true},
		{"#.c", "c", true},
		{"#.c", "a.b.c", true},
		{"", "", true},
		{"", "a", false},
	}

	for _, tc := range tests {
		got := topicMatch(tc.pattern, tc.routingKey)
		assert.Equal(t, tc.want, got, "pattern %q against key %q", tc.pattern, tc.routingKey)
	}
}

func TestRouteDirectExchange(t *testing.T) {
	b := newTestBroker()
	topo := b.topology

	_, err := topo.DeclareQueue("orders", QueueOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, topo.DeclareExchange("ex", ExchangeDirect, ExchangeOptions{}))
	require.NoError(t, topo.BindQueue("orders", "ex", "order.created", nil))

	queues, err := topo.route("ex", "order.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, queues)

	queues, err = topo.route("ex", "order.deleted")
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestRouteFanoutIgnoresRoutingKey(t *testing.T) {
	b := newTestBroker()
	topo := b.topology

	require.NoError(t, topo.DeclareExchange("fan", ExchangeFanout, ExchangeOptions{}))
	for _, name := range []string{"q1", "q2"} {
		_, err := topo.DeclareQueue(name, QueueOptions{}, nil)
		require.NoError(t, err)
		require.NoError(t, topo.BindQueue(name, "fan", "ignored", nil))
	}

	queues, err := topo.route("fan", "whatever")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"q1", "q2"}, queues)
}

func TestRouteDefaultExchange(t *testing.T) {
	b := newTestBroker()
	topo := b.topology

	_, err := topo.DeclareQueue("direct-target", QueueOptions{}, nil)
	require.NoError(t, err)

	queues, err := topo.route("", "direct-target")
	require.NoError(t, err)
	assert.Equal(t, []string{"direct-target"}, queues)

	// Default-exchange publishes to a nonexistent queue are unroutable,
	// not an error.
	queues, err = topo.route("", "no-such-queue")
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestRouteMissingExchange(t *testing.T) {
	b := newTestBroker()

	_, err := b.topology.route("ghost", "key")
	assert.ErrorIs(t, err, mqerror.NotFound)
}

func TestRouteDeduplicatesQueues(t *testing.T) {
	b := newTestBroker()
	topo := b.topology

	require.NoError(t, topo.DeclareExchange("topics", ExchangeTopic, ExchangeOptions{}))
	_, err := topo.DeclareQueue("q", QueueOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, topo.BindQueue("q", "topics", "a.*", nil))
	require.NoError(t, topo.BindQueue("q", "topics", "a.#", nil))

	queues, err := topo.route("topics", "a.b")
	require.NoError(t, err)
	assert.Equal(t, []string{"q"}, queues)
}

func TestRouteExchangeToExchange(t *testing.T) {
	b := newTestBroker()
	topo := b.topology

	require.NoError(t, topo.DeclareExchange("upstream", ExchangeTopic, ExchangeOptions{}))
	require.NoError(t, topo.DeclareExchange("downstream", ExchangeFanout, ExchangeOptions{}))
	_, err := topo.DeclareQueue("sink", QueueOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, topo.BindQueue("sink", "downstream", "", nil))
	require.NoError(t, topo.BindExchange("downstream", "upstream", "audit.#"))

	queues, err := topo.route("upstream", "audit.login")
	require.NoError(t, err)
	assert.Equal(t, []string{"sink"}, queues)

	queues, err = topo.route("upstream", "metrics.cpu")
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestRouteSurvivesBindingCycle(t *testing.T) {
	b := newTestBroker()
	topo := b.topology

	require.NoError(t, topo.DeclareExchange("e1", ExchangeFanout, ExchangeOptions{}))
	require.NoError(t, topo.DeclareExchange("e2", ExchangeFanout, ExchangeOptions{}))
	require.NoError(t, topo.BindExchange("e2", "e1", ""))
	require.NoError(t, topo.BindExchange("e1", "e2", ""))
	_, err := topo.DeclareQueue("q", QueueOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, topo.BindQueue("q", "e2", "", nil))

	queues, err := topo.route("e1", "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"q"}, queues)
}
