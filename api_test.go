package embermq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embermq/embermq/config"
)

func quietBroker(t *testing.T, opts ...BrokerOption) *Broker {
	t.Helper()
	opts = append([]BrokerOption{
		WithLoggingConfig(config.LoggingConfig{DisableLogging: true}),
	}, opts...)
	b := NewBroker(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b
}

func TestTopicRoutingRoundTrip(t *testing.T) {
	b := quietBroker(t)

	conn, err := b.Connect()
	require.NoError(t, err)
	ch, err := conn.CreateChannel()
	require.NoError(t, err)

	require.NoError(t, ch.DeclareExchange("events", ExchangeTopic, ExchangeOptions{}))
	_, err = ch.DeclareQueue("inbox", QueueOptions{})
	require.NoError(t, err)
	require.NoError(t, ch.BindQueue("inbox", "events", "a.*"))

	_, err = ch.Publish("events", "a.b", []byte("matched"), Properties{})
	require.NoError(t, err)
	_, err = ch.Publish("events", "a.b.c", []byte("too deep"), Properties{})
	require.NoError(t, err)

	d, ok, err := ch.Get("inbox", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "matched", string(d.Body))
	assert.Equal(t, "events", d.Exchange)
	assert.Equal(t, "a.b", d.RoutingKey)

	// "a.*" does not reach three segments; the second publish was dropped.
	_, ok, err = ch.Get("inbox", true)
	require.NoError(t, err)
	assert.False(t, ok)

	// "a.#" does.
	require.NoError(t, ch.BindQueue("inbox", "events", "a.#"))
	_, err = ch.Publish("events", "a.b.c", []byte("deep"), Properties{})
	require.NoError(t, err)

	d, ok, err = ch.Get("inbox", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deep", string(d.Body))
}

func TestConsumeAndConfirmThroughFacade(t *testing.T) {
	b := quietBroker(t)

	conn, err := b.Connect()
	require.NoError(t, err)
	ch, err := conn.CreateConfirmChannel()
	require.NoError(t, err)

	_, err = ch.DeclareQueue("jobs", QueueOptions{})
	require.NoError(t, err)

	received := make(chan Delivery, 1)
	_, err = ch.Consume("jobs", func(d Delivery) {
		received <- d
	}, ConsumeOptions{})
	require.NoError(t, err)

	confirmed := make(chan uint64, 1)
	seq, err := ch.PublishWithConfirm("", "jobs", []byte("job-1"), Properties{}, func(s uint64, ack bool) {
		if ack {
			confirmed <- s
		}
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	select {
	case s := <-confirmed:
		assert.Equal(t, seq, s)
	case <-time.After(2 * time.Second):
		t.Fatal("publish was never confirmed")
	}
	require.NoError(t, ch.WaitForConfirms())

	select {
	case d := <-received:
		assert.Equal(t, "job-1", string(d.Body))
		require.NoError(t, d.Ack())
	case <-time.After(2 * time.Second):
		t.Fatal("message was never delivered")
	}
}

func TestHeartbeatEvents(t *testing.T) {
	var beats int32
	b := quietBroker(t,
		WithHeartbeatInterval(10*time.Millisecond),
		WithEventHandler(func(ev Event) {
			if ev.Type == EventConnectionHeartbeat {
				atomic.AddInt32(&beats, 1)
			}
		}),
	)

	_, err := b.Connect()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&beats) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuntDBBackedBroker(t *testing.T) {
	path := t.TempDir() + "/broker.db"

	b := NewBroker(
		WithLoggingConfig(config.LoggingConfig{DisableLogging: true}),
		WithBuntDBStorage(path),
	)
	conn, err := b.Connect()
	require.NoError(t, err)
	ch, err := conn.CreateChannel()
	require.NoError(t, err)
	_, err = ch.DeclareQueue("persistent", QueueOptions{Durable: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	b2 := quietBroker(t, WithBuntDBStorage(path))
	conn2, err := b2.Connect()
	require.NoError(t, err)
	ch2, err := conn2.CreateChannel()
	require.NoError(t, err)
	info, err := ch2.CheckQueue("persistent")
	require.NoError(t, err)
	assert.Equal(t, "persistent", info.Name)
}
