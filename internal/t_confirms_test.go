package internal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/embermq/embermq/mqerror"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(seq uint64, exchange, routingKey string) bool {
	args := m.Called(seq, exchange, routingKey)
	return args.Bool(0)
}

type resolverFunc func(seq uint64, exchange, routingKey string) bool

func (f resolverFunc) Resolve(seq uint64, exchange, routingKey string) bool {
	return f(seq, exchange, routingKey)
}

func confirmChannel(t *testing.T, b *Broker) *Channel {
	t.Helper()
	conn, err := b.Connect()
	require.NoError(t, err)
	ch, err := conn.CreateConfirmChannel()
	require.NoError(t, err)
	return ch
}

func TestConfirmSequenceStartsAtOne(t *testing.T) {
	b := newTestBroker()
	ch := confirmChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ch.NextPublishSeqNo())

	for want := uint64(1); want <= 3; want++ {
		seq, err := ch.PublishWithConfirm("", "q", []byte("m"), Properties{}, nil)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	assert.Equal(t, uint64(4), ch.NextPublishSeqNo())
}

func TestConfirmCallbackInvokedExactlyOnce(t *testing.T) {
	b := newTestBroker()
	ch := confirmChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)

	var calls int32
	var gotSeq uint64
	var gotAck bool
	done := make(chan struct{})
	seq, err := ch.PublishWithConfirm("", "q", []byte("m"), Properties{}, func(s uint64, ack bool) {
		if atomic.AddInt32(&calls, 1) == 1 {
			gotSeq, gotAck = s, ack
			close(done)
		}
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("confirm callback never invoked")
	}
	require.NoError(t, ch.WaitForConfirms())

	assert.Equal(t, seq, gotSeq)
	assert.True(t, gotAck)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, ch.PendingConfirmCount())
}

func TestPublishWithConfirmRequiresConfirmMode(t *testing.T) {
	b := newTestBroker()
	ch := testChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)

	_, err = ch.PublishWithConfirm("", "q", []byte("m"), Properties{}, nil)
	assert.ErrorIs(t, err, mqerror.ConfirmsNotEnabled)
	_, err = ch.SendToQueueWithConfirm("q", []byte("m"), Properties{}, nil)
	assert.ErrorIs(t, err, mqerror.ConfirmsNotEnabled)
}

func TestPlainPublishTrackedInConfirmMode(t *testing.T) {
	b := newTestBroker()
	ch := confirmChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)

	// Publishes without a callback still consume sequence numbers and are
	// covered by WaitForConfirms.
	_, err = ch.Publish("", "q", []byte("m"), Properties{})
	require.NoError(t, err)
	require.NoError(t, ch.WaitForConfirms())
	assert.Equal(t, uint64(2), ch.NextPublishSeqNo())
}

func TestResolverDecidesOutcome(t *testing.T) {
	resolver := &mockResolver{}
	resolver.On("Resolve", mock.Anything, "", "q").Return(false)

	b := newTestBroker(WithConfirmResolver(resolver))
	ch := confirmChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)

	acked := make(chan bool, 1)
	_, err = ch.PublishWithConfirm("", "q", []byte("m"), Properties{}, func(_ uint64, ack bool) {
		acked <- ack
	})
	require.NoError(t, err)

	select {
	case ack := <-acked:
		assert.False(t, ack)
	case <-time.After(2 * time.Second):
		t.Fatal("confirm callback never invoked")
	}
	resolver.AssertExpectations(t)
}

func TestWaitForConfirmsTimeout(t *testing.T) {
	block := make(chan struct{})
	resolver := resolverFunc(func(uint64, string, string) bool {
		<-block
		return true
	})
	b := newTestBroker(WithConfirmResolver(resolver))
	ch := confirmChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var outcomes []bool
	_, err = ch.PublishWithConfirm("", "q", []byte("m"), Properties{}, func(_ uint64, ack bool) {
		mu.Lock()
		outcomes = append(outcomes, ack)
		mu.Unlock()
	})
	require.NoError(t, err)

	err = ch.WaitForConfirmsTimeout(50 * time.Millisecond)
	assert.ErrorIs(t, err, mqerror.ConfirmTimeout)

	// The swept confirm failed its callback and its sequence number is
	// gone for good.
	mu.Lock()
	assert.Equal(t, []bool{false}, outcomes)
	mu.Unlock()
	assert.Equal(t, 0, ch.PendingConfirmCount())
	assert.Equal(t, uint64(2), ch.NextPublishSeqNo())

	// A late resolution after the sweep must not fire the callback again.
	close(block)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{false}, outcomes)
	mu.Unlock()
}

func TestUnresolvedConfirmsAtCloseEmitErrorEvent(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	resolver := resolverFunc(func(uint64, string, string) bool {
		<-block
		return true
	})

	errEvents := make(chan Event, 1)
	b := newTestBroker(
		WithConfirmResolver(resolver),
		WithConfirmTimeout(50*time.Millisecond),
		WithEventHandler(func(ev Event) {
			if ev.Type == EventConnectionError {
				errEvents <- ev
			}
		}),
	)
	ch := confirmChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)
	_, err = ch.PublishWithConfirm("", "q", []byte("m"), Properties{}, nil)
	require.NoError(t, err)

	// Close swallows the confirm timeout but reports it as an event.
	require.NoError(t, ch.Close())

	select {
	case ev := <-errEvents:
		assert.Equal(t, ch.Id(), ev.ChannelId)
		assert.ErrorIs(t, ev.Err, mqerror.ConfirmTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("connection error event never emitted")
	}
}

func TestCloseWaitsForOutstandingConfirms(t *testing.T) {
	release := make(chan struct{})
	resolver := resolverFunc(func(uint64, string, string) bool {
		<-release
		return true
	})
	b := newTestBroker(WithConfirmResolver(resolver))
	ch := confirmChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)

	confirmed := make(chan struct{})
	_, err = ch.PublishWithConfirm("", "q", []byte("m"), Properties{}, func(uint64, bool) {
		close(confirmed)
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, ch.Close())

	// Close returned only after the confirm resolved.
	select {
	case <-confirmed:
	case <-time.After(time.Second):
		t.Fatal("confirm was not resolved by close")
	}
	assert.Equal(t, 0, ch.PendingConfirmCount())
}
