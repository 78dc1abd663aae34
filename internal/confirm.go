package internal

import (
	"time"

	"github.com/embermq/embermq/mqerror"
)

// ConfirmCallback receives the outcome of a single publish: the confirm
// sequence number and whether the broker accepted the message.
type ConfirmCallback func(seq uint64, ack bool)

// ConfirmResolver decides the outcome of publisher confirms. The default
// resolver acknowledges every publish once the message has been routed;
// alternative resolvers can defer or fail confirms, which is mainly useful
// for exercising error paths in tests.
type ConfirmResolver interface {
	Resolve(seq uint64, exchange, routingKey string) bool
}

// alwaysConfirm is the default resolver: every routed publish is acked.
type alwaysConfirm struct{}

func (alwaysConfirm) Resolve(uint64, string, string) bool { return true }

// pendingConfirm is one in-flight publisher confirm.
type pendingConfirm struct {
	Seq        uint64
	Exchange   string
	RoutingKey string
	Callback   ConfirmCallback
	IssuedAt   time.Time
}

// Confirm puts the channel into confirm mode. From this point every
// publish is assigned a sequence number, starting at 1. Confirm mode
// cannot be turned off again. Calling Confirm on a channel already in
// confirm mode is a no-op.
func (ch *Channel) Confirm() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.ensureOpenLocked(); err != nil {
		return err
	}
	ch.confirmMode = true
	return nil
}

// IsConfirmMode reports whether the channel is in confirm mode.
func (ch *Channel) IsConfirmMode() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.confirmMode
}

// NextPublishSeqNo returns the sequence number that will be assigned to
// the next publish on this confirm-mode channel.
func (ch *Channel) NextPublishSeqNo() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.publishSeq + 1
}

// PendingConfirmCount returns the number of unresolved confirms.
func (ch *Channel) PendingConfirmCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.pending)
}

// resolveConfirm runs the resolver for one publish and settles the
// confirm. Runs on its own goroutine so a slow resolver never blocks the
// publisher.
func (ch *Channel) resolveConfirm(seq uint64) {
	ch.mu.Lock()
	entry, ok := ch.pending[seq]
	resolver := ch.resolver
	ch.mu.Unlock()
	if !ok {
		return
	}

	outcome := true
	if resolver != nil {
		outcome = resolver.Resolve(seq, entry.Exchange, entry.RoutingKey)
	}
	ch.completeConfirm(seq, outcome)
}

// completeConfirm settles a pending confirm exactly once: the entry is
// removed under the lock, so a late resolution after a timeout swept the
// entry is ignored.
func (ch *Channel) completeConfirm(seq uint64, ack bool) {
	ch.mu.Lock()
	entry, ok := ch.pending[seq]
	if !ok {
		ch.mu.Unlock()
		return
	}
	delete(ch.pending, seq)
	ch.mu.Unlock()

	if !ack {
		ch.broker.Warn("Publish %d to exchange '%s' nacked", seq, displayName(entry.Exchange))
	}
	if entry.Callback != nil {
		entry.Callback(seq, ack)
	}
}

// WaitForConfirms blocks until every outstanding confirm on the channel is
// resolved, up to the channel's confirm timeout.
func (ch *Channel) WaitForConfirms() error {
	return ch.WaitForConfirmsTimeout(ch.confirmTimeout)
}

// WaitForConfirmsTimeout is WaitForConfirms with an explicit timeout. On
// timeout the remaining pending confirms are swept: their callbacks are
// invoked with ack=false and the sequence numbers are never reused.
func (ch *Channel) WaitForConfirmsTimeout(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		ch.mu.Lock()
		remaining := len(ch.pending)
		ch.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			ch.sweepPendingConfirms()
			return mqerror.New(mqerror.ConfirmTimeout, "%d confirms unresolved after %s", remaining, timeout)
		}
		<-ticker.C
	}
}

// sweepPendingConfirms fails every outstanding confirm.
func (ch *Channel) sweepPendingConfirms() {
	ch.mu.Lock()
	swept := make([]*pendingConfirm, 0, len(ch.pending))
	for seq, entry := range ch.pending {
		swept = append(swept, entry)
		delete(ch.pending, seq)
	}
	ch.mu.Unlock()

	for _, entry := range swept {
		if entry.Callback != nil {
			entry.Callback(entry.Seq, false)
		}
	}
}
