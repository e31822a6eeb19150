package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	b := NewBus(zap.NewNop())
	ch, unsubscribe := b.Subscribe("exec-1", "client-a", 4)
	defer unsubscribe()

	b.Publish(&Event{ExecutionID: "exec-1", Kind: KindStepStarted, Step: "fetch"})

	select {
	case ev := <-ch:
		require.Equal(t, KindStepStarted, ev.Kind)
		require.Equal(t, "fetch", ev.Step)
		require.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublish_IgnoresOtherExecutions(t *testing.T) {
	b := NewBus(zap.NewNop())
	ch, unsubscribe := b.Subscribe("exec-1", "client-a", 4)
	defer unsubscribe()

	b.Publish(&Event{ExecutionID: "exec-other", Kind: KindStepStarted})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDeliveryAndClosesChannel(t *testing.T) {
	b := NewBus(zap.NewNop())
	ch, unsubscribe := b.Subscribe("exec-1", "client-a", 4)
	unsubscribe()

	b.Publish(&Event{ExecutionID: "exec-1", Kind: KindStepStarted})

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestUnsubscribe_IsIdempotent(t *testing.T) {
	b := NewBus(zap.NewNop())
	_, unsubscribe := b.Subscribe("exec-1", "client-a", 4)
	unsubscribe()
	require.NotPanics(t, unsubscribe)
}

func TestPublish_DropsSubscriberWithFullChannel(t *testing.T) {
	b := NewBus(zap.NewNop())
	ch, unsubscribe := b.Subscribe("exec-1", "client-a", 1)
	defer unsubscribe()

	b.Publish(&Event{ExecutionID: "exec-1", Kind: KindStepStarted, Step: "one"})
	b.Publish(&Event{ExecutionID: "exec-1", Kind: KindStepStarted, Step: "two"})

	require.Eventually(t, func() bool {
		_, subs := b.Stats()
		return subs == 0
	}, time.Second, 10*time.Millisecond)

	ev := <-ch
	require.Equal(t, "one", ev.Step)
}

func TestStats_CountsStreamsAndSubscribers(t *testing.T) {
	b := NewBus(zap.NewNop())
	_, unsubA := b.Subscribe("exec-1", "a", 4)
	_, unsubB := b.Subscribe("exec-1", "b", 4)
	_, unsubC := b.Subscribe("exec-2", "c", 4)
	defer unsubA()
	defer unsubB()
	defer unsubC()

	streams, subscribers := b.Stats()
	require.Equal(t, 2, streams)
	require.Equal(t, 3, subscribers)
}
