package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalPublishDeliversToSubscriber(t *testing.T) {
	bus := NewLocalBus(4)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "w-1")
	require.NoError(t, err)

	require.NoError(t, SendPreempt(context.Background(), bus, "w-1", "1-0", "critical", 5*time.Second))

	select {
	case sig := <-ch:
		require.Equal(t, TypePreempt, sig.Type)
		require.Equal(t, "w-1", sig.WorkerID)
		p, err := ParsePreempt(sig)
		require.NoError(t, err)
		require.Equal(t, "1-0", p.EntryID)
		require.Equal(t, 5*time.Second, p.Grace)
		require.Equal(t, "critical", p.Reason)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestLocalPublishValidation(t *testing.T) {
	bus := NewLocalBus(4)
	defer bus.Close()

	require.Error(t, bus.Publish(context.Background(), nil))
	require.Error(t, bus.Publish(context.Background(), &Signal{Type: TypeCancel}))
}

func TestLocalPublishNoSubscriberIsNotAnError(t *testing.T) {
	bus := NewLocalBus(4)
	defer bus.Close()

	// Best-effort delivery: a worker that is not listening simply misses
	// the signal.
	require.NoError(t, SendCancel(context.Background(), bus, "ghost", "t-1", "shutdown", true, time.Second))
}

func TestLocalSubscribeDuplicate(t *testing.T) {
	bus := NewLocalBus(4)
	defer bus.Close()

	_, err := bus.Subscribe(context.Background(), "w-1")
	require.NoError(t, err)

	_, err = bus.Subscribe(context.Background(), "w-1")
	require.ErrorContains(t, err, "already subscribed")

	_, err = bus.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestLocalBufferOverflowDropsOldest(t *testing.T) {
	bus := NewLocalBus(1)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "w-1")
	require.NoError(t, err)

	require.NoError(t, SendCancel(context.Background(), bus, "w-1", "t-old", "stale", true, time.Second))
	require.NoError(t, SendCancel(context.Background(), bus, "w-1", "t-new", "fresh", true, time.Second))

	sig := <-ch
	p, err := ParseCancel(sig)
	require.NoError(t, err)
	require.Equal(t, "t-new", p.TaskID)
}

func TestLocalUnsubscribeClosesChannel(t *testing.T) {
	bus := NewLocalBus(4)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "w-1")
	require.NoError(t, err)

	require.NoError(t, bus.Unsubscribe("w-1"))
	_, open := <-ch
	require.False(t, open)

	// Unknown worker is a no-op.
	require.NoError(t, bus.Unsubscribe("w-1"))

	// The slot is free again.
	_, err = bus.Subscribe(context.Background(), "w-1")
	require.NoError(t, err)
}

func TestLocalCloseRejectsFurtherUse(t *testing.T) {
	bus := NewLocalBus(4)

	ch, err := bus.Subscribe(context.Background(), "w-1")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, open := <-ch
	require.False(t, open)

	require.Error(t, bus.Publish(context.Background(), &Signal{Type: TypeCancel, WorkerID: "w-1"}))
	_, err = bus.Subscribe(context.Background(), "w-2")
	require.Error(t, err)

	// Close is idempotent.
	require.NoError(t, bus.Close())
}

func TestParsePayloadTypeMismatch(t *testing.T) {
	sig := &Signal{Type: TypeCancel, WorkerID: "w-1"}
	_, err := ParsePreempt(sig)
	require.Error(t, err)

	sig.Type = TypePreempt
	_, err = ParseCancel(sig)
	require.Error(t, err)
}
