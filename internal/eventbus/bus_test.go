package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversToMatchingFilter(t *testing.T) {
	b := NewBus(4)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskSub, err := b.Subscribe(ctx, DAGTaskCompleted)
	require.NoError(t, err)
	wildcardSub, err := b.Subscribe(ctx, Wildcard)
	require.NoError(t, err)

	b.Publish(Event{Type: DAGTaskCompleted, Source: "executor"})
	b.Publish(Event{Type: DAGStarted, Source: "executor"})

	select {
	case ev := <-taskSub.C():
		require.Equal(t, DAGTaskCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
	select {
	case ev := <-taskSub.C():
		t.Fatalf("unexpected second event on filtered subscription: %v", ev.Type)
	default:
	}

	seen := map[Type]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-wildcardSub.C():
			seen[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard event")
		}
	}
	require.True(t, seen[DAGTaskCompleted])
	require.True(t, seen[DAGStarted])
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	b := NewBus(2)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), Heartbeat)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: Heartbeat, Source: "seq", Payload: i})
	}

	require.Equal(t, uint64(3), sub.Dropped())

	var got []int
	for i := 0; i < 2; i++ {
		ev := <-sub.C()
		got = append(got, ev.Payload.(int))
	}
	// The two newest events survive; the oldest three were dropped.
	require.Equal(t, []int{3, 4}, got)
}

func TestBusPublishNeverBlocksOnSlowConsumer(t *testing.T) {
	b := NewBus(1)
	defer b.Close()

	_, err := b.Subscribe(context.Background(), Wildcard)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: Heartbeat})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber queue")
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewBus(4)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, Wildcard)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	cancel()

	b.Publish(Event{Type: Heartbeat})

	_, ok := <-sub.C()
	require.False(t, ok, "channel should be closed after Close")
}
