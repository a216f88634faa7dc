package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_PublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub1 := b.Subscribe(ctx)
	sub2 := b.Subscribe(ctx)

	b.Publish(CreatedEvent, "hello")

	for _, sub := range []<-chan Event[string]{sub1, sub2} {
		select {
		case ev := <-sub:
			require.Equal(t, CreatedEvent, ev.Type)
			require.Equal(t, "hello", ev.Payload)
			require.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroker_ContextCancelClosesSubscription(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()

	select {
	case _, ok := <-sub:
		require.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBroker_PublishAfterCloseIsNoop(t *testing.T) {
	b := NewBroker[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(ctx)
	b.Close()

	// Must not panic
	b.Publish(UpdatedEvent, 42)

	_, ok := <-sub
	require.False(t, ok)
}

func TestBroker_SubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	b := NewBroker[int]()
	b.Close()

	sub := b.Subscribe(context.Background())
	_, ok := <-sub
	require.False(t, ok)
}

func TestBroker_FullSubscriberDropsAndCounts(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.Subscribe(ctx)

	b.Publish(CreatedEvent, 1)
	b.Publish(CreatedEvent, 2) // buffer full, dropped

	require.Equal(t, uint64(1), b.Dropped())
}

func TestBroker_ConcurrentPublishIsSafe(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		count := 0
		for range sub {
			count++
			if count == 100 {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish(UpdatedEvent, n*10+j)
			}
		}(i)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out draining events")
	}
}
