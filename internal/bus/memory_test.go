package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_CreateTopic(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()

	topic, err := b.CreateTopic(ctx, "broadcast")
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Equal(t, "broadcast", topic.Name())

	// Second create conflicts.
	_, err = b.CreateTopic(ctx, "broadcast")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTopicExists))

	// The existing topic is fetchable.
	got, err := b.Topic(ctx, "broadcast")
	require.NoError(t, err)
	assert.Equal(t, "broadcast", got.Name())
}

func TestMemoryBus_TopicNotFound(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	_, err := b.Topic(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryBus_PublishReceiveAck(t *testing.T) {
	b := NewMemoryBusWithAckDeadline(50 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic, err := b.CreateTopic(ctx, "t")
	require.NoError(t, err)
	sub, err := b.CreateSubscription(ctx, "s", topic)
	require.NoError(t, err)

	got := make(chan *Message, 10)
	go func() {
		_ = sub.Receive(ctx, func(m *Message) {
			got <- m
			m.Ack()
		})
	}()

	require.NoError(t, topic.Publish(ctx, []byte(`{"v":1}`)))

	select {
	case m := <-got:
		assert.Equal(t, []byte(`{"v":1}`), m.Data)
		assert.NotEmpty(t, m.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	// Acked: no redelivery.
	select {
	case m := <-got:
		t.Fatalf("unexpected redelivery of acked message: %v", m.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryBus_RedeliversUnacked(t *testing.T) {
	b := NewMemoryBusWithAckDeadline(30 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic, err := b.CreateTopic(ctx, "t")
	require.NoError(t, err)
	sub, err := b.CreateSubscription(ctx, "s", topic)
	require.NoError(t, err)

	var mu sync.Mutex
	deliveries := 0
	go func() {
		_ = sub.Receive(ctx, func(m *Message) {
			mu.Lock()
			deliveries++
			n := deliveries
			mu.Unlock()
			// Leave the first delivery unacked; ack the redelivery.
			if n >= 2 {
				m.Ack()
			}
		})
	}()

	require.NoError(t, topic.Publish(ctx, []byte("x")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries >= 2
	}, 2*time.Second, 10*time.Millisecond, "unacked message was not redelivered")
}

func TestMemoryBus_FanOutToAllSubscriptions(t *testing.T) {
	b := NewMemoryBusWithAckDeadline(time.Second)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic, err := b.CreateTopic(ctx, "t")
	require.NoError(t, err)

	chans := make([]chan *Message, 3)
	for i, name := range []string{"a", "b", "c"} {
		sub, err := b.CreateSubscription(ctx, name, topic)
		require.NoError(t, err)
		ch := make(chan *Message, 1)
		chans[i] = ch
		go func() {
			_ = sub.Receive(ctx, func(m *Message) {
				m.Ack()
				ch <- m
			})
		}()
	}

	require.NoError(t, topic.Publish(ctx, []byte("hello")))

	for i, ch := range chans {
		select {
		case m := <-ch:
			assert.Equal(t, []byte("hello"), m.Data, "subscription %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscription %d timed out", i)
		}
	}
}

func TestMemoryBus_CreateSubscriptionIsIdempotent(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	topic, err := b.CreateTopic(ctx, "t")
	require.NoError(t, err)

	s1, err := b.CreateSubscription(ctx, "s", topic)
	require.NoError(t, err)
	s2, err := b.CreateSubscription(ctx, "s", topic)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestMemoryBus_DeleteSubscription(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	topic, err := b.CreateTopic(ctx, "t")
	require.NoError(t, err)
	sub, err := b.CreateSubscription(ctx, "s", topic)
	require.NoError(t, err)

	assert.False(t, sub.Closed())
	require.NoError(t, sub.Delete(ctx))
	assert.True(t, sub.Closed())

	// Deleting again reports NotFound.
	err = sub.Delete(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	// A new subscription under the same name is independent.
	again, err := b.CreateSubscription(ctx, "s", topic)
	require.NoError(t, err)
	assert.False(t, again.Closed())
}

func TestMemoryBus_DeleteStopsReceive(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	topic, err := b.CreateTopic(ctx, "t")
	require.NoError(t, err)
	sub, err := b.CreateSubscription(ctx, "s", topic)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- sub.Receive(ctx, func(m *Message) { m.Ack() })
	}()

	require.NoError(t, sub.Delete(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after delete")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus()

	ctx := context.Background()
	topic, err := b.CreateTopic(ctx, "t")
	require.NoError(t, err)
	sub, err := b.CreateSubscription(ctx, "s", topic)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.True(t, sub.Closed())

	err = topic.Publish(ctx, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed))

	// Close is idempotent.
	require.NoError(t, b.Close())
}
