package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalPubSub(t *testing.T) {
	ps := NewLocalPubSub()
	require.NotNil(t, ps)
	assert.Empty(t, ps.subs)

	err := ps.Close()
	require.NoError(t, err)
}

func TestLocalPubSub_PublishSubscribe(t *testing.T) {
	ps := NewLocalPubSub()
	defer ps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgCh, err := ps.Subscribe(ctx, "test-channel")
	require.NoError(t, err)
	require.NotNil(t, msgCh)

	payload := []byte(`{"test": "data"}`)
	err = ps.Publish(ctx, "test-channel", payload)
	require.NoError(t, err)

	select {
	case msg := <-msgCh:
		assert.Equal(t, "test-channel", msg.Channel)
		assert.Equal(t, payload, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLocalPubSub_MultipleSubscribers(t *testing.T) {
	ps := NewLocalPubSub()
	defer ps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub1, err := ps.Subscribe(ctx, "test-channel")
	require.NoError(t, err)
	sub2, err := ps.Subscribe(ctx, "test-channel")
	require.NoError(t, err)

	err = ps.Publish(ctx, "test-channel", []byte("hello"))
	require.NoError(t, err)

	for i, sub := range []<-chan Message{sub1, sub2} {
		select {
		case msg := <-sub:
			assert.Equal(t, []byte("hello"), msg.Payload)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i+1)
		}
	}
}

func TestLocalPubSub_ChannelsAreIndependent(t *testing.T) {
	ps := NewLocalPubSub()
	defer ps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subA, err := ps.Subscribe(ctx, "channel-a")
	require.NoError(t, err)
	subB, err := ps.Subscribe(ctx, "channel-b")
	require.NoError(t, err)

	err = ps.Publish(ctx, "channel-a", []byte("for-a"))
	require.NoError(t, err)

	select {
	case msg := <-subA:
		assert.Equal(t, []byte("for-a"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel-a message")
	}

	select {
	case msg := <-subB:
		t.Fatalf("channel-b should not have received %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalPubSub_UnsubscribeOnContextCancel(t *testing.T) {
	ps := NewLocalPubSub()
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())

	sub, err := ps.Subscribe(ctx, "test-channel")
	require.NoError(t, err)

	cancel()

	// Channel should be closed shortly after cancellation
	select {
	case _, ok := <-sub:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestLocalPubSub_CloseClosesSubscribers(t *testing.T) {
	ps := NewLocalPubSub()

	sub, err := ps.Subscribe(context.Background(), "test-channel")
	require.NoError(t, err)

	require.NoError(t, ps.Close())

	select {
	case _, ok := <-sub:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestLocalPubSub_FullQueueDropsAndCounts(t *testing.T) {
	ps := NewLocalPubSub()
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := ps.Subscribe(ctx, "test-channel")
	require.NoError(t, err)

	// Nobody drains the queue, so everything past the buffer is lost
	for i := 0; i < subscriberBuffer+3; i++ {
		require.NoError(t, ps.Publish(ctx, "test-channel", []byte("x")))
	}

	assert.Equal(t, uint64(3), ps.Dropped())
}

func TestLocalPubSub_SubscribeAfterClose(t *testing.T) {
	ps := NewLocalPubSub()
	require.NoError(t, ps.Close())

	_, err := ps.Subscribe(context.Background(), "test-channel")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubjectChannel(t *testing.T) {
	assert.Equal(t, "sobranie:subject:user-1", SubjectChannel("user-1"))
}
