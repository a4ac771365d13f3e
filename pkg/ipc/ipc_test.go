package ipc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectSendQueuesWithoutHandler(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))

	require.NoError(t, b.Send("a", "b", "hello"))
	assert.Equal(t, 1, b.Stats().PendingInboxes)

	var got any
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, b.SetHandler("b", func(from string, payload any) {
		got = payload
		wg.Done()
	}))
	wg.Wait()
	assert.Equal(t, "hello", got)
}

func TestInboxDropsOldestWhenFull(t *testing.T) {
	b := New()
	b.inboxCapacity = 2
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))

	require.NoError(t, b.Send("a", "b", 1))
	require.NoError(t, b.Send("a", "b", 2))
	require.NoError(t, b.Send("a", "b", 3))

	var received []any
	require.NoError(t, b.SetHandler("b", func(from string, payload any) {
		received = append(received, payload)
	}))
	assert.Equal(t, []any{2, 3}, received)
}

func TestHandlerPanicDoesNotPropagate(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))
	require.NoError(t, b.SetHandler("b", func(from string, payload any) {
		panic("boom")
	}))

	assert.NotPanics(t, func() {
		_ = b.Send("a", "b", "x")
	})
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))
	require.NoError(t, b.Register("c"))

	n := b.Broadcast("a", "hi")
	assert.Equal(t, 2, n)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))
	require.NoError(t, b.SetRequestHandler("b", func(ctx context.Context, from string, payload any) (any, error) {
		return "reply:" + payload.(string), nil
	}))

	resp, err := b.Request(context.Background(), "a", "b", "ping", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "reply:ping", resp)
}

func TestRequestTimesOut(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))
	require.NoError(t, b.SetRequestHandler("b", func(ctx context.Context, from string, payload any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := b.Request(context.Background(), "a", "b", "ping", 10*time.Millisecond)
	require.Error(t, err)
}

func TestPubSubDeliversExceptPublisher(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))
	require.NoError(t, b.Register("c"))
	require.NoError(t, b.Subscribe("a", "news"))
	require.NoError(t, b.Subscribe("b", "news"))
	require.NoError(t, b.Subscribe("c", "news"))

	n := b.Publish("a", "news", "update")
	assert.Equal(t, 2, n)
}

func TestUnsubscribePrunesEmptyTopic(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Subscribe("a", "topic"))
	b.Unsubscribe("a", "topic")

	n := b.Publish("other", "topic", "x")
	assert.Equal(t, 0, n)
}

func TestUnregisterRemovesSubscriptions(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))
	require.NoError(t, b.Subscribe("a", "topic"))

	b.Unregister("a")
	n := b.Publish("b", "topic", "x")
	assert.Equal(t, 0, n)
}
