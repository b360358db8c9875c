package redispush

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

func TestDecode(t *testing.T) {
	env, err := decode("p:", &redis.Message{
		Channel: "p:conversation:c1",
		Payload: `{"type":"message.new","payload":{"id":"m1"}}`,
	})
	require.NoError(t, err)
	require.Equal(t, "conversation:c1", env.Topic)
	require.Equal(t, msgsync.EventMessageNew, env.Type)

	env, err = decode("p:", &redis.Message{
		Channel: "p:user:u1",
		Payload: `{"type":"conversation.updated","topic":"user:u9","payload":{}}`,
	})
	require.NoError(t, err)
	require.Equal(t, "user:u9", env.Topic)

	_, err = decode("p:", &redis.Message{Channel: "p:x", Payload: "not json"})
	require.Error(t, err)
}

func TestPublisherRejectsMissingTopic(t *testing.T) {
	p := NewPublisher(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	require.Error(t, p.Publish(context.Background(), msgsync.PushEnvelope{Type: "x"}))
	require.Equal(t, DefaultPrefix, p.prefix)
}

func redisURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("MSGSYNC_REDIS_URL_TEST")
	if u == "" {
		t.Skip("MSGSYNC_REDIS_URL_TEST not set")
	}
	return u
}

func TestChannelAndBridge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := NewClient(ctx, redisURL(t))
	require.NoError(t, err)
	defer client.Close()

	prefix := "msgsync-test-" + time.Now().Format("150405.000000") + ":"
	pub := NewPublisher(client, prefix)
	ch := NewChannel(client, prefix, zaptest.NewLogger(t))
	defer ch.Close()

	hub := msgsync.NewMemoryHub()
	bridged := make(chan msgsync.PushEnvelope, 4)
	_, err = hub.Subscribe(ctx, msgsync.UserTopic("u1"), func(env msgsync.PushEnvelope) { bridged <- env })
	require.NoError(t, err)

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()
	go func() { _ = Bridge(bridgeCtx, client, prefix, hub, zaptest.NewLogger(t)) }()

	got := make(chan msgsync.PushEnvelope, 4)
	sub, err := ch.Subscribe(ctx, msgsync.ConversationTopic("c1"), func(env msgsync.PushEnvelope) { got <- env })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	m := msgsync.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi", CreatedAt: time.Now().UTC()}
	require.NoError(t, pub.Publish(ctx, msgsync.NewMessageEnvelope(m)))

	select {
	case env := <-got:
		ev, err := msgsync.ParsePushEvent(env)
		require.NoError(t, err)
		require.Equal(t, "m1", ev.(msgsync.MessageInserted).Message.ID)
	case <-ctx.Done():
		t.Fatal("message not received")
	}

	// The bridge may still be subscribing; publish until it forwards.
	require.Eventually(t, func() bool {
		_ = pub.Publish(ctx, msgsync.NewConversationEnvelope(msgsync.EventConversationUpdated, "u1", "c1"))
		select {
		case <-bridged:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
}
