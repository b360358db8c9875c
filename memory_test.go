package msgsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	envs []PushEnvelope
}

func (r *recorder) record(env PushEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Type
	}
	return out
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)
	hub := NewMemoryHub()
	b := NewMemoryBackend(hub, clk)
	SeedDemo(b)

	t.Run("lists conversations with unread counts", func(t *testing.T) {
		list, err := b.FetchConversations(ctx, "u-student")
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "c-admin", list[0].ID)
		require.Equal(t, 1, list[0].UnreadCount)
		require.Equal(t, "Your fee statement is ready.", list[0].LastMessagePreview)
		require.Equal(t, "c-lecturer", list[1].ID)
		require.Equal(t, 1, list[1].UnreadCount)

		list, err = b.FetchConversations(ctx, "u-admin")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, 0, list[0].UnreadCount)
	})

	t.Run("send publishes message and list events", func(t *testing.T) {
		conv, user := &recorder{}, &recorder{}
		s1, err := hub.Subscribe(ctx, ConversationTopic("c-lecturer"), conv.record)
		require.NoError(t, err)
		defer s1.Unsubscribe()
		s2, err := hub.Subscribe(ctx, UserTopic("u-lecturer"), user.record)
		require.NoError(t, err)
		defer s2.Unsubscribe()

		clk.Add(time.Minute)
		m, err := b.SendMessage(ctx, "c-lecturer", "u-student", "On my way")
		require.NoError(t, err)
		require.NotEmpty(t, m.ID)
		require.True(t, clk.Now().Equal(m.CreatedAt))

		require.Equal(t, []string{EventMessageNew}, conv.types())
		require.Equal(t, []string{EventConversationUpdated}, user.types())

		msgs, err := b.FetchMessages(ctx, "c-lecturer")
		require.NoError(t, err)
		require.Equal(t, "On my way", msgs[len(msgs)-1].Content)
	})

	t.Run("find or create is idempotent", func(t *testing.T) {
		id, err := b.FindOrCreateConversation(ctx, "u-lecturer", "u-student")
		require.NoError(t, err)
		require.Equal(t, "c-lecturer", id)

		created := &recorder{}
		sub, err := hub.Subscribe(ctx, UserTopic("u-admin"), created.record)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		id1, err := b.FindOrCreateConversation(ctx, "u-admin", "u-lecturer")
		require.NoError(t, err)
		id2, err := b.FindOrCreateConversation(ctx, "u-lecturer", "u-admin")
		require.NoError(t, err)
		require.Equal(t, id1, id2)
		require.Equal(t, []string{EventConversationCreated}, created.types())
	})

	t.Run("mark read clears unread for the reader only", func(t *testing.T) {
		require.NoError(t, b.MarkRead(ctx, "c-admin", "u-student"))
		list, err := b.FetchConversations(ctx, "u-student")
		require.NoError(t, err)
		for _, s := range list {
			if s.ID == "c-admin" {
				require.Equal(t, 0, s.UnreadCount)
			}
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := b.FetchMessages(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = b.SendMessage(ctx, "missing", "u-student", "x")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = b.LookupUser(ctx, "nobody")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, b.MarkRead(ctx, "missing", "u-student"), ErrNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := b.FetchConversations(cctx, "u-student")
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryHub(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()

	var events []bool
	hub.OnConnectionChange(func(connected bool, err error) { events = append(events, connected) })

	r := &recorder{}
	sub, err := hub.Subscribe(ctx, "t", r.record)
	require.NoError(t, err)
	require.Equal(t, []string{"t"}, hub.Topics())
	require.Equal(t, 1, hub.Subscribers("t"))

	require.NoError(t, hub.Publish(ctx, PushEnvelope{Type: "x", Topic: "t"}))
	require.NoError(t, hub.Publish(ctx, PushEnvelope{Type: "y", Topic: "other"}))
	require.Equal(t, []string{"x"}, r.types())

	require.NoError(t, sub.Unsubscribe())
	require.Empty(t, hub.Topics())

	boom := errors.New("boom")
	hub.FailSubscribes(boom)
	_, err = hub.Subscribe(ctx, "t", r.record)
	require.ErrorIs(t, err, boom)
	hub.FailSubscribes(nil)

	_, err = hub.Subscribe(ctx, "t", r.record)
	require.NoError(t, err)
	hub.SimulateDrop(boom)
	require.Equal(t, 0, hub.Subscribers("t"))
	_, err = hub.Subscribe(ctx, "t", r.record)
	require.ErrorIs(t, err, ErrNotConnected)

	hub.Reconnect()
	_, err = hub.Subscribe(ctx, "t", r.record)
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, events)
}
