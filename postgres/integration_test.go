//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
	"github.com/SK3CHI3/MMU-E-LRNG/msgsync/postgres"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MSGSYNC_DATABASE_URL_TEST")
	if dsn == "" {
		t.Fatal("MSGSYNC_DATABASE_URL_TEST environment variable is required")
	}
	return dsn
}

func TestIntegration_Postgres_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dsn := testDSN(t)

	require.NoError(t, postgres.Migrate(ctx, dsn))
	db, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()

	hub := msgsync.NewMemoryHub()
	b := postgres.NewBackend(db, postgres.WithPublisher(hub))

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	alice := msgsync.UserProfile{ID: "alice-" + suffix, Name: "Alice"}
	bob := msgsync.UserProfile{ID: "bob-" + suffix, Name: "Bob"}
	require.NoError(t, b.PutUser(ctx, alice))
	require.NoError(t, b.PutUser(ctx, bob))

	id, err := b.FindOrCreateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	again, err := b.FindOrCreateConversation(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	require.Equal(t, id, again)

	got := make(chan msgsync.PushEnvelope, 4)
	sub, err := hub.Subscribe(ctx, msgsync.ConversationTopic(id), func(env msgsync.PushEnvelope) { got <- env })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	m, err := b.SendMessage(ctx, id, alice.ID, "hello bob")
	require.NoError(t, err)
	require.Len(t, got, 1)

	list, err := b.FetchConversations(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 1, list[0].UnreadCount)
	require.Equal(t, "hello bob", list[0].LastMessagePreview)

	require.NoError(t, b.MarkRead(ctx, id, bob.ID))
	msgs, err := b.FetchMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, m.ID, msgs[0].ID)
	require.True(t, msgs[0].IsRead)

	p, err := b.LookupUser(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, "Bob", p.Name)
}
