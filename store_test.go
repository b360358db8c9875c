package msgsync

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return NewStore(&Config{MatchWindow: 10 * time.Second, PreviewLength: 20})
}

func confirmed(id, conv, sender, content string, at time.Time) Message {
	return Message{ID: id, ConversationID: conv, SenderID: sender, Content: content, CreatedAt: at}
}

func temporary(id, conv, sender, content string, at time.Time) Message {
	m := confirmed(id, conv, sender, content, at)
	m.Temporary = true
	return m
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func requireSorted(t *testing.T, msgs []Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt),
			"message %s before %s", msgs[i].ID, msgs[i-1].ID)
	}
}

func requireUniqueIDs(t *testing.T, msgs []Message) {
	t.Helper()
	seen := make(map[string]bool)
	for _, m := range msgs {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

// ============================================================================
// Conversations
// ============================================================================

func TestStore_ListConversationsOrder(t *testing.T) {
	s := newTestStore()
	_, ok := s.Apply(MergeList{Conversations: []ConversationSummary{
		{ID: "c1", ParticipantIDs: []string{"u1", "u2"}, LastMessagePreview: "morning", LastMessageAt: t0.Add(-time.Hour)},
		{ID: "c2", ParticipantIDs: []string{"u1", "u3"}, LastMessagePreview: "later", LastMessageAt: t0},
		{ID: "c0", ParticipantIDs: []string{"u1", "u4"}, LastMessagePreview: "tie", LastMessageAt: t0},
	}})
	require.True(t, ok)

	list := s.ListConversations()
	require.Len(t, list, 3)
	require.Equal(t, "c0", list[0].ID)
	require.Equal(t, "c2", list[1].ID)
	require.Equal(t, "c1", list[2].ID)
}

func TestStore_UpsertIfAbsent(t *testing.T) {
	s := newTestStore()
	s.Apply(UpsertConversation{Conversation: ConversationSummary{ID: "c1", UnreadCount: 3, LastMessagePreview: "hi", LastMessageAt: t0}})

	_, ok := s.Apply(UpsertConversation{Conversation: ConversationSummary{ID: "c1"}, IfAbsent: true})
	require.False(t, ok)

	c, found := s.Conversation("c1")
	require.True(t, found)
	require.Equal(t, 3, c.UnreadCount)
	require.Equal(t, "hi", c.LastMessagePreview)
}

func TestStore_MergeListNeverDeletes(t *testing.T) {
	s := newTestStore()
	s.Apply(MergeList{Conversations: []ConversationSummary{{ID: "c1"}, {ID: "c2"}}})
	s.Apply(MergeList{Conversations: []ConversationSummary{{ID: "c2"}}})
	require.Len(t, s.ListConversations(), 2)
}

func TestStore_MergeListIdempotent(t *testing.T) {
	s := newTestStore()
	list := []ConversationSummary{{ID: "c1", ParticipantIDs: []string{"a", "b"}, LastMessagePreview: "x", LastMessageAt: t0, UnreadCount: 1}}
	_, ok := s.Apply(MergeList{Conversations: list})
	require.True(t, ok)
	_, ok = s.Apply(MergeList{Conversations: list})
	require.False(t, ok)
}

func TestStore_PreviewTruncated(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u2", strings.Repeat("a", 50), t0)})
	c, _ := s.Conversation("c1")
	require.Less(t, len(c.LastMessagePreview), 50)
	require.True(t, strings.HasSuffix(c.LastMessagePreview, "..."))
}

func TestStore_UnknownConversationCreatedByMessage(t *testing.T) {
	s := newTestStore()
	_, ok := s.Apply(AppendMessage{Message: confirmed("m1", "c9", "u2", "hey", t0)})
	require.True(t, ok)
	c, found := s.Conversation("c9")
	require.True(t, found)
	require.Equal(t, "hey", c.LastMessagePreview)
	require.Equal(t, t0, c.LastMessageAt)
}

func TestStore_SetUnreadAndTotal(t *testing.T) {
	s := newTestStore()
	s.Apply(MergeList{Conversations: []ConversationSummary{{ID: "c1", UnreadCount: 2}, {ID: "c2", UnreadCount: 5}}})
	require.Equal(t, 7, s.TotalUnread())

	_, ok := s.Apply(SetUnread{ConversationID: "c2", Count: 0})
	require.True(t, ok)
	require.Equal(t, 2, s.TotalUnread())

	_, ok = s.Apply(SetUnread{ConversationID: "c2", Count: 0})
	require.False(t, ok)
	_, ok = s.Apply(SetUnread{ConversationID: "missing", Count: 0})
	require.False(t, ok)
}

func TestStore_FetchFailedErrorState(t *testing.T) {
	s := newTestStore()
	s.Apply(MergeList{Conversations: []ConversationSummary{{ID: "c1"}}})

	boom := errors.New("boom")
	_, ok := s.Apply(FetchFailed{Err: boom})
	require.True(t, ok)
	require.ErrorIs(t, s.ListError(), boom)
	require.Len(t, s.ListConversations(), 1, "loaded data is kept")

	_, ok = s.Apply(FetchFailed{Err: boom})
	require.False(t, ok)

	s.Apply(MergeList{})
	require.NoError(t, s.ListError())

	s.Apply(MergeHistory{ConversationID: "c1", Messages: []Message{confirmed("m1", "c1", "u2", "a", t0)}})
	s.Apply(FetchFailed{ConversationID: "c1", Err: boom})
	require.ErrorIs(t, s.HistoryError("c1"), boom)
	require.Len(t, s.Messages("c1"), 1)

	s.Apply(MergeHistory{ConversationID: "c1"})
	require.NoError(t, s.HistoryError("c1"))
	require.True(t, s.Loaded("c1"))
}

func TestStore_OnChange(t *testing.T) {
	s := newTestStore()
	var changes []Change
	s.OnChange(func(ch Change) { changes = append(changes, ch) })

	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u2", "a", t0)})
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u2", "a", t0)})
	s.Apply(SetUnread{ConversationID: "c1", Count: 1})

	require.Len(t, changes, 2)
	require.Equal(t, "c1", changes[0].ConversationID)
	require.True(t, changes[0].Messages)
	require.False(t, changes[1].Messages)
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s := newTestStore()
	m := confirmed("m1", "c1", "u2", "a", t0)
	m.Sender = &UserProfile{ID: "u2", Name: "Bo"}
	s.Apply(AppendMessage{Message: m})

	snap := s.Messages("c1")
	snap[0].Content = "changed"
	snap[0].Sender.Name = "changed"

	again := s.Messages("c1")
	require.Equal(t, "a", again[0].Content)
	require.Equal(t, "Bo", again[0].Sender.Name)
}

// ============================================================================
// Reconciliation
// ============================================================================

func TestReconcile_AppendKeepsOrder(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: confirmed("m3", "c1", "u2", "c", t0.Add(3*time.Second))})
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u2", "a", t0.Add(1*time.Second))})
	s.Apply(AppendMessage{Message: confirmed("m2", "c1", "u2", "b", t0.Add(2*time.Second))})

	msgs := s.Messages("c1")
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
	c, _ := s.Conversation("c1")
	require.Equal(t, "c", c.LastMessagePreview)
}

func TestReconcile_TiesKeepArrivalOrder(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: confirmed("b", "c1", "u2", "x", t0)})
	s.Apply(AppendMessage{Message: confirmed("a", "c1", "u2", "y", t0)})
	require.Equal(t, []string{"b", "a"}, ids(s.Messages("c1")))
}

func TestReconcile_DuplicateIDIsNoChange(t *testing.T) {
	s := newTestStore()
	m := confirmed("m1", "c1", "u2", "a", t0)
	_, ok := s.Apply(AppendMessage{Message: m})
	require.True(t, ok)
	_, ok = s.Apply(AppendMessage{Message: m})
	require.False(t, ok)
	_, ok = s.Apply(MergeHistory{ConversationID: "c1", Messages: []Message{m}})
	require.True(t, ok, "first history merge marks the conversation loaded")
	_, ok = s.Apply(MergeHistory{ConversationID: "c1", Messages: []Message{m}})
	require.False(t, ok)
	require.Len(t, s.Messages("c1"), 1)
}

func TestReconcile_PushAbsorbsTemporary(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "Hello", t0)})

	_, ok := s.Apply(AppendMessage{Message: confirmed("m42", "c1", "u1", "Hello", t0.Add(150*time.Millisecond))})
	require.True(t, ok)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m42", msgs[0].ID)
	require.False(t, msgs[0].Temporary)
	require.Empty(t, s.TemporaryIDs())

	// The confirmation that follows finds the temporary gone and is absorbed by id.
	_, ok = s.Apply(ReplaceMessage{TempID: "local-1", Message: confirmed("m42", "c1", "u1", "Hello", t0.Add(150*time.Millisecond))})
	require.False(t, ok)
	require.Len(t, s.Messages("c1"), 1)
}

func TestReconcile_OutsideWindowIsNotMatched(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "Hello", t0)})
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u1", "Hello", t0.Add(-time.Minute))})

	msgs := s.Messages("c1")
	require.Equal(t, []string{"m1", "local-1"}, ids(msgs))
}

func TestReconcile_DifferentSenderIsNotMatched(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "ok", t0)})
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u2", "ok", t0)})
	require.Len(t, s.Messages("c1"), 2)
}

func TestReconcile_ReplaceKeepsSlotAndServerFields(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u2", "first", t0)})
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "mine", t0.Add(time.Second))})

	server := confirmed("m2", "c1", "u1", "mine", t0.Add(1500*time.Millisecond))
	server.Sender = &UserProfile{ID: "u1", Name: "Me"}
	_, ok := s.Apply(ReplaceMessage{TempID: "local-1", Message: server})
	require.True(t, ok)

	msgs := s.Messages("c1")
	require.Equal(t, []string{"m1", "m2"}, ids(msgs))
	require.Equal(t, t0.Add(1500*time.Millisecond), msgs[1].CreatedAt)
	require.Equal(t, "Me", msgs[1].Sender.Name)
	require.False(t, msgs[1].Temporary)
}

func TestReconcile_ReplaceResortsAheadOfLaterPush(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u2", "question", t0)})
	// Local clock runs ahead of the server.
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "answer", t0.Add(3*time.Second))})
	// The peer writes again while the send is pending.
	s.Apply(AppendMessage{Message: confirmed("m3", "c1", "u2", "follow-up", t0.Add(2500*time.Millisecond))})
	require.Equal(t, []string{"m1", "m3", "local-1"}, ids(s.Messages("c1")))

	_, ok := s.Apply(ReplaceMessage{TempID: "local-1", Message: confirmed("m2", "c1", "u1", "answer", t0.Add(2*time.Second))})
	require.True(t, ok)

	msgs := s.Messages("c1")
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
	requireSorted(t, msgs)
	requireUniqueIDs(t, msgs)
	require.Empty(t, s.TemporaryIDs())

	list := s.ListConversations()
	require.Len(t, list, 1)
	require.Equal(t, "follow-up", list[0].LastMessagePreview)
	require.Equal(t, t0.Add(2500*time.Millisecond), list[0].LastMessageAt)
}

func TestReconcile_ReplaceDropsTempWhenRealExists(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: confirmed("m2", "c1", "u1", "hi", t0)})
	// A temp the match step could not absorb (content differs).
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "hi!", t0.Add(time.Second))})

	_, ok := s.Apply(ReplaceMessage{TempID: "local-1", Message: confirmed("m2", "c1", "u1", "hi", t0)})
	require.True(t, ok)
	require.Equal(t, []string{"m2"}, ids(s.Messages("c1")))
}

func TestReconcile_DuplicateContentSends(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "ok", t0)})
	s.Apply(AppendMessage{Message: temporary("local-2", "c1", "u1", "ok", t0.Add(time.Second))})

	// Push of the first confirmed copy absorbs the oldest temp.
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u1", "ok", t0.Add(100*time.Millisecond))})
	// Confirmation of the first send finds its temp absorbed; it matches by id.
	s.Apply(ReplaceMessage{TempID: "local-1", Message: confirmed("m1", "c1", "u1", "ok", t0.Add(100*time.Millisecond))})
	// Push of the second copy absorbs the remaining temp.
	s.Apply(AppendMessage{Message: confirmed("m2", "c1", "u1", "ok", t0.Add(1100*time.Millisecond))})
	s.Apply(ReplaceMessage{TempID: "local-2", Message: confirmed("m2", "c1", "u1", "ok", t0.Add(1100*time.Millisecond))})

	msgs := s.Messages("c1")
	require.Equal(t, []string{"m1", "m2"}, ids(msgs))
	require.Empty(t, s.TemporaryIDs())
}

func TestReconcile_RemoveRestoresPreview(t *testing.T) {
	s := newTestStore()
	s.Apply(UpsertConversation{Conversation: ConversationSummary{ID: "c1", LastMessagePreview: "server says", LastMessageAt: t0}})
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "oops", t0.Add(time.Minute))})

	c, _ := s.Conversation("c1")
	require.Equal(t, "oops", c.LastMessagePreview)

	_, ok := s.Apply(RemoveMessage{ConversationID: "c1", TempID: "local-1"})
	require.True(t, ok)
	c, _ = s.Conversation("c1")
	require.Equal(t, "server says", c.LastMessagePreview)
	require.Equal(t, t0, c.LastMessageAt)
	require.Empty(t, c.Messages)
}

func TestReconcile_RemoveIgnoresConfirmed(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: confirmed("m1", "c1", "u1", "a", t0)})
	_, ok := s.Apply(RemoveMessage{ConversationID: "c1", TempID: "m1"})
	require.False(t, ok)
	_, ok = s.Apply(RemoveMessage{ConversationID: "c1", TempID: "local-x"})
	require.False(t, ok)
	require.Len(t, s.Messages("c1"), 1)
}

func TestReconcile_HistoryMergeKeepsInvariants(t *testing.T) {
	s := newTestStore()
	s.Apply(AppendMessage{Message: confirmed("m3", "c1", "u2", "pushed", t0.Add(3*time.Second))})
	s.Apply(AppendMessage{Message: temporary("local-1", "c1", "u1", "pending", t0.Add(4*time.Second))})

	s.Apply(MergeHistory{ConversationID: "c1", Messages: []Message{
		confirmed("m1", "c1", "u2", "one", t0.Add(1*time.Second)),
		confirmed("m2", "c1", "u1", "two", t0.Add(2*time.Second)),
		confirmed("m3", "c1", "u2", "pushed", t0.Add(3*time.Second)),
	}})

	msgs := s.Messages("c1")
	requireSorted(t, msgs)
	requireUniqueIDs(t, msgs)
	require.Equal(t, []string{"m1", "m2", "m3", "local-1"}, ids(msgs))
}

func TestReconcile_ReadFlagNotLost(t *testing.T) {
	s := newTestStore()
	m := confirmed("m1", "c1", "u2", "a", t0)
	m.IsRead = true
	s.Apply(AppendMessage{Message: m})

	m.IsRead = false
	_, ok := s.Apply(AppendMessage{Message: m})
	require.False(t, ok)
	require.True(t, s.Messages("c1")[0].IsRead)
}
