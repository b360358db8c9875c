package msgsync

import (
	"context"
	"time"
)

// Backend is the persistence collaborator the engine reads from and writes to.
type Backend interface {
	// FetchConversations lists the user's conversations with their previews.
	FetchConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	// FetchMessages returns the full timeline of a conversation.
	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
	// SendMessage persists a message and returns the server-confirmed copy.
	SendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error)
	// FindOrCreateConversation returns the direct conversation of a user pair.
	FindOrCreateConversation(ctx context.Context, userID, peerID string) (string, error)
	// MarkRead marks every message of the conversation not sent by userID as read.
	MarkRead(ctx context.Context, conversationID, userID string) error
	// LookupUser resolves display metadata for a user.
	LookupUser(ctx context.Context, userID string) (UserProfile, error)
}

// gateway bounds backend calls with a timeout and classifies their errors.
type gateway struct {
	backend Backend
	timeout time.Duration
}

func (g *gateway) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func (g *gateway) fetchConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	convs, err := g.backend.FetchConversations(ctx, userID)
	if err != nil {
		return nil, &FetchError{Op: "fetch conversations", Err: err}
	}
	return convs, nil
}

func (g *gateway) fetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	msgs, err := g.backend.FetchMessages(ctx, conversationID)
	if err != nil {
		return nil, &FetchError{Op: "fetch messages", ConversationID: conversationID, Err: err}
	}
	return msgs, nil
}

// sendMessage is never retried; a failure is final for the optimistic message.
func (g *gateway) sendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	m, err := g.backend.SendMessage(ctx, conversationID, senderID, content)
	if err != nil {
		return Message{}, &SendError{ConversationID: conversationID, Err: err}
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	m.Temporary = false
	return m, nil
}

func (g *gateway) findOrCreateConversation(ctx context.Context, userID, peerID string) (string, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	id, err := g.backend.FindOrCreateConversation(ctx, userID, peerID)
	if err != nil {
		return "", &FetchError{Op: "find or create conversation", Err: err}
	}
	return id, nil
}

func (g *gateway) markRead(ctx context.Context, conversationID, userID string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.backend.MarkRead(ctx, conversationID, userID); err != nil {
		return &MarkReadError{ConversationID: conversationID, Err: err}
	}
	return nil
}

func (g *gateway) lookupUser(ctx context.Context, userID string) (UserProfile, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return g.backend.LookupUser(ctx, userID)
}
