package msgsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Topics
// ============================================================================

const (
	userTopicPrefix         = "user:"
	conversationTopicPrefix = "conversation:"
)

// UserTopic returns the push topic carrying conversation-list events for a user.
func UserTopic(userID string) string { return userTopicPrefix + userID }

// ConversationTopic returns the push topic carrying message events for a conversation.
func ConversationTopic(conversationID string) string {
	return conversationTopicPrefix + conversationID
}

// ============================================================================
// Entities
// ============================================================================

// DeliveryState is the display status of a message. It is derived, never stored.
type DeliveryState string

const (
	Sending   DeliveryState = "sending"
	Delivered DeliveryState = "delivered"
	Read      DeliveryState = "read"
)

// TempIDPrefix marks client-synthesized message ids.
const TempIDPrefix = "local-"

// UserProfile is the display metadata attached to a message sender.
type UserProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Message is a single entry in a conversation timeline.
type Message struct {
	ID             string       `json:"id"`
	Temporary      bool         `json:"temporary,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"createdAt"`
	IsRead         bool         `json:"isRead"`
	Sender         *UserProfile `json:"sender,omitempty"`

	// State is filled in on snapshots taken through the Engine.
	State DeliveryState `json:"state,omitempty"`
}

// ConversationSummary is the list-level view of a conversation.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	ParticipantIDs     []string  `json:"participantIds"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
}

// Conversation is a summary plus its lazily loaded timeline.
type Conversation struct {
	ConversationSummary
	Messages []Message `json:"messages,omitempty"`
}

// PeerOf returns the participant that is not userID, or "" for a self conversation.
func (c ConversationSummary) PeerOf(userID string) string {
	for _, p := range c.ParticipantIDs {
		if p != userID {
			return p
		}
	}
	return ""
}

func (m Message) clone() Message {
	if m.Sender != nil {
		s := *m.Sender
		m.Sender = &s
	}
	return m
}

func (c ConversationSummary) clone() ConversationSummary {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return c
}

// ============================================================================
// Push events
// ============================================================================

// Push event types.
const (
	EventMessageNew          = "message.new"
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
)

// PushEnvelope is the wire format of every push event.
type PushEnvelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of a message.new event.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
	IsRead         bool   `json:"isRead,omitempty"`
}

// ConversationPayload is the payload of conversation.* events.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// PushEvent is either MessageInserted or ConversationChanged.
type PushEvent interface {
	isPushEvent()
}

// MessageInserted reports a new server-confirmed message.
type MessageInserted struct {
	Message Message
}

// ConversationChanged reports that a conversation was created or its metadata changed.
type ConversationChanged struct {
	ConversationID string
}

func (MessageInserted) isPushEvent()     {}
func (ConversationChanged) isPushEvent() {}

// NewMessageEnvelope builds the message.new envelope for m on the conversation topic.
func NewMessageEnvelope(m Message) PushEnvelope {
	data, _ := json.Marshal(MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsRead:         m.IsRead,
	})
	return PushEnvelope{Type: EventMessageNew, Topic: ConversationTopic(m.ConversationID), Payload: data}
}

// NewConversationEnvelope builds a conversation.* envelope on a user topic.
func NewConversationEnvelope(eventType, userID, conversationID string) PushEnvelope {
	data, _ := json.Marshal(ConversationPayload{ConversationID: conversationID})
	return PushEnvelope{Type: eventType, Topic: UserTopic(userID), Payload: data}
}

// ParsePushEvent validates a raw envelope and converts it into a typed event.
func ParsePushEvent(env PushEnvelope) (PushEvent, error) {
	switch env.Type {
	case EventMessageNew:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, env.Type, err)
		}
		if p.ID == "" || p.ConversationID == "" || p.SenderID == "" {
			return nil, fmt.Errorf("%w: %s missing id, conversationId or senderId", ErrInvalidEvent, env.Type)
		}
		if strings.HasPrefix(p.ID, TempIDPrefix) {
			return nil, fmt.Errorf("%w: temporary id %q in push event", ErrInvalidEvent, p.ID)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: createdAt %q: %v", ErrInvalidEvent, p.CreatedAt, err)
		}
		return MessageInserted{Message: Message{
			ID:             p.ID,
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Content:        p.Content,
			CreatedAt:      createdAt,
			IsRead:         p.IsRead,
		}}, nil

	case EventConversationCreated, EventConversationUpdated:
		var p ConversationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, env.Type, err)
		}
		return ConversationChanged{ConversationID: p.ConversationID}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, env.Type)
}

// ============================================================================
// REST envelope
// ============================================================================

// apiResult is the generic REST response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// decode unmarshals the Data field into v.
func (r *apiResult) decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
