package msgsync

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrClosed is returned by Engine methods after Close.
	ErrClosed = errors.New("engine closed")

	// ErrEmptyContent rejects a send with blank content.
	ErrEmptyContent = errors.New("empty message content")

	// ErrNotFound indicates the requested entity does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEvent marks a push payload that failed validation.
	ErrInvalidEvent = errors.New("invalid push event")

	// ErrNotConnected is returned by push channels that have no live connection.
	ErrNotConnected = errors.New("not connected")
)

// APIError is the error object of a REST envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// SendError reports a failed SendMessage call. The optimistic message has been rolled back.
type SendError struct {
	ConversationID string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// FetchError reports a failed list or history fetch. ConversationID is empty for the list.
type FetchError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SubscriptionError reports a failed push subscription for a topic.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// MarkReadError reports a failed mark-read side effect. It is never fatal.
type MarkReadError struct {
	ConversationID string
	Err            error
}

func (e *MarkReadError) Error() string {
	return fmt.Sprintf("mark read %s: %v", e.ConversationID, e.Err)
}

func (e *MarkReadError) Unwrap() error { return e.Err }
