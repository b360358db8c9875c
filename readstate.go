package msgsync

import (
	"time"

	"go.uber.org/zap"
)

// DeliveryStateOf derives the display state of m at now. A temporary message
// reports Sending for sendingWindow after its creation.
func DeliveryStateOf(m Message, now time.Time, sendingWindow time.Duration) DeliveryState {
	if m.Temporary && now.Sub(m.CreatedAt) < sendingWindow {
		return Sending
	}
	if m.IsRead {
		return Read
	}
	return Delivered
}

// readTracker zeroes the unread badge of an opened conversation and reports
// the read to the backend in the background.
type readTracker struct {
	e   *Engine
	log *zap.Logger
}

// opened must run on the engine loop.
func (r *readTracker) opened(conversationID string) {
	r.e.store.Apply(SetUnread{ConversationID: conversationID, Count: 0})
	r.e.goAsync(func() {
		if err := r.e.gw.markRead(r.e.bg, conversationID, r.e.userID); err != nil {
			r.log.Warn("mark read failed",
				zap.String("conversation", conversationID), zap.Error(err))
		}
	})
}
