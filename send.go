package msgsync

import (
	"context"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Outgoing tracks one optimistic send until it is confirmed or rolled back.
type Outgoing struct {
	TempID         string
	ConversationID string

	done chan struct{}
	msg  Message
	err  error
}

// Done is closed once the send has settled.
func (o *Outgoing) Done() <-chan struct{} { return o.done }

// Wait blocks until the server confirms the message or the send fails.
func (o *Outgoing) Wait(ctx context.Context) (Message, error) {
	select {
	case <-o.done:
		return o.msg, o.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (o *Outgoing) settle(m Message, err error) {
	o.msg, o.err = m, err
	close(o.done)
}

// sendController runs the Composed → Pending → Confirmed | Failed lifecycle.
type sendController struct {
	e   *Engine
	log *zap.Logger
}

func newTempID() string {
	return TempIDPrefix + uuid.Must(uuid.NewV4()).String()
}

func (s *sendController) send(conversationID, content string) (*Outgoing, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	e := s.e
	out := &Outgoing{
		TempID:         newTempID(),
		ConversationID: conversationID,
		done:           make(chan struct{}),
	}

	err := e.do(func() {
		createdAt := e.clock.Now()
		if tail := e.store.tailCreatedAt(conversationID); tail.After(createdAt) {
			createdAt = tail
		}
		temp := Message{
			ID:             out.TempID,
			Temporary:      true,
			ConversationID: conversationID,
			SenderID:       e.userID,
			Content:        content,
			CreatedAt:      createdAt,
		}
		if p, ok := e.profiles.cached(e.userID); ok {
			temp.Sender = &p
		}
		e.store.Apply(AppendMessage{Message: temp})
	})
	if err != nil {
		return nil, err
	}

	if !e.goAsync(func() { s.deliver(out, content) }) {
		s.rollback(out, content, ErrClosed)
	}
	return out, nil
}

func (s *sendController) deliver(out *Outgoing, content string) {
	e := s.e
	m, err := e.gw.sendMessage(e.bg, out.ConversationID, e.userID, content)
	if err != nil {
		s.rollback(out, content, err)
		return
	}
	if m.Sender == nil {
		p := e.profiles.resolve(e.bg, m.SenderID)
		m.Sender = &p
	}
	if err := e.do(func() {
		e.store.Apply(ReplaceMessage{TempID: out.TempID, Message: m})
	}); err != nil {
		s.log.Debug("confirmation after close", zap.String("temp", out.TempID))
	}
	out.settle(m, nil)
}

func (s *sendController) rollback(out *Outgoing, content string, err error) {
	e := s.e
	s.log.Warn("send failed",
		zap.String("conversation", out.ConversationID),
		zap.String("temp", out.TempID),
		zap.Error(err))
	_ = e.do(func() {
		e.store.Apply(RemoveMessage{ConversationID: out.ConversationID, TempID: out.TempID})
	})
	e.notify.sendFailed(SendFailure{
		TempID:         out.TempID,
		ConversationID: out.ConversationID,
		Content:        content,
		Err:            err,
	})
	out.settle(Message{}, err)
}
