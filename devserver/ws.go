package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

const writeWait = 10 * time.Second

// wsClient is one WebSocket connection. Outbound frames go through a
// buffered queue drained by writeLoop.
type wsClient struct {
	s      *Server
	userID string
	conn   *websocket.Conn
	log    *zap.Logger

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]msgsync.Subscription
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := bearer(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token is required")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}

	c := &wsClient{
		s:      s,
		userID: userID,
		conn:   conn,
		log:    s.log.With(zap.String("user", userID)),
		send:   make(chan []byte, s.cfg.SendBuffer),
		closed: make(chan struct{}),
		subs:   make(map[string]msgsync.Subscription),
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writeLoop(ctx)

	c.reply(msgsync.TypeAuthenticated, "", msgsync.AuthenticatedPayload{UserID: userID})
	c.log.Info("client connected")
	c.readLoop(ctx)
	c.close(websocket.StatusNormalClosure, "")
	c.log.Info("client disconnected")
}

func (c *wsClient) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			RequestID string          `json:"requestId"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reply(msgsync.TypeError, "", map[string]string{"message": "invalid command"})
			continue
		}

		switch cmd.Type {
		case msgsync.TypeSubscribe, msgsync.TypeUnsubscribe:
			var p msgsync.TopicPayload
			_ = json.Unmarshal(cmd.Payload, &p)
			ack := msgsync.AckPayload{RequestID: cmd.RequestID}
			var err error
			if cmd.Type == msgsync.TypeSubscribe {
				err = c.subscribe(ctx, p.Topic)
			} else {
				c.unsubscribe(p.Topic)
			}
			if err != nil {
				ack.Error = err.Error()
			}
			c.reply(msgsync.TypeAck, "", ack)
		case msgsync.TypePing:
			c.reply(msgsync.TypePong, "", msgsync.AckPayload{RequestID: cmd.RequestID})
		default:
			c.reply(msgsync.TypeError, "", map[string]string{"message": "unknown command " + cmd.Type})
		}
	}
}

func (c *wsClient) subscribe(ctx context.Context, topic string) error {
	if err := c.s.authorize(ctx, c.userID, topic); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; ok {
		return nil
	}
	sub, err := c.s.hub.Subscribe(ctx, topic, c.forward)
	if err != nil {
		return err
	}
	c.subs[topic] = sub
	return nil
}

func (c *wsClient) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
}

func (c *wsClient) forward(env msgsync.PushEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *wsClient) reply(typ, topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msgsync.PushEnvelope{Type: typ, Topic: topic, Payload: raw})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue never blocks; a full queue disconnects the client.
func (c *wsClient) enqueue(data []byte) {
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, disconnecting")
		c.close(websocket.StatusPolicyViolation, "send buffer full")
	}
}

func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *wsClient) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]msgsync.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		_ = c.conn.Close(code, reason)
	})
}

// authorize allows a user topic only to its owner and a conversation topic
// only to its participants.
func (s *Server) authorize(ctx context.Context, userID, topic string) error {
	if topic == "" {
		return errEmptyTopic
	}
	if owner, ok := strings.CutPrefix(topic, msgsync.UserTopic("")); ok {
		if owner != userID {
			return errForbidden
		}
		return nil
	}
	if id, ok := strings.CutPrefix(topic, msgsync.ConversationTopic("")); ok {
		convs, err := s.backend.FetchConversations(ctx, userID)
		if err != nil {
			return fmt.Errorf("check participants: %w", err)
		}
		for _, c := range convs {
			if c.ID == id {
				return nil
			}
		}
		return errForbidden
	}
	return nil
}
