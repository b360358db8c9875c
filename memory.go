package msgsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/uuid/v5"
)

// Publisher fans push envelopes out to subscribers of their topic.
type Publisher interface {
	Publish(ctx context.Context, env PushEnvelope) error
}

// ============================================================================
// MemoryBackend
// ============================================================================

type memoryConversation struct {
	id           string
	participants []string
	messages     []Message
}

// MemoryBackend is a goroutine-safe in-memory Backend. When a Publisher is
// set, writes emit the same push events a server would.
type MemoryBackend struct {
	clock     clock.Clock
	publisher Publisher

	mu            sync.RWMutex
	users         map[string]UserProfile
	conversations map[string]*memoryConversation
	direct        map[string]string
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend. pub and clk may be nil.
func NewMemoryBackend(pub Publisher, clk clock.Clock) *MemoryBackend {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryBackend{
		clock:         clk,
		publisher:     pub,
		users:         make(map[string]UserProfile),
		conversations: make(map[string]*memoryConversation),
		direct:        make(map[string]string),
	}
}

// PutUser adds or replaces a user profile.
func (b *MemoryBackend) PutUser(p UserProfile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[p.ID] = p
}

// Users lists every known profile ordered by id.
func (b *MemoryBackend) Users() []UserProfile {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]UserProfile, 0, len(b.users))
	for _, u := range b.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutMessage stores m as-is without publishing, for seeding.
func (b *MemoryBackend) PutMessage(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.conversation(m.ConversationID)
	c.messages = append(c.messages, m)
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
}

// PutConversation creates a conversation with a fixed id, for seeding.
func (b *MemoryBackend) PutConversation(id string, participants ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.conversation(id)
	c.participants = append([]string(nil), participants...)
	if len(participants) == 2 {
		b.direct[pairKey(participants[0], participants[1])] = id
	}
}

// conversation must be called with mu held.
func (b *MemoryBackend) conversation(id string) *memoryConversation {
	c, ok := b.conversations[id]
	if !ok {
		c = &memoryConversation{id: id}
		b.conversations[id] = c
	}
	return c
}

func (b *MemoryBackend) FetchConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []ConversationSummary
	for _, c := range b.conversations {
		if !contains(c.participants, userID) {
			continue
		}
		s := ConversationSummary{
			ID:             c.id,
			ParticipantIDs: append([]string(nil), c.participants...),
		}
		if n := len(c.messages); n > 0 {
			last := c.messages[n-1]
			s.LastMessagePreview = last.Content
			s.LastMessageAt = last.CreatedAt
		}
		for _, m := range c.messages {
			if m.SenderID != userID && !m.IsRead {
				s.UnreadCount++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *MemoryBackend) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return cloneMessages(c.messages), nil
}

func (b *MemoryBackend) SendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	b.mu.Lock()
	c, ok := b.conversations[conversationID]
	if !ok {
		b.mu.Unlock()
		return Message{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	m := Message{
		ID:             uuid.Must(uuid.NewV4()).String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      b.clock.Now().UTC(),
	}
	c.messages = append(c.messages, m)
	participants := append([]string(nil), c.participants...)
	b.mu.Unlock()

	b.publish(ctx, NewMessageEnvelope(m))
	for _, p := range participants {
		b.publish(ctx, NewConversationEnvelope(EventConversationUpdated, p, conversationID))
	}
	return m, nil
}

func (b *MemoryBackend) FindOrCreateConversation(ctx context.Context, userID, peerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := pairKey(userID, peerID)
	b.mu.Lock()
	if id, ok := b.direct[key]; ok {
		b.mu.Unlock()
		return id, nil
	}
	id := uuid.Must(uuid.NewV4()).String()
	c := b.conversation(id)
	c.participants = []string{userID, peerID}
	b.direct[key] = id
	b.mu.Unlock()

	b.publish(ctx, NewConversationEnvelope(EventConversationCreated, userID, id))
	if peerID != userID {
		b.publish(ctx, NewConversationEnvelope(EventConversationCreated, peerID, id))
	}
	return id, nil
}

func (b *MemoryBackend) MarkRead(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	for i := range c.messages {
		if c.messages[i].SenderID != userID {
			c.messages[i].IsRead = true
		}
	}
	return nil
}

func (b *MemoryBackend) LookupUser(ctx context.Context, userID string) (UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return UserProfile{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.users[userID]
	if !ok {
		return UserProfile{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return p, nil
}

func (b *MemoryBackend) publish(ctx context.Context, env PushEnvelope) {
	if b.publisher == nil {
		return
	}
	_ = b.publisher.Publish(ctx, env)
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// MemoryHub
// ============================================================================

// MemoryHub is an in-process PushChannel and Publisher. Events are delivered
// synchronously on the publishing goroutine.
type MemoryHub struct {
	mu        sync.Mutex
	subs      map[string]map[uint64]func(PushEnvelope)
	nextID    uint64
	connected bool
	subErr    error
	listeners []func(bool, error)
}

var (
	_ PushChannel = (*MemoryHub)(nil)
	_ Publisher   = (*MemoryHub)(nil)
)

// NewMemoryHub creates a connected hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[uint64]func(PushEnvelope)), connected: true}
}

func (h *MemoryHub) Subscribe(ctx context.Context, topic string, onEvent func(PushEnvelope)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return nil, ErrNotConnected
	}
	if h.subErr != nil {
		return nil, h.subErr
	}
	h.nextID++
	id := h.nextID
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]func(PushEnvelope))
	}
	h.subs[topic][id] = onEvent
	return &memorySubscription{hub: h, topic: topic, id: id}, nil
}

func (h *MemoryHub) OnConnectionChange(fn func(connected bool, err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Publish delivers env to every subscriber of env.Topic.
func (h *MemoryHub) Publish(ctx context.Context, env PushEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return nil
	}
	ids := make([]uint64, 0, len(h.subs[env.Topic]))
	for id := range h.subs[env.Topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(PushEnvelope), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, h.subs[env.Topic][id])
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Topics lists every topic with at least one live subscription.
func (h *MemoryHub) Topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for t, s := range h.subs {
		if len(s) > 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// FailSubscribes makes Subscribe return err until called again with nil.
func (h *MemoryHub) FailSubscribes(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subErr = err
}

// SimulateDrop disconnects the hub, discarding every subscription.
func (h *MemoryHub) SimulateDrop(err error) {
	h.mu.Lock()
	h.connected = false
	h.subs = make(map[string]map[uint64]func(PushEnvelope))
	listeners := append([]func(bool, error){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(false, err)
	}
}

// Reconnect restores the connection after SimulateDrop.
func (h *MemoryHub) Reconnect() {
	h.mu.Lock()
	h.connected = true
	listeners := append([]func(bool, error){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(true, nil)
	}
}

type memorySubscription struct {
	hub   *MemoryHub
	topic string
	id    uint64
}

func (s *memorySubscription) Topic() string { return s.topic }

func (s *memorySubscription) Unsubscribe() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if subs := s.hub.subs[s.topic]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.hub.subs, s.topic)
		}
	}
	return nil
}

// seedTime is the fixed epoch used by demo data.
var seedTime = time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)

// DemoConversation is a seeded direct conversation.
type DemoConversation struct {
	ID           string
	Participants []string
}

// DemoData returns a small campus directory with two conversations.
func DemoData() ([]UserProfile, []DemoConversation, []Message) {
	users := []UserProfile{
		{ID: "u-student", Name: "Amina Otieno", Role: "student"},
		{ID: "u-lecturer", Name: "Dr. Kamau", Role: "lecturer"},
		{ID: "u-admin", Name: "Registry Office", Role: "admin"},
	}
	convs := []DemoConversation{
		{ID: "c-lecturer", Participants: []string{"u-student", "u-lecturer"}},
		{ID: "c-admin", Participants: []string{"u-student", "u-admin"}},
	}
	msgs := []Message{
		{ID: "m-1", ConversationID: "c-lecturer", SenderID: "u-lecturer",
			Content: "Assignment 2 is due Friday.", CreatedAt: seedTime},
		{ID: "m-2", ConversationID: "c-lecturer", SenderID: "u-student",
			Content: "Noted, thank you.", CreatedAt: seedTime.Add(5 * time.Minute), IsRead: true},
		{ID: "m-3", ConversationID: "c-admin", SenderID: "u-admin",
			Content: "Your fee statement is ready.", CreatedAt: seedTime.Add(time.Hour)},
	}
	return users, convs, msgs
}

// SeedDemo fills b with DemoData.
func SeedDemo(b *MemoryBackend) {
	users, convs, msgs := DemoData()
	for _, u := range users {
		b.PutUser(u)
	}
	for _, c := range convs {
		b.PutConversation(c.ID, c.Participants...)
	}
	for _, m := range msgs {
		b.PutMessage(m)
	}
}
