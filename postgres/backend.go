package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

const (
	qListConversations = `
SELECT c.id,
       ARRAY(SELECT p2.user_id FROM conversation_participants p2
             WHERE p2.conversation_id = c.id ORDER BY p2.user_id) AS participants,
       l.content,
       l.created_at,
       (SELECT count(*) FROM messages m
        WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND NOT m.is_read) AS unread
FROM conversations c
JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
LEFT JOIN LATERAL (
    SELECT content, created_at FROM messages m
    WHERE m.conversation_id = c.id
    ORDER BY m.created_at DESC, m.id DESC
    LIMIT 1
) l ON true
ORDER BY c.id`

	qListMessages = `SELECT id, conversation_id, sender_id, content, created_at, is_read
FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC, id ASC`

	qConversationExists = `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1)`
	qParticipants       = `SELECT user_id FROM conversation_participants WHERE conversation_id=$1 ORDER BY user_id`
	qInsertMessage      = `INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_read) VALUES ($1,$2,$3,$4,$5,$6)`
	qDirectByKey        = `SELECT id FROM conversations WHERE direct_key=$1`
	qInsertConversation = `INSERT INTO conversations (id, direct_key, created_at) VALUES ($1,$2,$3)`
	qInsertParticipant  = `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`
	qMarkRead           = `UPDATE messages SET is_read=true WHERE conversation_id=$1 AND sender_id<>$2 AND NOT is_read`
	qUserByID           = `SELECT id, name, role, avatar_url FROM users WHERE id=$1`
	qUpsertUser         = `INSERT INTO users (id, name, role, avatar_url) VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, role=EXCLUDED.role, avatar_url=EXCLUDED.avatar_url`
	qSeedConversation = `INSERT INTO conversations (id, direct_key, created_at) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`
	qSeedMessage      = `INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_read) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`
)

// Backend is a msgsync.Backend over PostgreSQL. Writes publish the push
// events a client expects when a Publisher is configured.
type Backend struct {
	db        *DB
	publisher msgsync.Publisher
	clock     clock.Clock
	log       *zap.Logger
	newID     func() string
}

var _ msgsync.Backend = (*Backend)(nil)

type Option func(*Backend)

func WithPublisher(p msgsync.Publisher) Option { return func(b *Backend) { b.publisher = p } }

func WithClock(c clock.Clock) Option { return func(b *Backend) { b.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(b *Backend) { b.log = l } }

// WithIDGenerator overrides the uuid generator for message and conversation ids.
func WithIDGenerator(fn func() string) Option { return func(b *Backend) { b.newID = fn } }

// NewBackend creates a backend on db.
func NewBackend(db *DB, opts ...Option) *Backend {
	b := &Backend{
		db:    db,
		clock: clock.New(),
		log:   zap.NewNop(),
		newID: func() string { return uuid.Must(uuid.NewV4()).String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) FetchConversations(ctx context.Context, userID string) ([]msgsync.ConversationSummary, error) {
	rows, err := b.db.Pool.Query(ctx, qListConversations, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []msgsync.ConversationSummary
	for rows.Next() {
		var (
			s       msgsync.ConversationSummary
			preview *string
			at      *time.Time
			unread  int64
		)
		if err := rows.Scan(&s.ID, &s.ParticipantIDs, &preview, &at, &unread); err != nil {
			return nil, err
		}
		if preview != nil {
			s.LastMessagePreview = *preview
		}
		if at != nil {
			s.LastMessageAt = at.UTC()
		}
		s.UnreadCount = int(unread)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *Backend) FetchMessages(ctx context.Context, conversationID string) ([]msgsync.Message, error) {
	rows, err := b.db.Pool.Query(ctx, qListMessages, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []msgsync.Message
	for rows.Next() {
		var m msgsync.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.IsRead); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}

	var exists bool
	if err := b.db.Pool.QueryRow(ctx, qConversationExists, conversationID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, msgsync.ErrNotFound)
	}
	return []msgsync.Message{}, nil
}

func (b *Backend) participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := b.db.Pool.Query(ctx, qParticipants, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *Backend) SendMessage(ctx context.Context, conversationID, senderID, content string) (msgsync.Message, error) {
	participants, err := b.participants(ctx, conversationID)
	if err != nil {
		return msgsync.Message{}, err
	}
	if len(participants) == 0 {
		return msgsync.Message{}, fmt.Errorf("conversation %s: %w", conversationID, msgsync.ErrNotFound)
	}

	m := msgsync.Message{
		ID:             b.newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      b.clock.Now().UTC(),
	}
	if _, err := b.db.Pool.Exec(ctx, qInsertMessage,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt, m.IsRead); err != nil {
		return msgsync.Message{}, err
	}

	b.publish(ctx, msgsync.NewMessageEnvelope(m))
	for _, p := range participants {
		b.publish(ctx, msgsync.NewConversationEnvelope(msgsync.EventConversationUpdated, p, conversationID))
	}
	return m, nil
}

func (b *Backend) FindOrCreateConversation(ctx context.Context, userID, peerID string) (string, error) {
	key := directKey(userID, peerID)
	id, err := b.directConversation(ctx, key)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	id = b.newID()
	if err := b.createConversation(ctx, id, key, userID, peerID); err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent create of the same pair.
			return b.directConversation(ctx, key)
		}
		return "", err
	}

	b.publish(ctx, msgsync.NewConversationEnvelope(msgsync.EventConversationCreated, userID, id))
	if peerID != userID {
		b.publish(ctx, msgsync.NewConversationEnvelope(msgsync.EventConversationCreated, peerID, id))
	}
	return id, nil
}

func (b *Backend) directConversation(ctx context.Context, key string) (string, error) {
	var id string
	err := b.db.Pool.QueryRow(ctx, qDirectByKey, key).Scan(&id)
	return id, err
}

func (b *Backend) createConversation(ctx context.Context, id, key string, members ...string) (err error) {
	tx, err := b.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if _, err = tx.Exec(ctx, qInsertConversation, id, key, b.clock.Now().UTC()); err != nil {
		return err
	}
	for _, m := range members {
		if _, err = tx.Exec(ctx, qInsertParticipant, id, m); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) MarkRead(ctx context.Context, conversationID, userID string) error {
	tag, err := b.db.Pool.Exec(ctx, qMarkRead, conversationID, userID)
	if err != nil {
		return err
	}
	b.log.Debug("marked read",
		zap.String("conversation", conversationID),
		zap.String("user", userID),
		zap.Int64("messages", tag.RowsAffected()))
	return nil
}

func (b *Backend) LookupUser(ctx context.Context, userID string) (msgsync.UserProfile, error) {
	var p msgsync.UserProfile
	err := b.db.Pool.QueryRow(ctx, qUserByID, userID).Scan(&p.ID, &p.Name, &p.Role, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return msgsync.UserProfile{}, fmt.Errorf("user %s: %w", userID, msgsync.ErrNotFound)
	}
	return p, err
}

// PutUser creates or updates a user profile.
func (b *Backend) PutUser(ctx context.Context, p msgsync.UserProfile) error {
	_, err := b.db.Pool.Exec(ctx, qUpsertUser, p.ID, p.Name, p.Role, p.AvatarURL)
	return err
}

// Seed inserts users, conversations and messages in one transaction,
// skipping rows that already exist.
func (b *Backend) Seed(ctx context.Context, users []msgsync.UserProfile, convs []msgsync.DemoConversation, msgs []msgsync.Message) (err error) {
	tx, err := b.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	for _, u := range users {
		if _, err = tx.Exec(ctx, qUpsertUser, u.ID, u.Name, u.Role, u.AvatarURL); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
	}
	for _, c := range convs {
		var key *string
		if len(c.Participants) == 2 {
			k := directKey(c.Participants[0], c.Participants[1])
			key = &k
		}
		if _, err = tx.Exec(ctx, qSeedConversation, c.ID, key, b.clock.Now().UTC()); err != nil {
			return fmt.Errorf("conversation %s: %w", c.ID, err)
		}
		for _, p := range c.Participants {
			if _, err = tx.Exec(ctx, qInsertParticipant, c.ID, p); err != nil {
				return fmt.Errorf("conversation %s: %w", c.ID, err)
			}
		}
	}
	for _, m := range msgs {
		if _, err = tx.Exec(ctx, qSeedMessage,
			m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt.UTC(), m.IsRead); err != nil {
			return fmt.Errorf("message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (b *Backend) publish(ctx context.Context, env msgsync.PushEnvelope) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(ctx, env); err != nil {
		b.log.Warn("publish failed", zap.String("topic", env.Topic), zap.Error(err))
	}
}

// directKey identifies the direct conversation between two users regardless of order.
func directKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}
