package msgsync

import (
	"sort"
	"time"

	"github.com/aquilax/truncate"
)

// ============================================================================
// Patches
// ============================================================================

// Patch is a single mutation of a Store. Apply is the only way to change one.
type Patch interface {
	isPatch()
}

// UpsertConversation inserts a conversation or merges server metadata into it.
// With IfAbsent an existing conversation is left untouched.
type UpsertConversation struct {
	Conversation ConversationSummary
	IfAbsent     bool
}

// MergeList upserts every summary of a successful list fetch and clears the list error.
type MergeList struct {
	Conversations []ConversationSummary
}

// AppendMessage introduces one message into its conversation.
type AppendMessage struct {
	Message Message
}

// ReplaceMessage swaps a temporary message for its server-confirmed version.
type ReplaceMessage struct {
	TempID  string
	Message Message
}

// RemoveMessage rolls back a temporary message.
type RemoveMessage struct {
	ConversationID string
	TempID         string
}

// SetUnread overwrites the unread count of a conversation.
type SetUnread struct {
	ConversationID string
	Count          int
}

// MergeHistory merges a fetched timeline and marks the conversation loaded.
type MergeHistory struct {
	ConversationID string
	Messages       []Message
}

// FetchFailed records a failed fetch. An empty ConversationID targets the list.
type FetchFailed struct {
	ConversationID string
	Err            error
}

func (UpsertConversation) isPatch() {}
func (MergeList) isPatch()          {}
func (AppendMessage) isPatch()      {}
func (ReplaceMessage) isPatch()     {}
func (RemoveMessage) isPatch()      {}
func (SetUnread) isPatch()          {}
func (MergeHistory) isPatch()       {}
func (FetchFailed) isPatch()        {}

// Change describes what an applied patch modified.
type Change struct {
	// ConversationID is empty for list-level changes.
	ConversationID string
	// Messages reports that the conversation timeline changed.
	Messages bool
	Patch    Patch
}

// ============================================================================
// Store
// ============================================================================

type conversationState struct {
	summary  ConversationSummary
	messages []Message
	loaded   bool
	loadErr  error

	// Last preview reported by the server; restored when a rollback empties the tail.
	baselinePreview string
	baselineAt      time.Time
}

// Store holds the conversation list and timelines. It is not safe for
// concurrent use; the Engine confines it to its loop goroutine.
type Store struct {
	matchWindow   time.Duration
	previewLength int

	convs     map[string]*conversationState
	listErr   error
	listeners []func(Change)
}

// NewStore creates an empty store using cfg's MatchWindow and PreviewLength.
func NewStore(cfg *Config) *Store {
	c := cfg.withDefaults()
	return &Store{
		matchWindow:   c.MatchWindow,
		previewLength: c.PreviewLength,
		convs:         make(map[string]*conversationState),
	}
}

// OnChange registers a listener invoked synchronously after every effective patch.
func (s *Store) OnChange(fn func(Change)) {
	s.listeners = append(s.listeners, fn)
}

// Apply applies p. The boolean is false when p left the store unchanged.
func (s *Store) Apply(p Patch) (Change, bool) {
	ch := Change{Patch: p}
	var changed bool

	switch p := p.(type) {
	case UpsertConversation:
		ch.ConversationID = p.Conversation.ID
		changed = s.upsert(p.Conversation, p.IfAbsent)

	case MergeList:
		for _, c := range p.Conversations {
			if s.upsert(c, false) {
				changed = true
			}
		}
		if s.listErr != nil {
			s.listErr = nil
			changed = true
		}

	case AppendMessage:
		ch.ConversationID = p.Message.ConversationID
		ch.Messages = true
		cs := s.ensure(p.Message.ConversationID)
		changed = cs.insert(p.Message, s.matchWindow)
		if changed {
			s.refreshSummary(cs)
		}

	case ReplaceMessage:
		ch.ConversationID = p.Message.ConversationID
		ch.Messages = true
		cs := s.ensure(p.Message.ConversationID)
		changed = cs.replace(p.TempID, p.Message, s.matchWindow)
		if changed {
			s.refreshSummary(cs)
		}

	case RemoveMessage:
		ch.ConversationID = p.ConversationID
		ch.Messages = true
		if cs, ok := s.convs[p.ConversationID]; ok {
			changed = cs.remove(p.TempID)
			if changed {
				s.refreshSummary(cs)
			}
		}

	case SetUnread:
		ch.ConversationID = p.ConversationID
		if cs, ok := s.convs[p.ConversationID]; ok && cs.summary.UnreadCount != p.Count {
			cs.summary.UnreadCount = p.Count
			changed = true
		}

	case MergeHistory:
		ch.ConversationID = p.ConversationID
		ch.Messages = true
		cs := s.ensure(p.ConversationID)
		for _, m := range p.Messages {
			if m.ConversationID == "" {
				m.ConversationID = p.ConversationID
			}
			if cs.insert(m, s.matchWindow) {
				changed = true
			}
		}
		if !cs.loaded || cs.loadErr != nil {
			cs.loaded = true
			cs.loadErr = nil
			changed = true
		}
		if changed {
			s.refreshSummary(cs)
		}

	case FetchFailed:
		ch.ConversationID = p.ConversationID
		if p.ConversationID == "" {
			changed = !sameError(s.listErr, p.Err)
			s.listErr = p.Err
		} else {
			cs := s.ensure(p.ConversationID)
			changed = !sameError(cs.loadErr, p.Err)
			cs.loadErr = p.Err
		}
	}

	if changed {
		for _, fn := range s.listeners {
			fn(ch)
		}
	}
	return ch, changed
}

func (s *Store) ensure(id string) *conversationState {
	cs, ok := s.convs[id]
	if !ok {
		cs = &conversationState{summary: ConversationSummary{ID: id}}
		s.convs[id] = cs
	}
	return cs
}

func (s *Store) upsert(c ConversationSummary, ifAbsent bool) bool {
	cs, ok := s.convs[c.ID]
	if ok && ifAbsent {
		return false
	}
	if !ok {
		cs = &conversationState{summary: ConversationSummary{ID: c.ID}}
		s.convs[c.ID] = cs
	}
	before := cs.summary.clone()

	if len(c.ParticipantIDs) > 0 {
		cs.summary.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	}
	cs.summary.UnreadCount = c.UnreadCount
	if !c.LastMessageAt.IsZero() && !c.LastMessageAt.Before(cs.baselineAt) {
		cs.baselineAt = c.LastMessageAt
		cs.baselinePreview = c.LastMessagePreview
	}
	s.refreshSummary(cs)
	return !ok || !summaryEqual(before, cs.summary)
}

// refreshSummary derives the preview from the newest of the server baseline and the tail.
func (s *Store) refreshSummary(cs *conversationState) {
	text, at := cs.baselinePreview, cs.baselineAt
	if n := len(cs.messages); n > 0 {
		tail := cs.messages[n-1]
		if !tail.CreatedAt.Before(at) {
			text, at = tail.Content, tail.CreatedAt
		}
	}
	cs.summary.LastMessagePreview = s.preview(text)
	cs.summary.LastMessageAt = at
}

func (s *Store) preview(text string) string {
	return truncate.Truncate(text, s.previewLength, "...", truncate.PositionEnd)
}

// ============================================================================
// Snapshots
// ============================================================================

// ListConversations returns all summaries, newest activity first.
func (s *Store) ListConversations() []ConversationSummary {
	out := make([]ConversationSummary, 0, len(s.convs))
	for _, cs := range s.convs {
		out = append(out, cs.summary.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns the summary and timeline of id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	cs, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return Conversation{ConversationSummary: cs.summary.clone(), Messages: cloneMessages(cs.messages)}, true
}

// Messages returns the timeline of id, oldest first. It is empty when nothing is loaded.
func (s *Store) Messages(id string) []Message {
	cs, ok := s.convs[id]
	if !ok {
		return []Message{}
	}
	return cloneMessages(cs.messages)
}

// Loaded reports whether the history of id has been fetched.
func (s *Store) Loaded(id string) bool {
	cs, ok := s.convs[id]
	return ok && cs.loaded
}

func (s *Store) tailCreatedAt(id string) time.Time {
	cs, ok := s.convs[id]
	if !ok || len(cs.messages) == 0 {
		return time.Time{}
	}
	return cs.messages[len(cs.messages)-1].CreatedAt
}

// ListError returns the error of the last failed list fetch.
func (s *Store) ListError() error { return s.listErr }

// HistoryError returns the error of the last failed history fetch of id.
func (s *Store) HistoryError(id string) error {
	if cs, ok := s.convs[id]; ok {
		return cs.loadErr
	}
	return nil
}

// TotalUnread sums the unread counts of every conversation.
func (s *Store) TotalUnread() int {
	var n int
	for _, cs := range s.convs {
		n += cs.summary.UnreadCount
	}
	return n
}

// TemporaryIDs lists the ids of all temporary messages still in the store.
func (s *Store) TemporaryIDs() []string {
	var ids []string
	for _, cs := range s.convs {
		for _, m := range cs.messages {
			if m.Temporary {
				ids = append(ids, m.ID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func cloneMessages(ms []Message) []Message {
	out := make([]Message, len(ms))
	for i, m := range ms {
		out[i] = m.clone()
	}
	return out
}

func summaryEqual(a, b ConversationSummary) bool {
	if a.ID != b.ID || a.LastMessagePreview != b.LastMessagePreview ||
		!a.LastMessageAt.Equal(b.LastMessageAt) || a.UnreadCount != b.UnreadCount ||
		len(a.ParticipantIDs) != len(b.ParticipantIDs) {
		return false
	}
	for i := range a.ParticipantIDs {
		if a.ParticipantIDs[i] != b.ParticipantIDs[i] {
			return false
		}
	}
	return true
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}
