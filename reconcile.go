package msgsync

import (
	"sort"
	"time"
)

// insert introduces m into the timeline, merging it into an existing entry
// when it has the same id or confirms a pending temporary message.
func (cs *conversationState) insert(m Message, window time.Duration) bool {
	if i := cs.indexOf(m.ID); i >= 0 {
		return cs.mergeAt(i, m)
	}
	if !m.Temporary {
		if i := cs.matchTemporary(m, window); i >= 0 {
			return cs.mergeAt(i, m)
		}
	}
	m = m.clone()
	m.State = ""
	cs.messages = append(cs.messages, m)
	cs.sortMessages()
	return true
}

// replace confirms the temporary message tempID with m. When the temporary
// entry is gone the confirmation takes the general insert path.
func (cs *conversationState) replace(tempID string, m Message, window time.Duration) bool {
	ti := cs.indexOf(tempID)
	if ti < 0 || !cs.messages[ti].Temporary {
		return cs.insert(m, window)
	}
	if ri := cs.indexOf(m.ID); ri >= 0 {
		cs.messages = append(cs.messages[:ti], cs.messages[ti+1:]...)
		if ri > ti {
			ri--
		}
		cs.mergeAt(ri, m)
		return true
	}
	cs.mergeAt(ti, m)
	return true
}

// remove drops the temporary message tempID.
func (cs *conversationState) remove(tempID string) bool {
	i := cs.indexOf(tempID)
	if i < 0 || !cs.messages[i].Temporary {
		return false
	}
	cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
	return true
}

func (cs *conversationState) indexOf(id string) int {
	for i := range cs.messages {
		if cs.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// matchTemporary returns the oldest temporary message that m confirms, or -1.
func (cs *conversationState) matchTemporary(m Message, window time.Duration) int {
	for i := range cs.messages {
		t := &cs.messages[i]
		if !t.Temporary || t.SenderID != m.SenderID || t.Content != m.Content ||
			t.ConversationID != m.ConversationID {
			continue
		}
		if absDuration(t.CreatedAt.Sub(m.CreatedAt)) <= window {
			return i
		}
	}
	return -1
}

func (cs *conversationState) mergeAt(i int, m Message) bool {
	merged := mergeMessage(cs.messages[i], m)
	if messageEqual(merged, cs.messages[i]) {
		return false
	}
	cs.messages[i] = merged
	cs.sortMessages()
	return true
}

func (cs *conversationState) sortMessages() {
	sort.SliceStable(cs.messages, func(i, j int) bool {
		return cs.messages[i].CreatedAt.Before(cs.messages[j].CreatedAt)
	})
}

// mergeMessage combines two copies of one message. Confirmed fields win over
// temporary ones; a known sender profile and read flag are never lost.
func mergeMessage(existing, incoming Message) Message {
	if incoming.Temporary && !existing.Temporary {
		return existing
	}
	out := incoming.clone()
	if out.Sender == nil && existing.Sender != nil {
		s := *existing.Sender
		out.Sender = &s
	}
	out.IsRead = existing.IsRead || incoming.IsRead
	out.State = ""
	return out
}

func messageEqual(a, b Message) bool {
	if a.ID != b.ID || a.Temporary != b.Temporary || a.ConversationID != b.ConversationID ||
		a.SenderID != b.SenderID || a.Content != b.Content || !a.CreatedAt.Equal(b.CreatedAt) ||
		a.IsRead != b.IsRead {
		return false
	}
	if (a.Sender == nil) != (b.Sender == nil) {
		return false
	}
	return a.Sender == nil || *a.Sender == *b.Sender
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
