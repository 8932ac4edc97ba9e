package model

import (
	"strings"
	"time"
)

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageKind tells regular turns apart from entries the client itself emits.
type MessageKind string

const (
	MessageRegular MessageKind = "regular"
	MessageWelcome MessageKind = "welcome"
	MessageNotice  MessageKind = "notice"
	MessageError   MessageKind = "error"
)

// Message is one transcript entry. An assistant message is mutable only while IsStreaming.
type Message struct {
	ID          string
	Content     string
	Sender      Sender
	Kind        MessageKind
	Timestamp   time.Time
	IsStreaming bool
}

// HistoryMessage is the wire shape returned by the history endpoint.
type HistoryMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

// NormalizeContent trims content; history entries normalizing to "" are dropped.
func NormalizeContent(s string) string {
	return strings.TrimSpace(s)
}

// ToMessage converts a history entry into a finalized transcript message.
func (h HistoryMessage) ToMessage() Message {
	sender := SenderAssistant
	if h.IsUser {
		sender = SenderUser
	}
	ts := h.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Message{
		ID:        h.ID,
		Content:   NormalizeContent(h.Content),
		Sender:    sender,
		Kind:      MessageRegular,
		Timestamp: ts,
	}
}

// Transcript is an ordered message list with unique ids.
type Transcript struct {
	msgs  []Message
	index map[string]int
}

func NewTranscript() *Transcript {
	return &Transcript{
		msgs:  make([]Message, 0, 16),
		index: make(map[string]int),
	}
}

// Append adds m unless a message with the same id already exists.
func (t *Transcript) Append(m Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := t.index[m.ID]; ok {
		return false
	}
	t.index[m.ID] = len(t.msgs)
	t.msgs = append(t.msgs, m)
	return true
}

// Update applies fn to the streaming message with the given id.
// Finalized messages are immutable and are left untouched.
func (t *Transcript) Update(id string, fn func(m *Message)) bool {
	i, ok := t.index[id]
	if !ok || !t.msgs[i].IsStreaming {
		return false
	}
	fn(&t.msgs[i])
	return true
}

func (t *Transcript) Get(id string) (Message, bool) {
	i, ok := t.index[id]
	if !ok {
		return Message{}, false
	}
	return t.msgs[i], true
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Transcript) Len() int { return len(t.msgs) }

func (t *Transcript) Reset() {
	t.msgs = t.msgs[:0]
	t.index = make(map[string]int)
}

// CountKind returns how many messages of kind k are present.
func (t *Transcript) CountKind(k MessageKind) int {
	n := 0
	for _, m := range t.msgs {
		if m.Kind == k {
			n++
		}
	}
	return n
}
