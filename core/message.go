package core

import (
	"time"

	"github.com/google/uuid"
)

// Metadata carries optional generation statistics attached to an assistant
// message. All fields are best-effort; absence of the struct means the
// message was authored by the user or predates metadata capture.
type Metadata struct {
	ProcessingTime   time.Duration `json:"processing_time,omitempty"`
	TokenCount       int           `json:"token_count,omitempty"`
	Confidence       float64       `json:"confidence,omitempty"` // in [0,1]
	Tone             string        `json:"tone,omitempty"`
	Category         string        `json:"category,omitempty"`
	Topics           []string      `json:"topics,omitempty"`
	RequiresFollowUp bool          `json:"requires_follow_up,omitempty"`
}

// Message is a single conversational turn. Once persisted it is immutable
// except for reaction additions and deletion.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`
	Reactions []string  `json:"reactions,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// NewUserMessage creates a user-authored message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{ID: NewID(), Content: content, IsUser: true, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage creates an assistant-authored message with optional metadata.
func NewAssistantMessage(content string, md *Metadata) Message {
	return Message{ID: NewID(), Content: content, IsUser: false, Timestamp: time.Now().UTC(), Metadata: md}
}

// AddReaction appends a reaction symbol if not already present. Returns true
// when the set changed.
func (m *Message) AddReaction(symbol string) bool {
	for _, r := range m.Reactions {
		if r == symbol {
			return false
		}
	}
	m.Reactions = append(m.Reactions, symbol)
	return true
}

// Clone returns a deep copy safe for independent mutation.
func (m Message) Clone() Message {
	c := m
	if m.Reactions != nil {
		c.Reactions = append([]string(nil), m.Reactions...)
	}
	if m.Metadata != nil {
		md := *m.Metadata
		if m.Metadata.Topics != nil {
			md.Topics = append([]string(nil), m.Metadata.Topics...)
		}
		c.Metadata = &md
	}
	return c
}

// NewID generates a new unique identifier for sessions, messages and turns.
func NewID() string { return uuid.NewString() }
