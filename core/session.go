package core

import (
	"sync"
	"time"
)

// Session is a conversational container holding an ordered message history.
// It is safe for concurrent access.
//
// Contract:
//   - Every mutation updates LastModified
//   - Messages remain ordered by non-decreasing timestamp after any append
//   - Snapshot returns a deep copy so callers cannot mutate internal state.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
	Persona      Persona   `json:"persona"`
	Messages     []Message `json:"messages"`
	mu           sync.RWMutex
}

// NewSession creates an empty session for the given persona.
func NewSession(persona Persona) *Session {
	now := time.Now().UTC()
	return &Session{ID: NewID(), CreatedAt: now, LastModified: now, Persona: persona, Messages: []Message{}}
}

// Append adds a message to the history. A timestamp earlier than the current
// tail is clamped to the tail's timestamp so ordering never regresses.
func (s *Session) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.Messages); n > 0 && msg.Timestamp.Before(s.Messages[n-1].Timestamp) {
		msg.Timestamp = s.Messages[n-1].Timestamp
	}
	s.Messages = append(s.Messages, msg)
	s.LastModified = time.Now().UTC()
}

// SetTitle updates the session title.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Title = title
	s.LastModified = time.Now().UTC()
}

// SetPersona switches the persona for subsequent generations.
func (s *Session) SetPersona(p Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Persona = p
	s.LastModified = time.Now().UTC()
}

// AddReaction adds a reaction symbol to the identified message. Returns
// false when the message does not exist or already carries the symbol.
func (s *Session) AddReaction(messageID, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			if s.Messages[i].AddReaction(symbol) {
				s.LastModified = time.Now().UTC()
				return true
			}
			return false
		}
	}
	return false
}

// RemoveMessage deletes the identified message. Returns false when absent.
func (s *Session) RemoveMessage(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
			s.LastModified = time.Now().UTC()
			return true
		}
	}
	return false
}

// FirstUserMessage returns the earliest user-authored message, if any.
func (s *Session) FirstUserMessage() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.Messages {
		if m.IsUser {
			return m.Clone(), true
		}
	}
	return Message{}, false
}

// RecentWindow returns up to max trailing messages as a deep copy. A max of
// zero or less returns the full history.
func (s *Session) RecentWindow(max int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.Messages
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

// Snapshot returns a deep copy of the session safe for independent mutation.
func (s *Session) Snapshot() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:           s.ID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		LastModified: s.LastModified,
		Persona:      s.Persona,
		Messages:     make([]Message, len(s.Messages)),
	}
	for i, m := range s.Messages {
		clone.Messages[i] = m.Clone()
	}
	return clone
}
