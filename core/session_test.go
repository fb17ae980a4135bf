package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_AppendOrdering(t *testing.T) {
	s := NewSession(DefaultPersona)

	first := NewUserMessage("first")
	s.Append(first)

	// A regressing timestamp is clamped to the tail rather than reordering.
	stale := NewAssistantMessage("second", nil)
	stale.Timestamp = first.Timestamp.Add(-time.Hour)
	s.Append(stale)

	msgs := s.RecentWindow(0)
	assert.Len(t, msgs, 2)
	assert.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))
	assert.Equal(t, "second", msgs[1].Content)
}

func TestSession_AppendBumpsLastModified(t *testing.T) {
	s := NewSession(DefaultPersona)
	before := s.LastModified
	time.Sleep(time.Millisecond)
	s.Append(NewUserMessage("hello"))
	assert.True(t, s.LastModified.After(before))
}

func TestSession_SnapshotIsDeepCopy(t *testing.T) {
	s := NewSession(DefaultPersona)
	msg := NewUserMessage("hello")
	s.Append(msg)

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"
	snap.Messages[0].Reactions = append(snap.Messages[0].Reactions, "x")

	orig := s.RecentWindow(0)
	assert.Equal(t, "hello", orig[0].Content)
	assert.Empty(t, orig[0].Reactions)
}

func TestSession_Reactions(t *testing.T) {
	s := NewSession(DefaultPersona)
	msg := NewUserMessage("hello")
	s.Append(msg)

	assert.True(t, s.AddReaction(msg.ID, "👍"))
	// Duplicate symbol does not change the set.
	assert.False(t, s.AddReaction(msg.ID, "👍"))
	assert.False(t, s.AddReaction("missing", "👍"))

	msgs := s.RecentWindow(0)
	assert.Equal(t, []string{"👍"}, msgs[0].Reactions)
}

func TestSession_RemoveMessage(t *testing.T) {
	s := NewSession(DefaultPersona)
	a := NewUserMessage("a")
	b := NewAssistantMessage("b", nil)
	s.Append(a)
	s.Append(b)

	assert.True(t, s.RemoveMessage(a.ID))
	assert.False(t, s.RemoveMessage(a.ID))
	assert.Equal(t, 1, s.Len())

	first, ok := s.FirstUserMessage()
	assert.False(t, ok)
	assert.Empty(t, first.ID)
}

func TestSession_RecentWindow(t *testing.T) {
	s := NewSession(DefaultPersona)
	for i := 0; i < 5; i++ {
		s.Append(NewUserMessage("m"))
	}
	assert.Len(t, s.RecentWindow(3), 3)
	assert.Len(t, s.RecentWindow(0), 5)
	assert.Len(t, s.RecentWindow(10), 5)
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	msg := NewAssistantMessage("hello", &Metadata{Topics: []string{"a"}})
	msg.AddReaction("❤️")

	clone := msg.Clone()
	clone.Metadata.Topics[0] = "b"
	clone.Reactions[0] = "x"

	assert.Equal(t, "a", msg.Metadata.Topics[0])
	assert.Equal(t, "❤️", msg.Reactions[0])
}
