package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/taxonomy"
)

// MemoryStore is a volatile Gateway implementation storing sessions in a
// process-local map. It is safe for concurrent access and best suited for
// tests or ephemeral demos. Sessions are snapshotted on the way in and out
// so callers cannot mutate internal state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	settings *core.Settings
}

// NewMemoryStore constructs an empty in-memory gateway.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*core.Session)}
}

// SaveSession implements Gateway. The whole-map entry swap makes the save
// atomic.
func (s *MemoryStore) SaveSession(_ context.Context, session *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Snapshot()
	return nil
}

// LoadSessions implements Gateway.
func (s *MemoryStore) LoadSessions(_ context.Context) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.After(out[j].LastModified) })
	return out, nil
}

// LoadSession implements Gateway.
func (s *MemoryStore) LoadSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, taxonomy.New(taxonomy.KindSessionNotFound, "store.load_session", "session "+id+" does not exist")
	}
	return sess.Snapshot(), nil
}

// DeleteSession implements Gateway.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// SaveSettings implements Gateway.
func (s *MemoryStore) SaveSettings(_ context.Context, settings core.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

// LoadSettings implements Gateway; returns defaults when never saved.
func (s *MemoryStore) LoadSettings(_ context.Context) (core.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return core.DefaultSettings(), nil
	}
	return *s.settings, nil
}

// AddMessage implements Gateway.
func (s *MemoryStore) AddMessage(_ context.Context, sessionID string, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return taxonomy.New(taxonomy.KindSessionNotFound, "store.add_message", "session "+sessionID+" does not exist")
	}
	sess.Append(msg)
	return nil
}

// DeleteMessage implements Gateway.
func (s *MemoryStore) DeleteMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.RemoveMessage(messageID) {
			return nil
		}
	}
	return nil
}

// CleanupOlderThan implements Gateway.
func (s *MemoryStore) CleanupOlderThan(_ context.Context, days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	removed := 0
	for id, sess := range s.sessions {
		if sess.LastModified.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// ExportAll implements Gateway.
func (s *MemoryStore) ExportAll(ctx context.Context) ([]byte, error) {
	sessions, err := s.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	settings := s.settings
	s.mu.RUnlock()

	snap := Snapshot{Version: SnapshotVersion, ExportedAt: time.Now().UTC(), Sessions: sessions, Settings: settings}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, taxonomy.New(taxonomy.KindSaveFailed, "store.export", err.Error())
	}
	return data, nil
}

// ImportAll implements Gateway; colliding session ids are overwritten.
func (s *MemoryStore) ImportAll(_ context.Context, data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return taxonomy.New(taxonomy.KindLoadFailed, "store.import", "invalid snapshot: "+err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range snap.Sessions {
		s.sessions[sess.ID] = sess.Snapshot()
	}
	if snap.Settings != nil {
		settings := *snap.Settings
		s.settings = &settings
	}
	return nil
}

// ClearAll implements Gateway.
func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*core.Session)
	s.settings = nil
	return nil
}

// Close implements Gateway.
func (s *MemoryStore) Close() error { return nil }
