// Package store implements the persistence gateway for sessions, messages
// and settings. Two implementations are provided: a volatile in-memory store
// for tests and ephemeral use, and a durable SQLite store. A session save is
// atomic: it either fully replaces the session and its messages or fails
// without partial mutation.
package store

import (
	"context"
	"time"

	"github.com/hupe1980/converse/core"
)

// SnapshotVersion tags exported snapshots for forward compatibility.
const SnapshotVersion = 1

// Snapshot is the full-store serialization produced by ExportAll and
// consumed by ImportAll.
type Snapshot struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []*core.Session `json:"sessions"`
	Settings   *core.Settings  `json:"settings,omitempty"`
}

// Gateway is the durable CRUD contract the coordinator commits through. The
// storage technology behind it is irrelevant to the engine. Save/load
// failures are reported as taxonomy errors (SaveFailed/LoadFailed/
// SessionNotFound) so the recovery layer can classify them.
type Gateway interface {
	// SaveSession atomically replaces the session and its messages.
	SaveSession(ctx context.Context, session *core.Session) error
	// LoadSessions returns all sessions sorted by LastModified descending.
	LoadSessions(ctx context.Context) ([]*core.Session, error)
	// LoadSession returns the identified session or a SessionNotFound error.
	LoadSession(ctx context.Context, id string) (*core.Session, error)
	// DeleteSession removes the session and its messages.
	DeleteSession(ctx context.Context, id string) error

	// SaveSettings persists the single settings record.
	SaveSettings(ctx context.Context, settings core.Settings) error
	// LoadSettings returns persisted settings, or defaults when absent.
	LoadSettings(ctx context.Context) (core.Settings, error)

	// AddMessage appends a message to an existing session and bumps its
	// LastModified timestamp.
	AddMessage(ctx context.Context, sessionID string, msg core.Message) error
	// DeleteMessage removes a message by id, wherever it lives.
	DeleteMessage(ctx context.Context, messageID string) error

	// CleanupOlderThan deletes sessions inactive for more than the given
	// number of days, returning how many were removed.
	CleanupOlderThan(ctx context.Context, days int) (int, error)

	// ExportAll serializes every session and the settings record.
	ExportAll(ctx context.Context) ([]byte, error)
	// ImportAll restores a snapshot; colliding ids are overwritten.
	ImportAll(ctx context.Context, data []byte) error

	// ClearAll removes every session, message and settings record.
	ClearAll(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
