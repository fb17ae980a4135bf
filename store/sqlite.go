package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/logging"
	"github.com/hupe1980/converse/taxonomy"
)

// SQLiteStore implements Gateway using modernc.org/sqlite. The schema is
// created automatically on open and parent directories are created if
// needed. Session saves run in a single transaction so a failure never
// leaves a partially replaced session behind.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// SQLiteOptions configures SQLiteStore construction.
type SQLiteOptions struct {
	Logger logging.Logger
}

// NewSQLiteStore creates a SQLite-backed gateway at the given path.
func NewSQLiteStore(path string, optFns ...func(o *SQLiteOptions)) (*SQLiteStore, error) {
	opts := SQLiteOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: opts.Logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_modified DATETIME NOT NULL,
			persona_name TEXT NOT NULL DEFAULT '',
			persona_instructions TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_modified
			ON sessions(last_modified DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			is_user INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			reactions TEXT,
			metadata TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_timestamp
			ON messages(session_id, timestamp);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSession implements Gateway: the session row and all messages are
// replaced in one transaction.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *core.Session) error {
	snap := session.Snapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.save_session", err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, last_modified, persona_name, persona_instructions)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			last_modified = excluded.last_modified,
			persona_name = excluded.persona_name,
			persona_instructions = excluded.persona_instructions`,
		snap.ID, snap.Title, snap.CreatedAt, snap.LastModified, snap.Persona.Name, snap.Persona.Instructions,
	); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.save_session", err.Error())
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", snap.ID); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.save_session", err.Error())
	}
	for _, msg := range snap.Messages {
		if err := insertMessage(ctx, tx, snap.ID, msg); err != nil {
			return taxonomy.New(taxonomy.KindSaveFailed, "store.save_session", err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.save_session", err.Error())
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, sessionID string, msg core.Message) error {
	reactions, err := marshalNullable(msg.Reactions)
	if err != nil {
		return err
	}
	metadata, err := marshalNullable(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, content, is_user, timestamp, reactions, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Content, boolToInt(msg.IsUser), msg.Timestamp, reactions, metadata,
	)
	return err
}

// LoadSessions implements Gateway.
func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]*core.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, last_modified, persona_name, persona_instructions
		FROM sessions ORDER BY last_modified DESC`)
	if err != nil {
		return nil, taxonomy.New(taxonomy.KindLoadFailed, "store.load_sessions", err.Error())
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, taxonomy.New(taxonomy.KindLoadFailed, "store.load_sessions", err.Error())
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, taxonomy.New(taxonomy.KindLoadFailed, "store.load_sessions", err.Error())
	}

	for _, sess := range sessions {
		if err := s.loadMessages(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// LoadSession implements Gateway.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, last_modified, persona_name, persona_instructions
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, taxonomy.New(taxonomy.KindSessionNotFound, "store.load_session", "session "+id+" does not exist")
	}
	if err != nil {
		return nil, taxonomy.New(taxonomy.KindLoadFailed, "store.load_session", err.Error())
	}
	if err := s.loadMessages(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(row rowScanner) (*core.Session, error) {
	sess := &core.Session{}
	err := row.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastModified,
		&sess.Persona.Name, &sess.Persona.Instructions)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, sess *core.Session) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, is_user, timestamp, reactions, metadata
		FROM messages WHERE session_id = ? ORDER BY timestamp ASC`, sess.ID)
	if err != nil {
		return taxonomy.New(taxonomy.KindLoadFailed, "store.load_messages", err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var msg core.Message
		var isUser int
		var reactions, metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Content, &isUser, &msg.Timestamp, &reactions, &metadata); err != nil {
			return taxonomy.New(taxonomy.KindLoadFailed, "store.load_messages", err.Error())
		}
		msg.IsUser = isUser != 0
		if reactions.Valid && reactions.String != "" {
			if err := json.Unmarshal([]byte(reactions.String), &msg.Reactions); err != nil {
				return taxonomy.New(taxonomy.KindLoadFailed, "store.load_messages", err.Error())
			}
		}
		if metadata.Valid && metadata.String != "" {
			md := &core.Metadata{}
			if err := json.Unmarshal([]byte(metadata.String), md); err != nil {
				return taxonomy.New(taxonomy.KindLoadFailed, "store.load_messages", err.Error())
			}
			msg.Metadata = md
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return rows.Err()
}

// DeleteSession implements Gateway.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.delete_session", err.Error())
	}
	return nil
}

// SaveSettings implements Gateway.
func (s *SQLiteStore) SaveSettings(ctx context.Context, settings core.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.save_settings", err.Error())
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, data) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
		core.SettingsKey, string(data),
	); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.save_settings", err.Error())
	}
	return nil
}

// LoadSettings implements Gateway; returns defaults when never saved.
func (s *SQLiteStore) LoadSettings(ctx context.Context) (core.Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM settings WHERE key = ?", core.SettingsKey).Scan(&data)
	if err == sql.ErrNoRows {
		return core.DefaultSettings(), nil
	}
	if err != nil {
		return core.Settings{}, taxonomy.New(taxonomy.KindLoadFailed, "store.load_settings", err.Error())
	}
	var settings core.Settings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return core.Settings{}, taxonomy.New(taxonomy.KindLoadFailed, "store.load_settings", err.Error())
	}
	return settings, nil
}

// AddMessage implements Gateway: the insert and the LastModified bump commit
// together.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, msg core.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.add_message", err.Error())
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE sessions SET last_modified = ? WHERE id = ?",
		time.Now().UTC(), sessionID)
	if err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.add_message", err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taxonomy.New(taxonomy.KindSessionNotFound, "store.add_message", "session "+sessionID+" does not exist")
	}
	if err := insertMessage(ctx, tx, sessionID, msg); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.add_message", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.add_message", err.Error())
	}
	return nil
}

// DeleteMessage implements Gateway: the delete and the owning session's
// LastModified bump commit together. A missing message is not an error.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.delete_message", err.Error())
	}
	defer tx.Rollback()

	var sessionID string
	err = tx.QueryRowContext(ctx, "SELECT session_id FROM messages WHERE id = ?", messageID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.delete_message", err.Error())
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageID); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.delete_message", err.Error())
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET last_modified = ? WHERE id = ?",
		time.Now().UTC(), sessionID); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.delete_message", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.delete_message", err.Error())
	}
	return nil
}

// CleanupOlderThan implements Gateway.
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE last_modified < ?", cutoff)
	if err != nil {
		return 0, taxonomy.New(taxonomy.KindSaveFailed, "store.cleanup", err.Error())
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("retention sweep removed sessions", "count", n, "older_than_days", days)
	}
	return int(n), nil
}

// ExportAll implements Gateway.
func (s *SQLiteStore) ExportAll(ctx context.Context) ([]byte, error) {
	sessions, err := s.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.LoadSettings(ctx)
	if err != nil {
		return nil, err
	}
	snap := Snapshot{Version: SnapshotVersion, ExportedAt: time.Now().UTC(), Sessions: sessions, Settings: &settings}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, taxonomy.New(taxonomy.KindSaveFailed, "store.export", err.Error())
	}
	return data, nil
}

// ImportAll implements Gateway; colliding session ids are overwritten.
func (s *SQLiteStore) ImportAll(ctx context.Context, data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return taxonomy.New(taxonomy.KindLoadFailed, "store.import", "invalid snapshot: "+err.Error())
	}
	for _, sess := range snap.Sessions {
		if err := s.SaveSession(ctx, sess); err != nil {
			return err
		}
	}
	if snap.Settings != nil {
		if err := s.SaveSettings(ctx, *snap.Settings); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll implements Gateway.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.clear", err.Error())
	}
	defer tx.Rollback()
	for _, stmt := range []string{"DELETE FROM messages", "DELETE FROM sessions", "DELETE FROM settings"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return taxonomy.New(taxonomy.KindSaveFailed, "store.clear", err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return taxonomy.New(taxonomy.KindSaveFailed, "store.clear", err.Error())
	}
	return nil
}

// Close implements Gateway.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalNullable(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case *core.Metadata:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
