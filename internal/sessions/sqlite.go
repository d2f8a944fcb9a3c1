package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/finsight-ai/finsight/pkg/models"
)

// SQLiteStore implements Store on a local SQLite file. Suited to
// single-node self-hosted deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs the
// schema. Foreign keys are enabled so session deletes cascade.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			metadata        TEXT,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			last_message_at TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS messages (
			id                 TEXT PRIMARY KEY,
			session_id         TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role               TEXT NOT NULL,
			parts              TEXT NOT NULL,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			created_at         TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	`)
	return err
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var lastMessageAt any
	if !session.LastMessageAt.IsZero() {
		lastMessageAt = session.LastMessageAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, title, metadata, created_at, updated_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.OwnerID, session.Title, metadata,
		session.CreatedAt, session.UpdatedAt, lastMessageAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var metadataJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, metadata, created_at, updated_at, COALESCE(last_message_at, created_at)
		FROM sessions WHERE id = ?
	`, id).Scan(
		&session.ID, &session.OwnerID, &session.Title, &metadataJSON,
		&session.CreatedAt, &session.UpdatedAt, &session.LastMessageAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return session, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id, ownerID string, patch models.SessionPatch) error {
	var metadata any
	if patch.Metadata != nil {
		raw, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = raw
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = COALESCE(?, title),
		    last_message_at = COALESCE(?, last_message_at),
		    metadata = COALESCE(?, metadata),
		    updated_at = ?
		WHERE id = ? AND (owner_id = '' OR owner_id = ?)
	`, patch.Title, patch.LastMessageAt, metadata, time.Now().UTC(), id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, metadata, created_at, updated_at, COALESCE(last_message_at, created_at)
		FROM sessions
		WHERE (? = '' OR owner_id = ?)
		ORDER BY COALESCE(last_message_at, created_at) DESC
		LIMIT ? OFFSET ?
	`, ownerID, ownerID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var metadataJSON []byte
		if err := rows.Scan(
			&session.ID, &session.OwnerID, &session.Title, &metadataJSON,
			&session.CreatedAt, &session.UpdatedAt, &session.LastMessageAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, parts, processing_time_ms, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var partsJSON []byte
		if err := rows.Scan(&msg.ID, &msg.Role, &partsJSON, &msg.ProcessingTimeMs, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal(partsJSON, &msg.Parts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parts: %w", err)
		}
		msg.SessionID = sessionID
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("failed to marshal parts: %w", err)
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, parts, processing_time_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE
			SET parts = excluded.parts,
			    processing_time_ms = excluded.processing_time_ms
		`, msg.ID, sessionID, msg.Role, parts, msg.ProcessingTimeMs, createdAt); err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE COALESCE(last_message_at, updated_at) < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
