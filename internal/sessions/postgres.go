package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/finsight-ai/finsight/pkg/models"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns pool defaults suited to a small deployment.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on PostgreSQL with prepared statements.
type PostgresStore struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtUpdateSession *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtListSessions  *sql.Stmt
	stmtGetMessages   *sql.Stmt
	stmtSaveMessage   *sql.Stmt
}

// NewPostgresStore opens a connection from a DSN/URL, verifies it, runs
// the schema, and prepares statements.
func NewPostgresStore(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			metadata        JSONB,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			last_message_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS messages (
			id                 TEXT PRIMARY KEY,
			session_id         TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role               TEXT NOT NULL,
			parts              JSONB NOT NULL,
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, last_message_at DESC);
	`)
	return err
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, owner_id, title, metadata, created_at, updated_at, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, owner_id, title, metadata, created_at, updated_at, COALESCE(last_message_at, created_at)
		FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get session: %w", err)
	}

	s.stmtUpdateSession, err = s.db.Prepare(`
		UPDATE sessions
		SET title = COALESCE($1, title),
		    last_message_at = COALESCE($2, last_message_at),
		    metadata = COALESCE($3, metadata),
		    updated_at = $4
		WHERE id = $5 AND (owner_id = '' OR owner_id = $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update session: %w", err)
	}

	s.stmtDeleteSession, err = s.db.Prepare(`DELETE FROM sessions WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete session: %w", err)
	}

	s.stmtListSessions, err = s.db.Prepare(`
		SELECT id, owner_id, title, metadata, created_at, updated_at, COALESCE(last_message_at, created_at)
		FROM sessions
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY COALESCE(last_message_at, created_at) DESC
		LIMIT $2 OFFSET $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list sessions: %w", err)
	}

	s.stmtGetMessages, err = s.db.Prepare(`
		SELECT id, role, parts, processing_time_ms, created_at
		FROM messages WHERE session_id = $1
		ORDER BY created_at, id
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get messages: %w", err)
	}

	s.stmtSaveMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, session_id, role, parts, processing_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET parts = EXCLUDED.parts,
		    processing_time_ms = EXCLUDED.processing_time_ms
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save message: %w", err)
	}

	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
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

	_, err = s.stmtCreateSession.ExecContext(ctx,
		session.ID, session.OwnerID, session.Title, metadata,
		session.CreatedAt, session.UpdatedAt, lastMessageAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var metadataJSON []byte

	err := s.stmtGetSession.QueryRowContext(ctx, id).Scan(
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

func (s *PostgresStore) UpdateSession(ctx context.Context, id, ownerID string, patch models.SessionPatch) error {
	var metadata any
	if patch.Metadata != nil {
		raw, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = raw
	}

	result, err := s.stmtUpdateSession.ExecContext(ctx,
		patch.Title, patch.LastMessageAt, metadata, time.Now().UTC(), id, ownerID,
	)
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

func (s *PostgresStore) ListSessions(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.stmtListSessions.QueryContext(ctx, ownerID, limit, opts.Offset)
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

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.stmtDeleteSession.ExecContext(ctx, id)
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

func (s *PostgresStore) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.stmtGetMessages.QueryContext(ctx, sessionID)
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

func (s *PostgresStore) SaveMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.stmtSaveMessage)
	for _, msg := range msgs {
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("failed to marshal parts: %w", err)
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			msg.ID, sessionID, msg.Role, parts, msg.ProcessingTimeMs, createdAt,
		); err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE COALESCE(last_message_at, updated_at) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
