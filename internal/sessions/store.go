// Package sessions persists conversations and their message transcripts.
//
// Three Store implementations exist: an in-memory store for tests and
// ephemeral runs, SQLite for single-node self-hosted deployments, and
// Postgres for multi-node ones. The PersistenceAdapter sits between the
// stream pipeline and a Store and is best-effort: its failures are logged
// and never alter an already-delivered stream.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/finsight-ai/finsight/pkg/models"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("session not found")

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the persistence contract for sessions and transcripts.
// Messages are write-once per turn except for the ProcessingTimeMs
// annotation, which SaveMessages applies via upsert.
type Store interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, id, ownerID string, patch models.SessionPatch) error
	ListSessions(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	GetMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	SaveMessages(ctx context.Context, sessionID string, msgs []models.Message) error

	// PurgeBefore removes sessions whose last activity predates cutoff,
	// with their messages. Used by the retention sweeper.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
