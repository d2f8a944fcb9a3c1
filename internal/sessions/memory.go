package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsight-ai/finsight/pkg/models"
)

// maxMessagesPerSession bounds transcript growth in memory. Oldest
// messages are trimmed past the limit.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store for tests and ephemeral runs. All
// reads return clones so callers never share mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]models.Message{},
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *session
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt

	// Reflect generated fields back to the caller.
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt

	m.sessions[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id, ownerID string, patch models.SessionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok || (session.OwnerID != "" && session.OwnerID != ownerID) {
		return ErrNotFound
	}

	if patch.Title != nil {
		session.Title = *patch.Title
	}
	if patch.LastMessageAt != nil {
		session.LastMessageAt = *patch.LastMessageAt
	}
	if patch.Metadata != nil {
		session.Metadata = patch.Metadata
	}
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, s := range m.sessions {
		if ownerID != "" && s.OwnerID != ownerID {
			continue
		}
		clone := *s
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs, ok := m.messages[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]models.Message, len(msgs))
	for i := range msgs {
		out[i] = *msgs[i].Clone()
	}
	return out, nil
}

func (m *MemoryStore) SaveMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.messages[sessionID]
	index := make(map[string]int, len(existing))
	for i, msg := range existing {
		index[msg.ID] = i
	}

	for _, msg := range msgs {
		clone := *msg.Clone()
		clone.SessionID = sessionID
		if i, ok := index[clone.ID]; ok {
			existing[i] = clone
			continue
		}
		existing = append(existing, clone)
		index[clone.ID] = len(existing) - 1
	}

	if len(existing) > maxMessagesPerSession {
		existing = existing[len(existing)-maxMessagesPerSession:]
	}
	m.messages[sessionID] = existing
	return nil
}

func (m *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, s := range m.sessions {
		last := s.LastMessageAt
		if last.IsZero() {
			last = s.UpdatedAt
		}
		if last.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.messages, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
