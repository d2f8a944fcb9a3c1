package sessions

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finsight-ai/finsight/internal/observability"
	"github.com/finsight-ai/finsight/pkg/models"
)

// titleMaxLen bounds derived session titles.
const titleMaxLen = 80

// PersistenceAdapter writes transcripts around a turn. Everything here is
// best-effort relative to the response: persistence failures are logged
// and never change the outcome already streamed to the caller.
type PersistenceAdapter struct {
	store  Store
	logger *observability.Logger
	now    func() time.Time
}

// NewPersistenceAdapter wraps a store.
func NewPersistenceAdapter(store Store, logger *observability.Logger) *PersistenceAdapter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &PersistenceAdapter{store: store, logger: logger, now: time.Now}
}

// BeginTurn runs before model invocation. It ensures the session exists,
// deriving a title from the first user message when creating it, and
// stores the incoming user message so a crash mid-turn cannot lose the
// user's input. Returns the session id in use (possibly newly generated).
func (a *PersistenceAdapter) BeginTurn(ctx context.Context, sessionID, ownerID string, incoming []models.Message) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if _, err := a.store.GetSession(ctx, sessionID); err != nil {
		session := &models.Session{
			ID:      sessionID,
			OwnerID: ownerID,
			Title:   deriveTitle(incoming),
		}
		if err := a.store.CreateSession(ctx, session); err != nil {
			a.logger.Warn(ctx, "failed to create session",
				"session_id", sessionID, "error", err)
			return sessionID
		}
	}

	// Store only the turn's new user input; prior history is already
	// persisted.
	if user := latestUserMessage(incoming); user != nil {
		stored := *user.Clone()
		stored.ID = NormalizeMessageID(stored.ID)
		stored.SessionID = sessionID
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = a.now().UTC()
		}
		if err := a.store.SaveMessages(ctx, sessionID, []models.Message{stored}); err != nil {
			a.logger.Warn(ctx, "failed to store user message",
				"session_id", sessionID, "message_id", stored.ID, "error", err)
		}
	}

	return sessionID
}

// FinishTurn returns the completion hook for one turn. The hook
// normalizes message ids, stamps processing time on the last assistant
// message only, saves the final messages, and advances the session's
// lastMessageAt.
func (a *PersistenceAdapter) FinishTurn(sessionID, ownerID string, turnStart time.Time) func(final []models.Message) error {
	return func(final []models.Message) error {
		// The stream is already closed; do not inherit its cancellation.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		elapsed := a.now().Sub(turnStart).Milliseconds()

		lastAssistant := -1
		for i := range final {
			final[i].ID = NormalizeMessageID(final[i].ID)
			final[i].SessionID = sessionID
			final[i].ProcessingTimeMs = 0
			if final[i].Role == models.RoleAssistant {
				lastAssistant = i
			}
		}
		if lastAssistant >= 0 {
			final[lastAssistant].ProcessingTimeMs = elapsed
		}

		if err := a.store.SaveMessages(ctx, sessionID, final); err != nil {
			a.logger.Error(ctx, "failed to persist turn",
				"session_id", sessionID, "messages", len(final), "error", err)
			return err
		}

		lastMessageAt := a.now().UTC()
		if err := a.store.UpdateSession(ctx, sessionID, ownerID, models.SessionPatch{
			LastMessageAt: &lastMessageAt,
		}); err != nil {
			a.logger.Warn(ctx, "failed to update session activity",
				"session_id", sessionID, "error", err)
		}
		return nil
	}
}

// History loads a session's stored transcript.
func (a *PersistenceAdapter) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	return a.store.GetMessages(ctx, sessionID)
}

// NormalizeMessageID returns the id unchanged when it is a valid v4 UUID
// and a freshly generated one otherwise. Client-supplied ids are not
// trusted into the store.
func NormalizeMessageID(id string) string {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 4 {
		return uuid.NewString()
	}
	return id
}

// latestUserMessage returns the trailing user message of the incoming
// transcript, which is the turn's new input.
func latestUserMessage(msgs []models.Message) *models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return &msgs[i]
		}
	}
	return nil
}

// deriveTitle builds a session title from the first user message's text.
func deriveTitle(msgs []models.Message) string {
	for _, msg := range msgs {
		if msg.Role != models.RoleUser {
			continue
		}
		text := strings.TrimSpace(msg.TextContent())
		if text == "" {
			continue
		}
		if len(text) > titleMaxLen {
			text = strings.TrimSpace(text[:titleMaxLen])
		}
		return text
	}
	return "New conversation"
}
