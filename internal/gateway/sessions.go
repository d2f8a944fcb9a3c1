package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/finsight-ai/finsight/internal/sessions"
	"github.com/finsight-ai/finsight/pkg/models"
)

const defaultListLimit = 50

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, APIError{Code: CodeAuthRequired, Message: err.Error()})
		return
	}
	var ownerID string
	if user != nil {
		ownerID = user.ID
	}

	opts := sessions.ListOptions{Limit: defaultListLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	list, err := s.store.ListSessions(r.Context(), ownerID, opts)
	if err != nil {
		s.logger.Error(r.Context(), "failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, APIError{Code: CodeInternal, Message: "failed to list sessions"})
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, APIError{Code: CodeAuthRequired, Message: err.Error()})
		return
	}

	sessionID := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, APIError{Code: CodeNotFound, Message: "session not found"})
		return
	}
	if !s.ownedBy(session, user) {
		writeError(w, http.StatusNotFound, APIError{Code: CodeNotFound, Message: "session not found"})
		return
	}

	msgs, err := s.store.GetMessages(r.Context(), sessionID)
	if err != nil {
		s.logger.Error(r.Context(), "failed to load messages", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, APIError{Code: CodeInternal, Message: "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "messages": msgs})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, APIError{Code: CodeAuthRequired, Message: err.Error()})
		return
	}

	sessionID := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil || !s.ownedBy(session, user) {
		writeError(w, http.StatusNotFound, APIError{Code: CodeNotFound, Message: "session not found"})
		return
	}

	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, APIError{Code: CodeNotFound, Message: "session not found"})
			return
		}
		s.logger.Error(r.Context(), "failed to delete session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, APIError{Code: CodeInternal, Message: "failed to delete session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedBy checks session visibility. Anonymous deployments have no owners,
// so ownerless sessions are visible to everyone.
func (s *Server) ownedBy(session *models.Session, user *models.User) bool {
	if session.OwnerID == "" {
		return true
	}
	return user != nil && session.OwnerID == user.ID
}
