package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/observability"
	"github.com/finsight-ai/finsight/internal/stream"
	"github.com/finsight-ai/finsight/pkg/models"
)

// ChatRequest is the turn submission body. Messages is the client's full
// transcript with the new user message last; the server trusts it as the
// turn's model context but re-keys message ids before storing.
type ChatRequest struct {
	SessionID      string           `json:"session_id,omitempty"`
	Messages       []models.Message `json:"messages"`
	Model          string           `json:"model,omitempty"`
	EnableThinking bool             `json:"enable_thinking,omitempty"`
}

// StopRequest cancels the in-flight turn of a session.
type StopRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, APIError{
			Code:    CodeAuthRequired,
			Message: err.Error(),
		})
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, APIError{
			Code:    CodeInvalidRequest,
			Message: "malformed request body",
		})
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, APIError{
			Code:    CodeInvalidRequest,
			Message: "messages must not be empty",
		})
		return
	}
	if req.Messages[len(req.Messages)-1].Role != models.RoleUser {
		writeError(w, http.StatusBadRequest, APIError{
			Code:    CodeInvalidRequest,
			Message: "last message must be from the user",
		})
		return
	}

	// Everything that can fail with a clean error response happens before
	// the stream opens. Once the SSE header is written, failures arrive as
	// error events.
	resolved, err := s.resolver.Resolve(r.Context(), req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, APIError{
			Code:    CodeConfigurationError,
			Message: "no model available: " + err.Error(),
		})
		return
	}
	provider, ok := s.providers[resolved.Provider]
	if !ok {
		writeError(w, http.StatusInternalServerError, APIError{
			Code:    CodeConfigurationError,
			Message: "provider not configured: " + string(resolved.Provider),
		})
		return
	}

	var ownerID string
	if user != nil {
		ownerID = user.ID
	}

	turnStart := time.Now()
	sessionID := s.adapter.BeginTurn(r.Context(), req.SessionID, ownerID, req.Messages)

	turnCtx := r.Context()
	var cancel context.CancelFunc
	if s.turnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(turnCtx, s.turnTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(turnCtx)
	}
	defer cancel()
	done := s.registerTurn(sessionID, cancel)
	defer done()
	turnCtx = context.WithValue(turnCtx, observability.SessionIDKey, sessionID)

	loop := agent.NewLoop(provider, s.registry, s.loopConfig, s.logger, s.metrics)
	chunks, err := loop.Run(turnCtx, &agent.RunRequest{
		Model:            resolved.Model,
		SupportsTools:    resolved.SupportsTools,
		SupportsThinking: resolved.SupportsThinking,
		EnableThinking:   req.EnableThinking,
		History:          req.Messages,
		Tools: agent.ToolContext{
			UserID:              ownerID,
			SessionID:           sessionID,
			DelegatedCredential: bearerToken(r),
		},
	})
	if err != nil {
		var compat *agent.CompatibilityError
		if errors.As(err, &compat) {
			writeError(w, http.StatusBadRequest, APIError{
				Code:               CodeModelIncompatible,
				Message:            compat.Error(),
				CompatibilityIssue: string(compat.Issue),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, APIError{
			Code:    CodeInternal,
			Message: "failed to start turn",
		})
		return
	}

	w.Header().Set("X-Session-Id", sessionID)
	sink, err := stream.NewSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, APIError{
			Code:    CodeInternal,
			Message: "streaming unsupported by connection",
		})
		return
	}

	s.runTurn(turnCtx, sink, chunks, sessionID, ownerID, turnStart)
}

// runTurn drives one turn through the stream pipe. Shared by the SSE and
// WebSocket transports.
func (s *Server) runTurn(ctx context.Context, sink stream.Sink, chunks <-chan *agent.ResponseChunk, sessionID, ownerID string, turnStart time.Time) {
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	pipe := stream.NewPipe(sink, stream.PipeConfig{
		SessionID: sessionID,
		KnownTool: s.registry.Has,
		OnFinish:  s.adapter.FinishTurn(sessionID, ownerID, turnStart),
		Logger:    s.logger,
	})

	if _, err := pipe.Run(ctx, chunks); err != nil {
		s.logger.Warn(ctx, "turn ended with error", "error", err)
		if s.metrics != nil {
			s.metrics.ErrorCounter.WithLabelValues("gateway", "turn").Inc()
		}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Resolve(r); err != nil {
		writeError(w, http.StatusUnauthorized, APIError{
			Code:    CodeAuthRequired,
			Message: err.Error(),
		})
		return
	}

	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, APIError{
			Code:    CodeInvalidRequest,
			Message: "session_id is required",
		})
		return
	}

	stopped := s.cancelTurn(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// bearerToken extracts the Authorization bearer token for delegation to
// tool backends. Empty when absent.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
