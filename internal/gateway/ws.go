package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/stream"
	"github.com/finsight-ai/finsight/pkg/models"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin in self-hosted setups; auth
	// happens at the message level, not the origin level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientFrame is an inbound WebSocket message: a turn submission or a
// control command for the turn in flight.
type wsClientFrame struct {
	Type string `json:"type"` // "chat" or "stop"
	ChatRequest
}

// wsErrorFrame mirrors the HTTP error envelope on the socket.
type wsErrorFrame struct {
	Kind  string   `json:"kind"`
	Error APIError `json:"error"`
}

// handleWS serves turns over one WebSocket connection. Each chat frame
// runs a full turn whose stream events come back as JSON text frames; a
// stop frame cancels the turn in flight.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, APIError{Code: CodeAuthRequired, Message: err.Error()})
		return
	}
	var ownerID string
	if user != nil {
		ownerID = user.ID
	}
	credential := bearerToken(r)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sink := stream.NewWSSink(conn)

	for {
		var frame wsClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(r.Context(), "websocket read ended", "error", err)
			}
			return
		}

		switch frame.Type {
		case "stop":
			s.cancelTurn(frame.SessionID)
		case "chat", "":
			s.runWSTurn(r.Context(), conn, sink, &frame.ChatRequest, ownerID, credential)
		default:
			s.sendWSError(conn, APIError{Code: CodeInvalidRequest, Message: "unknown frame type: " + frame.Type})
		}
	}
}

// runWSTurn executes one turn on the connection. Mid-turn cancellation
// arrives through the stop endpoint, which shares the turn registry.
func (s *Server) runWSTurn(ctx context.Context, conn *websocket.Conn, sink stream.Sink, req *ChatRequest, ownerID, credential string) {
	if len(req.Messages) == 0 || req.Messages[len(req.Messages)-1].Role != models.RoleUser {
		s.sendWSError(conn, APIError{Code: CodeInvalidRequest, Message: "last message must be from the user"})
		return
	}

	resolved, err := s.resolver.Resolve(ctx, req.Model)
	if err != nil {
		s.sendWSError(conn, APIError{Code: CodeConfigurationError, Message: "no model available: " + err.Error()})
		return
	}
	provider, ok := s.providers[resolved.Provider]
	if !ok {
		s.sendWSError(conn, APIError{Code: CodeConfigurationError, Message: "provider not configured: " + string(resolved.Provider)})
		return
	}

	turnStart := time.Now()
	sessionID := s.adapter.BeginTurn(ctx, req.SessionID, ownerID, req.Messages)

	turnCtx := ctx
	var cancel context.CancelFunc
	if s.turnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(turnCtx, s.turnTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(turnCtx)
	}
	defer cancel()
	done := s.registerTurn(sessionID, cancel)
	defer done()

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
			DelegatedCredential: credential,
		},
	})
	if err != nil {
		var compat *agent.CompatibilityError
		if errors.As(err, &compat) {
			s.sendWSError(conn, APIError{
				Code:               CodeModelIncompatible,
				Message:            compat.Error(),
				CompatibilityIssue: string(compat.Issue),
			})
			return
		}
		s.sendWSError(conn, APIError{Code: CodeInternal, Message: "failed to start turn"})
		return
	}

	s.runTurn(turnCtx, sink, chunks, sessionID, ownerID, turnStart)
}

func (s *Server) sendWSError(conn *websocket.Conn, apiErr APIError) {
	payload, err := json.Marshal(wsErrorFrame{Kind: "request_error", Error: apiErr})
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, payload)
}
