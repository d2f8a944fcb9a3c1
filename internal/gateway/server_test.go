package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/auth"
	"github.com/finsight-ai/finsight/internal/config"
	routing "github.com/finsight-ai/finsight/internal/models"
	"github.com/finsight-ai/finsight/internal/observability"
	"github.com/finsight-ai/finsight/internal/sessions"
	"github.com/finsight-ai/finsight/pkg/models"
)

type scriptedProvider struct {
	chunks []*agent.CompletionChunk
}

func (p *scriptedProvider) Name() string { return "local" }

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	out := make(chan *agent.CompletionChunk, len(p.chunks))
	for _, c := range p.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

type fixedInventory struct {
	models []string
}

func (f *fixedInventory) ListModels(ctx context.Context) ([]string, error) {
	return f.models, nil
}

type serverOptions struct {
	localModels []string
	chunks      []*agent.CompletionChunk
	authMode    auth.Mode
	jwtSecret   string
	withTool    bool
}

func newTestServer(t *testing.T, opts serverOptions) (*Server, sessions.Store) {
	t.Helper()

	if opts.localModels == nil {
		opts.localModels = []string{"qwen3:8b"}
	}
	if opts.chunks == nil {
		opts.chunks = []*agent.CompletionChunk{
			{Text: "Hello"},
			{Text: " there"},
			{Done: true, InputTokens: 10, OutputTokens: 2},
		}
	}

	store := sessions.NewMemoryStore()
	logger := observability.NopLogger()
	resolver := routing.NewResolver(&fixedInventory{models: opts.localModels}, time.Second, nil, "", logger)

	registry := agent.NewRegistry()
	if opts.withTool {
		err := registry.Register("lookupQuote", "Look up a quote",
			json.RawMessage(`{"type":"object","properties":{"symbol":{"type":"string"}},"required":["symbol"]}`),
			func(ctx context.Context, tctx agent.ToolContext, input json.RawMessage) (*models.ToolResult, error) {
				return &models.ToolResult{Output: json.RawMessage(`{"price":101.5}`)}, nil
			})
		if err != nil {
			t.Fatalf("register tool: %v", err)
		}
	}

	var authResolver *auth.Resolver
	if opts.authMode == auth.ModeJWT {
		authResolver = auth.NewResolver(auth.ModeJWT, auth.NewJWTService(opts.jwtSecret, time.Hour))
	} else {
		authResolver = auth.NewResolver(auth.ModeAnonymous, nil)
	}

	server, err := NewServer(Options{
		Config:   config.Default(),
		Logger:   logger,
		Metrics:  observability.NewMetrics(),
		Resolver: resolver,
		Providers: map[routing.Provider]agent.LLMProvider{
			routing.ProviderLocal: &scriptedProvider{chunks: opts.chunks},
		},
		Registry: registry,
		Store:    store,
		Auth:     authResolver,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return server, store
}

func chatBody(t *testing.T, req ChatRequest) *strings.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return strings.NewReader(string(data))
}

func userMessage(text string) models.Message {
	return models.Message{
		Role:  models.RoleUser,
		Parts: []models.Part{models.NewTextPart(text)},
	}
}

func decodeSSE(t *testing.T, body string) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("malformed frame %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestChatStreamsTurn(t *testing.T) {
	server, store := newTestServer(t, serverOptions{})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, ChatRequest{
		Messages: []models.Message{userMessage("What moved the market today?")},
	}))
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	sessionID := rec.Header().Get("X-Session-Id")
	if sessionID == "" {
		t.Fatal("missing X-Session-Id header")
	}

	events := decodeSSE(t, rec.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected start/deltas/finish, got %d events", len(events))
	}
	if events[0].Kind != models.EventStart || events[0].MessageID == "" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[len(events)-1].Kind != models.EventFinish {
		t.Errorf("last event = %+v", events[len(events)-1])
	}

	// The turn is durable: user message plus assembled assistant message.
	msgs, err := store.GetMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, expected 2", len(msgs))
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].TextContent() != "Hello there" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[1].ProcessingTimeMs < 0 {
		t.Errorf("processing time = %d", msgs[1].ProcessingTimeMs)
	}

	session, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Title != "What moved the market today?" {
		t.Errorf("title = %q", session.Title)
	}
	if session.LastMessageAt.IsZero() {
		t.Error("lastMessageAt not set")
	}
}

func TestChatRejects(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "malformed body", body: `{"messages":`, wantCode: CodeInvalidRequest},
		{name: "empty messages", body: `{"messages":[]}`, wantCode: CodeInvalidRequest},
		{
			name:     "assistant last",
			body:     `{"messages":[{"role":"assistant","parts":[{"type":"text","text":"hi"}]}]}`,
			wantCode: CodeInvalidRequest,
		},
	}
	server, _ := newTestServer(t, serverOptions{})
	handler := server.Handler()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			var envelope errorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if envelope.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", envelope.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestChatRequiresAuthInJWTMode(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{authMode: auth.ModeJWT, jwtSecret: "test-secret"})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, ChatRequest{
		Messages: []models.Message{userMessage("hi")},
	})))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope errorEnvelope
	json.Unmarshal(rec.Body.Bytes(), &envelope)
	if envelope.Error.Code != CodeAuthRequired {
		t.Errorf("code = %q", envelope.Error.Code)
	}

	// A valid token unlocks the same request.
	token, err := auth.NewJWTService("test-secret", time.Hour).Generate(&models.User{ID: "u1", Email: "a@b.c"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, ChatRequest{
		Messages: []models.Message{userMessage("hi")},
	}))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authed status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompatibilityFailures(t *testing.T) {
	tests := []struct {
		name      string
		models    []string
		withTool  bool
		thinking  bool
		wantIssue string
	}{
		{name: "no tool support", models: []string{"nomic-embed-text"}, withTool: true, wantIssue: "tools"},
		{name: "no thinking support", models: []string{"llama3.1:8b"}, thinking: true, wantIssue: "thinking"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestServer(t, serverOptions{localModels: tt.models, withTool: tt.withTool})
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, ChatRequest{
				Messages:       []models.Message{userMessage("hi")},
				EnableThinking: tt.thinking,
			})))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			var envelope errorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if envelope.Error.Code != CodeModelIncompatible {
				t.Errorf("code = %q", envelope.Error.Code)
			}
			if envelope.Error.CompatibilityIssue != tt.wantIssue {
				t.Errorf("issue = %q, want %q", envelope.Error.CompatibilityIssue, tt.wantIssue)
			}
		})
	}
}

func TestChatToolInvocationStreamed(t *testing.T) {
	call := &models.ToolCall{ID: "call_1", Name: "lookupQuote", Input: json.RawMessage(`{"symbol":"AAPL"}`)}
	server, _ := newTestServer(t, serverOptions{
		withTool: true,
		chunks: []*agent.CompletionChunk{
			{ToolCallStart: &models.ToolCall{ID: "call_1", Name: "lookupQuote"}},
			{ToolCall: call},
			{Text: "AAPL trades at 101.5"},
			{Done: true},
		},
	})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, ChatRequest{
		Messages: []models.Message{userMessage("quote AAPL")},
	})))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	events := decodeSSE(t, rec.Body.String())
	var sawToolCreate, sawToolFinal bool
	for _, ev := range events {
		if ev.CallID != "call_1" {
			continue
		}
		switch ev.Kind {
		case models.EventCreate:
			sawToolCreate = true
		case models.EventFinalize:
			if ev.State == string(models.ToolOutputAvailable) {
				sawToolFinal = true
			}
		}
	}
	if !sawToolCreate || !sawToolFinal {
		t.Errorf("tool lifecycle incomplete: create=%v final=%v", sawToolCreate, sawToolFinal)
	}
}

func TestSessionEndpoints(t *testing.T) {
	server, store := newTestServer(t, serverOptions{})
	handler := server.Handler()

	session := &models.Session{ID: "", Title: "Rates outlook"}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.SaveMessages(context.Background(), session.ID, []models.Message{
		{ID: "m1", Role: models.RoleUser, Parts: []models.Part{models.NewTextPart("hi")}},
	}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listBody struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Sessions) != 1 || listBody.Sessions[0].Title != "Rates outlook" {
		t.Errorf("sessions = %+v", listBody.Sessions)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/"+session.ID+"/messages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("messages status = %d", rec.Code)
	}
	var msgBody struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &msgBody); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgBody.Messages) != 1 {
		t.Errorf("messages = %+v", msgBody.Messages)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/missing/messages", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+session.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if _, err := store.GetSession(context.Background(), session.ID); err == nil {
		t.Error("session still present after delete")
	}
}

func TestListSessionsEmpty(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	// The empty list serializes as [], never null.
	if !strings.Contains(rec.Body.String(), `"sessions":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestStopWithoutActiveTurn(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat/stop",
		strings.NewReader(`{"session_id":"nope"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["stopped"] {
		t.Error("stopped should be false with no in-flight turn")
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t, serverOptions{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
