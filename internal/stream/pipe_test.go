package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/pkg/models"
)

type captureSink struct {
	events []models.StreamEvent
	failAt int // fail on the nth Send, 0 disables
}

func (s *captureSink) Send(ev *models.StreamEvent) error {
	if s.failAt > 0 && len(s.events)+1 >= s.failAt {
		return errors.New("transport closed")
	}
	s.events = append(s.events, *ev)
	return nil
}

func feed(chunks ...*agent.ResponseChunk) <-chan *agent.ResponseChunk {
	ch := make(chan *agent.ResponseChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func kinds(events []models.StreamEvent) []models.EventKind {
	out := make([]models.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestPipeToolCallThenText(t *testing.T) {
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{MessageID: "msg-1", SessionID: "sess-1"})

	msg, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{ToolCallStart: &models.ToolCall{ID: "call_1", Name: "financeSearch"}},
		&agent.ResponseChunk{ToolInputDelta: &agent.ToolInputDelta{CallID: "call_1", Delta: `{"query":"TSLA"}`}},
		&agent.ResponseChunk{ToolCallReady: &models.ToolCall{ID: "call_1", Name: "financeSearch", Input: json.RawMessage(`{"query":"TSLA"}`)}},
		&agent.ResponseChunk{ToolResult: &models.ToolResult{ToolCallID: "call_1", Output: json.RawMessage(`{"results":3}`)}},
		&agent.ResponseChunk{StepDone: true},
		&agent.ResponseChunk{Text: "Revenue grew"},
		&agent.ResponseChunk{Text: " [1][2][3]"},
		&agent.ResponseChunk{Done: true},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One event per part mutation: start, tool create, input delta, two
	// finalizes, text create, two deltas, finish.
	want := []models.EventKind{
		models.EventStart,
		models.EventCreate, models.EventDelta, models.EventFinalize, models.EventFinalize,
		models.EventCreate, models.EventDelta, models.EventDelta,
		models.EventFinish,
	}
	got := kinds(sink.events)
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	// Tool part reaches output-available before the text part begins.
	if sink.events[4].State != string(models.ToolOutputAvailable) {
		t.Errorf("tool finalize state = %q", sink.events[4].State)
	}
	if sink.events[5].Part != models.PartText {
		t.Errorf("expected text create after tool finalize, got %s", sink.events[5].Part)
	}

	if len(msg.Parts) != 2 {
		t.Fatalf("assembled %d parts, want 2", len(msg.Parts))
	}
	if msg.Parts[0].State != models.ToolOutputAvailable {
		t.Errorf("part 0 state = %s", msg.Parts[0].State)
	}
	if msg.Parts[1].Text != "Revenue grew [1][2][3]" {
		t.Errorf("part 1 text = %q", msg.Parts[1].Text)
	}
	if msg.ID != "msg-1" || msg.SessionID != "sess-1" {
		t.Errorf("message identity = %s/%s", msg.ID, msg.SessionID)
	}
}

func TestPipeToolErrorFinalize(t *testing.T) {
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{MessageID: "msg-1"})

	msg, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{ToolCallStart: &models.ToolCall{ID: "c1", Name: "runCode"}},
		&agent.ResponseChunk{ToolCallReady: &models.ToolCall{ID: "c1", Name: "runCode", Input: json.RawMessage(`{}`)}},
		&agent.ResponseChunk{ToolResult: &models.ToolResult{ToolCallID: "c1", ErrorText: "sandbox unavailable", IsError: true}},
		&agent.ResponseChunk{StepDone: true},
		&agent.ResponseChunk{Text: "I could not run that."},
		&agent.ResponseChunk{Done: true},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	part := msg.ToolPart("c1")
	if part == nil {
		t.Fatal("tool part missing")
	}
	if part.State != models.ToolOutputError {
		t.Errorf("state = %s, want output-error", part.State)
	}
	if part.ErrorText != "sandbox unavailable" {
		t.Errorf("errorText = %q", part.ErrorText)
	}
	if msg.TextContent() == "" {
		t.Error("turn should still produce final text")
	}
}

func TestPipeReasoningLifecycle(t *testing.T) {
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{MessageID: "m"})

	msg, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{ReasoningStart: true},
		&agent.ResponseChunk{Reasoning: "compare quarterly"},
		&agent.ResponseChunk{Reasoning: " revenue"},
		&agent.ResponseChunk{ReasoningEnd: true},
		&agent.ResponseChunk{Text: "Answer."},
		&agent.ResponseChunk{Done: true},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(msg.Parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(msg.Parts))
	}
	if msg.Parts[0].Type != models.PartReasoning {
		t.Fatalf("part 0 type = %s", msg.Parts[0].Type)
	}
	if msg.Parts[0].ReasoningState != models.ReasoningDone {
		t.Errorf("reasoning state = %s, want done", msg.Parts[0].ReasoningState)
	}
	if msg.Parts[0].Text != "compare quarterly revenue" {
		t.Errorf("reasoning text = %q", msg.Parts[0].Text)
	}
}

func TestPipeTextSplitsAcrossSteps(t *testing.T) {
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{MessageID: "m"})

	msg, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{Text: "Checking."},
		&agent.ResponseChunk{StepDone: true},
		&agent.ResponseChunk{Text: "Done."},
		&agent.ResponseChunk{Done: true},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(msg.Parts) != 2 {
		t.Fatalf("got %d parts, want 2 distinct text parts", len(msg.Parts))
	}
	if msg.Parts[0].Text != "Checking." || msg.Parts[1].Text != "Done." {
		t.Errorf("parts = %q, %q", msg.Parts[0].Text, msg.Parts[1].Text)
	}
}

func TestPipeDynamicToolFallback(t *testing.T) {
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{
		MessageID: "m",
		KnownTool: func(name string) bool { return name == "financeSearch" },
	})

	msg, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{ToolCallStart: &models.ToolCall{ID: "c1", Name: "mystery"}},
		&agent.ResponseChunk{ToolCallReady: &models.ToolCall{ID: "c1", Name: "mystery", Input: json.RawMessage(`{}`)}},
		&agent.ResponseChunk{ToolResult: &models.ToolResult{ToolCallID: "c1", Output: json.RawMessage(`1`)}},
		&agent.ResponseChunk{Done: true},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Parts[0].Type != models.PartDynamicTool {
		t.Errorf("part type = %s, want dynamic-tool", msg.Parts[0].Type)
	}
	if sink.events[1].Part != models.PartDynamicTool {
		t.Errorf("create event part = %s", sink.events[1].Part)
	}
}

func TestPipeOnFinishSynchronous(t *testing.T) {
	var final []models.Message
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{
		MessageID: "m",
		OnFinish: func(msgs []models.Message) error {
			final = msgs
			return nil
		},
	})

	_, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{Text: "hi"},
		&agent.ResponseChunk{Done: true},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(final) != 1 {
		t.Fatalf("finish hook saw %d messages, want 1", len(final))
	}
	if final[0].TextContent() != "hi" {
		t.Errorf("final text = %q", final[0].TextContent())
	}
}

func TestPipeOnFinishFailureOnlyLogged(t *testing.T) {
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{
		MessageID: "m",
		OnFinish: func([]models.Message) error {
			return errors.New("datastore down")
		},
	})

	_, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{Text: "hi"},
		&agent.ResponseChunk{Done: true},
	))
	if err != nil {
		t.Errorf("persistence failure must not surface: %v", err)
	}
	if sink.events[len(sink.events)-1].Kind != models.EventFinish {
		t.Error("stream must still end with finish event")
	}
}

func TestPipeCancelledOnlyTurnNotPersisted(t *testing.T) {
	finishCalled := false
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{
		MessageID: "m",
		OnFinish: func([]models.Message) error {
			finishCalled = true
			return nil
		},
	})

	_, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{ToolCallStart: &models.ToolCall{ID: "c1", Name: "financeSearch"}},
		&agent.ResponseChunk{Error: context.Canceled},
	))
	if err == nil {
		t.Fatal("expected turn error")
	}
	if finishCalled {
		t.Error("a turn holding only cancelled state must not be persisted as final")
	}
}

func TestPipePartialTurnWithTextIsPersisted(t *testing.T) {
	finishCalled := false
	sink := &captureSink{}
	pipe := NewPipe(sink, PipeConfig{
		MessageID: "m",
		OnFinish: func([]models.Message) error {
			finishCalled = true
			return nil
		},
	})

	_, err := pipe.Run(context.Background(), feed(
		&agent.ResponseChunk{Text: "partial answer"},
		&agent.ResponseChunk{Error: context.Canceled},
	))
	if err == nil {
		t.Fatal("expected turn error")
	}
	if !finishCalled {
		t.Error("durable partial content should reach the finish hook")
	}
}

func TestPipeReplayIdentical(t *testing.T) {
	script := func() <-chan *agent.ResponseChunk {
		return feed(
			&agent.ResponseChunk{ToolCallStart: &models.ToolCall{ID: "c1", Name: "financeSearch"}},
			&agent.ResponseChunk{ToolInputDelta: &agent.ToolInputDelta{CallID: "c1", Delta: `{}`}},
			&agent.ResponseChunk{ToolCallReady: &models.ToolCall{ID: "c1", Name: "financeSearch", Input: json.RawMessage(`{}`)}},
			&agent.ResponseChunk{ToolResult: &models.ToolResult{ToolCallID: "c1", Output: json.RawMessage(`{}`)}},
			&agent.ResponseChunk{Text: "done"},
			&agent.ResponseChunk{Done: true},
		)
	}

	runOnce := func() []models.StreamEvent {
		sink := &captureSink{}
		pipe := NewPipe(sink, PipeConfig{MessageID: "fixed-id"})
		if _, err := pipe.Run(context.Background(), script()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return sink.events
	}

	a, b := runOnce(), runOnce()
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Errorf("replay diverged:\n%s\n%s", aj, bj)
	}
}

func TestSSESinkFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := sink.Send(&models.StreamEvent{Kind: models.EventStart, MessageID: "m1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sink.Send(&models.StreamEvent{Kind: models.EventFinish, MessageID: "m1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("got %d frames: %q", len(frames), body)
	}
	for _, frame := range frames {
		if !strings.HasPrefix(frame, "data: ") {
			t.Errorf("frame missing data prefix: %q", frame)
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev); err != nil {
			t.Errorf("frame not valid JSON: %v", err)
		}
	}
}
