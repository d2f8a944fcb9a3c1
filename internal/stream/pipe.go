// Package stream serializes agent loop output into the incremental
// rendering protocol. The pipe converts each loop mutation into exactly one
// wire event per part mutation, flushing as it goes, and assembles the
// final assistant message for the persistence hook.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/observability"
	"github.com/finsight-ai/finsight/pkg/models"
)

// Sink delivers one event to the transport. Send must flush before
// returning; the protocol forbids buffering a step before emitting.
type Sink interface {
	Send(ev *models.StreamEvent) error
}

// FinishFunc receives the finalized messages of a turn. It runs
// synchronously with stream closure; its error is logged, never surfaced.
type FinishFunc func(final []models.Message) error

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// MessageID for the assistant message. Generated when empty so a
	// replayed event log reproduces identical state.
	MessageID string

	// SessionID stamped onto the assembled message.
	SessionID string

	// KnownTool reports whether the client has a typed renderer for the
	// tool. Unknown tools become dynamic-tool parts. Nil means all known.
	KnownTool func(name string) bool

	// OnFinish runs after the finish event is sent.
	OnFinish FinishFunc

	Logger *observability.Logger
}

// Pipe converts loop response chunks into stream events applied against a
// single assistant message. One pipe serves one turn.
type Pipe struct {
	sink      Sink
	cfg       PipeConfig
	logger    *observability.Logger
	messageID string

	msg            *models.Message
	openText       int // index of the appendable text part, -1 if none
	openReasoning  int
	callIndex      map[string]int // call id -> part index
	startedAt      time.Time
	eventsEmitted  int
	finishedCalled bool
}

// NewPipe builds a pipe over the given sink.
func NewPipe(sink Sink, cfg PipeConfig) *Pipe {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	id := cfg.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	return &Pipe{
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		messageID: id,
		msg: &models.Message{
			ID:        id,
			SessionID: cfg.SessionID,
			Role:      models.RoleAssistant,
			CreatedAt: time.Now().UTC(),
		},
		openText:      -1,
		openReasoning: -1,
		callIndex:     make(map[string]int),
	}
}

// MessageID returns the id of the assistant message under assembly.
func (p *Pipe) MessageID() string {
	return p.messageID
}

// Run consumes the chunk stream until it closes and returns the assembled
// assistant message. The returned error is the turn-level failure, if any;
// an already-sent stream is never retracted.
func (p *Pipe) Run(ctx context.Context, chunks <-chan *agent.ResponseChunk) (*models.Message, error) {
	p.startedAt = time.Now()

	if err := p.send(&models.StreamEvent{Kind: models.EventStart, MessageID: p.messageID}); err != nil {
		return p.msg, err
	}

	var turnErr error
	for chunk := range chunks {
		if err := p.apply(chunk); err != nil {
			// Transport gone. Drain the loop so it can unwind.
			turnErr = err
			for range chunks {
			}
			break
		}
		if chunk.Error != nil {
			turnErr = chunk.Error
		}
	}

	if turnErr == nil {
		p.finish()
		return p.msg, nil
	}

	// A turn that produced nothing durable before failing or being
	// cancelled is not persisted as final.
	if p.persistable() {
		p.finish()
	}
	return p.msg, turnErr
}

func (p *Pipe) apply(chunk *agent.ResponseChunk) error {
	switch {
	case chunk.Error != nil:
		return p.send(&models.StreamEvent{
			Kind:      models.EventError,
			ErrorText: chunk.Error.Error(),
		})

	case chunk.ReasoningStart:
		part := models.NewReasoningPart("")
		p.msg.Parts = append(p.msg.Parts, part)
		p.openReasoning = len(p.msg.Parts) - 1
		p.openText = -1
		return p.send(&models.StreamEvent{
			Kind:  models.EventCreate,
			Part:  models.PartReasoning,
			Index: p.openReasoning,
			State: string(models.ReasoningStreaming),
		})

	case chunk.Reasoning != "":
		if p.openReasoning < 0 {
			if err := p.apply(&agent.ResponseChunk{ReasoningStart: true}); err != nil {
				return err
			}
		}
		p.msg.Parts[p.openReasoning].Text += chunk.Reasoning
		return p.send(&models.StreamEvent{
			Kind:  models.EventDelta,
			Part:  models.PartReasoning,
			Index: p.openReasoning,
			Delta: chunk.Reasoning,
		})

	case chunk.ReasoningEnd:
		if p.openReasoning < 0 {
			return nil
		}
		idx := p.openReasoning
		p.msg.Parts[idx].ReasoningState = models.ReasoningDone
		p.openReasoning = -1
		return p.send(&models.StreamEvent{
			Kind:  models.EventFinalize,
			Part:  models.PartReasoning,
			Index: idx,
			State: string(models.ReasoningDone),
		})

	case chunk.Text != "":
		// Arrival order is render order: text after any other part opens
		// a fresh text part rather than appending out of place.
		if p.openText != len(p.msg.Parts)-1 || p.openText < 0 {
			p.msg.Parts = append(p.msg.Parts, models.NewTextPart(""))
			p.openText = len(p.msg.Parts) - 1
			p.openReasoning = -1
			if err := p.send(&models.StreamEvent{
				Kind:  models.EventCreate,
				Part:  models.PartText,
				Index: p.openText,
			}); err != nil {
				return err
			}
		}
		p.msg.Parts[p.openText].Text += chunk.Text
		return p.send(&models.StreamEvent{
			Kind:  models.EventDelta,
			Part:  models.PartText,
			Index: p.openText,
			Delta: chunk.Text,
		})

	case chunk.ToolCallStart != nil:
		tc := chunk.ToolCallStart
		known := p.cfg.KnownTool == nil || p.cfg.KnownTool(tc.Name)
		part := models.NewToolPart(tc.Name, tc.ID, known)
		p.msg.Parts = append(p.msg.Parts, part)
		idx := len(p.msg.Parts) - 1
		p.callIndex[tc.ID] = idx
		p.openText = -1
		return p.send(&models.StreamEvent{
			Kind:     models.EventCreate,
			Part:     part.Type,
			Index:    idx,
			CallID:   tc.ID,
			ToolName: tc.Name,
			State:    string(models.ToolInputStreaming),
		})

	case chunk.ToolInputDelta != nil:
		d := chunk.ToolInputDelta
		idx, ok := p.callIndex[d.CallID]
		if !ok {
			return nil
		}
		part := &p.msg.Parts[idx]
		part.Input = append(part.Input, d.Delta...)
		return p.send(&models.StreamEvent{
			Kind:   models.EventDelta,
			Part:   part.Type,
			Index:  idx,
			CallID: d.CallID,
			Delta:  d.Delta,
		})

	case chunk.ToolCallReady != nil:
		tc := chunk.ToolCallReady
		idx, ok := p.callIndex[tc.ID]
		if !ok {
			// The provider completed a call it never announced. Create
			// the part so the invocation is not dropped.
			known := p.cfg.KnownTool == nil || p.cfg.KnownTool(tc.Name)
			part := models.NewToolPart(tc.Name, tc.ID, known)
			p.msg.Parts = append(p.msg.Parts, part)
			idx = len(p.msg.Parts) - 1
			p.callIndex[tc.ID] = idx
			p.openText = -1
			if err := p.send(&models.StreamEvent{
				Kind:     models.EventCreate,
				Part:     part.Type,
				Index:    idx,
				CallID:   tc.ID,
				ToolName: tc.Name,
				State:    string(models.ToolInputStreaming),
			}); err != nil {
				return err
			}
		}
		part := &p.msg.Parts[idx]
		part.State = models.ToolInputAvailable
		part.Input = append(json.RawMessage(nil), tc.Input...)
		return p.send(&models.StreamEvent{
			Kind:   models.EventFinalize,
			Part:   part.Type,
			Index:  idx,
			CallID: tc.ID,
			State:  string(models.ToolInputAvailable),
			Input:  tc.Input,
		})

	case chunk.ToolResult != nil:
		tr := chunk.ToolResult
		idx, ok := p.callIndex[tr.ToolCallID]
		if !ok {
			return nil
		}
		part := &p.msg.Parts[idx]
		ev := &models.StreamEvent{
			Kind:   models.EventFinalize,
			Part:   part.Type,
			Index:  idx,
			CallID: tr.ToolCallID,
		}
		if tr.IsError {
			part.State = models.ToolOutputError
			part.ErrorText = tr.ErrorText
			ev.State = string(models.ToolOutputError)
			ev.ErrorText = tr.ErrorText
		} else {
			part.State = models.ToolOutputAvailable
			part.Output = append(json.RawMessage(nil), tr.Output...)
			ev.State = string(models.ToolOutputAvailable)
			ev.Output = tr.Output
		}
		return p.send(ev)

	case chunk.StepDone:
		// Next step's text opens a new part.
		p.openText = -1
		p.openReasoning = -1
		return nil

	case chunk.Done:
		return p.send(&models.StreamEvent{Kind: models.EventFinish, MessageID: p.messageID})
	}

	return nil
}

// persistable reports whether the message carries durable content beyond a
// cancelled in-flight state.
func (p *Pipe) persistable() bool {
	if p.msg.TextContent() != "" {
		return true
	}
	for _, part := range p.msg.Parts {
		if part.IsTool() && part.State.Terminal() {
			return true
		}
	}
	return false
}

// finish runs the completion hook exactly once, synchronously. Hook
// panics and errors stay on the server side of the stream.
func (p *Pipe) finish() {
	if p.finishedCalled || p.cfg.OnFinish == nil {
		return
	}
	p.finishedCalled = true

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(context.Background(), "finish hook panicked",
				"message_id", p.messageID, "panic", r)
		}
	}()
	if err := p.cfg.OnFinish([]models.Message{*p.msg.Clone()}); err != nil {
		p.logger.Error(context.Background(), "finish hook failed",
			"message_id", p.messageID, "error", err)
	}
}

func (p *Pipe) send(ev *models.StreamEvent) error {
	if err := p.sink.Send(ev); err != nil {
		return err
	}
	p.eventsEmitted++
	return nil
}
