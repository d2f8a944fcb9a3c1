package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsight-ai/finsight/pkg/models"
)

// Status is the store's turn lifecycle state.
type Status string

const (
	// StatusIdle means no turn is in flight.
	StatusIdle Status = "idle"

	// StatusSubmitted means a user message was sent and no event has
	// arrived yet.
	StatusSubmitted Status = "submitted"

	// StatusStreaming means assistant events are arriving.
	StatusStreaming Status = "streaming"

	// StatusReady means the last turn completed.
	StatusReady Status = "ready"

	// StatusError means the last turn failed at the turn level.
	StatusError Status = "error"
)

// MessageStore is the single mutable owner of conversation state on the
// client. Events mutate it; the render pipeline only reads it.
type MessageStore struct {
	mu       sync.Mutex
	messages []models.Message
	status   Status
	errText  string

	// current indexes the assistant message under assembly.
	current   int
	callIndex map[string]int

	// mutations counts content changes, consumed by scroll stickiness.
	mutations uint64
}

// NewMessageStore returns an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{status: StatusIdle, current: -1}
}

// Status returns the turn lifecycle state.
func (s *MessageStore) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the turn-level error text, if the status is error.
func (s *MessageStore) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errText
}

// Len returns the message count.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Mutations returns the content mutation counter. The render pipeline
// compares successive values to detect new content.
func (s *MessageStore) Mutations() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

// Messages returns a deep copy of the conversation.
func (s *MessageStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	for i := range s.messages {
		out[i] = *s.messages[i].Clone()
	}
	return out
}

// Submit appends a local user message and moves to submitted. Rejected
// while a turn is in flight.
func (s *MessageStore) Submit(text string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusSubmitted || s.status == StatusStreaming {
		return nil, fmt.Errorf("a turn is already in flight")
	}
	msg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Parts:     []models.Part{models.NewTextPart(text)},
		CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	s.status = StatusSubmitted
	s.errText = ""
	s.mutations++
	return msg.Clone(), nil
}

// Apply reduces one stream event into the message list. Events violating
// the part state machine are rejected; the store is unchanged in that case.
func (s *MessageStore) Apply(ev *models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case models.EventStart:
		return s.applyStart(ev)
	case models.EventCreate:
		return s.applyCreate(ev)
	case models.EventDelta:
		return s.applyDelta(ev)
	case models.EventFinalize:
		return s.applyFinalize(ev)
	case models.EventFinish:
		s.status = StatusReady
		s.mutations++
		return nil
	case models.EventError:
		s.status = StatusError
		s.errText = ev.ErrorText
		s.mutations++
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// applyStart opens the assistant message. A start for a message id already
// present resets its parts, so replaying an event log reproduces identical
// state instead of duplicating content.
func (s *MessageStore) applyStart(ev *models.StreamEvent) error {
	if ev.MessageID == "" {
		return fmt.Errorf("start event without message id")
	}
	for i := range s.messages {
		if s.messages[i].ID == ev.MessageID {
			s.messages[i].Parts = nil
			s.current = i
			s.callIndex = make(map[string]int)
			s.status = StatusStreaming
			s.mutations++
			return nil
		}
	}
	s.messages = append(s.messages, models.Message{
		ID:        ev.MessageID,
		Role:      models.RoleAssistant,
		CreatedAt: time.Now().UTC(),
	})
	s.current = len(s.messages) - 1
	s.callIndex = make(map[string]int)
	s.status = StatusStreaming
	s.mutations++
	return nil
}

func (s *MessageStore) applyCreate(ev *models.StreamEvent) error {
	msg, err := s.openMessage()
	if err != nil {
		return err
	}

	if ev.CallID != "" {
		if _, exists := s.callIndex[ev.CallID]; exists {
			return fmt.Errorf("duplicate create for call %s", ev.CallID)
		}
		part := models.NewToolPart(ev.ToolName, ev.CallID, ev.Part != models.PartDynamicTool)
		if ev.State != "" {
			part.State = models.ToolState(ev.State)
		}
		part.Input = append(part.Input, ev.Input...)
		msg.Parts = append(msg.Parts, part)
		s.callIndex[ev.CallID] = len(msg.Parts) - 1
		s.mutations++
		return nil
	}

	if ev.Index != len(msg.Parts) {
		return fmt.Errorf("create at index %d, expected %d", ev.Index, len(msg.Parts))
	}
	switch ev.Part {
	case models.PartText:
		msg.Parts = append(msg.Parts, models.NewTextPart(ev.Delta))
	case models.PartReasoning:
		msg.Parts = append(msg.Parts, models.NewReasoningPart(ev.Delta))
	default:
		return fmt.Errorf("create for unsupported part type %q", ev.Part)
	}
	s.mutations++
	return nil
}

func (s *MessageStore) applyDelta(ev *models.StreamEvent) error {
	msg, err := s.openMessage()
	if err != nil {
		return err
	}

	if ev.CallID != "" {
		idx, ok := s.callIndex[ev.CallID]
		if !ok {
			return fmt.Errorf("delta for unknown call %s", ev.CallID)
		}
		part := &msg.Parts[idx]
		if part.State.Terminal() {
			return fmt.Errorf("delta after terminal state for call %s", ev.CallID)
		}
		part.Input = append(part.Input, []byte(ev.Delta)...)
		s.mutations++
		return nil
	}

	if ev.Index < 0 || ev.Index >= len(msg.Parts) {
		return fmt.Errorf("delta at index %d out of range", ev.Index)
	}
	msg.Parts[ev.Index].Text += ev.Delta
	s.mutations++
	return nil
}

func (s *MessageStore) applyFinalize(ev *models.StreamEvent) error {
	msg, err := s.openMessage()
	if err != nil {
		return err
	}

	if ev.CallID != "" {
		idx, ok := s.callIndex[ev.CallID]
		if !ok {
			return fmt.Errorf("finalize for unknown call %s", ev.CallID)
		}
		part := &msg.Parts[idx]
		next := models.ToolState(ev.State)
		if !part.State.CanAdvance(next) {
			return fmt.Errorf("call %s cannot advance %s -> %s", ev.CallID, part.State, next)
		}
		part.State = next
		if len(ev.Input) > 0 {
			part.Input = append([]byte(nil), ev.Input...)
		}
		switch next {
		case models.ToolOutputAvailable:
			part.Output = append([]byte(nil), ev.Output...)
		case models.ToolOutputError:
			part.ErrorText = ev.ErrorText
		}
		s.mutations++
		return nil
	}

	if ev.Index < 0 || ev.Index >= len(msg.Parts) {
		return fmt.Errorf("finalize at index %d out of range", ev.Index)
	}
	if msg.Parts[ev.Index].Type == models.PartReasoning {
		msg.Parts[ev.Index].ReasoningState = models.ReasoningDone
	}
	s.mutations++
	return nil
}

func (s *MessageStore) openMessage() (*models.Message, error) {
	if s.current < 0 || s.current >= len(s.messages) {
		return nil, fmt.Errorf("no open assistant message")
	}
	return &s.messages[s.current], nil
}

// Abort ends a mid-stream turn locally. The partial message keeps exactly
// the parts already received; open reasoning closes, tool parts stay at
// their last observed state, and the status becomes ready.
func (s *MessageStore) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusSubmitted && s.status != StatusStreaming {
		return
	}
	if s.current >= 0 && s.current < len(s.messages) {
		msg := &s.messages[s.current]
		for i := range msg.Parts {
			if msg.Parts[i].Type == models.PartReasoning {
				msg.Parts[i].ReasoningState = models.ReasoningDone
			}
		}
	}
	s.status = StatusReady
	s.mutations++
}

// EditMessage replaces the text of a local message. Rejected while a turn
// is in flight; edits are local until the next submission replays them.
func (s *MessageStore) EditMessage(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusSubmitted || s.status == StatusStreaming {
		return fmt.Errorf("cannot edit while a turn is in flight")
	}
	for i := range s.messages {
		if s.messages[i].ID != id {
			continue
		}
		s.messages[i].Parts = []models.Part{models.NewTextPart(text)}
		s.mutations++
		return nil
	}
	return fmt.Errorf("message %s not found", id)
}

// DeleteMessage removes a local message. Rejected while a turn is in
// flight.
func (s *MessageStore) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusSubmitted || s.status == StatusStreaming {
		return fmt.Errorf("cannot delete while a turn is in flight")
	}
	for i := range s.messages {
		if s.messages[i].ID != id {
			continue
		}
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		if s.current == i {
			s.current = -1
		} else if s.current > i {
			s.current--
		}
		s.mutations++
		return nil
	}
	return fmt.Errorf("message %s not found", id)
}

// Regenerate discards the trailing assistant messages and returns the
// transcript to resubmit, ending with the last user message.
func (s *MessageStore) Regenerate() ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusSubmitted || s.status == StatusStreaming {
		return nil, fmt.Errorf("cannot regenerate while a turn is in flight")
	}

	lastUser := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return nil, fmt.Errorf("no user message to regenerate from")
	}

	s.messages = s.messages[:lastUser+1]
	s.current = -1
	s.status = StatusSubmitted
	s.errText = ""
	s.mutations++

	out := make([]models.Message, len(s.messages))
	for i := range s.messages {
		out[i] = *s.messages[i].Clone()
	}
	return out, nil
}

// NeedsContinuation reports whether the latest assistant message finished
// with only terminal tool results and no text, meaning the client should
// resubmit the transcript so the model can produce its answer.
func (s *MessageStore) NeedsContinuation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsContinuationLocked()
}

func (s *MessageStore) needsContinuationLocked() bool {
	if s.status != StatusReady || len(s.messages) == 0 {
		return false
	}
	last := &s.messages[len(s.messages)-1]
	if last.Role != models.RoleAssistant {
		return false
	}
	hasTool := false
	for _, p := range last.Parts {
		if p.IsTool() {
			hasTool = true
			if !p.State.Terminal() {
				return false
			}
		}
	}
	return hasTool && last.TextContent() == ""
}

// ContinueTranscript returns the transcript for an automatic continuation
// and moves back to submitted. Returns false when no continuation applies.
// The continuation check and the status change share one lock hold so a
// concurrent event cannot slip between decision and mutation.
func (s *MessageStore) ContinueTranscript() ([]models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.needsContinuationLocked() {
		return nil, false
	}
	s.status = StatusSubmitted
	s.current = -1
	out := make([]models.Message, len(s.messages))
	for i := range s.messages {
		out[i] = *s.messages[i].Clone()
	}
	return out, true
}
