// Package render derives view state from the message store: scroll
// stickiness over a streaming transcript and row virtualization for long
// conversations. It owns only view state; message content stays in the
// store.
package render

import "github.com/finsight-ai/finsight/internal/client"

// DefaultAtBottomThresholdPx is how close to the scroll end still counts
// as "at bottom".
const DefaultAtBottomThresholdPx = 32.0

// ScrollState keeps the viewport pinned to new content while streaming
// without fighting a user who scrolled away. All mutation happens through
// the named transition methods.
type ScrollState struct {
	stickyToBottom bool
	userInteracted bool
	thresholdPx    float64
}

// NewScrollState starts pinned to the bottom.
func NewScrollState(thresholdPx float64) *ScrollState {
	if thresholdPx <= 0 {
		thresholdPx = DefaultAtBottomThresholdPx
	}
	return &ScrollState{stickyToBottom: true, thresholdPx: thresholdPx}
}

// Sticky reports whether the viewport follows new content.
func (s *ScrollState) Sticky() bool {
	return s.stickyToBottom
}

// UserInteracted reports whether the user has scrolled away since the
// last re-stick.
func (s *ScrollState) UserInteracted() bool {
	return s.userInteracted
}

// GestureUp handles any wheel or touch gesture with upward intent. It
// releases stickiness immediately; callers must invoke it synchronously
// from the input event so an in-flight auto-scroll cannot override a
// single upward tick.
func (s *ScrollState) GestureUp() {
	s.stickyToBottom = false
	s.userInteracted = true
}

// GestureDownSettled handles a downward gesture after the scroll settles.
// Re-sticks only when the viewport landed back at the bottom.
func (s *ScrollState) GestureDownSettled(distanceFromEnd float64) {
	if distanceFromEnd <= s.thresholdPx {
		s.stickyToBottom = true
		s.userInteracted = false
	}
}

// ContentMutated is called for every content mutation. It returns whether
// the caller should scroll the container to its end: only while a turn is
// streaming and stickiness holds. It never changes the flags, so a sticky
// viewport stays sticky across mutations with no intervening gesture.
func (s *ScrollState) ContentMutated(status client.Status) bool {
	if status != client.StatusSubmitted && status != client.StatusStreaming {
		return false
	}
	return s.stickyToBottom
}

// Submitted handles a new user submission. A new turn always starts
// pinned, regardless of prior interaction.
func (s *ScrollState) Submitted() {
	s.stickyToBottom = true
	s.userInteracted = false
}
