package render

import (
	"testing"

	"github.com/finsight-ai/finsight/internal/client"
)

func TestScrollStickinessTransitions(t *testing.T) {
	s := NewScrollState(0)
	if !s.Sticky() {
		t.Fatal("should start sticky")
	}

	// Streaming content keeps requesting scroll-to-end while sticky.
	for i := 0; i < 5; i++ {
		if !s.ContentMutated(client.StatusStreaming) {
			t.Fatalf("mutation %d should scroll while sticky", i)
		}
		if !s.Sticky() {
			t.Fatalf("mutation %d released stickiness", i)
		}
	}

	// Upward gesture releases immediately.
	s.GestureUp()
	if s.Sticky() || !s.UserInteracted() {
		t.Error("upward gesture must release stickiness synchronously")
	}
	if s.ContentMutated(client.StatusStreaming) {
		t.Error("mutation must not scroll after the user scrolled away")
	}

	// Downward gesture that settles short of the bottom stays released.
	s.GestureDownSettled(200)
	if s.Sticky() {
		t.Error("re-stuck while far from the bottom")
	}

	// Settling at the bottom re-sticks.
	s.GestureDownSettled(10)
	if !s.Sticky() || s.UserInteracted() {
		t.Error("should re-stick at the bottom")
	}

	// A new submission pins regardless of prior state.
	s.GestureUp()
	s.Submitted()
	if !s.Sticky() {
		t.Error("submission must force stickiness")
	}

	// Idle and ready statuses never auto-scroll.
	if s.ContentMutated(client.StatusReady) || s.ContentMutated(client.StatusIdle) {
		t.Error("auto-scroll outside an active turn")
	}
}

func TestScrollUpMidStream(t *testing.T) {
	s := NewScrollState(0)
	if !s.ContentMutated(client.StatusStreaming) {
		t.Fatal("expected scroll while pinned")
	}
	s.GestureUp()
	// Concurrent streaming updates arrive after the gesture; none may
	// scroll the container.
	for i := 0; i < 10; i++ {
		if s.ContentMutated(client.StatusStreaming) {
			t.Fatalf("update %d scrolled against the user", i)
		}
	}
}

func TestVirtualizerActivation(t *testing.T) {
	v := NewVirtualizer(0, 0, 0)
	if v.Active(60) {
		t.Error("active at threshold")
	}
	if !v.Active(61) {
		t.Error("inactive above threshold")
	}
}

func TestVirtualizerBounds(t *testing.T) {
	v := NewVirtualizer(60, 5, 100)
	length := 500
	viewport := 800.0
	capacity := 8 // ceil(800 / 100)

	positions := []float64{0, 50, 999, 5000, 24_000, 49_000, 60_000, 1e9}
	for _, scrollTop := range positions {
		r := v.Compute(scrollTop, viewport, length)
		if r.Start < 0 || r.End > length || r.Start > r.End {
			t.Errorf("scrollTop %.0f: range [%d,%d) out of [0,%d]", scrollTop, r.Start, r.End, length)
		}
		if r.End-r.Start < capacity {
			t.Errorf("scrollTop %.0f: range [%d,%d) smaller than viewport capacity %d", scrollTop, r.Start, r.End, capacity)
		}
	}
}

func TestVirtualizerShortListRendersFully(t *testing.T) {
	v := NewVirtualizer(60, 5, 100)
	length := 6 // fewer rows than the viewport holds
	viewport := 800.0

	for _, scrollTop := range []float64{0, 100, 400, 1e6} {
		r := v.Compute(scrollTop, viewport, length)
		if r.Start != 0 || r.End != length {
			t.Errorf("scrollTop %.0f: range [%d,%d), want [0,%d)", scrollTop, r.Start, r.End, length)
		}
	}
}

func TestVirtualizerWindowTracksScroll(t *testing.T) {
	v := NewVirtualizer(60, 5, 100)
	length := 200

	r := v.Compute(0, 800, length)
	if r.Start != 0 {
		t.Errorf("top of list: start = %d", r.Start)
	}

	// Row 100 is at scrollTop 10000; it must be inside the window.
	r = v.Compute(10_000, 800, length)
	if r.Start > 100 || r.End <= 100 {
		t.Errorf("row 100 not mounted: [%d,%d)", r.Start, r.End)
	}
	if r.Start != 100-5 {
		t.Errorf("start = %d, want %d", r.Start, 95)
	}

	// Bottom of the list clamps end to length.
	r = v.Compute(100*float64(length), 800, length)
	if r.End != length {
		t.Errorf("end = %d, want %d", r.End, length)
	}
}

func TestVirtualizerSpacerGeometry(t *testing.T) {
	v := NewVirtualizer(60, 5, 100)
	length := 200
	r := v.Compute(10_000, 800, length)

	top, bottom := v.SpacerHeights(r, length)
	if top != float64(r.Start)*100 {
		t.Errorf("top spacer = %.0f", top)
	}
	if bottom != float64(length-r.End)*100 {
		t.Errorf("bottom spacer = %.0f", bottom)
	}
	// Total virtual height is constant regardless of window position.
	mounted := float64(r.End-r.Start) * 100
	if top+mounted+bottom != float64(length)*100 {
		t.Errorf("virtual height %f != %f", top+mounted+bottom, float64(length)*100)
	}
}

func TestVirtualizerFrameThrottle(t *testing.T) {
	v := NewVirtualizer(60, 5, 100)

	r1, changed := v.OnScroll(1, 0, 800, 500)
	if !changed {
		t.Fatal("first compute should report change")
	}

	// Same frame: no recompute even though scrollTop moved.
	r2, changed := v.OnScroll(1, 5_000, 800, 500)
	if changed || r2 != r1 {
		t.Error("recomputed within one frame")
	}

	// Next frame picks up the new position.
	r3, changed := v.OnScroll(2, 5_000, 800, 500)
	if !changed || r3 == r1 {
		t.Error("frame advance did not recompute")
	}
}

func TestVirtualizerRowHeightFeedback(t *testing.T) {
	v := NewVirtualizer(60, 5, 100)
	v.ObserveRowHeight(200)
	r := v.Compute(2_000, 800, 500)
	// 2000 / 200 = row 10, minus overscan.
	if r.Start != 5 {
		t.Errorf("start = %d, want 5", r.Start)
	}
}
