package render

import "math"

const (
	// DefaultVirtualizeThreshold is the message count above which rows
	// are virtualized.
	DefaultVirtualizeThreshold = 60

	// DefaultOverscan is how many rows are mounted beyond the viewport on
	// each side.
	DefaultOverscan = 5

	// DefaultRowHeightPx seeds the average row height estimate.
	DefaultRowHeightPx = 120.0
)

// Range is the half-open visible index window [Start, End).
type Range struct {
	Start int
	End   int
}

// Virtualizer computes the mounted row window for long transcripts.
// Recomputes are frame-throttled: repeated scroll deltas within one
// animation frame reuse the previous range.
type Virtualizer struct {
	threshold int
	overscan  int
	rowHeight float64

	lastFrame int64
	lastRange Range
	computed  bool
}

// NewVirtualizer applies defaults for non-positive arguments.
func NewVirtualizer(threshold, overscan int, rowHeightPx float64) *Virtualizer {
	if threshold <= 0 {
		threshold = DefaultVirtualizeThreshold
	}
	if overscan <= 0 {
		overscan = DefaultOverscan
	}
	if rowHeightPx <= 0 {
		rowHeightPx = DefaultRowHeightPx
	}
	return &Virtualizer{threshold: threshold, overscan: overscan, rowHeight: rowHeightPx, lastFrame: -1}
}

// Active reports whether virtualization applies at the given list length.
// Below the threshold every row is mounted directly.
func (v *Virtualizer) Active(length int) bool {
	return length > v.threshold
}

// ObserveRowHeight feeds a measured average row height back into the
// estimate.
func (v *Virtualizer) ObserveRowHeight(px float64) {
	if px > 0 {
		v.rowHeight = px
	}
}

// OnScroll recomputes the visible range for a scroll or resize event in
// the given animation frame. Events within an already-computed frame
// return the previous range with changed=false.
func (v *Virtualizer) OnScroll(frame int64, scrollTop, viewportHeight float64, length int) (Range, bool) {
	if v.computed && frame == v.lastFrame {
		return v.lastRange, false
	}
	r := v.Compute(scrollTop, viewportHeight, length)
	changed := !v.computed || r != v.lastRange
	v.lastFrame = frame
	v.lastRange = r
	v.computed = true
	return r, changed
}

// Compute derives the visible window from geometry. The result is clamped
// to [0, length] and, whenever the list is long enough, spans at least the
// viewport's row capacity.
func (v *Virtualizer) Compute(scrollTop, viewportHeight float64, length int) Range {
	if length <= 0 {
		return Range{}
	}

	capacity := int(math.Ceil(viewportHeight / v.rowHeight))
	span := capacity + 2*v.overscan

	start := int(math.Floor(scrollTop/v.rowHeight)) - v.overscan
	end := start + span

	if start < 0 {
		start = 0
		end = span
	}
	if end > length {
		end = length
		start = end - span
		if start < 0 {
			start = 0
		}
	}
	return Range{Start: start, End: end}
}

// SpacerHeights returns the pixel heights of the top and bottom spacer
// elements that stand in for unmounted rows, preserving scrollbar
// geometry.
func (v *Virtualizer) SpacerHeights(r Range, length int) (top, bottom float64) {
	top = float64(r.Start) * v.rowHeight
	bottom = float64(length-r.End) * v.rowHeight
	if bottom < 0 {
		bottom = 0
	}
	return top, bottom
}
