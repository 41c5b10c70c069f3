package engine

import (
	"time"
)

type Point struct {
	Timestamp time.Time
	Value     float64
}

// WindowState is a time- and count-bounded FIFO of readings for one metric.
// Timestamps are strictly increasing; entries before head are already evicted.
type WindowState struct {
	horizon   time.Duration
	maxPoints int
	points    []Point
	head      int
}

func NewWindowState(horizon time.Duration, maxPoints int) *WindowState {
	if maxPoints < 2 {
		maxPoints = 2
	}
	return &WindowState{
		horizon:   horizon,
		maxPoints: maxPoints,
		points:    make([]Point, 0, 32),
	}
}

func (w *WindowState) Len() int {
	return len(w.points) - w.head
}

func (w *WindowState) Newest() (Point, bool) {
	if w.Len() == 0 {
		return Point{}, false
	}
	return w.points[len(w.points)-1], true
}

func (w *WindowState) Oldest() (Point, bool) {
	if w.Len() == 0 {
		return Point{}, false
	}
	return w.points[w.head], true
}

// Evict drops every point strictly older than cutoff.
func (w *WindowState) Evict(cutoff time.Time) {
	for w.head < len(w.points) {
		if !w.points[w.head].Timestamp.Before(cutoff) {
			break
		}
		w.head++
	}
	w.compact()
}

// Add appends p after evicting by horizon, then trims to maxPoints.
// A point that does not advance time is rejected.
func (w *WindowState) Add(p Point) bool {
	if newest, ok := w.Newest(); ok && !p.Timestamp.After(newest.Timestamp) {
		return false
	}
	if w.horizon > 0 {
		w.Evict(p.Timestamp.Add(-w.horizon))
	}
	w.points = append(w.points, p)
	for w.Len() > w.maxPoints {
		w.head++
	}
	w.compact()
	return true
}

// RatePerMinute compares the newest reading against the oldest one still in the window.
func (w *WindowState) RatePerMinute() float64 {
	if w.Len() < 2 {
		return 0
	}
	oldest, _ := w.Oldest()
	newest, _ := w.Newest()
	elapsed := newest.Timestamp.Sub(oldest.Timestamp).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return (newest.Value - oldest.Value) / elapsed
}

func (w *WindowState) Reset() {
	w.points = w.points[:0]
	w.head = 0
}

func (w *WindowState) compact() {
	if w.head > 0 && w.head*2 >= len(w.points) {
		w.points = append([]Point{}, w.points[w.head:]...)
		w.head = 0
	}
}
