package engine

import (
	"sync"
	"time"

	"risktrajectory/internal/model"
)

// TrendTracker owns the rolling windows of every patient. Each patient has
// its own lock so one patient's update never blocks another's.
type TrendTracker struct {
	mu        sync.Mutex
	patients  map[string]*patientTrend
	horizon   time.Duration
	maxPoints int
}

type patientTrend struct {
	mu      sync.Mutex
	windows map[model.Metric]*WindowState
	last    time.Time
	rates   model.Rates
}

func NewTrendTracker(horizon time.Duration, maxPoints int) *TrendTracker {
	return &TrendTracker{
		patients:  make(map[string]*patientTrend),
		horizon:   horizon,
		maxPoints: maxPoints,
	}
}

func (t *TrendTracker) patient(patientID string) *patientTrend {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.patients[patientID]; ok {
		return p
	}
	p := &patientTrend{
		windows: make(map[model.Metric]*WindowState, len(model.Metrics)),
		rates:   model.ZeroRates(),
	}
	for _, m := range model.Metrics {
		p.windows[m] = NewWindowState(t.horizon, t.maxPoints)
	}
	t.patients[patientID] = p
	return p
}

// Observe records sample and returns the per-minute rate for every metric.
// Samples that do not advance the patient's clock are ignored and reported
// with ok=false alongside the previous rates.
func (t *TrendTracker) Observe(patientID string, sample model.VitalsSample) (model.Rates, bool) {
	p := t.patient(patientID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.last.IsZero() && !sample.Timestamp.After(p.last) {
		return p.rates.Clone(), false
	}
	rates := make(model.Rates, len(model.Metrics))
	for _, m := range model.Metrics {
		w := p.windows[m]
		w.Add(Point{Timestamp: sample.Timestamp, Value: sample.Value(m)})
		rates[m] = w.RatePerMinute()
	}
	p.last = sample.Timestamp
	p.rates = rates
	return rates.Clone(), true
}

// Rates returns the most recent rates for patientID.
func (t *TrendTracker) Rates(patientID string) (model.Rates, bool) {
	t.mu.Lock()
	p, ok := t.patients[patientID]
	t.mu.Unlock()
	if !ok {
		return model.ZeroRates(), false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rates.Clone(), true
}

// Points reports how many readings the patient's window currently holds for m.
func (t *TrendTracker) Points(patientID string, m model.Metric) int {
	t.mu.Lock()
	p, ok := t.patients[patientID]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.windows[m]; ok {
		return w.Len()
	}
	return 0
}

// Reset forgets a patient's history in place; the next sample starts a
// fresh window on the same state.
func (t *TrendTracker) Reset(patientID string) {
	t.mu.Lock()
	p, ok := t.patients[patientID]
	t.mu.Unlock()
	if ok {
		p.clear()
	}
}

func (t *TrendTracker) ResetAll() {
	t.mu.Lock()
	all := make([]*patientTrend, 0, len(t.patients))
	for _, p := range t.patients {
		all = append(all, p)
	}
	t.mu.Unlock()
	for _, p := range all {
		p.clear()
	}
}

func (p *patientTrend) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.windows {
		w.Reset()
	}
	p.last = time.Time{}
	p.rates = model.ZeroRates()
}
