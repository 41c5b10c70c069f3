package eventlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"risktrajectory/internal/model"
)

// Memory is an append-only event log used when persistence is disabled.
// Events are never evicted; each patient has its own lock.
type Memory struct {
	mu       sync.Mutex
	nextID   atomic.Int64
	patients map[string]*patientLog
}

type patientLog struct {
	mu           sync.RWMutex
	events       []model.Event
	active       bool
	lastActivity time.Time
}

func NewMemory() *Memory {
	return &Memory{patients: make(map[string]*patientLog)}
}

func (m *Memory) patient(patientID string, create bool) *patientLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.patients[patientID]
	if !ok && create {
		pl = &patientLog{}
		m.patients[patientID] = pl
	}
	return pl
}

func (m *Memory) Append(_ context.Context, ev model.Event) (model.Event, error) {
	if strings.TrimSpace(ev.PatientID) == "" {
		return model.Event{}, fmt.Errorf("append event: empty patient id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	pl := m.patient(ev.PatientID, true)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	ev.ID = m.nextID.Add(1)
	pl.events = append(pl.events, ev)
	return ev, nil
}

func (m *Memory) Query(_ context.Context, patientID string, limit int) ([]model.Event, error) {
	limit = ClampLimit(limit)
	pl := m.patient(patientID, false)
	if pl == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, patientID)
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	if !pl.active && len(pl.events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, patientID)
	}
	if limit > len(pl.events) {
		limit = len(pl.events)
	}
	out := make([]model.Event, 0, limit)
	for i := len(pl.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, pl.events[i])
	}
	return out, nil
}

func (m *Memory) RecordActivity(_ context.Context, patientID string, sample model.VitalsSample) error {
	pl := m.patient(patientID, true)
	pl.mu.Lock()
	pl.active = true
	pl.lastActivity = sample.Timestamp
	pl.mu.Unlock()
	return nil
}

// LastActivity returns the timestamp of the newest sample seen for patientID.
func (m *Memory) LastActivity(patientID string) (time.Time, bool) {
	pl := m.patient(patientID, false)
	if pl == nil {
		return time.Time{}, false
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.lastActivity, pl.active
}

// Len reports how many events were ever appended for patientID.
func (m *Memory) Len(patientID string) int {
	pl := m.patient(patientID, false)
	if pl == nil {
		return 0
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return len(pl.events)
}
