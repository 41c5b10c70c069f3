package engine

import (
	"sync"
	"time"

	"risktrajectory/internal/model"
)

// NotifyGate rate-limits outbound notifications per patient. A higher level
// than the one last sent always passes so an escalation is never swallowed.
type NotifyGate struct {
	mu   sync.Mutex
	last map[string]gateEntry
	now  func() time.Time
}

type gateEntry struct {
	at    time.Time
	level model.RiskLevel
}

func NewNotifyGate() *NotifyGate {
	return &NotifyGate{last: make(map[string]gateEntry), now: func() time.Time { return time.Now().UTC() }}
}

func (g *NotifyGate) Allow(patientID string, level model.RiskLevel, cooldown time.Duration) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.last[patientID]; ok && cooldown > 0 {
		if level <= prev.level && now.Sub(prev.at) < cooldown {
			return false
		}
	}
	g.last[patientID] = gateEntry{at: now, level: level}
	return true
}

func (g *NotifyGate) Forget(patientID string) {
	g.mu.Lock()
	delete(g.last, patientID)
	g.mu.Unlock()
}

func (g *NotifyGate) Clear() {
	g.mu.Lock()
	g.last = make(map[string]gateEntry)
	g.mu.Unlock()
}
