// Package snapshot keeps the latest assessment per patient for the
// dashboard's /latest view and for late-joining sessions.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"risktrajectory/internal/model"
)

type Store struct {
	mu        sync.RWMutex
	latest    map[string]model.Assessment
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		latest:    make(map[string]model.Assessment),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(a model.Assessment) {
	if a.PatientID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[a.PatientID] = a
	s.updatedAt[a.PatientID] = time.Now().UTC()
	if len(s.latest) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(patientID string) (model.Assessment, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.latest[patientID]
	if !ok {
		return model.Assessment{}, time.Time{}, false
	}
	return a, s.updatedAt[patientID], true
}

// All returns every patient's latest assessment ordered by patient id.
func (s *Store) All() []model.Assessment {
	s.mu.RLock()
	out := make([]model.Assessment, 0, len(s.latest))
	for _, a := range s.latest {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}

// CountByLevel tallies patients by their current level.
func (s *Store) CountByLevel() map[model.RiskLevel]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.RiskLevel]int, 4)
	for _, a := range s.latest {
		out[a.Level]++
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, ts := range s.updatedAt {
		if oldestID == "" || ts.Before(oldest) {
			oldestID = id
			oldest = ts
		}
	}
	if oldestID != "" {
		delete(s.latest, oldestID)
		delete(s.updatedAt, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = make(map[string]model.Assessment)
	s.updatedAt = make(map[string]time.Time)
}
