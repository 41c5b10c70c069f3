package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"risktrajectory/internal/model"
)

// ReplayFilter drops samples that several sources delivered more than once.
// Identity is the patient, the reading time and every vital value.
type ReplayFilter struct {
	mu    sync.Mutex
	items map[string]time.Time
	limit int
}

func NewReplayFilter() *ReplayFilter {
	return &ReplayFilter{items: make(map[string]time.Time), limit: 10000}
}

// Seen records ps at now and reports whether it was already seen within ttl.
func (f *ReplayFilter) Seen(ps model.PatientSample, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	key := sampleKey(ps)
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := f.items[key]; ok && now.Sub(ts) <= ttl {
		return true
	}
	f.items[key] = now
	if len(f.items) > f.limit {
		for k, ts := range f.items {
			if now.Sub(ts) > ttl {
				delete(f.items, k)
			}
		}
	}
	return false
}

func (f *ReplayFilter) Clear() {
	f.mu.Lock()
	f.items = make(map[string]time.Time)
	f.mu.Unlock()
}

func sampleKey(ps model.PatientSample) string {
	parts := make([]string, 0, len(model.Metrics)+2)
	parts = append(parts, ps.PatientID, ps.Sample.Timestamp.UTC().Format(time.RFC3339Nano))
	for _, m := range model.Metrics {
		parts = append(parts, strconv.FormatFloat(ps.Sample.Value(m), 'f', -1, 64))
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
