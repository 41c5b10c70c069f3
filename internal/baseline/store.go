// Package baseline holds per-patient resting vitals and deviation thresholds,
// and the patient roster they are created from.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"risktrajectory/internal/config"
	"risktrajectory/internal/model"
)

//go:generate mockgen -destination=mock_baseline.go -package=baseline risktrajectory/internal/baseline Store

var (
	ErrNotFound        = errors.New("baseline not found")
	ErrInvalidBaseline = errors.New("invalid baseline")
)

// Store reads and atomically replaces per-patient baselines.
type Store interface {
	Get(ctx context.Context, patientID string) (model.Baseline, error)
	Set(ctx context.Context, patientID string, b model.Baseline) error
}

func NewStore(cfg config.BaselineConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported baseline backend: %q", cfg.Backend)
	}
}

// Validate checks that every metric is present and its tiers are strictly ordered.
func Validate(b model.Baseline) error {
	for _, m := range model.Metrics {
		mb, ok := b.Metrics[m]
		if !ok {
			return fmt.Errorf("%w: missing metric %s", ErrInvalidBaseline, m)
		}
		for _, v := range []float64{mb.Resting, mb.Yellow, mb.Orange, mb.Red, mb.FastChange} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: %s has non-finite value", ErrInvalidBaseline, m)
			}
		}
		if !(mb.Yellow > 0 && mb.Yellow < mb.Orange && mb.Orange < mb.Red) {
			return fmt.Errorf("%w: %s thresholds must satisfy 0 < yellow < orange < red", ErrInvalidBaseline, m)
		}
		if mb.FastChange < 0 {
			return fmt.Errorf("%w: %s fast_change must be >= 0", ErrInvalidBaseline, m)
		}
	}
	for m := range b.Metrics {
		if m.Priority() == len(model.Metrics) {
			return fmt.Errorf("%w: unknown metric %s", ErrInvalidBaseline, m)
		}
	}
	return nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]model.Baseline
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]model.Baseline)}
}

func (s *MemoryStore) Get(_ context.Context, patientID string) (model.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.items[patientID]
	if !ok {
		return model.Baseline{}, fmt.Errorf("%w: %s", ErrNotFound, patientID)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) Set(_ context.Context, patientID string, b model.Baseline) error {
	if strings.TrimSpace(patientID) == "" {
		return fmt.Errorf("%w: empty patient id", ErrInvalidBaseline)
	}
	if err := Validate(b); err != nil {
		return err
	}
	next := b.Clone()
	s.mu.Lock()
	s.items[patientID] = next
	s.mu.Unlock()
	return nil
}
