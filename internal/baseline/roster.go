package baseline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"risktrajectory/internal/model"
)

var ErrUnknownPatient = errors.New("patient not found")

// Roster is the registry of monitored patients. Registration seeds the
// patient's baseline from its profile unless one already exists.
type Roster struct {
	mu       sync.RWMutex
	patients map[string]model.Patient
	store    Store
}

func NewRoster(store Store) *Roster {
	return &Roster{patients: make(map[string]model.Patient), store: store}
}

func (r *Roster) Register(ctx context.Context, p model.Patient) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errors.New("patient id required")
	}
	p.Profile = NormalizeProfile(p.Profile)
	if p.Name == "" {
		p.Name = p.ID
	}
	if r.store != nil {
		if _, err := r.store.Get(ctx, p.ID); errors.Is(err, ErrNotFound) {
			if err := r.store.Set(ctx, p.ID, DefaultBaseline(p.Profile)); err != nil {
				return fmt.Errorf("seed baseline for %s: %w", p.ID, err)
			}
		} else if err != nil {
			return fmt.Errorf("lookup baseline for %s: %w", p.ID, err)
		}
	}
	r.mu.Lock()
	r.patients[p.ID] = p
	r.mu.Unlock()
	return nil
}

func (r *Roster) Get(patientID string) (model.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[patientID]
	if !ok {
		return model.Patient{}, fmt.Errorf("%w: %s", ErrUnknownPatient, patientID)
	}
	return p, nil
}

// List returns patients ordered by id; an empty roster yields an empty slice.
func (r *Roster) List() []model.Patient {
	r.mu.RLock()
	out := make([]model.Patient, 0, len(r.patients))
	for _, p := range r.patients {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
