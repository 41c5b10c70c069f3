package ingest

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"risktrajectory/internal/baseline"
	"risktrajectory/internal/config"
	"risktrajectory/internal/model"
)

type PatientLister interface {
	List() []model.Patient
}

// walk is one patient's simulated physiology, continued across ticks.
type walk struct {
	hr, sys, dia, spo2, temp float64
}

// Simulator produces a bounded random walk of vitals per patient starting
// from the profile's resting values, with rare deterioration spikes.
type Simulator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	walks map[string]*walk
}

func NewSimulator(seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{rng: rand.New(rand.NewSource(seed)), walks: make(map[string]*walk)}
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Simulator) Next(p model.Patient, now time.Time) model.VitalsSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.walks[p.ID]
	if !ok {
		b := baseline.DefaultBaseline(p.Profile)
		w = &walk{
			hr:   b.Metrics[model.HeartRate].Resting,
			sys:  b.Metrics[model.BPSystolic].Resting,
			dia:  b.Metrics[model.BPDiastolic].Resting,
			spo2: b.Metrics[model.OxygenSaturation].Resting,
			temp: b.Metrics[model.Temperature].Resting,
		}
		s.walks[p.ID] = w
	}

	w.hr += s.uniform(-2.5, 2.5)
	w.sys += s.uniform(-3, 3)
	w.dia += s.uniform(-2, 2)
	w.spo2 += s.uniform(-0.6, 0.4)
	w.temp += s.uniform(-0.05, 0.05)

	if s.rng.Float64() < 0.02 {
		w.hr += s.uniform(10, 25)
		w.sys += s.uniform(15, 35)
		w.dia += s.uniform(10, 20)
	}
	if s.rng.Float64() < 0.02 {
		w.spo2 -= s.uniform(2, 6)
	}
	if s.rng.Float64() < 0.01 {
		w.temp += s.uniform(0.6, 1.2)
	}

	w.hr = clamp(w.hr, 40, 190)
	w.sys = clamp(w.sys, 90, 220)
	w.dia = clamp(w.dia, 50, 140)
	w.spo2 = clamp(w.spo2, 75, 100)
	w.temp = clamp(w.temp, 34, 41)

	return model.VitalsSample{
		Timestamp:        now.UTC(),
		HeartRate:        round(w.hr, 1),
		BPSystolic:       round(w.sys, 1),
		BPDiastolic:      round(w.dia, 1),
		OxygenSaturation: round(w.spo2, 1),
		Temperature:      round(w.temp, 2),
	}
}

// Forget drops a patient's walk so the next sample restarts from rest.
func (s *Simulator) Forget(patientID string) {
	s.mu.Lock()
	delete(s.walks, patientID)
	s.mu.Unlock()
}

func StartSimulator(ctx context.Context, cfg *config.Manager, patients PatientLister, out chan<- model.PatientSample, logger *slog.Logger) *Simulator {
	current := cfg.Get().Ingest.Simulator
	if !current.Enabled {
		if logger != nil {
			logger.Info("simulator disabled")
		}
		return nil
	}
	sim := NewSimulator(current.Seed)
	if logger != nil {
		logger.Info("simulator enabled", "interval", current.Interval.String())
	}
	go func() {
		ticker := time.NewTicker(current.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, p := range patients.List() {
					ps := model.PatientSample{PatientID: p.ID, Sample: sim.Next(p, now), Source: "simulator"}
					SendNonBlocking(ctx, out, ps, logger)
				}
			}
		}
	}()
	return sim
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
