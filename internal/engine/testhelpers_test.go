package engine

import (
	"time"

	"risktrajectory/internal/baseline"
	"risktrajectory/internal/model"
)

var testBase = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// hrBaseline is the normal profile with heart rate resting at 70, yellow at
// ±20 and fast change at 10/min.
func hrBaseline() model.Baseline {
	b := baseline.DefaultBaseline(baseline.ProfileNormal)
	b.Metrics[model.HeartRate] = model.MetricBaseline{Resting: 70, Yellow: 20, Orange: 30, Red: 40, FastChange: 10}
	return b
}

func restingSample(ts time.Time) model.VitalsSample {
	return model.VitalsSample{
		Timestamp:        ts,
		HeartRate:        70,
		BPSystolic:       124,
		BPDiastolic:      80,
		OxygenSaturation: 98,
		Temperature:      36.7,
	}
}

func withHR(s model.VitalsSample, hr float64) model.VitalsSample {
	s.HeartRate = hr
	return s
}
