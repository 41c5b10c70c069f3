package baseline

import (
	"strings"

	"risktrajectory/internal/model"
)

const (
	ProfileNormal       = "normal"
	ProfileHypertensive = "hypertensive"
	ProfileAthlete      = "athlete"
	ProfileCritical     = "critical"
)

func tiers(resting, yellow, orange, red, fast float64) model.MetricBaseline {
	return model.MetricBaseline{Resting: resting, Yellow: yellow, Orange: orange, Red: red, FastChange: fast}
}

// Deviations are measured from the resting value the simulator starts each profile at.
// Yellow and red bands match the absolute warning and danger lines used on the ward;
// orange sits halfway between them.
var profileDefaults = map[string]map[model.Metric]model.MetricBaseline{
	ProfileNormal: {
		model.HeartRate:        tiers(78, 30, 50, 70, 15),
		model.OxygenSaturation: tiers(98, 3, 4.5, 6, 2),
		model.BPSystolic:       tiers(124, 26, 36, 46, 10),
		model.BPDiastolic:      tiers(80, 15, 22, 30, 8),
		model.Temperature:      tiers(36.7, 1.3, 1.8, 2.3, 0.5),
	},
	ProfileHypertensive: {
		model.HeartRate:        tiers(82, 28, 48, 68, 15),
		model.OxygenSaturation: tiers(97, 2, 3.5, 5, 2),
		model.BPSystolic:       tiers(148, 12, 22, 32, 10),
		model.BPDiastolic:      tiers(96, 8, 16, 24, 8),
		model.Temperature:      tiers(36.8, 1.2, 1.7, 2.2, 0.5),
	},
	ProfileAthlete: {
		model.HeartRate:        tiers(62, 43, 60, 78, 15),
		model.OxygenSaturation: tiers(98, 3, 4.5, 6, 2),
		model.BPSystolic:       tiers(118, 27, 40, 52, 10),
		model.BPDiastolic:      tiers(74, 21, 28, 36, 8),
		model.Temperature:      tiers(36.6, 1.4, 1.9, 2.4, 0.5),
	},
	ProfileCritical: {
		model.HeartRate:        tiers(98, 10, 22, 37, 10),
		model.OxygenSaturation: tiers(95, 1, 3, 5, 1.5),
		model.BPSystolic:       tiers(140, 8, 16, 25, 8),
		model.BPDiastolic:      tiers(92, 5, 9, 13, 6),
		model.Temperature:      tiers(37.4, 0.6, 1.1, 1.6, 0.4),
	},
}

// Profiles lists the known physiological profiles.
func Profiles() []string {
	return []string{ProfileNormal, ProfileHypertensive, ProfileAthlete, ProfileCritical}
}

// NormalizeProfile maps unknown or empty profiles to normal.
func NormalizeProfile(profile string) string {
	p := strings.ToLower(strings.TrimSpace(profile))
	if _, ok := profileDefaults[p]; ok {
		return p
	}
	return ProfileNormal
}

// DefaultBaseline returns a fresh copy of the profile defaults.
func DefaultBaseline(profile string) model.Baseline {
	p := NormalizeProfile(profile)
	src := profileDefaults[p]
	b := model.Baseline{Profile: p, Metrics: make(map[model.Metric]model.MetricBaseline, len(src))}
	for k, v := range src {
		b.Metrics[k] = v
	}
	return b
}
