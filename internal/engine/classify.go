package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"risktrajectory/internal/model"
)

const noFindings = "No abnormalities detected."

var metricWeights = map[model.Metric]float64{
	model.HeartRate:        25,
	model.OxygenSaturation: 30,
	model.BPSystolic:       25,
	model.BPDiastolic:      20,
	model.Temperature:      15,
}

var tierFactor = [...]float64{0, 0.32, 0.64, 1}

// Classification is the outcome of comparing one sample against a baseline.
type Classification struct {
	Level       model.RiskLevel
	Explanation string
	Score       float64
	// Drivers are the metrics whose deviation produced the pre-escalation level.
	Drivers     []model.Metric
	Escalated   bool
	FastMetrics []model.Metric
}

// Classify maps deviation from baseline to a tier per metric, takes the worst
// of them, and raises the result one tier when any metric moves faster than
// its fast-change threshold. It is pure and never fails.
func Classify(b model.Baseline, s model.VitalsSample, rates model.Rates) Classification {
	level := model.LevelGreen
	tiers := make(map[model.Metric]model.RiskLevel, len(model.Metrics))
	for _, m := range model.Metrics {
		mb, ok := b.Metrics[m]
		if !ok {
			continue
		}
		t := mb.Tier(s.Value(m))
		tiers[m] = t
		if t > level {
			level = t
		}
	}

	var drivers []model.Metric
	if level > model.LevelGreen {
		for _, m := range model.Metrics {
			if tiers[m] == level {
				drivers = append(drivers, m)
			}
		}
	}

	var fast []model.Metric
	for _, m := range model.Metrics {
		mb, ok := b.Metrics[m]
		if !ok || mb.FastChange <= 0 {
			continue
		}
		if math.Abs(rates[m]) > mb.FastChange {
			fast = append(fast, m)
		}
	}

	out := Classification{Level: level, Drivers: drivers, FastMetrics: fast}
	if len(fast) > 0 && level < model.LevelRed {
		out.Level = level.Escalate()
		out.Escalated = true
	}
	out.Score = riskScore(tiers, fast)
	out.Explanation = explain(b, s, rates, tiers, fast, out.Escalated)
	return out
}

func riskScore(tiers map[model.Metric]model.RiskLevel, fast []model.Metric) float64 {
	score := 0.0
	for m, t := range tiers {
		score += metricWeights[m] * tierFactor[t]
	}
	for _, m := range fast {
		if m == model.OxygenSaturation {
			score += 15
		} else {
			score += 10
		}
	}
	if score > 100 {
		score = 100
	}
	return math.Round(score*10) / 10
}

// explain lists every non-green metric worst first, then the fast movers.
func explain(b model.Baseline, s model.VitalsSample, rates model.Rates, tiers map[model.Metric]model.RiskLevel, fast []model.Metric, escalated bool) string {
	flagged := make([]model.Metric, 0, len(tiers))
	for m, t := range tiers {
		if t > model.LevelGreen {
			flagged = append(flagged, m)
		}
	}
	sort.Slice(flagged, func(i, j int) bool {
		if tiers[flagged[i]] != tiers[flagged[j]] {
			return tiers[flagged[i]] > tiers[flagged[j]]
		}
		return flagged[i].Priority() < flagged[j].Priority()
	})

	parts := make([]string, 0, len(flagged)+1)
	for _, m := range flagged {
		mb := b.Metrics[m]
		v := s.Value(m)
		parts = append(parts, fmt.Sprintf("%s %.1f (%+.1f from resting %.1f)", m, v, v-mb.Resting, mb.Resting))
	}
	if len(fast) > 0 {
		movers := make([]string, 0, len(fast))
		for _, m := range fast {
			movers = append(movers, fmt.Sprintf("%s changing fast (%+.1f/min > %.1f/min)", m, rates[m], b.Metrics[m].FastChange))
		}
		prefix := "trend: "
		if escalated {
			prefix = "escalated: "
		}
		parts = append(parts, prefix+strings.Join(movers, ", "))
	}
	if len(parts) == 0 {
		return noFindings
	}
	return strings.Join(parts, " | ")
}
