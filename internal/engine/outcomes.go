package engine

import (
	"fmt"
	"math"
	"sort"

	"risktrajectory/internal/model"
)

const (
	maxBecause    = 4
	defaultAction = "Clinician review."
)

// RuleInputs is everything a rule may look at.
type RuleInputs struct {
	Level    model.RiskLevel
	Sample   model.VitalsSample
	Rates    model.Rates
	Baseline model.Baseline
}

// Rule is one entry of the outcome table. Fallback rules only fire when no
// regular rule did.
type Rule struct {
	Name        string
	Action      string
	Reason      string
	Fallback    bool
	When        func(RuleInputs) bool
	Probability func(RuleInputs) float64
}

func byLevel(in RuleInputs, atLeast model.RiskLevel, high, low float64) float64 {
	if in.Level >= atLeast {
		return high
	}
	return low
}

// severity scales how far x has travelled past from, over span, into 0..1.
func severity(x, from, span float64) float64 {
	return clamp01((x - from) / span)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DefaultRules is the clinical pattern table evaluated for every non-green assessment.
var DefaultRules = []Rule{
	{
		Name:   "cardiac_event_risk",
		Action: "Obtain 12-lead ECG and notify the cardiology team.",
		Reason: "tachycardia with hypertension or desaturation",
		When: func(in RuleInputs) bool {
			s := in.Sample
			return s.HeartRate >= 130 && (s.BPSystolic >= 170 || s.OxygenSaturation <= 92)
		},
		Probability: func(in RuleInputs) float64 {
			return byLevel(in, model.LevelRed, 0.75, 0.55) + 0.15*severity(in.Sample.HeartRate, 130, 50)
		},
	},
	{
		Name:   "stroke_risk",
		Action: "Perform a neurological assessment and review blood pressure management.",
		Reason: "severely elevated blood pressure",
		When: func(in RuleInputs) bool {
			return in.Sample.BPSystolic >= 180 || in.Sample.BPDiastolic >= 120
		},
		Probability: func(in RuleInputs) float64 {
			return byLevel(in, model.LevelOrange, 0.80, 0.60) + 0.10*severity(in.Sample.BPSystolic, 180, 40)
		},
	},
	{
		Name:   "respiratory_failure_risk",
		Action: "Start supplemental oxygen and check airway and breathing.",
		Reason: "low or falling oxygen saturation",
		When: func(in RuleInputs) bool {
			spo2 := in.Sample.OxygenSaturation
			return spo2 <= 90 || (spo2 <= 93 && in.Rates[model.OxygenSaturation] <= -2)
		},
		Probability: func(in RuleInputs) float64 {
			return byLevel(in, model.LevelRed, 0.85, 0.65) + 0.10*severity(90-in.Sample.OxygenSaturation, 0, 10)
		},
	},
	{
		Name:   "sepsis_risk",
		Action: "Draw blood cultures and lactate; consider the sepsis bundle.",
		Reason: "fever with tachycardia",
		When: func(in RuleInputs) bool {
			return in.Sample.Temperature >= 38.5 && in.Sample.HeartRate >= 120
		},
		Probability: func(in RuleInputs) float64 {
			return byLevel(in, model.LevelOrange, 0.60, 0.40) + 0.10*severity(in.Sample.Temperature, 38.5, 2)
		},
	},
	{
		Name:     "undifferentiated_deterioration",
		Action:   "Increase observation frequency and request a clinical review.",
		Reason:   "multiple vitals outside baseline without a specific pattern",
		Fallback: true,
		When: func(in RuleInputs) bool {
			return in.Level >= model.LevelOrange
		},
		Probability: func(in RuleInputs) float64 {
			return byLevel(in, model.LevelRed, 0.60, 0.50)
		},
	},
}

// Infer evaluates DefaultRules. See InferWith.
func Infer(level model.RiskLevel, s model.VitalsSample, rates model.Rates, b model.Baseline, limit int) []model.Outcome {
	return InferWith(DefaultRules, level, s, rates, b, limit)
}

// InferWith returns at most limit outcomes ordered by probability, highest
// first, ties by name. limit <= 0 means no cap. A green level always
// yields an empty list.
func InferWith(rules []Rule, level model.RiskLevel, s model.VitalsSample, rates model.Rates, b model.Baseline, limit int) []model.Outcome {
	out := make([]model.Outcome, 0)
	if level == model.LevelGreen {
		return out
	}
	in := RuleInputs{Level: level, Sample: s, Rates: rates, Baseline: b}
	signals := outcomeSignals(in)

	fire := func(r Rule) {
		because := append([]string{r.Reason}, signals...)
		if len(because) > maxBecause {
			because = because[:maxBecause]
		}
		action := r.Action
		if action == "" {
			action = defaultAction
		}
		out = append(out, model.Outcome{
			Name:            r.Name,
			Probability:     math.Round(clamp01(r.Probability(in))*100) / 100,
			Because:         because,
			SuggestedAction: action,
		})
	}
	for _, r := range rules {
		if !r.Fallback && r.When(in) {
			fire(r)
		}
	}
	if len(out) == 0 {
		for _, r := range rules {
			if r.Fallback && r.When(in) {
				fire(r)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// outcomeSignals describes the observed deviations and fast trends, worst first.
func outcomeSignals(in RuleInputs) []string {
	type flagged struct {
		m    model.Metric
		tier model.RiskLevel
	}
	var devs []flagged
	for _, m := range model.Metrics {
		mb, ok := in.Baseline.Metrics[m]
		if !ok {
			continue
		}
		if t := mb.Tier(in.Sample.Value(m)); t > model.LevelGreen {
			devs = append(devs, flagged{m: m, tier: t})
		}
	}
	sort.SliceStable(devs, func(i, j int) bool { return devs[i].tier > devs[j].tier })

	out := make([]string, 0, len(devs)+2)
	for _, d := range devs {
		v := in.Sample.Value(d.m)
		out = append(out, fmt.Sprintf("%s %.1f (%+.1f from resting, %s)", d.m, v, v-in.Baseline.Metrics[d.m].Resting, d.tier))
	}
	for _, m := range model.Metrics {
		mb, ok := in.Baseline.Metrics[m]
		if !ok || mb.FastChange <= 0 {
			continue
		}
		if r := in.Rates[m]; math.Abs(r) > mb.FastChange {
			dir := "rising"
			if r < 0 {
				dir = "falling"
			}
			out = append(out, fmt.Sprintf("%s %s %+.1f/min", m, dir, r))
		}
	}
	return out
}
