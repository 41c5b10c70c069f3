package model

import (
	"encoding/json"
	"strings"
	"time"
)

type Metric string

const (
	HeartRate        Metric = "heart_rate"
	OxygenSaturation Metric = "oxygen_saturation"
	BPSystolic       Metric = "bp_systolic"
	BPDiastolic      Metric = "bp_diastolic"
	Temperature      Metric = "temperature"
)

// Metrics lists every tracked metric in explanation priority order.
var Metrics = []Metric{HeartRate, OxygenSaturation, BPSystolic, BPDiastolic, Temperature}

// Priority returns the tie-break rank of m; lower sorts first.
func (m Metric) Priority() int {
	for i, candidate := range Metrics {
		if candidate == m {
			return i
		}
	}
	return len(Metrics)
}

type RiskLevel int

const (
	LevelGreen RiskLevel = iota
	LevelYellow
	LevelOrange
	LevelRed
)

var levelNames = [...]string{"green", "yellow", "orange", "red"}

func (l RiskLevel) String() string {
	if l < LevelGreen || l > LevelRed {
		return "unknown"
	}
	return levelNames[l]
}

// Escalate moves l up by one tier, capped at red.
func (l RiskLevel) Escalate() RiskLevel {
	if l >= LevelRed {
		return LevelRed
	}
	return l + 1
}

// Alerting reports whether l is orange or red.
func (l RiskLevel) Alerting() bool {
	return l >= LevelOrange
}

// Title is the human heading shown for a level.
func (l RiskLevel) Title() string {
	switch l {
	case LevelYellow:
		return "Warning"
	case LevelOrange:
		return "High Risk"
	case LevelRed:
		return "CRITICAL ALERT"
	default:
		return "Stable"
	}
}

func ParseRiskLevel(s string) (RiskLevel, bool) {
	n := strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == n {
			return RiskLevel(i), true
		}
	}
	return LevelGreen, false
}

func (l RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, _ := ParseRiskLevel(s)
	*l = parsed
	return nil
}

type Patient struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Profile string `json:"profile" yaml:"profile"`
	Age     int    `json:"age,omitempty" yaml:"age"`
}

type VitalsSample struct {
	Timestamp        time.Time `json:"ts"`
	HeartRate        float64   `json:"heart_rate"`
	BPSystolic       float64   `json:"bp_systolic"`
	BPDiastolic      float64   `json:"bp_diastolic"`
	OxygenSaturation float64   `json:"oxygen_saturation"`
	Temperature      float64   `json:"temperature"`
}

// Value returns the reading for m.
func (v VitalsSample) Value(m Metric) float64 {
	switch m {
	case HeartRate:
		return v.HeartRate
	case OxygenSaturation:
		return v.OxygenSaturation
	case BPSystolic:
		return v.BPSystolic
	case BPDiastolic:
		return v.BPDiastolic
	case Temperature:
		return v.Temperature
	}
	return 0
}

// Vitals is the per-metric view of a sample used in payloads.
func (v VitalsSample) Vitals() map[string]float64 {
	out := make(map[string]float64, len(Metrics))
	for _, m := range Metrics {
		out[string(m)] = v.Value(m)
	}
	return out
}

// PatientSample is a sample tagged with the patient it belongs to, as produced by sources.
type PatientSample struct {
	PatientID string       `json:"patient_id"`
	Sample    VitalsSample `json:"sample"`
	Source    string       `json:"source,omitempty"`
}

// Rates holds per-metric rate of change in units per minute.
type Rates map[Metric]float64

func ZeroRates() Rates {
	r := make(Rates, len(Metrics))
	for _, m := range Metrics {
		r[m] = 0
	}
	return r
}

func (r Rates) Clone() Rates {
	out := make(Rates, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type MetricBaseline struct {
	Resting    float64 `json:"resting" yaml:"resting"`
	Yellow     float64 `json:"yellow" yaml:"yellow"`
	Orange     float64 `json:"orange" yaml:"orange"`
	Red        float64 `json:"red" yaml:"red"`
	FastChange float64 `json:"fast_change" yaml:"fast_change"`
}

// Tier returns the highest level whose deviation band value falls into.
func (b MetricBaseline) Tier(value float64) RiskLevel {
	dev := value - b.Resting
	if dev < 0 {
		dev = -dev
	}
	switch {
	case dev >= b.Red:
		return LevelRed
	case dev >= b.Orange:
		return LevelOrange
	case dev >= b.Yellow:
		return LevelYellow
	}
	return LevelGreen
}

type Baseline struct {
	Profile string                    `json:"profile"`
	Metrics map[Metric]MetricBaseline `json:"metrics"`
}

func (b Baseline) Clone() Baseline {
	out := Baseline{Profile: b.Profile, Metrics: make(map[Metric]MetricBaseline, len(b.Metrics))}
	for k, v := range b.Metrics {
		out.Metrics[k] = v
	}
	return out
}

type Outcome struct {
	Name            string   `json:"name"`
	Probability     float64  `json:"probability"`
	Because         []string `json:"because"`
	SuggestedAction string   `json:"suggested_action"`
}

type Assessment struct {
	PatientID   string             `json:"patient_id"`
	Profile     string             `json:"profile"`
	Timestamp   time.Time          `json:"ts"`
	Vitals      map[string]float64 `json:"vitals"`
	RatesPerMin map[string]float64 `json:"rates_per_min"`
	Level       RiskLevel          `json:"level"`
	Title       string             `json:"title"`
	RiskScore   float64            `json:"risk_score"`
	Explain     string             `json:"explain"`
	Drivers     []Metric           `json:"drivers,omitempty"`
	Escalated   bool               `json:"escalated"`
	Outcomes    []Outcome          `json:"outcomes"`
}

// Payload is the structured snapshot stored with events and sent to the notifier.
func (a Assessment) Payload() map[string]any {
	outcomes := a.Outcomes
	if outcomes == nil {
		outcomes = []Outcome{}
	}
	return map[string]any{
		"patient_id":    a.PatientID,
		"profile":       a.Profile,
		"level":         a.Level.String(),
		"title":         a.Title,
		"risk_score":    a.RiskScore,
		"vitals":        a.Vitals,
		"rates_per_min": a.RatesPerMin,
		"outcomes":      outcomes,
		"explain":       a.Explain,
	}
}

type Event struct {
	ID        int64           `json:"id"`
	PatientID string          `json:"patient_id"`
	Timestamp time.Time       `json:"ts"`
	Level     RiskLevel       `json:"level"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
