package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"risktrajectory/internal/config"
	"risktrajectory/internal/model"
)

var (
	ErrMissingPatient = errors.New("missing patient id")
	ErrMissingMetric  = errors.New("missing vital")
	ErrImplausible    = errors.New("vital outside plausible range")
)

// SampleFields is the loosely typed form of a sample produced by parsers.
type SampleFields struct {
	Timestamp string
	PatientID string
	Values    map[model.Metric]string
	Raw       string
}

// PlausibleRanges bounds what a bedside monitor can physically report.
var PlausibleRanges = map[model.Metric][2]float64{
	model.HeartRate:        {20, 250},
	model.OxygenSaturation: {50, 100},
	model.BPSystolic:       {50, 260},
	model.BPDiastolic:      {30, 180},
	model.Temperature:      {30, 44},
}

var metricAliases = map[string]model.Metric{
	"heart_rate":        model.HeartRate,
	"heartrate":         model.HeartRate,
	"hr":                model.HeartRate,
	"pulse":             model.HeartRate,
	"oxygen_saturation": model.OxygenSaturation,
	"spo2":              model.OxygenSaturation,
	"sao2":              model.OxygenSaturation,
	"o2":                model.OxygenSaturation,
	"bp_systolic":       model.BPSystolic,
	"systolic":          model.BPSystolic,
	"sbp":               model.BPSystolic,
	"bp_diastolic":      model.BPDiastolic,
	"diastolic":         model.BPDiastolic,
	"dbp":               model.BPDiastolic,
	"temperature":       model.Temperature,
	"temp":              model.Temperature,
	"t":                 model.Temperature,
}

// MetricForKey maps a field name to its metric.
func MetricForKey(key string) (model.Metric, bool) {
	m, ok := metricAliases[strings.ToLower(strings.TrimSpace(key))]
	return m, ok
}

// SetBloodPressure splits a combined "120/80" reading into both metrics.
func (f *SampleFields) SetBloodPressure(value string) bool {
	sys, dia, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return false
	}
	if f.Values == nil {
		f.Values = make(map[model.Metric]string, len(model.Metrics))
	}
	f.Values[model.BPSystolic] = strings.TrimSpace(sys)
	f.Values[model.BPDiastolic] = strings.TrimSpace(dia)
	return true
}

func Normalize(fields SampleFields, cfg *config.Config, source string) (model.PatientSample, error) {
	patient := strings.TrimSpace(fields.PatientID)
	if patient == "" {
		patient = cfg.Ingest.Parser.DefaultPatientID
	}
	if patient == "" {
		return model.PatientSample{}, ErrMissingPatient
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.PatientSample{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	sample := model.VitalsSample{Timestamp: ts}
	for _, m := range model.Metrics {
		raw := strings.TrimSpace(fields.Values[m])
		if raw == "" {
			return model.PatientSample{}, fmt.Errorf("%w: %s", ErrMissingMetric, m)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.PatientSample{}, fmt.Errorf("parse %s: %w", m, err)
		}
		setValue(&sample, m, v)
	}
	if err := Validate(sample); err != nil {
		return model.PatientSample{}, err
	}
	return model.PatientSample{PatientID: patient, Sample: sample, Source: source}, nil
}

// Validate rejects non-finite values and readings outside PlausibleRanges.
func Validate(s model.VitalsSample) error {
	for _, m := range model.Metrics {
		v := s.Value(m)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrImplausible, m)
		}
		r := PlausibleRanges[m]
		if v < r[0] || v > r[1] {
			return fmt.Errorf("%w: %s=%g not in [%g, %g]", ErrImplausible, m, v, r[0], r[1])
		}
	}
	return nil
}

func setValue(s *model.VitalsSample, m model.Metric, v float64) {
	switch m {
	case model.HeartRate:
		s.HeartRate = v
	case model.OxygenSaturation:
		s.OxygenSaturation = v
	case model.BPSystolic:
		s.BPSystolic = v
	case model.BPDiastolic:
		s.BPDiastolic = v
	case model.Temperature:
		s.Temperature = v
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts RFC 3339 and ISO-like layouts as well as unix
// seconds (optionally fractional) or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil && hasZone(layout) {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func hasZone(layout string) bool {
	return strings.Contains(layout, "Z07")
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
