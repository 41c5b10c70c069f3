package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"risktrajectory/internal/model"
	"risktrajectory/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-z_][a-z0-9_]*)=([^\s,;]+)`)
)

// defaultColumns is the CSV layout assumed when no header line was seen.
var defaultColumns = []string{"ts", "patient_id", "heart_rate", "bp_systolic", "bp_diastolic", "oxygen_saturation", "temperature"}

type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine accepts JSON objects, CSV rows and key=value text such as
// "2026-02-23 12:34:56 P001 hr=95 spo2=97 bp=120/80 temp=36.8".
func (p *Parser) ParseLine(line string) (*normalize.SampleFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) *normalize.SampleFields {
	fields := &normalize.SampleFields{Values: make(map[model.Metric]string, len(model.Metrics))}
	ts, rest := extractTimestamp(line)
	fields.Timestamp = ts

	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	for k, v := range kv {
		if m, ok := normalize.MetricForKey(k); ok {
			fields.Values[m] = v
		}
	}
	if bp := firstNonEmpty(kv, "bp", "blood_pressure"); bp != "" {
		fields.SetBloodPressure(bp)
	}
	if fields.Timestamp == "" {
		fields.Timestamp = firstNonEmpty(kv, "ts", "timestamp", "time")
	}
	fields.PatientID = firstNonEmpty(kv, "patient_id", "patient", "id")
	if fields.PatientID == "" && rest != "" {
		tokens := strings.Fields(rest)
		if len(tokens) > 0 && !strings.Contains(tokens[0], "=") {
			fields.PatientID = tokens[0]
		}
	}
	return fields
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser remembers the first header row it sees for later rows.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.SampleFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		columns = defaultColumns
	}
	fields := &normalize.SampleFields{Values: make(map[model.Metric]string, len(model.Metrics))}
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "ts" || v == "timestamp" || v == "time" || v == "patient_id" || v == "patient" {
			return true
		}
		if _, ok := normalize.MetricForKey(v); ok {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.SampleFields, name string, value string) {
	value = strings.TrimSpace(value)
	switch name {
	case "ts", "timestamp", "time":
		fields.Timestamp = value
	case "patient_id", "patient", "id":
		fields.PatientID = value
	case "bp", "blood_pressure":
		fields.SetBloodPressure(value)
	default:
		if m, ok := normalize.MetricForKey(name); ok {
			fields.Values[m] = value
		}
	}
}
