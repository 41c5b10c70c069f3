package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"risktrajectory/internal/model"
	"risktrajectory/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.SampleFields, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap accepts flat objects as well as the nested "vitals" and
// "sample" shapes emitted by the dashboard payload and PatientSample.
func ParseJSONMap(obj map[string]any) *normalize.SampleFields {
	flat := map[string]string{}
	flatten(obj, flat)
	fields := &normalize.SampleFields{Values: make(map[model.Metric]string, len(model.Metrics))}
	fields.Timestamp = firstNonEmpty(flat, "ts", "timestamp", "time")
	fields.PatientID = firstNonEmpty(flat, "patient_id", "patient", "patientid", "id")
	for key, val := range flat {
		if m, ok := normalize.MetricForKey(key); ok {
			fields.Values[m] = val
		}
	}
	if bp := firstNonEmpty(flat, "bp", "blood_pressure"); bp != "" {
		fields.SetBloodPressure(bp)
	}
	return fields
}

func flatten(obj map[string]any, out map[string]string) {
	for key, val := range obj {
		k := strings.ToLower(key)
		switch v := val.(type) {
		case map[string]any:
			if k == "vitals" || k == "sample" {
				flatten(v, out)
			}
		case nil:
		case float64:
			if _, exists := out[k]; !exists {
				out[k] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		default:
			if _, exists := out[k]; !exists {
				out[k] = fmt.Sprint(v)
			}
		}
	}
}
