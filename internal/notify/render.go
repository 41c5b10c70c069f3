package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

var bodyTemplate = template.Must(template.New("alert").Funcs(template.FuncMap{
	"json":  toJSON,
	"upper": strings.ToUpper,
}).Parse(`{{.Title}}

Patient: {{.PatientID}}
Level:   {{upper .Level}}

{{if .Message}}{{.Message}}{{else}}(no explanation supplied){{end}}

Vitals:   {{json .Vitals}}
Outcomes: {{json .Outcomes}}
`))

type renderData struct {
	Notification
	Vitals   any
	Outcomes any
}

// ParseRequest decodes a notify request body. Malformed or partial input
// falls back to defaults instead of failing.
func ParseRequest(body []byte) Notification {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		n = Notification{}
	}
	if strings.TrimSpace(n.Title) == "" {
		n.Title = DefaultTitle
	}
	if n.Level == "" {
		n.Level = "unknown"
	}
	if n.Payload == nil {
		n.Payload = map[string]any{}
	}
	return n
}

// Render produces the e-mail subject and body for n.
func Render(n Notification) (string, string, error) {
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	data := renderData{Notification: n, Vitals: map[string]any{}, Outcomes: []any{}}
	if v, ok := n.Payload["vitals"]; ok && v != nil {
		data.Vitals = v
	}
	if o, ok := n.Payload["outcomes"]; ok && o != nil {
		data.Outcomes = o
	}
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render alert: %w", err)
	}
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(n.Level), n.Title)
	if n.PatientID != "" {
		subject += " - " + n.PatientID
	}
	return subject, buf.String(), nil
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
