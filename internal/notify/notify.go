// Package notify delivers escalation alerts: the dispatcher posts them to
// the notify endpoint, and the receiver turns them into e-mail.
package notify

//go:generate mockgen -destination=mock_notify.go -package=notify risktrajectory/internal/notify Dispatcher,Mailer

import (
	"context"

	"risktrajectory/internal/model"
)

const DefaultTitle = "Risk Trajectory Alert"

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type Notification struct {
	PatientID string         `json:"patient_id"`
	Level     string         `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload"`
}

// FromAssessment builds the notification sent for an alerting assessment.
func FromAssessment(a model.Assessment) Notification {
	title := a.Title
	if title == "" {
		title = DefaultTitle
	}
	return Notification{
		PatientID: a.PatientID,
		Level:     a.Level.String(),
		Title:     title,
		Message:   a.Explain,
		Payload:   a.Payload(),
	}
}

// Dispatcher is best effort: failures are reported through the returned
// status and never as an error.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) Status
	Configured() bool
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) Status { return StatusSkipped }
func (Nop) Configured() bool                            { return false }
