// Package eventlog records the risk events raised for each patient and
// answers newest-first history queries.
package eventlog

//go:generate mockgen -destination=mock_eventlog.go -package=eventlog risktrajectory/internal/eventlog Log

import (
	"context"
	"errors"

	"risktrajectory/internal/model"
)

var ErrNotFound = errors.New("patient has no recorded activity")

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

type Log interface {
	// Append stores ev and returns it with its assigned id.
	Append(ctx context.Context, ev model.Event) (model.Event, error)
	// Query returns at most limit events for patientID, newest first.
	Query(ctx context.Context, patientID string, limit int) ([]model.Event, error)
	// RecordActivity notes that a sample was processed for patientID.
	RecordActivity(ctx context.Context, patientID string, sample model.VitalsSample) error
}

// ClampLimit maps non-positive limits to DefaultLimit and caps at MaxLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
