package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"risktrajectory/internal/model"
)

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const unknownPatientMessage = "Unknown patient_id"

// Conn is the viewer side of a session.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type PatientLookup interface {
	Get(patientID string) (model.Patient, error)
}

type LatestSource interface {
	Get(patientID string) (model.Assessment, time.Time, bool)
}

type ErrorMessage struct {
	Error string `json:"error"`
}

// Session streams one patient's assessments to one viewer.
type Session struct {
	ID        string
	PatientID string

	hub    *Hub
	conn   Conn
	logger *slog.Logger
	state  atomic.Int32
}

func New(id, patientID string, hub *Hub, conn Conn, logger *slog.Logger) *Session {
	return &Session{ID: id, PatientID: patientID, hub: hub, conn: conn, logger: logger}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st && s.logger != nil {
		s.logger.Debug("session state", "session_id", s.ID, "patient_id", s.PatientID, "from", prev.String(), "to", st.String())
	}
}

// Run validates the patient, subscribes and streams until the viewer goes
// away or ctx ends. The session always finishes Disconnected.
func (s *Session) Run(ctx context.Context, patients PatientLookup, latest LatestSource) error {
	defer s.setState(StateDisconnected)
	defer s.conn.Close()

	if _, err := patients.Get(s.PatientID); err != nil {
		_ = s.conn.WriteJSON(ErrorMessage{Error: unknownPatientMessage})
		return fmt.Errorf("session %s: %w", s.ID, err)
	}

	sub := s.hub.Subscribe(s.PatientID)
	defer s.hub.Unsubscribe(sub)
	s.setState(StateStreaming)

	// Updates queued while the snapshot was read may repeat or predate it.
	var snapshotAt time.Time
	if latest != nil {
		if a, _, ok := latest.Get(s.PatientID); ok {
			if err := s.conn.WriteJSON(a); err != nil {
				return fmt.Errorf("session %s write: %w", s.ID, err)
			}
			snapshotAt = a.Timestamp
		}
	}

	for {
		a, err := sub.Queue().Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		if !snapshotAt.IsZero() {
			if !a.Timestamp.After(snapshotAt) {
				continue
			}
			snapshotAt = time.Time{}
		}
		if err := s.conn.WriteJSON(a); err != nil {
			return fmt.Errorf("session %s write: %w", s.ID, err)
		}
	}
}
