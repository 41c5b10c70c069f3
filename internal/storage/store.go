package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"risktrajectory/internal/config"
	"risktrajectory/internal/eventlog"
	"risktrajectory/internal/model"
)

// Store is the SQL event log plus the patient and vitals tables behind it.
type Store interface {
	eventlog.Log
	Init(ctx context.Context) error
	Close() error
	UpsertPatient(ctx context.Context, p model.Patient) error
	ListPatients(ctx context.Context) ([]model.Patient, error)
	LatestVitals(ctx context.Context, patientID string) (model.VitalsSample, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// SeedPatients inserts defaults when the patients table is empty and
// returns the stored roster.
func SeedPatients(ctx context.Context, s Store, defaults []model.Patient) ([]model.Patient, error) {
	existing, err := s.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}
	for _, p := range defaults {
		if err := s.UpsertPatient(ctx, p); err != nil {
			return nil, err
		}
	}
	return s.ListPatients(ctx)
}

type dialect struct {
	name       string
	positional bool
	schema     []string
	encodeTime func(time.Time) any
}

type baseStore struct {
	db      *sql.DB
	dialect dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.dialect.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", b.dialect.name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for drivers that need it.
func (b *baseStore) rebind(query string) string {
	if !b.dialect.positional {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

const (
	insertEvent = `INSERT INTO events (patient_id, ts, level, title, message, payload)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`
	selectEvents = `SELECT id, patient_id, ts, level, title, message, payload FROM events
		WHERE patient_id = ? ORDER BY ts DESC, id DESC LIMIT ?`
	selectActivity = `SELECT 1 FROM vitals WHERE patient_id = ? LIMIT 1`
	insertVitals   = `INSERT INTO vitals (patient_id, ts, heart_rate, bp_systolic, bp_diastolic, oxygen_saturation, temperature)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectLatestVitals = `SELECT ts, heart_rate, bp_systolic, bp_diastolic, oxygen_saturation, temperature FROM vitals
		WHERE patient_id = ? ORDER BY ts DESC, id DESC LIMIT 1`
	upsertPatient = `INSERT INTO patients (id, name, profile, age) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, profile = excluded.profile, age = excluded.age`
	selectPatients = `SELECT id, name, profile, age FROM patients ORDER BY id`
)

func (b *baseStore) Append(ctx context.Context, ev model.Event) (model.Event, error) {
	if strings.TrimSpace(ev.PatientID) == "" {
		return model.Event{}, errors.New("append event: empty patient id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = nowUTC()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	row := b.db.QueryRowContext(ctx, b.rebind(insertEvent),
		ev.PatientID,
		b.dialect.encodeTime(ev.Timestamp),
		ev.Level.String(),
		ev.Title,
		ev.Message,
		string(payload),
	)
	if err := row.Scan(&ev.ID); err != nil {
		return model.Event{}, fmt.Errorf("insert event: %w", err)
	}
	ev.Payload = payload
	return ev, nil
}

func (b *baseStore) Query(ctx context.Context, patientID string, limit int) ([]model.Event, error) {
	limit = eventlog.ClampLimit(limit)
	rows, err := b.db.QueryContext(ctx, b.rebind(selectEvents), patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := make([]model.Event, 0, limit)
	for rows.Next() {
		var (
			ev      model.Event
			ts      any
			level   string
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.PatientID, &ts, &level, &ev.Title, &ev.Message, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Timestamp, err = decodeTime(ts); err != nil {
			return nil, err
		}
		ev.Level, _ = model.ParseRiskLevel(level)
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if len(out) > 0 {
		return out, nil
	}
	var one int
	err = b.db.QueryRowContext(ctx, b.rebind(selectActivity), patientID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", eventlog.ErrNotFound, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	return out, nil
}

func (b *baseStore) RecordActivity(ctx context.Context, patientID string, s model.VitalsSample) error {
	_, err := b.db.ExecContext(ctx, b.rebind(insertVitals),
		patientID,
		b.dialect.encodeTime(s.Timestamp),
		s.HeartRate,
		s.BPSystolic,
		s.BPDiastolic,
		s.OxygenSaturation,
		s.Temperature,
	)
	if err != nil {
		return fmt.Errorf("insert vitals: %w", err)
	}
	return nil
}

func (b *baseStore) LatestVitals(ctx context.Context, patientID string) (model.VitalsSample, error) {
	var (
		s  model.VitalsSample
		ts any
	)
	err := b.db.QueryRowContext(ctx, b.rebind(selectLatestVitals), patientID).
		Scan(&ts, &s.HeartRate, &s.BPSystolic, &s.BPDiastolic, &s.OxygenSaturation, &s.Temperature)
	if errors.Is(err, sql.ErrNoRows) {
		return model.VitalsSample{}, fmt.Errorf("%w: %s", eventlog.ErrNotFound, patientID)
	}
	if err != nil {
		return model.VitalsSample{}, fmt.Errorf("latest vitals: %w", err)
	}
	if s.Timestamp, err = decodeTime(ts); err != nil {
		return model.VitalsSample{}, err
	}
	return s, nil
}

func (b *baseStore) UpsertPatient(ctx context.Context, p model.Patient) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(upsertPatient), p.ID, p.Name, p.Profile, p.Age); err != nil {
		return fmt.Errorf("upsert patient %s: %w", p.ID, err)
	}
	return nil
}

func (b *baseStore) ListPatients(ctx context.Context) ([]model.Patient, error) {
	rows, err := b.db.QueryContext(ctx, selectPatients)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()
	out := make([]model.Patient, 0)
	for rows.Next() {
		var (
			p   model.Patient
			age sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Profile, &age); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		p.Age = int(age.Int64)
		out = append(out, p)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTimeText(t time.Time) any {
	return t.UTC().Format(timeLayout)
}

func encodeTimeNative(t time.Time) any {
	return t.UTC()
}

func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeText(t)
	case []byte:
		return parseTimeText(string(t))
	case nil:
		return time.Time{}, errors.New("null timestamp")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

func parseTimeText(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse stored timestamp %q", s)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
