package storage

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risktrajectory/internal/config"
	"risktrajectory/internal/eventlog"
	"risktrajectory/internal/model"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, d dialect) (*baseStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newWithDB(db, d), mock
}

func TestRebind(t *testing.T) {
	pg := newWithDB(nil, postgresDialect)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	lite := newWithDB(nil, sqliteDialect)
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestAppendEventPostgres(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events (patient_id, ts, level, title, message, payload)")).
		WithArgs("P1", t0, "red", "CRITICAL ALERT", "spo2 low", "{}").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	ev, err := s.Append(context.Background(), model.Event{
		PatientID: "P1",
		Timestamp: t0,
		Level:     model.LevelRed,
		Title:     "CRITICAL ALERT",
		Message:   "spo2 low",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), ev.ID)
	assert.JSONEq(t, "{}", string(ev.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventRejectsEmptyPatient(t *testing.T) {
	s, mock := newMockStore(t, sqliteDialect)
	_, err := s.Append(context.Background(), model.Event{})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEventsNewestFirst(t *testing.T) {
	s, mock := newMockStore(t, sqliteDialect)
	rows := sqlmock.NewRows([]string{"id", "patient_id", "ts", "level", "title", "message", "payload"}).
		AddRow(2, "P1", encodeTimeText(t0.Add(time.Minute)), "orange", "High Risk", "b", `{"level":"orange"}`).
		AddRow(1, "P1", encodeTimeText(t0), "yellow", "Warning", "a", nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, patient_id, ts, level, title, message, payload FROM events")).
		WithArgs("P1", eventlog.DefaultLimit).
		WillReturnRows(rows)

	events, err := s.Query(context.Background(), "P1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].ID)
	assert.Equal(t, model.LevelOrange, events[0].Level)
	assert.Equal(t, t0.Add(time.Minute), events[0].Timestamp)
	assert.JSONEq(t, `{"level":"orange"}`, string(events[0].Payload))
	assert.Nil(t, events[1].Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEventsWithoutActivityIsNotFound(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WithArgs("P1", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "patient_id", "ts", "level", "title", "message", "payload"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM vitals WHERE patient_id = $1")).
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	_, err := s.Query(context.Background(), "P1", 10)
	assert.ErrorIs(t, err, eventlog.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEventsWithActivityIsEmpty(t *testing.T) {
	s, mock := newMockStore(t, sqliteDialect)
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "patient_id", "ts", "level", "title", "message", "payload"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM vitals")).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	events, err := s.Query(context.Background(), "P1", 5)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestRecordActivityInsertsVitals(t *testing.T) {
	s, mock := newMockStore(t, sqliteDialect)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vitals")).
		WithArgs("P1", encodeTimeText(t0), 80.0, 120.0, 80.0, 97.0, 36.9).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordActivity(context.Background(), "P1", model.VitalsSample{
		Timestamp: t0, HeartRate: 80, BPSystolic: 120, BPDiastolic: 80, OxygenSaturation: 97, Temperature: 36.9,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedPatientsOnlyWhenEmpty(t *testing.T) {
	s, mock := newMockStore(t, sqliteDialect)
	cols := []string{"id", "name", "profile", "age"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, profile, age FROM patients")).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO patients")).
		WithArgs("P001", "Patient 001", "normal", 54).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM patients")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("P001", "Patient 001", "normal", nil))

	got, err := SeedPatients(context.Background(), s, []model.Patient{{ID: "P001", Name: "Patient 001", Profile: "normal", Age: 54}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].Age)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecodeTime(t *testing.T) {
	got, err := decodeTime(encodeTimeText(t0.Add(1500 * time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(1500*time.Millisecond), got)

	got, err = decodeTime([]byte("2025-03-01 08:00:00"))
	require.NoError(t, err)
	assert.Equal(t, t0, got)

	_, err = decodeTime(nil)
	assert.Error(t, err)
	_, err = decodeTime(12)
	assert.Error(t, err)
}

func TestNewStoreDrivers(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "mongo"})
	assert.Error(t, err)
}

func TestSQLiteRoundTrip(t *testing.T) {
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	_, err = s.Query(ctx, "P1", 10)
	require.ErrorIs(t, err, eventlog.ErrNotFound)

	require.NoError(t, s.RecordActivity(ctx, "P1", model.VitalsSample{Timestamp: t0, HeartRate: 88, BPSystolic: 130, BPDiastolic: 85, OxygenSaturation: 96, Temperature: 37.1}))
	events, err := s.Query(ctx, "P1", 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	payload, _ := json.Marshal(map[string]any{"vitals": map[string]float64{"heart_rate": 88}})
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, model.Event{PatientID: "P1", Timestamp: t0.Add(time.Duration(i) * time.Second), Level: model.LevelOrange, Title: "High Risk", Message: "m", Payload: payload})
		require.NoError(t, err)
	}
	events, err = s.Query(ctx, "P1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, t0.Add(2*time.Second), events[0].Timestamp)
	assert.JSONEq(t, string(payload), string(events[0].Payload))

	latest, err := s.LatestVitals(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 88.0, latest.HeartRate)
	assert.Equal(t, t0, latest.Timestamp)

	require.NoError(t, s.UpsertPatient(ctx, model.Patient{ID: "P1", Name: "One", Profile: "athlete", Age: 30}))
	require.NoError(t, s.UpsertPatient(ctx, model.Patient{ID: "P1", Name: "Uno", Profile: "athlete", Age: 31}))
	patients, err := s.ListPatients(ctx)
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "Uno", patients[0].Name)
}
