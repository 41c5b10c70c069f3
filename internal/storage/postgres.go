package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:       "postgres",
	positional: true,
	encodeTime: encodeTimeNative,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			profile TEXT NOT NULL,
			age INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS vitals (
			id BIGSERIAL PRIMARY KEY,
			patient_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			heart_rate DOUBLE PRECISION NOT NULL,
			bp_systolic DOUBLE PRECISION NOT NULL,
			bp_diastolic DOUBLE PRECISION NOT NULL,
			oxygen_saturation DOUBLE PRECISION NOT NULL,
			temperature DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vitals_patient_ts ON vitals(patient_id, ts)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			patient_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_patient_ts ON events(patient_id, ts)`,
	},
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/risk_trajectory?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newWithDB(db, postgresDialect), nil
}
