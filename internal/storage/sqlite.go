package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:       "sqlite",
	encodeTime: encodeTimeText,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			profile TEXT NOT NULL,
			age INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS vitals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			heart_rate REAL NOT NULL,
			bp_systolic REAL NOT NULL,
			bp_diastolic REAL NOT NULL,
			oxygen_saturation REAL NOT NULL,
			temperature REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vitals_patient_ts ON vitals(patient_id, ts)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			level TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_patient_ts ON events(patient_id, ts)`,
	},
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:risk_trajectory.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	return newWithDB(db, sqliteDialect), nil
}

func newWithDB(db *sql.DB, d dialect) *baseStore {
	return &baseStore{db: db, dialect: d}
}
