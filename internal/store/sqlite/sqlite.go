package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/stationd/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schedule(
			schedule_id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_type TEXT NOT NULL,
			schedule_time INTEGER NOT NULL,
			action TEXT NOT NULL,
			run_status TEXT NOT NULL DEFAULT 'scheduled',
			result TEXT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_due ON schedule(run_status, schedule_time);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedule_single_running ON schedule(run_status) WHERE run_status='running';`,
		`CREATE TABLE IF NOT EXISTS satellites(
			catalog_number INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			tle TEXT NOT NULL DEFAULT '',
			tle_file TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			frequency REAL NOT NULL DEFAULT 0,
			sample_rate INTEGER NOT NULL DEFAULT 0,
			pipeline TEXT NOT NULL DEFAULT '[]',
			last_update INTEGER NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) ListDue(ctx context.Context, now time.Time) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+store.EventColumns+`
		FROM schedule
		WHERE run_status='scheduled' AND schedule_time<=?
		ORDER BY schedule_time ASC, schedule_id ASC;`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanEvents(rows)
}

func (s *DB) ListUpcoming(ctx context.Context, now time.Time, category store.Category) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+store.EventColumns+`
		FROM schedule
		WHERE run_status IN ('scheduled','disabled') AND schedule_time>?
			AND (?='' OR schedule_type=?)
		ORDER BY schedule_time ASC, schedule_id ASC;`, now.UnixMilli(), string(category), string(category))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanEvents(rows)
}

func (s *DB) Insert(ctx context.Context, category store.Category, at time.Time, action json.RawMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule(schedule_type, schedule_time, action, run_status, result, updated_at)
		VALUES(?, ?, ?, 'scheduled', NULL, ?);`,
		string(category), at.UnixMilli(), string(action), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) DeleteUpcoming(ctx context.Context, category store.Category) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM schedule WHERE run_status='scheduled' AND (?='' OR schedule_type=?);`,
		string(category), string(category))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) SetStatus(ctx context.Context, id int64, status store.Status, result json.RawMessage) (bool, error) {
	var (
		res sql.Result
		err error
		now = time.Now().UnixMilli()
	)
	if status == store.StatusRunning {
		res, err = s.db.ExecContext(ctx, `
			UPDATE schedule SET run_status='running', result=?, updated_at=?
			WHERE schedule_id=? AND run_status='scheduled'
				AND NOT EXISTS(SELECT 1 FROM schedule WHERE run_status='running');`,
			store.NullableResult(result), now, id)
		if err != nil && isConstraint(err) {
			return false, nil
		}
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE schedule SET run_status=?, result=?, updated_at=? WHERE schedule_id=?;`,
			string(status), store.NullableResult(result), now, id)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *DB) Get(ctx context.Context, id int64) (store.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+store.EventColumns+` FROM schedule WHERE schedule_id=?;`, id)
	return store.ScanEvent(row)
}

func (s *DB) RecoverRunning(ctx context.Context, result json.RawMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule SET run_status='error', result=?, updated_at=? WHERE run_status='running';`,
		store.NullableResult(result), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) ListSatellites(ctx context.Context) ([]store.Satellite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+store.SatelliteColumns+` FROM satellites ORDER BY catalog_number;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanSatellites(rows)
}

func (s *DB) UpsertSatellite(ctx context.Context, sat store.Satellite) error {
	var last any
	if sat.TLE != "" {
		last = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO satellites(catalog_number, name, tle, tle_file, enabled, frequency, sample_rate, pipeline, last_update)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(catalog_number) DO UPDATE SET
			name=excluded.name,
			tle=CASE WHEN excluded.tle='' THEN satellites.tle ELSE excluded.tle END,
			tle_file=excluded.tle_file,
			enabled=excluded.enabled,
			frequency=excluded.frequency,
			sample_rate=excluded.sample_rate,
			pipeline=excluded.pipeline,
			last_update=COALESCE(excluded.last_update, satellites.last_update);`,
		sat.CatalogNumber, sat.Name, sat.TLE, sat.TLEFile, sat.Enabled, sat.Frequency, sat.SampleRate,
		store.EncodePipeline(sat.Pipeline), last)
	return err
}

func (s *DB) UpdateTLE(ctx context.Context, catalogNumber int, tle string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE satellites SET tle=?, last_update=? WHERE catalog_number=?;`,
		tle, at.UnixMilli(), catalogNumber)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func isConstraint(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
