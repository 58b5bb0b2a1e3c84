package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/stationd/internal/store"
)

// uniqueViolation is the SQLSTATE raised when the single-running index rejects a row.
const uniqueViolation = "23505"

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schedule(
			schedule_id BIGSERIAL PRIMARY KEY,
			schedule_type TEXT NOT NULL,
			schedule_time BIGINT NOT NULL,
			action TEXT NOT NULL,
			run_status TEXT NOT NULL DEFAULT 'scheduled',
			result TEXT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_due ON schedule(run_status, schedule_time);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedule_single_running ON schedule(run_status) WHERE run_status='running';`,
		`CREATE TABLE IF NOT EXISTS satellites(
			catalog_number INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			tle TEXT NOT NULL DEFAULT '',
			tle_file TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT true,
			frequency DOUBLE PRECISION NOT NULL DEFAULT 0,
			sample_rate INTEGER NOT NULL DEFAULT 0,
			pipeline TEXT NOT NULL DEFAULT '[]',
			last_update BIGINT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) ListDue(ctx context.Context, now time.Time) ([]store.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+store.EventColumns+`
		FROM schedule
		WHERE run_status='scheduled' AND schedule_time<=$1
		ORDER BY schedule_time ASC, schedule_id ASC;`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanEvents(rows)
}

func (p *DB) ListUpcoming(ctx context.Context, now time.Time, category store.Category) ([]store.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+store.EventColumns+`
		FROM schedule
		WHERE run_status IN ('scheduled','disabled') AND schedule_time>$1
			AND ($2='' OR schedule_type=$2)
		ORDER BY schedule_time ASC, schedule_id ASC;`, now.UnixMilli(), string(category))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanEvents(rows)
}

func (p *DB) Insert(ctx context.Context, category store.Category, at time.Time, action json.RawMessage) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO schedule(schedule_type, schedule_time, action, run_status, result, updated_at)
		VALUES($1,$2,$3,'scheduled',NULL,$4)
		RETURNING schedule_id;`,
		string(category), at.UnixMilli(), string(action), time.Now().UnixMilli()).Scan(&id)
	return id, err
}

func (p *DB) DeleteUpcoming(ctx context.Context, category store.Category) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM schedule WHERE run_status='scheduled' AND ($1='' OR schedule_type=$1);`, string(category))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) SetStatus(ctx context.Context, id int64, status store.Status, result json.RawMessage) (bool, error) {
	var (
		res sql.Result
		err error
		now = time.Now().UnixMilli()
	)
	if status == store.StatusRunning {
		res, err = p.db.ExecContext(ctx, `
			UPDATE schedule SET run_status='running', result=$1, updated_at=$2
			WHERE schedule_id=$3 AND run_status='scheduled'
				AND NOT EXISTS(SELECT 1 FROM schedule WHERE run_status='running');`,
			store.NullableResult(result), now, id)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE schedule SET run_status=$1, result=$2, updated_at=$3 WHERE schedule_id=$4;`,
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

func (p *DB) Get(ctx context.Context, id int64) (store.Event, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+store.EventColumns+` FROM schedule WHERE schedule_id=$1;`, id)
	return store.ScanEvent(row)
}

func (p *DB) RecoverRunning(ctx context.Context, result json.RawMessage) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE schedule SET run_status='error', result=$1, updated_at=$2 WHERE run_status='running';`,
		store.NullableResult(result), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) ListSatellites(ctx context.Context) ([]store.Satellite, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+store.SatelliteColumns+` FROM satellites ORDER BY catalog_number;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanSatellites(rows)
}

func (p *DB) UpsertSatellite(ctx context.Context, sat store.Satellite) error {
	var last any
	if sat.TLE != "" {
		last = time.Now().UnixMilli()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO satellites(catalog_number, name, tle, tle_file, enabled, frequency, sample_rate, pipeline, last_update)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(catalog_number) DO UPDATE SET
			name=EXCLUDED.name,
			tle=CASE WHEN EXCLUDED.tle='' THEN satellites.tle ELSE EXCLUDED.tle END,
			tle_file=EXCLUDED.tle_file,
			enabled=EXCLUDED.enabled,
			frequency=EXCLUDED.frequency,
			sample_rate=EXCLUDED.sample_rate,
			pipeline=EXCLUDED.pipeline,
			last_update=COALESCE(EXCLUDED.last_update, satellites.last_update);`,
		sat.CatalogNumber, sat.Name, sat.TLE, sat.TLEFile, sat.Enabled, sat.Frequency, sat.SampleRate,
		store.EncodePipeline(sat.Pipeline), last)
	return err
}

func (p *DB) UpdateTLE(ctx context.Context, catalogNumber int, tle string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE satellites SET tle=$1, last_update=$2 WHERE catalog_number=$3;`,
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
