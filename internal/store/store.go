package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a transition into running refused because another
	// event holds the running slot.
	ErrConflict = errors.New("another event is running")
)

// Store persists scheduled events and the satellite catalog. Every method is
// atomic with respect to a single row; SetStatus writes status and result in
// one statement.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// ListDue returns scheduled events with ScheduledAt <= now, oldest first.
	ListDue(ctx context.Context, now time.Time) ([]Event, error)
	// ListUpcoming returns scheduled or disabled events after now, oldest
	// first. An empty category matches all.
	ListUpcoming(ctx context.Context, now time.Time, category Category) ([]Event, error)
	Insert(ctx context.Context, category Category, at time.Time, action json.RawMessage) (int64, error)
	// DeleteUpcoming removes events that have not run yet.
	DeleteUpcoming(ctx context.Context, category Category) (int64, error)
	// SetStatus transitions an event. A transition into StatusRunning only
	// succeeds from StatusScheduled and while no other event is running.
	SetStatus(ctx context.Context, id int64, status Status, result json.RawMessage) (bool, error)
	Get(ctx context.Context, id int64) (Event, error)
	// RecoverRunning moves events left running by a previous process to
	// StatusError.
	RecoverRunning(ctx context.Context, result json.RawMessage) (int64, error)

	ListSatellites(ctx context.Context) ([]Satellite, error)
	UpsertSatellite(ctx context.Context, sat Satellite) error
	UpdateTLE(ctx context.Context, catalogNumber int, tle string, at time.Time) (bool, error)

	Close() error
}

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// EventColumns is the select list matching ScanEvent.
const EventColumns = "schedule_id, schedule_type, schedule_time, run_status, action, result, updated_at"

// SatelliteColumns is the select list matching ScanSatellite.
const SatelliteColumns = "catalog_number, name, tle, tle_file, enabled, frequency, sample_rate, pipeline, last_update"

// ScanEvent reads one row selected with EventColumns.
func ScanEvent(s RowScanner) (Event, error) {
	var (
		e      Event
		cat    string
		status string
		action string
		result sql.NullString
	)
	if err := s.Scan(&e.ID, &cat, &e.ScheduledAt, &status, &action, &result, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	e.Category = Category(cat)
	e.Status = Status(status)
	e.Action = json.RawMessage(action)
	if result.Valid && result.String != "" && result.String != "null" {
		e.Result = json.RawMessage(result.String)
	}
	return e, nil
}

// ScanEvents drains rows into events.
func ScanEvents(rows *sql.Rows) ([]Event, error) {
	out := make([]Event, 0)
	for rows.Next() {
		e, err := ScanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScanSatellites drains rows selected with SatelliteColumns.
func ScanSatellites(rows *sql.Rows) ([]Satellite, error) {
	out := make([]Satellite, 0)
	for rows.Next() {
		var (
			s        Satellite
			pipeline string
			last     sql.NullInt64
		)
		if err := rows.Scan(&s.CatalogNumber, &s.Name, &s.TLE, &s.TLEFile, &s.Enabled, &s.Frequency, &s.SampleRate, &pipeline, &last); err != nil {
			return nil, err
		}
		if pipeline != "" {
			if err := json.Unmarshal([]byte(pipeline), &s.Pipeline); err != nil {
				return nil, err
			}
		}
		if last.Valid {
			s.LastUpdate = last.Int64
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EncodePipeline renders a pipeline for its TEXT column.
func EncodePipeline(steps []PipelineStep) string {
	if len(steps) == 0 {
		return "[]"
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// NullableResult converts an empty result into SQL NULL.
func NullableResult(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
