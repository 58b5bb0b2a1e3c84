package store

import (
	"encoding/json"
	"time"
)

// Category is the kind of scheduled work.
type Category string

const CategorySatellitePass Category = "satellite_pass"

// Status is the lifecycle state of a ScheduledEvent.
type Status string

const (
	StatusScheduled Status = "scheduled" // awaiting dispatch
	StatusDisabled  Status = "disabled"  // visible but never dispatched
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusLate      Status = "late"    // dispatched after the pass ended
	StatusOverlap   Status = "overlap" // a resource was busy
	StatusFailed    Status = "failed"  // unrecognized category
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusLate, StatusOverlap, StatusFailed:
		return true
	}
	return false
}

// Event is a ScheduledEvent row. ScheduledAt is epoch milliseconds.
// Action and Result are opaque JSON documents.
type Event struct {
	ID          int64           `json:"schedule_id"`
	Category    Category        `json:"schedule_type"`
	ScheduledAt int64           `json:"schedule_time"`
	Status      Status          `json:"run_status"`
	Action      json.RawMessage `json:"action"`
	Result      json.RawMessage `json:"result,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

func (e Event) ScheduledTime() time.Time { return time.UnixMilli(e.ScheduledAt) }

// PipelineStep is one decoder invocation in a satellite's processing chain.
// Program is resolved against the pipeline bin dir; Args and Output may use
// the placeholders {input}, {output}, {workdir}, {satellite}, {event}.
type PipelineStep struct {
	Name    string   `json:"step" mapstructure:"step"`
	Program string   `json:"program" mapstructure:"program"`
	Args    []string `json:"args" mapstructure:"args"`
	Output  string   `json:"output,omitempty" mapstructure:"output"`
	Delete  bool     `json:"delete,omitempty" mapstructure:"delete"`
}

// Satellite is a catalog entry.
type Satellite struct {
	CatalogNumber int            `json:"catalog_number" mapstructure:"catalog_number"`
	Name          string         `json:"name" mapstructure:"name"`
	TLE           string         `json:"tle" mapstructure:"tle"`
	TLEFile       string         `json:"tle_file" mapstructure:"tle_file"`
	Enabled       bool           `json:"enabled" mapstructure:"enabled"`
	Frequency     float64        `json:"frequency" mapstructure:"frequency"`
	SampleRate    int            `json:"samplerate" mapstructure:"sample_rate"`
	Pipeline      []PipelineStep `json:"pipeline" mapstructure:"pipeline"`
	LastUpdate    int64          `json:"last_update,omitempty" mapstructure:"-"`
}

// Result marshals v into an event result document. Marshal failures are
// folded into an error document so a status transition is never dropped.
func Result(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ErrorResult("unencodable result: " + err.Error())
	}
	return b
}

// ErrorResult builds the {"error": msg} document used by late, overlap,
// failed and error transitions.
func ErrorResult(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}
