package predict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/stationd/internal/store"
)

// Direction is the coarse heading of a pass.
type Direction string

const (
	North Direction = "N"
	South Direction = "S"
)

func (d Direction) String() string {
	if d == North {
		return "Northbound"
	}
	return "Southbound"
}

// Prediction is a refined pass window. Times are epoch milliseconds and
// Duration is always End-Start.
type Prediction struct {
	Start          int64     `json:"start"`
	End            int64     `json:"end"`
	Duration       int64     `json:"duration"`
	Direction      Direction `json:"direction"`
	MaxElevation   float64   `json:"maxElevation"`
	StartAzimuth   float64   `json:"start_azimuth"`
	StartElevation float64   `json:"start_elevation"`
	EndAzimuth     float64   `json:"end_azimuth"`
	EndElevation   float64   `json:"end_elevation"`
	Light          bool      `json:"light"`
}

func (p Prediction) StartTime() time.Time { return time.UnixMilli(p.Start) }
func (p Prediction) EndTime() time.Time   { return time.UnixMilli(p.End) }

// DurationTime returns the pass length as a time.Duration.
func (p Prediction) DurationTime() time.Duration {
	return time.Duration(p.Duration) * time.Millisecond
}

// PassAction is the action payload of a satellite_pass event.
type PassAction struct {
	Satellite  store.Satellite `json:"satellite"`
	Prediction Prediction      `json:"prediction"`
}

// Encode marshals the action for the event store.
func (a PassAction) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode pass action: %w", err)
	}
	return b, nil
}

// DecodePassAction unmarshals a stored satellite_pass action.
func DecodePassAction(raw json.RawMessage) (PassAction, error) {
	var a PassAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return PassAction{}, fmt.Errorf("decode pass action: %w", err)
	}
	return a, nil
}
