package orbit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

const (
	deg2rad = math.Pi / 180.0
	rad2deg = 180.0 / math.Pi

	coarseStep = 30 * time.Second
	fineStep   = time.Second

	horizon = 0.0
)

// Station is the ground station position. Altitude is in metres.
type Station struct {
	Lat float64 `json:"lat" mapstructure:"lat"`
	Lon float64 `json:"lon" mapstructure:"lon"`
	Alt float64 `json:"alt" mapstructure:"alt"`
}

// LookAngles is the observer-relative position of a satellite in degrees
// (azimuth 0..360, elevation -90..90) and slant range in km.
type LookAngles struct {
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
	Range     float64 `json:"range"`
}

// Transit is a coarse pass prediction bounded by the horizon.
type Transit struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	MaxElevation float64   `json:"max_elevation"`
	MaxTime      time.Time `json:"max_time"`
	StartAzimuth float64   `json:"start_azimuth"`
	EndAzimuth   float64   `json:"end_azimuth"`
}

// Propagator computes look angles and transits with SGP4.
type Propagator struct {
	mu    sync.Mutex
	cache map[Elements]satellite.Satellite
}

func NewPropagator() *Propagator {
	return &Propagator{cache: make(map[Elements]satellite.Satellite)}
}

func (p *Propagator) sat(el Elements) (satellite.Satellite, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.cache[el]; ok {
		return s, nil
	}
	if err := el.Validate(); err != nil {
		return satellite.Satellite{}, err
	}
	s := satellite.TLEToSat(el.Line1, el.Line2, satellite.GravityWGS72)
	if s.Error != 0 {
		return satellite.Satellite{}, fmt.Errorf("sgp4 init failed: code=%d %s", s.Error, s.ErrorStr)
	}
	p.cache[el] = s
	return s, nil
}

// Observe returns the look angles from st to the satellite at t.
func (p *Propagator) Observe(el Elements, st Station, t time.Time) (LookAngles, error) {
	s, err := p.sat(el)
	if err != nil {
		return LookAngles{}, err
	}
	return lookAngles(s, st, t)
}

func lookAngles(s satellite.Satellite, st Station, t time.Time) (LookAngles, error) {
	t = t.UTC()
	pos, _ := satellite.Propagate(s, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsNaN(pos.Z) ||
		math.IsInf(pos.X, 0) || math.IsInf(pos.Y, 0) || math.IsInf(pos.Z, 0) {
		return LookAngles{}, fmt.Errorf("sgp4 propagation failed at %s: output is NaN/Inf", t.Format(time.RFC3339))
	}
	jday := satellite.JDay(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	obs := satellite.LatLong{Latitude: st.Lat * deg2rad, Longitude: st.Lon * deg2rad}
	la := satellite.ECIToLookAngles(pos, obs, st.Alt/1000.0, jday)
	az := math.Mod(la.Az*rad2deg+360.0, 360.0)
	return LookAngles{Azimuth: az, Elevation: la.El * rad2deg, Range: la.Rg}, nil
}

// PredictTransits scans [from, to) for passes and returns at most maxCount of
// them in chronological order. Start and End are horizon crossings; a pass is
// kept only when its culmination reaches minElevation.
func (p *Propagator) PredictTransits(ctx context.Context, el Elements, st Station, from, to time.Time, minElevation float64, maxCount int) ([]Transit, error) {
	s, err := p.sat(el)
	if err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		maxCount = math.MaxInt32
	}
	var out []Transit
	t := from
	for t.Before(to) && len(out) < maxCount {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		la, err := lookAngles(s, st, t)
		if err != nil {
			return out, err
		}
		if la.Elevation < horizon {
			t = t.Add(coarseStep)
			continue
		}
		tr, end, err := traceTransit(s, st, t, from, to)
		if err != nil {
			return out, err
		}
		if tr.MaxElevation >= minElevation {
			out = append(out, tr)
		}
		t = end.Add(coarseStep)
	}
	return out, nil
}

// traceTransit walks back from a coarse hit to the rise and forward to the set
// at fineStep resolution.
func traceTransit(s satellite.Satellite, st Station, hit, from, to time.Time) (Transit, time.Time, error) {
	rise := hit
	riseLA, err := lookAngles(s, st, rise)
	if err != nil {
		return Transit{}, hit, err
	}
	for back := rise.Add(-fineStep); !back.Before(from) && rise.Sub(back) <= coarseStep; back = back.Add(-fineStep) {
		la, err := lookAngles(s, st, back)
		if err != nil {
			return Transit{}, hit, err
		}
		if la.Elevation < horizon {
			break
		}
		rise, riseLA = back, la
	}

	tr := Transit{Start: rise, StartAzimuth: riseLA.Azimuth, MaxElevation: riseLA.Elevation, MaxTime: rise}
	set, setLA := rise, riseLA
	for t := rise.Add(fineStep); t.Before(to); t = t.Add(fineStep) {
		la, err := lookAngles(s, st, t)
		if err != nil {
			return Transit{}, t, err
		}
		if la.Elevation < horizon {
			break
		}
		set, setLA = t, la
		if la.Elevation > tr.MaxElevation {
			tr.MaxElevation = la.Elevation
			tr.MaxTime = t
		}
	}
	tr.End = set
	tr.EndAzimuth = setLA.Azimuth
	return tr, set, nil
}
