package predict

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/stationd/internal/orbit"
)

const (
	DefaultFloor          = 5.0
	DefaultStep           = 5 * time.Second
	DefaultLightThreshold = 5.0
)

// ErrPredictionDegenerate is returned when the elevation floor is never
// reached inside the raw transit window.
var ErrPredictionDegenerate = errors.New("prediction degenerate")

// Observer is the look-angle side of the propagation collaborator.
type Observer interface {
	Observe(el orbit.Elements, st orbit.Station, t time.Time) (orbit.LookAngles, error)
}

// Refiner tightens a raw transit to the configured start/end elevation floor
// and annotates it with direction and illumination.
type Refiner struct {
	Observer Observer
	Station  orbit.Station
	// Floor is the start/end elevation in degrees.
	Floor float64
	Step  time.Duration
	// LightThreshold is the solar altitude above which a pass counts as lit.
	LightThreshold float64
	// Sun returns the solar altitude; defaults to orbit.SunAltitude.
	Sun func(orbit.Station, time.Time) float64
}

// NewRefiner returns a Refiner with default step, floor and light threshold.
func NewRefiner(obs Observer, st orbit.Station) *Refiner {
	return &Refiner{
		Observer:       obs,
		Station:        st,
		Floor:          DefaultFloor,
		Step:           DefaultStep,
		LightThreshold: DefaultLightThreshold,
		Sun:            orbit.SunAltitude,
	}
}

// Refine steps forward from the raw start and backward from the raw end in
// Step increments until the elevation reaches Floor. The search is bounded by
// the raw window; failing to reach the floor yields ErrPredictionDegenerate.
func (r *Refiner) Refine(el orbit.Elements, raw orbit.Transit) (Prediction, error) {
	step := r.Step
	if step <= 0 {
		step = DefaultStep
	}
	if !raw.Start.Before(raw.End) {
		return Prediction{}, fmt.Errorf("%w: raw window %s..%s is empty", ErrPredictionDegenerate, raw.Start, raw.End)
	}
	maxSteps := int(raw.End.Sub(raw.Start)/step) + 1

	start, startLA, err := r.search(el, raw.Start, step, maxSteps)
	if err != nil {
		return Prediction{}, err
	}
	end, endLA, err := r.search(el, raw.End, -step, maxSteps)
	if err != nil {
		return Prediction{}, err
	}
	if !start.Before(end) {
		return Prediction{}, fmt.Errorf("%w: refined start %s not before refined end %s", ErrPredictionDegenerate, start, end)
	}

	// Known limitation: comparing start/end azimuth misclassifies passes that
	// cross the pole or wrap through north.
	dir := South
	if startLA.Azimuth < endLA.Azimuth {
		dir = North
	}

	sun := r.Sun
	if sun == nil {
		sun = orbit.SunAltitude
	}
	p := Prediction{
		Start:          start.UnixMilli(),
		End:            end.UnixMilli(),
		Direction:      dir,
		MaxElevation:   raw.MaxElevation,
		StartAzimuth:   startLA.Azimuth,
		StartElevation: startLA.Elevation,
		EndAzimuth:     endLA.Azimuth,
		EndElevation:   endLA.Elevation,
		Light:          sun(r.Station, start) > r.LightThreshold,
	}
	p.Duration = p.End - p.Start
	return p, nil
}

func (r *Refiner) search(el orbit.Elements, from time.Time, step time.Duration, maxSteps int) (time.Time, orbit.LookAngles, error) {
	t := from
	for i := 0; i < maxSteps; i++ {
		la, err := r.Observer.Observe(el, r.Station, t)
		if err != nil {
			return time.Time{}, orbit.LookAngles{}, fmt.Errorf("observe at %s: %w", t.Format(time.RFC3339), err)
		}
		if la.Elevation >= r.Floor {
			return t, la, nil
		}
		t = t.Add(step)
	}
	return time.Time{}, orbit.LookAngles{}, fmt.Errorf("%w: elevation never reached %.1f deg within %d steps from %s",
		ErrPredictionDegenerate, r.Floor, maxSteps, from.Format(time.RFC3339))
}
