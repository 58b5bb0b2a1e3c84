package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/store"
)

const (
	DefaultMinElevation    = 10.0
	DefaultHorizon         = 24 * time.Hour
	DefaultMaxPerSatellite = 5
	DefaultSafetyMargin    = 5 * time.Minute
)

// Propagator is the full orbital collaborator used by the planner.
type Propagator interface {
	Observer
	PredictTransits(ctx context.Context, el orbit.Elements, st orbit.Station, from, to time.Time, minElevation float64, maxCount int) ([]orbit.Transit, error)
}

// Planner predicts passes for every enabled satellite and stores them as
// satellite_pass events.
type Planner struct {
	Store      store.Store
	Propagator Propagator
	Refiner    *Refiner
	Station    orbit.Station

	MinElevation    float64
	Horizon         time.Duration
	MaxPerSatellite int
	SafetyMargin    time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// NewPlanner wires a planner with defaults; the refiner shares the propagator.
func NewPlanner(st store.Store, prop Propagator, station orbit.Station) *Planner {
	return &Planner{
		Store:           st,
		Propagator:      prop,
		Refiner:         NewRefiner(prop, station),
		Station:         station,
		MinElevation:    DefaultMinElevation,
		Horizon:         DefaultHorizon,
		MaxPerSatellite: DefaultMaxPerSatellite,
		SafetyMargin:    DefaultSafetyMargin,
		Now:             time.Now,
		Logger:          slog.Default(),
	}
}

// Window returns the prediction window. The window starts after the latest
// already stored pass plus SafetyMargin, so repeated runs never duplicate
// passes. An empty window has from >= to.
func (p *Planner) Window(ctx context.Context) (from, to time.Time, err error) {
	now := p.now()
	from = now
	upcoming, err := p.Store.ListUpcoming(ctx, now, store.CategorySatellitePass)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("list upcoming: %w", err)
	}
	margin := p.SafetyMargin
	if margin < DefaultSafetyMargin {
		margin = DefaultSafetyMargin
	}
	if n := len(upcoming); n > 0 {
		if seed := upcoming[n-1].ScheduledTime().Add(margin); seed.After(from) {
			from = seed
		}
	}
	horizon := p.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return from, now.Add(horizon), nil
}

// Generate stores refined passes for all enabled satellites and returns how
// many were inserted. With force, not-yet-run passes are deleted first.
func (p *Planner) Generate(ctx context.Context, force bool) (int, error) {
	log := p.logger()
	if force {
		n, err := p.Store.DeleteUpcoming(ctx, store.CategorySatellitePass)
		if err != nil {
			return 0, fmt.Errorf("delete upcoming: %w", err)
		}
		log.Info("deleted scheduled passes before regeneration", "count", n)
	}
	from, to, err := p.Window(ctx)
	if err != nil {
		return 0, err
	}
	if !from.Before(to) {
		log.Info("passes already predicted for horizon", "until", to)
		return 0, nil
	}
	sats, err := p.Store.ListSatellites(ctx)
	if err != nil {
		return 0, fmt.Errorf("list satellites: %w", err)
	}
	log.Debug("predicting passes", "from", from, "to", to, "satellites", len(sats),
		"lat", p.Station.Lat, "lon", p.Station.Lon, "alt", p.Station.Alt)

	total := 0
	for _, sat := range sats {
		if !sat.Enabled {
			continue
		}
		n, err := p.planSatellite(ctx, sat, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			log.Error("prediction failed", "satellite", sat.Name, "catalog_number", sat.CatalogNumber, "error", err)
			continue
		}
		total += n
	}
	log.Info("pass plan generated", "inserted", total)
	return total, nil
}

func (p *Planner) planSatellite(ctx context.Context, sat store.Satellite, from, to time.Time) (int, error) {
	el, err := orbit.ParseElements(sat.TLE)
	if err != nil {
		return 0, err
	}
	minEl := p.MinElevation
	if minEl <= 0 {
		minEl = DefaultMinElevation
	}
	maxCount := p.MaxPerSatellite
	if maxCount <= 0 {
		maxCount = DefaultMaxPerSatellite
	}
	transits, err := p.Propagator.PredictTransits(ctx, el, p.Station, from, to, minEl, maxCount)
	if err != nil {
		return 0, err
	}
	inserted := 0
	for _, tr := range transits {
		pred, err := p.Refiner.Refine(el, tr)
		if err != nil {
			if errors.Is(err, ErrPredictionDegenerate) {
				p.logger().Warn("skipping degenerate pass", "satellite", sat.Name, "start", tr.Start, "error", err)
				continue
			}
			return inserted, err
		}
		action, err := PassAction{Satellite: sat, Prediction: pred}.Encode()
		if err != nil {
			return inserted, err
		}
		if _, err := p.Store.Insert(ctx, store.CategorySatellitePass, pred.StartTime(), action); err != nil {
			return inserted, fmt.Errorf("insert pass: %w", err)
		}
		inserted++
	}
	metrics.AddPassesPredicted(sat.Name, inserted)
	p.logger().Debug("passes predicted", "satellite", sat.Name, "found", len(transits), "inserted", inserted)
	return inserted, nil
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
