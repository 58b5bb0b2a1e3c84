package predict

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/store"
	"github.com/loykin/stationd/internal/store/sqlite"
)

const testTLE = `ISS (ZARYA)
1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927
2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537`

// fakePropagator returns a single 10 minute pass one hour after the
// requested window start and records the windows it was asked for.
type fakePropagator struct {
	triangleObserver
	froms []time.Time
}

func (f *fakePropagator) Observe(el orbit.Elements, st orbit.Station, t time.Time) (orbit.LookAngles, error) {
	return f.triangleObserver.Observe(el, st, t)
}

func (f *fakePropagator) PredictTransits(_ context.Context, _ orbit.Elements, _ orbit.Station, from, to time.Time, _ float64, _ int) ([]orbit.Transit, error) {
	f.froms = append(f.froms, from)
	start := from.Add(time.Hour)
	if !start.Before(to) {
		return nil, nil
	}
	f.Mid = start.Add(5 * time.Minute)
	return []orbit.Transit{{Start: start, End: start.Add(10 * time.Minute), MaxElevation: 45}}, nil
}

func newTestPlanner(t *testing.T, now time.Time) (*Planner, *fakePropagator, store.Store) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, s := range []store.Satellite{
		{CatalogNumber: 25544, Name: "ISS", TLE: testTLE, Enabled: true, Frequency: 145.8},
		{CatalogNumber: 99999, Name: "OFF", TLE: testTLE, Enabled: false},
	} {
		if err := db.UpsertSatellite(ctx, s); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	prop := &fakePropagator{triangleObserver: triangleObserver{Peak: 45, Slope: 0.15}}
	p := NewPlanner(db, prop, orbit.Station{Lat: 46, Lon: 14.5, Alt: 300})
	p.Refiner.Sun = func(orbit.Station, time.Time) float64 { return -10 }
	p.Now = func() time.Time { return now }
	return p, prop, db
}

func TestPlannerGenerateSeedsAfterStoredPasses(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	p, prop, db := newTestPlanner(t, now)
	ctx := context.Background()

	n, err := p.Generate(ctx, false)
	if err != nil || n != 1 {
		t.Fatalf("first generate: n=%d err=%v", n, err)
	}
	if len(prop.froms) != 1 || !prop.froms[0].Equal(now) {
		t.Fatalf("first window should start now, got %v", prop.froms)
	}
	up, err := db.ListUpcoming(ctx, now, store.CategorySatellitePass)
	if err != nil || len(up) != 1 {
		t.Fatalf("upcoming: %v %+v", err, up)
	}
	action, err := DecodePassAction(up[0].Action)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if action.Satellite.CatalogNumber != 25544 || up[0].ScheduledAt != action.Prediction.Start || action.Prediction.Light {
		t.Fatalf("unexpected stored pass: %+v", action)
	}

	if _, err := p.Generate(ctx, false); err != nil {
		t.Fatalf("second generate: %v", err)
	}
	want := up[0].ScheduledTime().Add(DefaultSafetyMargin)
	if len(prop.froms) != 2 || !prop.froms[1].Equal(want) {
		t.Fatalf("second window should start at %s, got %v", want, prop.froms)
	}
}

func TestPlannerGenerateForceReplaces(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	p, prop, db := newTestPlanner(t, now)
	ctx := context.Background()

	if _, err := p.Generate(ctx, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	n, err := p.Generate(ctx, true)
	if err != nil || n != 1 {
		t.Fatalf("forced generate: n=%d err=%v", n, err)
	}
	if !prop.froms[len(prop.froms)-1].Equal(now) {
		t.Fatalf("forced window should restart at now, got %v", prop.froms)
	}
	up, _ := db.ListUpcoming(ctx, now, "")
	if len(up) != 1 {
		t.Fatalf("forced generate must not duplicate passes, have %d", len(up))
	}
}

func TestPlannerWindowEmptyWhenHorizonCovered(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	p, _, db := newTestPlanner(t, now)
	ctx := context.Background()
	if _, err := db.Insert(ctx, store.CategorySatellitePass, now.Add(30*time.Hour), []byte(`{}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	n, err := p.Generate(ctx, false)
	if err != nil || n != 0 {
		t.Fatalf("covered horizon should insert nothing: n=%d err=%v", n, err)
	}
}

func TestPlannerRefinesRealTransitsToFloor(t *testing.T) {
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := db.UpsertSatellite(ctx, store.Satellite{CatalogNumber: 25544, Name: "ISS", TLE: testTLE, Enabled: true, Frequency: 145.8}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	now := time.Date(2008, 9, 20, 12, 0, 0, 0, time.UTC)
	station := orbit.Station{Lat: 46.05, Lon: 14.5, Alt: 300}
	prop := orbit.NewPropagator()
	p := NewPlanner(db, prop, station)
	p.Now = func() time.Time { return now }

	n, err := p.Generate(ctx, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected passes from the real propagator")
	}
	el, err := orbit.ParseElements(testTLE)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	raw, err := prop.PredictTransits(ctx, el, station, now, now.Add(p.Horizon), p.MinElevation, 0)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	up, err := db.ListUpcoming(ctx, now, store.CategorySatellitePass)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(up) != n {
		t.Fatalf("stored %d passes, generate reported %d", len(up), n)
	}
	for i, row := range up {
		action, err := DecodePassAction(row.Action)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		pred := action.Prediction
		start := pred.StartTime()
		if i < len(raw) && !start.After(raw[i].Start) {
			t.Fatalf("refined start %s not after horizon crossing %s", start, raw[i].Start)
		}
		at, err := prop.Observe(el, station, start)
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if at.Elevation < p.Refiner.Floor {
			t.Fatalf("elevation %.2f at refined start below floor %.1f", at.Elevation, p.Refiner.Floor)
		}
		before, err := prop.Observe(el, station, start.Add(-p.Refiner.Step))
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if before.Elevation >= p.Refiner.Floor {
			t.Fatalf("elevation %.2f one step before start already above floor", before.Elevation)
		}
		if pred.MaxElevation < p.MinElevation {
			t.Fatalf("stored pass peaks at %.2f, below %.1f", pred.MaxElevation, p.MinElevation)
		}
	}
}
