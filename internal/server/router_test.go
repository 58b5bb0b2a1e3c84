package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/positioner"
	"github.com/loykin/stationd/internal/predict"
	"github.com/loykin/stationd/internal/store"
	"github.com/loykin/stationd/internal/store/sqlite"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTracker struct {
	status positioner.Status
	ch     chan positioner.Status
}

func (f *fakeTracker) Snapshot() positioner.Status { return f.status }

func (f *fakeTracker) Subscribe() (<-chan positioner.Status, func()) {
	return f.ch, func() {}
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func setupRouter(t *testing.T, st store.Store, tr Tracker, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := NewRouter(st, tr, orbit.Station{Lat: 37.5, Lon: 127, Alt: 40}, opts)
	r.now = func() time.Time { return t0 }
	return r.Handler()
}

func doReq(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusReturnsSnapshot(t *testing.T) {
	tr := &fakeTracker{status: positioner.Status{Azimuth: 181.5, Elevation: 12, DriversPower: true}}
	h := setupRouter(t, newStore(t), tr, Options{BasePath: "/api/"})
	rec := doReq(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 181.5, got["azimuth"])
	require.Equal(t, true, got["drivers_power"])
}

func TestLocation(t *testing.T) {
	h := setupRouter(t, newStore(t), &fakeTracker{}, Options{})
	rec := doReq(t, h, "/location")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got orbit.Station
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 37.5, got.Lat)
}

func TestPassesListsUpcoming(t *testing.T) {
	st := newStore(t)
	sat := store.Satellite{CatalogNumber: 33591, Name: "NOAA 19", Frequency: 137.1, SampleRate: 3000000, Enabled: true}
	for _, start := range []time.Time{t0.Add(-time.Hour), t0.Add(time.Hour), t0.Add(3 * time.Hour)} {
		action, err := predict.PassAction{
			Satellite:  sat,
			Prediction: predict.Prediction{Start: start.UnixMilli(), End: start.Add(10 * time.Minute).UnixMilli(), MaxElevation: 40},
		}.Encode()
		require.NoError(t, err)
		_, err = st.Insert(context.Background(), store.CategorySatellitePass, start, action)
		require.NoError(t, err)
	}
	h := setupRouter(t, st, &fakeTracker{}, Options{})
	rec := doReq(t, h, "/passes")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got []pass
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, "NOAA 19", got[0].Satellite)
	require.Equal(t, t0.Add(time.Hour).UnixMilli(), got[0].Prediction.Start)
	require.Equal(t, store.StatusScheduled, got[0].Status)
}

func TestSatellitesEmptyList(t *testing.T) {
	h := setupRouter(t, newStore(t), &fakeTracker{}, Options{})
	rec := doReq(t, h, "/satellites")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestEventLookup(t *testing.T) {
	st := newStore(t)
	id, err := st.Insert(context.Background(), store.CategorySatellitePass, t0, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = st.SetStatus(context.Background(), id, store.StatusLate, json.RawMessage(`{"error":"late"}`))
	require.NoError(t, err)
	h := setupRouter(t, st, &fakeTracker{}, Options{})

	rec := doReq(t, h, "/events/"+strconv.FormatInt(id, 10))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ev store.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	require.Equal(t, store.StatusLate, ev.Status)
	require.JSONEq(t, `{"error":"late"}`, string(ev.Result))

	if rec := doReq(t, h, "/events/999"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doReq(t, h, "/events/abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProcessesDisabled(t *testing.T) {
	h := setupRouter(t, newStore(t), &fakeTracker{}, Options{})
	if rec := doReq(t, h, "/processes"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestProcessesEnabled(t *testing.T) {
	collector := metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{Enabled: true, Interval: time.Second})
	h := setupRouter(t, newStore(t), &fakeTracker{}, Options{Processes: collector})
	rec := doReq(t, h, "/processes")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doReq(t, h, "/processes?name=capture"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown process, got %d", rec.Code)
	}
}

func TestMetricsRouteOptional(t *testing.T) {
	h := setupRouter(t, newStore(t), &fakeTracker{}, Options{})
	if rec := doReq(t, h, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rec.Code)
	}
	h = setupRouter(t, newStore(t), &fakeTracker{}, Options{Metrics: true})
	if rec := doReq(t, h, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with metrics, got %d", rec.Code)
	}
}

func TestTrackerStream(t *testing.T) {
	tr := &fakeTracker{status: positioner.Status{Azimuth: 10}, ch: make(chan positioner.Status, 1)}
	srv := httptest.NewServer(setupRouter(t, newStore(t), tr, Options{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/tracker/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	rd := bufio.NewReader(resp.Body)
	next := func() positioner.Status {
		t.Helper()
		var event string
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				require.Equal(t, "tracker", event)
				var st positioner.Status
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &st))
				return st
			}
		}
	}

	if got := next(); got.Azimuth != 10 {
		t.Fatalf("first event azimuth = %v, want snapshot 10", got.Azimuth)
	}
	tr.ch <- positioner.Status{Azimuth: 20}
	if got := next(); got.Azimuth != 20 {
		t.Fatalf("second event azimuth = %v, want 20", got.Azimuth)
	}
}
