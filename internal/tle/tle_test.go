package tle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/stationd/internal/store"
	"github.com/loykin/stationd/internal/store/sqlite"
)

const weatherTxt = "NOAA 15                 \r\n" +
	"1 25338U 98030A   24061.53726111  .00000375  00000-0  16965-3 0  9994\r\n" +
	"2 25338  98.5646  89.9373 0009620 173.4262 186.7037 14.26683839351398\r\n" +
	"NOAA 19                 \r\n" +
	"1 33591U 09005A   24001.50000000  .00000100  00000-0  80000-4 0  9990\r\n" +
	"2 33591  99.1900  50.0000 0014000 100.0000 260.0000 14.12500000 70000\r\n"

func TestFind(t *testing.T) {
	el, err := Find(weatherTxt, 33591)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if el.Name != "NOAA 19" {
		t.Fatalf("name: %q", el.Name)
	}
	if !strings.HasPrefix(el.Line1, "1 33591U") || !strings.HasPrefix(el.Line2, "2 33591") {
		t.Fatalf("wrong lines: %+v", el)
	}
	if _, err := Find(weatherTxt, 12345); !errors.Is(err, ErrNotInFile) {
		t.Fatalf("expected ErrNotInFile, got %v", err)
	}
	twoLine := "1 25338U 98030A   24061.53726111  .00000375  00000-0  16965-3 0  9994\n" +
		"2 25338  98.5646  89.9373 0009620 173.4262 186.7037 14.26683839351398\n"
	el, err = Find(twoLine, 25338)
	if err != nil || el.Name != "" {
		t.Fatalf("two-line find: %+v %v", el, err)
	}
}

func newCatalog(t *testing.T) store.Store {
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
		{CatalogNumber: 25338, Name: "NOAA 15", TLEFile: "weather.txt", Enabled: true},
		{CatalogNumber: 33591, Name: "NOAA 19", TLEFile: "weather.txt", Enabled: true},
	} {
		if err := db.UpsertSatellite(ctx, s); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	return db
}

func TestUpdateDownloadsOncePerFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/elements/weather.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(weatherTxt))
	}))
	defer srv.Close()

	db := newCatalog(t)
	u := NewUpdater(db, Config{BaseURL: srv.URL + "/elements/"})
	n, err := u.Update(context.Background(), false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 updates, got %d", n)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one download, got %d", hits.Load())
	}

	sats, err := db.ListSatellites(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, s := range sats {
		if s.LastUpdate == 0 || !strings.Contains(s.TLE, "\n2 ") {
			t.Fatalf("satellite %s not updated: %+v", s.Name, s)
		}
	}

	// fresh TLEs skip the download unless forced
	n, err = u.Update(context.Background(), false)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got %d %v", n, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("unexpected download for fresh TLEs")
	}
	if n, err = u.Update(context.Background(), true); err != nil || n != 2 {
		t.Fatalf("forced update: %d %v", n, err)
	}
}

func TestUpdateReportsMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	u := NewUpdater(newCatalog(t), Config{BaseURL: srv.URL})
	n, err := u.Update(context.Background(), true)
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if n != 0 {
		t.Fatalf("expected no updates, got %d", n)
	}
}

func TestStale(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	u := NewUpdater(nil, Config{MaxAge: 24 * time.Hour})
	u.now = func() time.Time { return now }
	fresh := store.Satellite{LastUpdate: now.Add(-time.Hour).UnixMilli()}
	old := store.Satellite{LastUpdate: now.Add(-48 * time.Hour).UnixMilli()}
	if u.Stale([]store.Satellite{fresh}) {
		t.Fatalf("fresh catalog reported stale")
	}
	if !u.Stale([]store.Satellite{fresh, old}) {
		t.Fatalf("old TLE not detected")
	}
	if !u.Stale([]store.Satellite{{}}) {
		t.Fatalf("never-updated TLE not detected")
	}
}
