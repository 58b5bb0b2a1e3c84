package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	RecordTransition("satellite_pass", "running")
	RecordTransition("satellite_pass", "done")
	IncRunnerInvocation("ok")
	AddPassesPredicted("NOAA 19", 3)
	ObserveCommand("move", "ok", 0.04)
	SetTrackerConnected(true)
	SetTrackerPosition(181.5, 42)
	SetCaptureActive(true)
	ObserveStep("airspy_rx", "ok", 600)
	IncTLEUpdate("updated")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"stationd_schedule_event_transitions_total":  false,
		"stationd_schedule_runner_invocations_total": false,
		"stationd_schedule_passes_predicted_total":   false,
		"stationd_tracker_commands_total":            false,
		"stationd_tracker_command_duration_seconds":  false,
		"stationd_tracker_connected":                 false,
		"stationd_tracker_position_degrees":          false,
		"stationd_capture_active":                    false,
		"stationd_pipeline_step_duration_seconds":    false,
		"stationd_tle_updates_total":                 false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	RecordTransition("satellite_pass", "late")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "stationd_schedule_event_transitions_total") {
		t.Fatalf("metrics output missing transitions: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ObserveCommand("status", "ok", 0.01)
			ObserveCommand("move", "timeout", 3)
			SetTrackerPosition(10, 20)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	RecordTransition("satellite_pass", "overlap")
	IncRunnerInvocation("busy")
	AddPassesPredicted("x", 1)
	ObserveCommand("move", "not_ready", 0)
	SetTrackerConnected(false)
	SetCaptureActive(false)
	ObserveStep("x", "error", 1)
	IncTLEUpdate("error")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{shouldError: true})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
