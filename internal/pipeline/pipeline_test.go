package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loykin/stationd/internal/process"
	"github.com/loykin/stationd/internal/store"
)

type recordingExecutor struct {
	specs   []process.Spec
	removed []string
	failAt  string
}

func (e *recordingExecutor) Run(_ context.Context, spec process.Spec) (process.Result, error) {
	e.specs = append(e.specs, spec)
	if spec.Name == e.failAt {
		return process.Result{Name: spec.Name, ExitCode: 2}, process.ErrExitStatus
	}
	return process.Result{Name: spec.Name}, nil
}

func (e *recordingExecutor) MkdirAll(context.Context, string) error { return nil }

func (e *recordingExecutor) Remove(_ context.Context, path string) error {
	e.removed = append(e.removed, path)
	return nil
}

func noaa() store.Satellite {
	return store.Satellite{
		CatalogNumber: 33591,
		Name:          "NOAA 19",
		Pipeline: []store.PipelineStep{
			{Name: "demod", Program: "QPSK-Demodulator-Batch", Args: []string{"--input", "{input}", "--output", "{output}"}, Output: "demod_{event}.bin", Delete: true},
			{Name: "decode", Program: "NOAA-AVHRR-Decoder", Args: []string{"{input}"}, Output: "AVHRR-RGB-221-EQU.png"},
			{Name: "archive", Program: "/opt/bin/archive", Args: []string{"{input}", "{satellite}", "{workdir}"}},
		},
	}
}

func TestPipelineChainsSteps(t *testing.T) {
	ex := &recordingExecutor{}
	r := New("/usr/local/bin", ex)
	dir := "/data/tracker_event_7"
	in := Input{File: filepath.Join(dir, "baseband.wav"), Satellite: noaa(), WorkDir: dir, EventID: 7}

	res, err := r.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ex.specs) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(ex.specs))
	}
	demod := ex.specs[0]
	if demod.Program != filepath.Join("/usr/local/bin", "QPSK-Demodulator-Batch") {
		t.Fatalf("program not resolved in bin dir: %s", demod.Program)
	}
	wantOut := filepath.Join(dir, "demod_7.bin")
	if demod.Args[1] != in.File || demod.Args[3] != wantOut {
		t.Fatalf("demod args: %v", demod.Args)
	}
	if ex.specs[1].Args[0] != wantOut {
		t.Fatalf("decode input: %v", ex.specs[1].Args)
	}
	if !contains(demod.Env, "STATIOND_EVENT_ID=7") || !contains(demod.Env, "STATIOND_SATELLITE=NOAA 19") {
		t.Fatalf("step env: %v", demod.Env)
	}
	archive := ex.specs[2]
	if archive.Program != "/opt/bin/archive" {
		t.Fatalf("absolute program rewritten: %s", archive.Program)
	}
	png := filepath.Join(dir, "AVHRR-RGB-221-EQU.png")
	if archive.Args[0] != png || archive.Args[1] != "NOAA 19" || archive.Args[2] != dir {
		t.Fatalf("archive args: %v", archive.Args)
	}
	if res.Output != png {
		t.Fatalf("final output: %s", res.Output)
	}
	if len(ex.removed) != 1 || ex.removed[0] != in.File {
		t.Fatalf("expected capture removed after demod, got %v", ex.removed)
	}
	for _, s := range ex.specs {
		if s.WorkDir != dir {
			t.Fatalf("step %s ran outside work dir", s.Name)
		}
	}
}

func TestPipelineStopsOnFailure(t *testing.T) {
	ex := &recordingExecutor{failAt: "decode"}
	r := New("", ex)
	in := Input{File: "/w/in.wav", Satellite: noaa(), WorkDir: "/w", EventID: 1}

	res, err := r.Run(context.Background(), in)
	if !errors.Is(err, process.ErrExitStatus) {
		t.Fatalf("expected exit status error, got %v", err)
	}
	if len(ex.specs) != 2 {
		t.Fatalf("pipeline continued after failure: %d steps", len(ex.specs))
	}
	if len(res.Steps) != 2 || res.Steps[1].ExitCode != 2 {
		t.Fatalf("partial result: %+v", res.Steps)
	}
}

func TestPipelineEmptyPassesThrough(t *testing.T) {
	r := New("", &recordingExecutor{})
	res, err := r.Run(context.Background(), Input{File: "/w/in.wav", WorkDir: "/w"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != "/w/in.wav" || len(res.Steps) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPipelineRequiresProgram(t *testing.T) {
	sat := store.Satellite{Pipeline: []store.PipelineStep{{Name: "x"}}}
	_, err := New("", &recordingExecutor{}).Run(context.Background(), Input{File: "a", Satellite: sat})
	if err == nil {
		t.Fatalf("expected error for step without program")
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
