package capture

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/stationd/internal/env"
	"github.com/loykin/stationd/internal/logger"
	"github.com/loykin/stationd/internal/process"
)

const DefaultProgram = "airspy_rx"

// Request sizes one baseband recording.
type Request struct {
	FrequencyMHz float64       `json:"frequency"`
	SampleRate   int           `json:"samplerate"`
	Duration     time.Duration `json:"duration"`
	WorkDir      string        `json:"work_dir"`
}

func (r Request) Validate() error {
	switch {
	case r.FrequencyMHz <= 0:
		return fmt.Errorf("capture: invalid frequency %v", r.FrequencyMHz)
	case r.SampleRate <= 0:
		return fmt.Errorf("capture: invalid sample rate %d", r.SampleRate)
	case r.Duration <= 0:
		return fmt.Errorf("capture: invalid duration %s", r.Duration)
	case r.WorkDir == "":
		return fmt.Errorf("capture: work dir required")
	}
	return nil
}

// Samples is the number of samples covering the requested duration.
func (r Request) Samples() int64 {
	return int64(math.Round(float64(r.SampleRate) * r.Duration.Seconds()))
}

// Radio renders airspy_rx invocations.
type Radio struct {
	Program string        `mapstructure:"program"`
	Gain    int           `mapstructure:"gain"`
	BiasTee bool          `mapstructure:"bias_tee"`
	Log     logger.Config `mapstructure:"-"`
	Env     *env.Env      `mapstructure:"-"`

	now func() time.Time
}

// Filename is the recording name: baseband_<ms>_<kHz>_<rate>.wav.
func (r Radio) Filename(req Request) string {
	khz := int64(math.Round(req.FrequencyMHz * 1000))
	return fmt.Sprintf("baseband_%d_%d_%d.wav", r.clock().UnixMilli(), khz, req.SampleRate)
}

// Spec builds the receiver process for req and returns the output path.
func (r Radio) Spec(req Request) (process.Spec, string) {
	prog := r.Program
	if prog == "" {
		prog = DefaultProgram
	}
	gain := r.Gain
	if gain == 0 {
		gain = 20
	}
	bias := "0"
	if r.BiasTee {
		bias = "1"
	}
	out := filepath.Join(req.WorkDir, r.Filename(req))
	return process.Spec{
		Name:    "capture",
		Program: prog,
		Args: []string{
			"-f", strconv.FormatFloat(req.FrequencyMHz, 'f', -1, 64),
			"-b", bias,
			"-h", strconv.Itoa(gain),
			"-n", strconv.FormatInt(req.Samples(), 10),
			"-t", "2",
			"-r", out,
		},
		WorkDir: req.WorkDir,
		Env:     r.Env.Merge(nil),
		Log:     r.Log.WithDir(req.WorkDir),
	}, out
}

func (r Radio) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
