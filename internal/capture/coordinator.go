package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/stationd/internal/lease"
	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/process"
)

// ErrBusy is returned by Start while a recording is in progress.
var ErrBusy = errors.New("capture busy")

// Outcome is delivered once the receiver exits.
type Outcome struct {
	Filename string         `json:"filename"`
	Process  process.Result `json:"process"`
	Err      error          `json:"-"`
}

// Coordinator gates the single radio. Its lease is held for the lifetime
// of the receiver process, which defines IsBusy.
type Coordinator struct {
	radio    Radio
	executor process.Executor
	lease    *lease.Lease
	logger   *slog.Logger
}

// NewCoordinator runs captures through ex, which may be local or a remote
// capture host.
func NewCoordinator(r Radio, ex process.Executor) *Coordinator {
	return &Coordinator{
		radio:    r,
		executor: ex,
		lease:    lease.New("radio"),
		logger:   slog.Default().With("component", "capture"),
	}
}

func (c *Coordinator) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l.With("component", "capture")
	}
}

func (c *Coordinator) IsBusy() bool { return c.lease.Held() }

// Start launches a recording for owner and returns immediately. The
// returned channel yields exactly one Outcome.
func (c *Coordinator) Start(ctx context.Context, owner string, req Request) (<-chan Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	release, err := c.lease.Acquire(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	if err := c.executor.MkdirAll(ctx, req.WorkDir); err != nil {
		release()
		return nil, fmt.Errorf("capture work dir: %w", err)
	}
	spec, out := c.radio.Spec(req)
	c.logger.Info("starting baseband capture",
		"owner", owner,
		"file", out,
		"frequency_mhz", req.FrequencyMHz,
		"samplerate", req.SampleRate,
		"samples", req.Samples())

	done := make(chan Outcome, 1)
	metrics.SetCaptureActive(true)
	go func() {
		res, err := c.executor.Run(ctx, spec)
		metrics.SetCaptureActive(false)
		release()
		if err != nil {
			c.logger.Error("capture failed", "owner", owner, "error", err)
		} else {
			c.logger.Info("capture finished", "owner", owner, "file", out, "duration", res.Duration())
		}
		done <- Outcome{Filename: out, Process: res, Err: err}
	}()
	return done, nil
}
