package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loykin/stationd/internal/capture"
	"github.com/loykin/stationd/internal/history"
	"github.com/loykin/stationd/internal/lease"
	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/observability"
	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/pipeline"
	"github.com/loykin/stationd/internal/positioner"
	"github.com/loykin/stationd/internal/predict"
	"github.com/loykin/stationd/internal/store"
)

// ErrBusy is returned by RunOnce while another invocation is in flight.
var ErrBusy = errors.New("schedule runner busy")

const DefaultInterval = 10 * time.Second

// Tracker is the positioner side of a pass.
type Tracker interface {
	Tracking() (store.Satellite, bool)
	StartTracking(ctx context.Context, t positioner.Target, d time.Duration) error
	StopTracking(ctx context.Context) error
}

// Capturer is the radio side of a pass.
type Capturer interface {
	IsBusy() bool
	Start(ctx context.Context, owner string, req capture.Request) (<-chan capture.Outcome, error)
}

// Decoder post-processes a recording.
type Decoder interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
}

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	WorkRoot string        `mapstructure:"work_root"`
}

// completion is the final transition of a dispatched event, produced by its
// capture and pipeline continuation.
type completion struct {
	event     store.Event
	runID     string
	satellite string
	status    store.Status
	result    json.RawMessage
}

// Runner dispatches due events. Invocations are serialized by a lease;
// a concurrent invocation fails with ErrBusy instead of queueing.
type Runner struct {
	store    store.Store
	tracker  Tracker
	capture  Capturer
	decoder  Decoder
	history  history.Sink
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
	lease    *lease.Lease
	results  chan completion
	inflight sync.WaitGroup

	mu       sync.Mutex
	base     context.Context
	loopDone chan struct{}
}

type Option func(*Runner)

func WithHistory(s history.Sink) Option { return func(r *Runner) { r.history = s } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l.With("component", "runner")
		}
	}
}

func New(st store.Store, tr Tracker, cp Capturer, dec Decoder, cfg Config, opts ...Option) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	r := &Runner{
		store:   st,
		tracker: tr,
		capture: cp,
		decoder: dec,
		history: history.Nop{},
		cfg:     cfg,
		logger:  slog.Default().With("component", "runner"),
		now:     time.Now,
		tracer:  observability.Tracer(),
		lease:   lease.New("runner"),
		results: make(chan completion),
		base:    context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Recover moves events left running by a previous process to error.
func (r *Runner) Recover(ctx context.Context) error {
	n, err := r.store.RecoverRunning(ctx, store.ErrorResult("interrupted"))
	if err != nil {
		return fmt.Errorf("recover running events: %w", err)
	}
	if n > 0 {
		r.logger.Warn("recovered interrupted events", "count", n)
	}
	return nil
}

// Run invokes RunOnce on every interval tick and applies continuation
// results until ctx is cancelled. In-flight continuations are awaited
// before returning.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Recover(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.base = ctx
	r.loopDone = done
	r.mu.Unlock()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("schedule runner started", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			close(done)
			r.inflight.Wait()
			r.logger.Info("schedule runner stopped")
			return nil
		case c := <-r.results:
			r.apply(context.Background(), c)
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrBusy) {
				r.logger.Error("schedule run failed", "error", err)
			}
		}
	}
}

// Wait blocks until every dispatched continuation has delivered its result.
func (r *Runner) Wait() { r.inflight.Wait() }

// RunOnce processes due events in scheduled order and returns how many were
// dispatched. One event's failure never stops the others.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	release, err := r.lease.Acquire("run")
	if err != nil {
		metrics.IncRunnerInvocation("busy")
		return 0, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer release()

	runID := uuid.NewString()
	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	now := r.now()
	due, err := r.store.ListDue(ctx, now)
	if err != nil {
		metrics.IncRunnerInvocation("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due")
		return 0, fmt.Errorf("list due events: %w", err)
	}
	metrics.IncRunnerInvocation("ok")
	if len(due) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("due", len(due)))

	dispatched := 0
	for _, ev := range due {
		ok, err := r.dispatch(ctx, runID, ev)
		if err != nil {
			r.logger.Error("dispatch failed", "run_id", runID, "event_id", ev.ID, "error", err)
			continue
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

// runningResult is stored with the running transition.
type runningResult struct {
	RunID     string `json:"run_id"`
	StartedAt int64  `json:"started_at"`
	WorkDir   string `json:"work_dir"`
}

// doneResult is stored with the done transition.
type doneResult struct {
	RunID      string          `json:"run_id"`
	StartedAt  int64           `json:"started_at"`
	FinishedAt int64           `json:"finished_at"`
	Capture    capture.Outcome `json:"capture"`
	Pipeline   pipeline.Result `json:"pipeline"`
}

func (r *Runner) dispatch(ctx context.Context, runID string, ev store.Event) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "runner.dispatch", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int64("event_id", ev.ID),
		attribute.String("category", string(ev.Category)),
	))
	defer span.End()
	log := r.logger.With("run_id", runID, "event_id", ev.ID)

	if ev.Category != store.CategorySatellitePass {
		log.Warn("unrecognized event category", "category", ev.Category)
		return false, r.settle(ctx, runID, ev, "", store.StatusFailed,
			store.ErrorResult(fmt.Sprintf("unrecognized category %q", ev.Category)))
	}
	action, err := predict.DecodePassAction(ev.Action)
	if err != nil {
		return false, r.settle(ctx, runID, ev, "", store.StatusError, store.ErrorResult(err.Error()))
	}
	sat := action.Satellite
	span.SetAttributes(attribute.String("satellite", sat.Name))
	log = log.With("satellite", sat.Name)

	now := r.now()
	end := action.Prediction.EndTime()
	if now.After(end) {
		log.Warn("pass already over", "end", end)
		return false, r.settle(ctx, runID, ev, sat.Name, store.StatusLate,
			store.ErrorResult(fmt.Sprintf("pass ended at %s, dispatched at %s", end.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))))
	}
	if cur, ok := r.tracker.Tracking(); ok && cur.CatalogNumber != sat.CatalogNumber {
		log.Warn("positioner busy", "tracking", cur.Name)
		return false, r.settle(ctx, runID, ev, sat.Name, store.StatusOverlap,
			store.ErrorResult("positioner is tracking "+cur.Name))
	}
	if r.capture.IsBusy() {
		log.Warn("radio busy")
		return false, r.settle(ctx, runID, ev, sat.Name, store.StatusOverlap, store.ErrorResult("capture busy"))
	}
	elements, err := orbit.ParseElements(sat.TLE)
	if err != nil {
		return false, r.settle(ctx, runID, ev, sat.Name, store.StatusError, store.ErrorResult(err.Error()))
	}

	workDir := filepath.Join(r.workRoot(), fmt.Sprintf("tracker_event_%d", ev.ID))
	started := now.UnixMilli()
	ok, err := r.store.SetStatus(ctx, ev.ID, store.StatusRunning,
		store.Result(runningResult{RunID: runID, StartedAt: started, WorkDir: workDir}))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		log.Warn("running slot taken")
		return false, r.settle(ctx, runID, ev, sat.Name, store.StatusOverlap, store.ErrorResult(store.ErrConflict.Error()))
	}
	r.record(ctx, runID, ev, sat.Name, store.StatusScheduled, store.StatusRunning, nil)

	remaining := end.Sub(now)
	if err := r.tracker.StartTracking(ctx, positioner.Target{Satellite: sat, Elements: elements}, remaining); err != nil {
		log.Error("start tracking failed", "error", err)
		return false, r.finish(ctx, runID, ev, sat.Name, store.StatusError, store.ErrorResult("tracking: "+err.Error()))
	}

	base := r.baseContext()
	outcomes, err := r.capture.Start(base, fmt.Sprintf("event-%d", ev.ID), capture.Request{
		FrequencyMHz: sat.Frequency,
		SampleRate:   sat.SampleRate,
		Duration:     remaining,
		WorkDir:      workDir,
	})
	if err != nil {
		log.Error("start capture failed", "error", err)
		if serr := r.tracker.StopTracking(ctx); serr != nil {
			log.Warn("stop tracking failed", "error", serr)
		}
		return false, r.finish(ctx, runID, ev, sat.Name, store.StatusError, store.ErrorResult("capture: "+err.Error()))
	}

	log.Info("pass dispatched", "work_dir", workDir, "duration", remaining, "max_elevation", action.Prediction.MaxElevation)
	r.inflight.Add(1)
	go r.follow(base, runID, ev, action, workDir, started, outcomes)
	return true, nil
}

// follow waits for the recording, runs the decoder chain and delivers the
// final transition.
func (r *Runner) follow(ctx context.Context, runID string, ev store.Event, action predict.PassAction, workDir string, started int64, outcomes <-chan capture.Outcome) {
	defer r.inflight.Done()
	sat := action.Satellite
	log := r.logger.With("run_id", runID, "event_id", ev.ID, "satellite", sat.Name)
	ctx, span := r.tracer.Start(ctx, "runner.continuation", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int64("event_id", ev.ID),
	))
	defer span.End()

	c := completion{event: ev, runID: runID, satellite: sat.Name}
	out := <-outcomes
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "capture")
		if cur, ok := r.tracker.Tracking(); ok && cur.CatalogNumber == sat.CatalogNumber {
			if err := r.tracker.StopTracking(context.Background()); err != nil {
				log.Warn("stop tracking failed", "error", err)
			}
		}
		c.status, c.result = store.StatusError, store.ErrorResult("capture: "+out.Err.Error())
		r.deliver(c)
		return
	}

	res, err := r.decoder.Run(ctx, pipeline.Input{
		File:       out.Filename,
		Satellite:  sat,
		Prediction: action.Prediction,
		WorkDir:    workDir,
		EventID:    ev.ID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline")
		log.Error("pipeline failed", "error", err)
		c.status, c.result = store.StatusError, store.ErrorResult(err.Error())
		r.deliver(c)
		return
	}
	log.Info("pass processed", "output", res.Output)
	c.status = store.StatusDone
	c.result = store.Result(doneResult{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: r.now().UnixMilli(),
		Capture:    out,
		Pipeline:   res,
	})
	r.deliver(c)
}

// deliver hands c to the Run loop, or applies it directly when no loop is
// running.
func (r *Runner) deliver(c completion) {
	r.mu.Lock()
	done := r.loopDone
	r.mu.Unlock()
	if done != nil {
		select {
		case r.results <- c:
			return
		case <-done:
		}
	}
	r.apply(context.Background(), c)
}

func (r *Runner) apply(ctx context.Context, c completion) {
	if err := r.finish(ctx, c.runID, c.event, c.satellite, c.status, c.result); err != nil {
		r.logger.Error("store completion failed", "run_id", c.runID, "event_id", c.event.ID, "status", c.status, "error", err)
	}
}

// settle records a terminal transition out of scheduled.
func (r *Runner) settle(ctx context.Context, runID string, ev store.Event, sat string, to store.Status, result json.RawMessage) error {
	return r.transition(ctx, runID, ev, sat, store.StatusScheduled, to, result)
}

// finish records a terminal transition out of running.
func (r *Runner) finish(ctx context.Context, runID string, ev store.Event, sat string, to store.Status, result json.RawMessage) error {
	return r.transition(ctx, runID, ev, sat, store.StatusRunning, to, result)
}

func (r *Runner) transition(ctx context.Context, runID string, ev store.Event, sat string, from, to store.Status, result json.RawMessage) error {
	ok, err := r.store.SetStatus(ctx, ev.ID, to, result)
	if err != nil {
		return fmt.Errorf("set status %s: %w", to, err)
	}
	if !ok {
		return fmt.Errorf("set status %s: %w", to, store.ErrNotFound)
	}
	r.record(ctx, runID, ev, sat, from, to, result)
	return nil
}

func (r *Runner) record(ctx context.Context, runID string, ev store.Event, sat string, from, to store.Status, result json.RawMessage) {
	metrics.RecordTransition(string(ev.Category), string(to))
	err := r.history.Send(ctx, history.Event{
		OccurredAt: r.now().UTC(),
		RunID:      runID,
		EventID:    ev.ID,
		Category:   ev.Category,
		From:       from,
		To:         to,
		Satellite:  sat,
		Result:     result,
	})
	if err != nil {
		r.logger.Warn("history export failed", "event_id", ev.ID, "error", err)
	}
}

func (r *Runner) baseContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base
}

func (r *Runner) workRoot() string {
	if r.cfg.WorkRoot != "" {
		return r.cfg.WorkRoot
	}
	return os.TempDir()
}
