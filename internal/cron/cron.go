package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Job is a periodic daemon task such as re-prediction or TLE refresh.
// Schedule is a standard 5-field cron expression or a descriptor such as
// "@daily" or "@every 6h".
// A tick is skipped while the previous run of the same job is still active.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	id      robfig.EntryID
	running atomic.Bool
	runs    atomic.Int64
}

// Runs returns how many times the job has completed.
func (j *Job) Runs() int64 { return j.runs.Load() }

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return errors.New("cron job requires a run func")
	}
	return nil
}

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// ParseSchedule validates a schedule expression.
func ParseSchedule(expr string) (robfig.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Scheduler runs jobs on a robfig cron.
type Scheduler struct {
	c      *robfig.Cron
	logger *slog.Logger
	jobs   []*Job

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		c:      robfig.New(robfig.WithParser(parser), robfig.WithLocation(loc)),
		logger: slog.Default().With("component", "cron"),
	}
}

func (s *Scheduler) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l.With("component", "cron")
	}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if _, err := ParseSchedule(job.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	id, err := s.c.AddFunc(job.Schedule, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	job.id = id
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Scheduler) fire(j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still active, skipping tick", "job", j.Name)
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		j.running.Store(false)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer j.running.Store(false)
	started := time.Now()
	if err := j.Run(ctx); err != nil {
		s.logger.Error("cron job failed", "job", j.Name, "error", err, "duration", time.Since(started))
	} else {
		s.logger.Debug("cron job finished", "job", j.Name, "duration", time.Since(started))
	}
	j.runs.Add(1)
}

// Start launches the cron loop. Jobs receive a context cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	<-s.c.Stop().Done()
	s.wg.Wait()
}

// Next returns the next activation of every job keyed by name. It is
// empty until Start.
func (s *Scheduler) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	for _, j := range s.jobs {
		if e := s.c.Entry(j.id); !e.Next.IsZero() {
			out[j.Name] = e.Next
		}
	}
	return out
}
