package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/stationd/internal/metrics"
)

// ErrExitStatus marks a tool that ran but exited non-zero.
var ErrExitStatus = errors.New("process exited with non-zero status")

const stderrTail = 2048

// Result describes a finished tool run.
type Result struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	ExitCode  int       `json:"exit_code"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	Stderr    string    `json:"stderr,omitempty"`
}

func (r Result) Duration() time.Duration { return r.StoppedAt.Sub(r.StartedAt) }

// Executor runs external tools and manages their working directories,
// either on this host or on a remote capture host.
type Executor interface {
	Run(ctx context.Context, spec Spec) (Result, error)
	MkdirAll(ctx context.Context, dir string) error
	Remove(ctx context.Context, path string) error
}

// Monitor receives the PID of each running tool for resource sampling.
type Monitor interface {
	Track(name string, pid int32)
	Untrack(name string)
}

// Local runs tools as child processes of the daemon.
type Local struct {
	Monitor Monitor
	Logger  *slog.Logger
}

func NewLocal(m Monitor) *Local { return &Local{Monitor: m, Logger: slog.Default()} }

// Run starts the tool and blocks until it exits or ctx is cancelled.
// Stdout and stderr go to the rotated log files configured in spec.Log;
// the tail of stderr is kept for error reporting.
func (l *Local) Run(ctx context.Context, spec Spec) (Result, error) {
	res := Result{Name: spec.Name, ExitCode: -1}
	if err := spec.Validate(); err != nil {
		return res, err
	}
	log := l.logger().With("process", spec.Name)

	cmd := spec.BuildCommandContext(ctx)
	configureSysProcAttr(cmd)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return res, err
	}
	tail := &tailBuffer{max: stderrTail}
	if outW != nil {
		defer func() { _ = outW.Close() }()
		cmd.Stdout = outW
	}
	if errW != nil {
		defer func() { _ = errW.Close() }()
		cmd.Stderr = io.MultiWriter(errW, tail)
	} else {
		cmd.Stderr = tail
	}

	res.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		res.StoppedAt = time.Now()
		metrics.ObserveStep(spec.Name, "error", 0)
		return res, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	res.PID = cmd.Process.Pid
	log.Debug("process started", "pid", res.PID, "command", spec.CommandLine(), "work_dir", spec.WorkDir)
	if l.Monitor != nil {
		l.Monitor.Track(spec.Name, int32(res.PID))
		defer l.Monitor.Untrack(spec.Name)
	}

	err = cmd.Wait()
	res.StoppedAt = time.Now()
	res.Stderr = tail.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	secs := res.Duration().Seconds()
	switch {
	case err == nil:
		metrics.ObserveStep(spec.Name, "ok", secs)
		log.Debug("process exited", "pid", res.PID, "duration", res.Duration())
		return res, nil
	case ctx.Err() != nil:
		metrics.ObserveStep(spec.Name, "cancelled", secs)
		return res, fmt.Errorf("%s cancelled: %w", spec.Name, ctx.Err())
	default:
		metrics.ObserveStep(spec.Name, "error", secs)
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return res, fmt.Errorf("%w: %s exited with code %d: %s", ErrExitStatus, spec.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return res, fmt.Errorf("wait %s: %w", spec.Name, err)
	}
}

func (l *Local) MkdirAll(_ context.Context, dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (l *Local) Remove(_ context.Context, path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
