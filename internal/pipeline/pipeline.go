package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/stationd/internal/env"
	"github.com/loykin/stationd/internal/logger"
	"github.com/loykin/stationd/internal/predict"
	"github.com/loykin/stationd/internal/process"
	"github.com/loykin/stationd/internal/store"
)

const DefaultBinDir = "/usr/local/bin"

// Input is one decode job: the recording of a pass and its context.
type Input struct {
	File       string
	Satellite  store.Satellite
	Prediction predict.Prediction
	WorkDir    string
	EventID    int64
}

// StepResult records one executed decoder.
type StepResult struct {
	Step     string `json:"step"`
	Program  string `json:"program"`
	Input    string `json:"input"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Duration int64  `json:"duration_ms"`
}

// Result is the pipeline document stored with a finished event.
type Result struct {
	Input  string       `json:"input"`
	Output string       `json:"output"`
	Steps  []StepResult `json:"steps"`
}

// Runner executes a satellite's decoder chain in order. Each step's output
// becomes the next step's input; a step without an output passes its input
// through.
type Runner struct {
	BinDir   string
	Executor process.Executor
	// Env is the base tool environment; nil runs steps with the daemon's.
	Env      *env.Env
	Log      logger.Config
	Logger   *slog.Logger
}

func New(binDir string, ex process.Executor) *Runner {
	if binDir == "" {
		binDir = DefaultBinDir
	}
	return &Runner{BinDir: binDir, Executor: ex, Logger: slog.Default()}
}

// Run stops at the first failing step; the partial Result is returned with
// the error.
func (r *Runner) Run(ctx context.Context, in Input) (Result, error) {
	res := Result{Input: in.File, Output: in.File}
	log := r.logger().With("event_id", in.EventID, "satellite", in.Satellite.Name)
	current := in.File
	for i, step := range in.Satellite.Pipeline {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}
		if strings.TrimSpace(step.Program) == "" {
			return res, fmt.Errorf("pipeline step %s: program required", name)
		}
		vars := r.vars(in, current, step)
		output := vars["{output}"]
		spec := process.Spec{
			Name:    name,
			Program: r.resolve(step.Program),
			Args:    expandAll(step.Args, vars),
			WorkDir: in.WorkDir,
			Env:     r.Env.Merge(stepEnv(in, current)),
			Log:     r.Log.WithDir(in.WorkDir),
		}
		log.Info("running pipeline step", "step", name, "program", spec.Program, "input", current)
		started := time.Now()
		pr, err := r.Executor.Run(ctx, spec)
		res.Steps = append(res.Steps, StepResult{
			Step:     name,
			Program:  spec.Program,
			Input:    current,
			Output:   output,
			ExitCode: pr.ExitCode,
			Duration: time.Since(started).Milliseconds(),
		})
		if err != nil {
			return res, fmt.Errorf("pipeline step %s: %w", name, err)
		}
		if step.Delete && output != current {
			if err := r.Executor.Remove(ctx, current); err != nil {
				log.Warn("remove step input failed", "step", name, "file", current, "error", err)
			}
		}
		current = output
		res.Output = current
	}
	return res, nil
}

func (r *Runner) vars(in Input, current string, step store.PipelineStep) map[string]string {
	vars := map[string]string{
		"{input}":     current,
		"{workdir}":   in.WorkDir,
		"{satellite}": in.Satellite.Name,
		"{event}":     strconv.FormatInt(in.EventID, 10),
	}
	out := current
	if step.Output != "" {
		out = expand(step.Output, vars)
		if !filepath.IsAbs(out) {
			out = filepath.Join(in.WorkDir, out)
		}
	}
	vars["{output}"] = out
	return vars
}

func (r *Runner) resolve(program string) string {
	if filepath.IsAbs(program) || strings.ContainsRune(program, filepath.Separator) {
		return program
	}
	return filepath.Join(r.BinDir, program)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func stepEnv(in Input, current string) []string {
	return []string{
		"STATIOND_EVENT_ID=" + strconv.FormatInt(in.EventID, 10),
		"STATIOND_SATELLITE=" + in.Satellite.Name,
		"STATIOND_INPUT=" + current,
	}
}

func expand(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, k, v)
	}
	return s
}

func expandAll(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = expand(a, vars)
	}
	return out
}
