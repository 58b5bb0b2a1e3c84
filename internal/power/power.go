package power

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/loykin/stationd/internal/process"
)

// Controller switches positioner driver power.
type Controller interface {
	SetPower(ctx context.Context, on bool) error
}

// Command runs configured shell commands to switch power, e.g. a relay
// board or a smart plug CLI.
type Command struct {
	OnCommand  string
	OffCommand string
	Executor   process.Executor
	Logger     *slog.Logger

	on atomic.Bool
}

func NewCommand(on, off string, ex process.Executor) *Command {
	return &Command{OnCommand: on, OffCommand: off, Executor: ex, Logger: slog.Default()}
}

func (c *Command) SetPower(ctx context.Context, on bool) error {
	cmd, name := c.OffCommand, "power-off"
	if on {
		cmd, name = c.OnCommand, "power-on"
	}
	if cmd == "" {
		c.on.Store(on)
		return nil
	}
	if _, err := c.Executor.Run(ctx, process.Spec{Name: name, Command: cmd}); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	c.on.Store(on)
	if c.Logger != nil {
		c.Logger.Info("positioner power switched", "on", on)
	}
	return nil
}

// On reports the last successfully applied state.
func (c *Command) On() bool { return c.on.Load() }

// AlwaysOn is used when the positioner has no switchable supply.
type AlwaysOn struct{}

func (AlwaysOn) SetPower(context.Context, bool) error { return nil }

// New returns AlwaysOn when no commands are configured.
func New(on, off string, ex process.Executor) Controller {
	if on == "" && off == "" {
		return AlwaysOn{}
	}
	return NewCommand(on, off, ex)
}
