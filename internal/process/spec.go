package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/stationd/internal/logger"
)

// Spec describes one run of an external tool (receiver, decoder, power
// switch). Either Program (exec'd directly with Args) or Command (a command
// line, wrapped in a shell when needed) must be set.
type Spec struct {
	Name    string        `json:"name"`
	Program string        `json:"program"`
	Args    []string      `json:"args"`
	Command string        `json:"command"`
	WorkDir string        `json:"work_dir"`
	Env     []string      `json:"env"`
	Log     logger.Config `json:"-"`
}

// Validate checks that the spec names something to run.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process requires name")
	}
	if strings.TrimSpace(s.Program) == "" && strings.TrimSpace(s.Command) == "" {
		return errors.New("process requires command or program")
	}
	return nil
}

// CommandLine renders the invocation for logs and remote execution.
func (s Spec) CommandLine() string {
	if s.Program == "" {
		return strings.TrimSpace(s.Command)
	}
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, shellQuote(s.Program))
	for _, a := range s.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// BuildCommand constructs an *exec.Cmd for the spec.
// For Command it avoids invoking a shell when not necessary, and it also
// respects an explicit shell invocation already present in the command
// string (e.g., "sh -c 'echo hi'"), avoiding double-wrapping.
func (s Spec) BuildCommand() *exec.Cmd {
	return s.BuildCommandContext(context.Background())
}

// BuildCommandContext is BuildCommand bound to ctx; cancelling ctx kills the tool.
func (s Spec) BuildCommandContext(ctx context.Context) *exec.Cmd {
	if s.Program != "" {
		// #nosec G204
		return exec.CommandContext(ctx, s.Program, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand(ctx)
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(ctx, afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// strip one pair of outer quotes so the shell parses the script itself
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n|&;<>*?`$\"'(){}[]~\\#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
