//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the tool in its own process group so that
// cancellation reaches children spawned by shells and wrapper scripts.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
