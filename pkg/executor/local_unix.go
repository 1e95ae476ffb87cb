//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup detaches the command into its own process group and makes
// context cancellation kill the whole group, so children spawned by the
// step (test workers, daemons) do not outlive it.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
}
