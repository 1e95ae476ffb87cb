//go:build windows

package executor

import "os/exec"

// setProcessGroup is a no-op on Windows: there is no POSIX process group to
// target, so cancellation falls back to killing the direct child.
func setProcessGroup(c *exec.Cmd) {}
