//go:build !windows
// +build !windows

package engine

import (
	"os/exec"
	"syscall"
	"time"
)

func setProcAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcessTree signals the subprocess's process group: SIGTERM first, then
// SIGKILL after the grace period if the group is still alive.
func killProcessTree(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid

	_ = syscall.Kill(pgid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		// Signal 0 probes for group liveness.
		if err := syscall.Kill(pgid, 0); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
}
