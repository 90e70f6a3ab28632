//go:build windows

package engine

import (
	"os/exec"
	"time"
)

func setProcAttributes(cmd *exec.Cmd) {}

func killProcessTree(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
