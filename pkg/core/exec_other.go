//go:build !unix && !windows

package core

import (
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

// killProcessGroup terminates the child. Platforms without process groups
// fall back to killing the top-level handle.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// PIDExists reports whether a process with the given PID exists.
func PIDExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
