//go:build unix

package orchestrator

import (
	"os/exec"
	"syscall"
)

// detach starts the worker in its own session so it outlives the CLI
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
