//go:build !unix

package orchestrator

import "os/exec"

func detach(*exec.Cmd) {}
