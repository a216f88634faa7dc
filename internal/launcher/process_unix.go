//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// spawnDetached starts the worker in its own session so it survives server
// restarts. The process is released immediately; workflow progress flows
// back through the intake API, not the process handle.
func spawnDetached(script string, args []string, dir string, env []string) (int, error) {
	cmd := exec.Command(script, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
