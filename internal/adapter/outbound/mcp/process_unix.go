//go:build !windows

package mcp

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the backend in its own process group so that
// helpers it spawns are terminated with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the process group led by proc.
func terminateGroup(proc *os.Process) error {
	return signalGroup(proc, unix.SIGTERM)
}

// killGroup sends SIGKILL to the process group led by proc.
func killGroup(proc *os.Process) error {
	return signalGroup(proc, unix.SIGKILL)
}

func signalGroup(proc *os.Process, sig unix.Signal) error {
	err := unix.Kill(-proc.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
