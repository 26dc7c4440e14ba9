//go:build windows

package mcp

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// setProcessGroup detaches the backend into a new process group so console
// control events aimed at the gateway do not reach it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// terminateGroup terminates proc. Windows has no SIGTERM; Kill calls
// TerminateProcess.
func terminateGroup(proc *os.Process) error {
	return killGroup(proc)
}

func killGroup(proc *os.Process) error {
	err := proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
