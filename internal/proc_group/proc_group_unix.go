//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// SetProcGrp starts cmd in its own process group so a terminal interrupt
// aimed at the CLI does not reach it before the owner shuts it down.
func SetProcGrp(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// Terminate asks the whole group to exit.
func Terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

// Kill forces the whole group to exit.
func Kill(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
