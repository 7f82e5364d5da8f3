//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own process group so the whole Flask process
// tree can be signalled together and survives the parent exiting.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the process group.
func terminate(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// kill sends SIGKILL to the process group.
func kill(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}
