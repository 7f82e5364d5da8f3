//go:build windows

package supervisor

import (
	"fmt"
	"os/exec"
)

// detach is a no-op on Windows; taskkill /T handles the process tree.
func detach(cmd *exec.Cmd) {}

// terminate asks the process tree to exit.
func terminate(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// kill forcefully terminates the process tree.
func kill(pid int) {
	exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}
