//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the worker in its own process group so that
// cancellation also reaches anything the worker spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
