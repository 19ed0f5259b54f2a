//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the converter in its own process group so a timeout
// kills interpreter children too
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
