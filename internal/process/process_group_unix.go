//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the tool in its own process group so cancellation also kills its children.
func configureProcessGroup(command *exec.Cmd) {
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	command.Cancel = func() error {
		return syscall.Kill(-command.Process.Pid, syscall.SIGKILL)
	}
}
