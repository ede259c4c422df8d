//go:build !unix

package process

import "os/exec"

func configureProcessGroup(command *exec.Cmd) {}
