//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// prepareCommand puts the server in its own process group so terminal
// signals aimed at the host do not reach it directly.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func requestStop(cmd *exec.Cmd) error {
	return cmd.Process.Signal(unix.SIGTERM)
}
