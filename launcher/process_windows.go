//go:build windows

package launcher

import "os/exec"

func prepareCommand(cmd *exec.Cmd) {}

// Windows has no SIGTERM; the server's parent watch is the graceful path.
func requestStop(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
