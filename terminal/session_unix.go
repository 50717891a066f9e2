//go:build !windows

package terminal

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var defaultShellCandidates = []string{"/bin/zsh", "/bin/bash", "/bin/fish", "/bin/sh"}

func detectDefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, candidate := range defaultShellCandidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "/bin/sh"
}

// PowerShell only exists on Windows; elsewhere the default shell is used.
func powerShellProgram() string {
	return detectDefaultShell()
}

func pwshProgram() string {
	return "pwsh"
}

func gitBashProgram() (string, []string) {
	return "bash", nil
}

// signalGroup signals the process group led by cmd, falling back to the
// process itself when it does not lead a group.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// requestExit asks the shell and its job control group to exit.
func requestExit(cmd *exec.Cmd) error {
	return errors.Join(
		signalGroup(cmd, unix.SIGHUP),
		signalGroup(cmd, unix.SIGTERM),
	)
}

func forceKill(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}

// sendSignalToProcess nudges full-screen programs to redraw after a resize.
func sendSignalToProcess(cmd *exec.Cmd, logger *zap.Logger) {
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGWINCH); err != nil {
			logger.Debug("failed to send SIGWINCH", zap.Error(err))
		}
	}
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}
