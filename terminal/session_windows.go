//go:build windows

package terminal

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

func detectDefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	if path, err := exec.LookPath("powershell"); err == nil {
		return path
	}
	if path, err := exec.LookPath("pwsh"); err == nil {
		return path
	}
	if comspec := os.Getenv("COMSPEC"); comspec != "" {
		return comspec
	}
	return "cmd.exe"
}

func powerShellProgram() string {
	if path, err := exec.LookPath("powershell"); err == nil {
		return path
	}
	return "powershell.exe"
}

func pwshProgram() string {
	if path, err := exec.LookPath("pwsh"); err == nil {
		return path
	}
	return powerShellProgram()
}

// gitBashProgram prefers the standard Git for Windows install locations so
// the WSL bash shim is not picked up by accident.
func gitBashProgram() (string, []string) {
	candidates := []string{
		`C:\Program Files\Git\bin\bash.exe`,
		`C:\Program Files (x86)\Git\bin\bash.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Programs\Git\bin\bash.exe`),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, []string{"--login"}
		}
	}
	if path, err := exec.LookPath("bash"); err == nil && !strings.Contains(path, "WindowsApps") {
		return path, []string{"--login"}
	}
	return detectDefaultShell(), nil
}

// Windows has no process groups or hangup signal; terminate goes straight to
// Kill.
func requestExit(cmd *exec.Cmd) error {
	return forceKill(cmd)
}

func forceKill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

// SIGWINCH is not available on Windows
func sendSignalToProcess(cmd *exec.Cmd, logger *zap.Logger) {}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: state.ExitCode()}
}
