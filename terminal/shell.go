package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Shell types accepted in init requests.
const (
	ShellDefault    = ""
	ShellBash       = "bash"
	ShellZsh        = "zsh"
	ShellFish       = "fish"
	ShellSh         = "sh"
	ShellCmd        = "cmd"
	ShellPowerShell = "powershell"
	ShellPwsh       = "pwsh"
	ShellWSL        = "wsl"
	ShellGitBash    = "gitbash"

	customShellPrefix = "custom:"
)

// ResolveShell maps a shell type (or a program path) and caller arguments to
// an executable path and the final argument list. Unknown shell types are
// treated as program names. The detected default shell starts as a login
// shell unless the caller passes arguments.
func ResolveShell(shellType string, args []string) (string, []string, error) {
	shellType = strings.TrimSpace(shellType)

	var (
		program   string
		extraArgs []string
	)

	switch strings.ToLower(shellType) {
	case ShellDefault:
		program = detectDefaultShell()
		if len(args) == 0 {
			extraArgs = LoginArgs(program)
		}
	case ShellBash, ShellZsh, ShellFish, ShellSh:
		program = strings.ToLower(shellType)
	case ShellCmd:
		program = "cmd.exe"
	case ShellPowerShell:
		program = powerShellProgram()
	case ShellPwsh:
		program = pwshProgram()
	case ShellWSL:
		program = "wsl.exe"
	case ShellGitBash:
		program, extraArgs = gitBashProgram()
	default:
		if strings.HasPrefix(shellType, customShellPrefix) {
			program = strings.TrimSpace(shellType[len(customShellPrefix):])
			if program == "" {
				return "", nil, fmt.Errorf("%w: empty custom shell path", ErrSpawn)
			}
		} else {
			program = shellType
		}
	}

	path, err := lookupProgram(program)
	if err != nil {
		return "", nil, err
	}

	finalArgs := make([]string, 0, len(extraArgs)+len(args))
	finalArgs = append(finalArgs, extraArgs...)
	finalArgs = append(finalArgs, args...)
	return path, finalArgs, nil
}

// LoginArgs returns the arguments that make shellPath behave as a login
// shell.
func LoginArgs(shellPath string) []string {
	name := strings.ToLower(filepath.Base(shellPath))
	switch name {
	case "bash", "zsh", "fish", "sh", "bash.exe":
		return []string{"-l"}
	case "pwsh", "pwsh.exe", "powershell", "powershell.exe":
		return []string{"-NoLogo"}
	default:
		return nil
	}
}

func lookupProgram(program string) (string, error) {
	if strings.ContainsAny(program, `/\`) {
		info, err := os.Stat(program)
		if err != nil {
			if os.IsPermission(err) {
				return "", fmt.Errorf("%w: %s: %v", ErrPermission, program, err)
			}
			return "", fmt.Errorf("%w: %s: %v", ErrSpawn, program, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrSpawn, program)
		}
		return program, nil
	}

	path, err := exec.LookPath(program)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSpawn, program, err)
	}
	return path, nil
}
