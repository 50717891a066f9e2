package terminal

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

// Default session settings, used when a SessionConfig field is zero.
const (
	DefaultCols           = 80
	DefaultRows           = 24
	DefaultGracePeriod    = 3 * time.Second
	DefaultBatchInterval  = 4 * time.Millisecond
	DefaultReadBufferSize = 8192
	DefaultMaxBatchSize   = 64 * 1024
	DefaultOutputBuffer   = 64
	DefaultInputQueue     = 256
	MaxDimension          = 0xFFFF
)

// TermProgram is exported to every spawned shell as TERM_PROGRAM.
const TermProgram = "Termy"

var (
	// ErrSessionNotFound is returned for ids the table does not hold.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when writing to or resizing a session whose
	// process has exited or is being terminated.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidGeometry is returned for non-positive columns or rows, or for
	// sizes a PTY cannot represent.
	ErrInvalidGeometry = errors.New("invalid terminal geometry")
	// ErrInputQueueFull is returned when a session's program stopped reading
	// and its pending input reached the queue limit.
	ErrInputQueueFull = errors.New("session input queue full")
	// ErrSpawn wraps failures to locate or start the shell.
	ErrSpawn = errors.New("failed to spawn shell")
	// ErrPermission wraps spawn failures caused by missing permissions.
	ErrPermission = errors.New("permission denied")
)

// PTYService defines the interface for PTY operations (for testability)
type PTYService interface {
	Start(cmd *exec.Cmd, cols, rows int) (*os.File, error)
	SetSize(file *os.File, cols, rows int) error
}

// ExitStatus describes how a session's process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	ID               string            `json:"id"`
	Shell            string            `json:"shell"`
	Args             []string          `json:"args,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	EnvVars          map[string]string `json:"env_vars,omitempty"`
	Cols             int               `json:"cols"`
	Rows             int               `json:"rows"`
	PID              int               `json:"pid"`
	CreatedAt        time.Time         `json:"created_at"`
	Alive            bool              `json:"alive"`
	Exit             *ExitStatus       `json:"exit,omitempty"`
}
