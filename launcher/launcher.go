// Package launcher starts the broker binary, discovers its port from the
// announcement line and stops it again.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ZyphrZero/Termy/protocol"
	"go.uber.org/zap"
)

var (
	ErrServerStartFailed = errors.New("server failed to start")
	ErrPortUnavailable   = errors.New("server did not announce a usable port")
)

const (
	defaultStartTimeout = 10 * time.Second
	maxAnnouncementLine = 4096
)

// Leaser tracks running binaries so they are not replaced underneath a live
// process. provision.Gatekeeper implements it.
type Leaser interface {
	Acquire(path string) error
	Release(path string)
}

// Options configures Start.
type Options struct {
	Binary string
	Args   []string
	// Env is appended to the current environment.
	Env          []string
	Dir          string
	StartTimeout time.Duration
	// Stderr receives the server's logs. Defaults to os.Stderr.
	Stderr io.Writer
	Leaser Leaser
	Logger *zap.Logger
}

// Process is a running server.
type Process struct {
	Port int
	PID  int

	cmd     *exec.Cmd
	logger  *zap.Logger
	done    chan struct{}
	waitErr error

	releaseOnce sync.Once
	release     func()
}

type announcementResult struct {
	line []byte
	err  error
}

// Start launches the server and waits for its announcement. It fails with
// ErrServerStartFailed when the process exits, times out or prints something
// other than an announcement, and with ErrPortUnavailable when the announced
// port is not usable.
func Start(ctx context.Context, opts Options) (*Process, error) {
	if opts.Binary == "" {
		return nil, fmt.Errorf("%w: no binary given", ErrServerStartFailed)
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("launcher").With(zap.String("binary", opts.Binary))

	stdoutReader, stdoutWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerStartFailed, err)
	}

	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = stdoutWriter
	cmd.Stderr = opts.Stderr
	prepareCommand(cmd)

	release := func() {}
	if opts.Leaser != nil {
		if err := opts.Leaser.Acquire(opts.Binary); err != nil {
			logger.Warn("running without a binary lease", zap.Error(err))
		} else {
			release = func() { opts.Leaser.Release(opts.Binary) }
		}
	}

	if err := cmd.Start(); err != nil {
		release()
		stdoutReader.Close()
		stdoutWriter.Close()
		return nil, fmt.Errorf("%w: %v", ErrServerStartFailed, err)
	}
	// The child keeps its own copy.
	stdoutWriter.Close()

	p := &Process{
		PID:     cmd.Process.Pid,
		cmd:     cmd,
		logger:  logger.With(zap.Int("pid", cmd.Process.Pid)),
		done:    make(chan struct{}),
		release: release,
	}

	go func() {
		p.waitErr = cmd.Wait()
		p.releaseOnce.Do(p.release)
		close(p.done)
	}()

	announced := make(chan announcementResult, 1)
	go func() {
		defer stdoutReader.Close()
		reader := bufio.NewReaderSize(stdoutReader, maxAnnouncementLine)
		line, err := reader.ReadSlice('\n')
		announced <- announcementResult{line: append([]byte(nil), line...), err: err}
		// Keep draining so later writes to stdout never block the server.
		_, _ = io.Copy(io.Discard, reader)
	}()

	timer := time.NewTimer(opts.StartTimeout)
	defer timer.Stop()

	var result announcementResult
	select {
	case result = <-announced:
	case <-timer.C:
		p.abort()
		return nil, fmt.Errorf("%w: no announcement within %s", ErrServerStartFailed, opts.StartTimeout)
	case <-ctx.Done():
		p.abort()
		return nil, fmt.Errorf("%w: %w", ErrServerStartFailed, ctx.Err())
	}

	if result.err != nil {
		p.abort()
		if len(result.line) == 0 {
			return nil, fmt.Errorf("%w: process exited before announcing: %v", ErrServerStartFailed, p.waitErr)
		}
		return nil, fmt.Errorf("%w: unterminated announcement %q", ErrServerStartFailed, strings.TrimSpace(string(result.line)))
	}

	a, err := protocol.ParseAnnouncement(result.line)
	if err != nil {
		p.abort()
		return nil, fmt.Errorf("%w: %v", ErrServerStartFailed, err)
	}
	if a.Port <= 0 || a.Port > 65535 {
		p.abort()
		return nil, fmt.Errorf("%w: %d", ErrPortUnavailable, a.Port)
	}

	p.Port = a.Port
	p.logger.Info("server started", zap.Int("port", p.Port))
	return p, nil
}

// abort kills a process that failed to start and waits for it.
func (p *Process) abort() {
	_ = p.cmd.Process.Kill()
	<-p.done
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Stop asks the server to shut down and kills it if it is still running
// when ctx is done.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := requestStop(p.cmd); err != nil {
		p.logger.Debug("stop request failed", zap.Error(err))
	}

	select {
	case <-p.done:
		p.logger.Info("server stopped", zap.Int("exit_code", p.cmd.ProcessState.ExitCode()))
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("server did not stop in time, killing")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return ctx.Err()
}
