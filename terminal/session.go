package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// readerDrainTimeout bounds how long the waiter lets the reader drain the PTY
// after the process exited. Orphaned grandchildren can keep the slave side
// open indefinitely.
const readerDrainTimeout = 250 * time.Millisecond

// Session manages a single shell process attached to a PTY.
//
// Output is delivered on Output() in production order. The channel is closed
// once every byte read from the PTY has been delivered (or dropped after
// Terminate), and Done() is closed after that, with ExitStatus() populated.
type Session struct {
	id        string
	shell     string
	args      []string
	cwd       string
	envVars   map[string]string
	createdAt time.Time

	ptyFile *os.File
	cmd     *exec.Cmd
	ptySvc  PTYService
	logger  *zap.Logger

	// Terminal dimensions
	termCols   int
	termRows   int
	termSizeMu sync.RWMutex

	gracePeriod   time.Duration
	batchInterval time.Duration
	readBufSize   int
	maxBatchSize  int

	input      chan []byte
	chunks     chan []byte
	output     chan []byte
	readerDone chan struct{}
	outputDone chan struct{}

	// Lifecycle
	closed        atomic.Bool
	terminated    chan struct{}
	terminateOnce sync.Once
	done          chan struct{}
	exitStatus    ExitStatus
}

// SessionConfig holds configuration for creating a new session
type SessionConfig struct {
	ID               string
	Shell            string // explicit program path, wins over ShellType
	ShellType        string
	Args             []string
	WorkingDirectory string
	EnvVars          map[string]string
	Cols             int
	Rows             int
	GracePeriod      time.Duration
	BatchInterval    time.Duration
	ReadBufferSize   int
	MaxBatchSize     int
	OutputBuffer     int
	InputQueue       int
	PTYService       PTYService
	Logger           *zap.Logger
}

func (c SessionConfig) withDefaults() (SessionConfig, error) {
	if c.Cols < 0 || c.Rows < 0 || c.Cols > MaxDimension || c.Rows > MaxDimension {
		return c, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, c.Cols, c.Rows)
	}
	if c.Cols == 0 {
		c.Cols = DefaultCols
	}
	if c.Rows == 0 {
		c.Rows = DefaultRows
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchSize < c.ReadBufferSize {
		c.MaxBatchSize = c.ReadBufferSize
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = DefaultOutputBuffer
	}
	if c.InputQueue <= 0 {
		c.InputQueue = DefaultInputQueue
	}
	if c.PTYService == nil {
		c.PTYService = &DefaultPTYService{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c, nil
}

// NewSession spawns the configured shell on a fresh PTY.
func NewSession(config SessionConfig) (*Session, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	if config.ID == "" {
		return nil, errors.New("session id is required")
	}

	shell, args := config.Shell, config.Args
	if shell == "" {
		shell, args, err = ResolveShell(config.ShellType, config.Args)
		if err != nil {
			return nil, err
		}
	} else if shell, err = lookupProgram(shell); err != nil {
		return nil, err
	}

	if config.WorkingDirectory != "" {
		info, statErr := os.Stat(config.WorkingDirectory)
		switch {
		case os.IsPermission(statErr):
			return nil, fmt.Errorf("%w: working directory %s", ErrPermission, config.WorkingDirectory)
		case statErr != nil:
			return nil, fmt.Errorf("%w: working directory: %v", ErrSpawn, statErr)
		case !info.IsDir():
			return nil, fmt.Errorf("%w: working directory %s is not a directory", ErrSpawn, config.WorkingDirectory)
		}
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = config.WorkingDirectory
	cmd.Env = buildCommandEnv(config.EnvVars, config.ID)

	ptmx, err := config.PTYService.Start(cmd, config.Cols, config.Rows)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s: %v", ErrPermission, shell, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, shell, err)
	}

	session := &Session{
		id:            config.ID,
		shell:         shell,
		args:          args,
		cwd:           config.WorkingDirectory,
		envVars:       copyEnv(config.EnvVars),
		createdAt:     time.Now(),
		ptyFile:       ptmx,
		cmd:           cmd,
		ptySvc:        config.PTYService,
		logger:        config.Logger.With(zap.String("session_id", config.ID)),
		termCols:      config.Cols,
		termRows:      config.Rows,
		gracePeriod:   config.GracePeriod,
		batchInterval: config.BatchInterval,
		readBufSize:   config.ReadBufferSize,
		maxBatchSize:  config.MaxBatchSize,
		input:         make(chan []byte, config.InputQueue),
		chunks:        make(chan []byte, config.OutputBuffer),
		output:        make(chan []byte, config.OutputBuffer),
		readerDone:    make(chan struct{}),
		outputDone:    make(chan struct{}),
		terminated:    make(chan struct{}),
		done:          make(chan struct{}),
	}

	session.logger.Info("session started",
		zap.String("shell", shell),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("cols", config.Cols),
		zap.Int("rows", config.Rows),
	)

	go session.readPTY()
	go session.writePTY()
	go session.pumpOutput()
	go session.waitProcess()

	return session, nil
}

func buildCommandEnv(envVars map[string]string, sessionID string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		merged[key] = value
	}

	// Set default TERM/COLORTERM for consistent terminal capabilities.
	merged["TERM"] = "xterm-256color"
	merged["COLORTERM"] = "truecolor"

	for key, value := range envVars {
		merged[key] = value
	}

	merged["TERM_PROGRAM"] = TermProgram
	merged["TERMY_SESSION_ID"] = sessionID

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+merged[key])
	}
	return env
}

func copyEnv(envVars map[string]string) map[string]string {
	if len(envVars) == 0 {
		return nil
	}
	out := make(map[string]string, len(envVars))
	for k, v := range envVars {
		out[k] = v
	}
	return out
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Output returns the ordered stream of output chunks. Consumers must drain it
// until it is closed, otherwise the PTY reader stalls.
func (s *Session) Output() <-chan []byte {
	return s.output
}

// Done is closed after the process exited and Output() was closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitStatus reports how the process ended. Valid once Done() is closed.
func (s *Session) ExitStatus() ExitStatus {
	<-s.done
	return s.exitStatus
}

// Alive reports whether the session still accepts input.
func (s *Session) Alive() bool {
	return !s.closed.Load()
}

// Write queues data for the PTY. It never blocks: when the program stopped
// reading and the queue is full, the input is rejected with ErrInputQueueFull.
func (s *Session) Write(data []byte) error {
	if s.closed.Load() {
		s.logger.Debug("dropping input for closed session", zap.Int("bytes", len(data)))
		return ErrSessionClosed
	}
	if len(data) == 0 {
		return nil
	}

	select {
	case s.input <- append([]byte(nil), data...):
		return nil
	default:
		s.logger.Warn("dropping input, queue full", zap.Int("bytes", len(data)))
		return ErrInputQueueFull
	}
}

// Resize resizes the terminal PTY. Invalid geometry leaves the last accepted
// size untouched.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > MaxDimension || rows > MaxDimension {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, cols, rows)
	}

	if s.closed.Load() {
		s.logger.Debug("ignoring resize for closed session", zap.Int("cols", cols), zap.Int("rows", rows))
		return ErrSessionClosed
	}

	if err := s.ptySvc.SetSize(s.ptyFile, cols, rows); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}

	s.termSizeMu.Lock()
	s.termCols = cols
	s.termRows = rows
	s.termSizeMu.Unlock()

	sendSignalToProcess(s.cmd, s.logger)
	return nil
}

// Geometry returns the last accepted terminal size.
func (s *Session) Geometry() (cols, rows int) {
	s.termSizeMu.RLock()
	defer s.termSizeMu.RUnlock()
	return s.termCols, s.termRows
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	cols, rows := s.Geometry()
	info := SessionInfo{
		ID:               s.id,
		Shell:            s.shell,
		Args:             append([]string(nil), s.args...),
		WorkingDirectory: s.cwd,
		EnvVars:          copyEnv(s.envVars),
		Cols:             cols,
		Rows:             rows,
		CreatedAt:        s.createdAt,
		Alive:            s.Alive(),
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	select {
	case <-s.done:
		status := s.exitStatus
		info.Exit = &status
	default:
	}
	return info
}

// Terminate asks the process to exit and escalates to a forceful kill after
// the grace period. Safe to call repeatedly and concurrently with a natural
// exit.
func (s *Session) Terminate() {
	s.terminateOnce.Do(func() {
		s.closed.Store(true)
		close(s.terminated)

		select {
		case <-s.done:
			return
		default:
		}

		s.logger.Debug("terminating session", zap.Duration("grace_period", s.gracePeriod))
		if err := requestExit(s.cmd); err != nil {
			s.logger.Debug("graceful terminate failed", zap.Error(err))
		}

		go func() {
			timer := time.NewTimer(s.gracePeriod)
			defer timer.Stop()
			select {
			case <-s.done:
			case <-timer.C:
				s.logger.Warn("session did not exit within grace period, killing")
				if err := forceKill(s.cmd); err != nil {
					s.logger.Debug("kill failed", zap.Error(err))
				}
			}
		}()
	})
}

// readPTY continuously reads from the PTY until it reports EOF or EIO.
func (s *Session) readPTY() {
	defer close(s.readerDone)
	defer close(s.chunks)

	buf := make([]byte, s.readBufSize)
	for {
		n, err := s.ptyFile.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.chunks <- data
		}
		if err != nil {
			if errors.Is(err, io.EOF) || !s.Alive() {
				s.logger.Debug("PTY reader finished", zap.Error(err))
			} else {
				// Linux reports EIO once the slave side is gone.
				s.logger.Debug("PTY read error", zap.Error(err))
			}
			return
		}
	}
}

// writePTY feeds queued input to the PTY in order. A program that stops
// reading blocks only this goroutine.
func (s *Session) writePTY() {
	for {
		select {
		case data := <-s.input:
			for len(data) > 0 {
				n, err := s.ptyFile.Write(data)
				if err != nil {
					s.logger.Debug("PTY write failed", zap.Error(err))
					break
				}
				data = data[n:]
			}
		case <-s.terminated:
			return
		case <-s.done:
			return
		}
	}
}

// pumpOutput coalesces chunks that arrive within one batch interval so a
// burst of small reads becomes a single event.
func (s *Session) pumpOutput() {
	defer close(s.outputDone)
	defer close(s.output)

	var (
		batch []byte
		timer *time.Timer
		tick  <-chan time.Time
	)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = nil
		select {
		case s.output <- out:
		case <-s.terminated:
			// Nobody listens to a terminated session.
		}
	}

	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				if timer != nil {
					timer.Stop()
				}
				flush()
				return
			}
			batch = append(batch, chunk...)
			if len(batch) >= s.maxBatchSize {
				if timer != nil {
					timer.Stop()
					tick = nil
				}
				flush()
				continue
			}
			if tick == nil {
				if timer == nil {
					timer = time.NewTimer(s.batchInterval)
				} else {
					timer.Reset(s.batchInterval)
				}
				tick = timer.C
			}
		case <-tick:
			tick = nil
			flush()
		}
	}
}

// waitProcess reaps the child, releases the PTY and publishes the exit.
func (s *Session) waitProcess() {
	err := s.cmd.Wait()
	status := exitStatusOf(s.cmd.ProcessState)
	if err != nil && s.cmd.ProcessState == nil {
		s.logger.Warn("wait failed", zap.Error(err))
	}

	s.closed.Store(true)

	select {
	case <-s.readerDone:
	case <-time.After(readerDrainTimeout):
		s.logger.Debug("PTY still open after exit, closing")
	}
	if err := s.ptyFile.Close(); err != nil {
		s.logger.Debug("error closing PTY", zap.Error(err))
	}
	<-s.readerDone
	<-s.outputDone

	s.exitStatus = status
	close(s.done)

	s.logger.Info("session exited",
		zap.Int("code", status.Code),
		zap.String("signal", status.Signal),
	)
}

// DefaultPTYService implements PTYService using creack/pty
type DefaultPTYService struct{}

// Start starts cmd attached to a new PTY of the given size.
func (d *DefaultPTYService) Start(cmd *exec.Cmd, cols, rows int) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// SetSize sets the PTY window size
func (d *DefaultPTYService) SetSize(file *os.File, cols, rows int) error {
	return pty.Setsize(file, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}
