package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const banCleanupSchedule = "@every 5m"

// scheduleParser accepts both 5-field and 6-field (with seconds) expressions
// plus descriptors such as @every.
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule validates a cron expression
func ValidateSchedule(schedule string) error {
	if schedule == "" {
		return errors.New("schedule cannot be empty")
	}
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

type watchdogConfig struct {
	ParentWatch         bool
	ParentWatchSchedule string
	DiagnosticsSchedule string
}

// watchdog runs the server's periodic jobs: parent liveness, diagnostics and
// handshake ban cleanup.
type watchdog struct {
	cron   *cron.Cron
	logger *zap.Logger

	getppid    func() int
	startPPID  int
	onOrphaned func()
	orphanOnce sync.Once

	mu      sync.Mutex
	started bool
}

func newWatchdog(cfg watchdogConfig, s *Server, onOrphaned func()) (*watchdog, error) {
	logger := s.logger.Named("watchdog")
	w := &watchdog{
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLogger(cronLogger{sugar: logger.Sugar()}),
			cron.WithChain(
				cron.Recover(cronLogger{sugar: logger.Sugar()}),
				cron.SkipIfStillRunning(cronLogger{sugar: logger.Sugar()}),
			),
		),
		logger:     logger,
		getppid:    s.getppid,
		startPPID:  s.startPPID,
		onOrphaned: onOrphaned,
	}

	// A parent of 1 means we were already reparented before startup.
	if cfg.ParentWatch && w.startPPID > 1 {
		if _, err := w.cron.AddFunc(cfg.ParentWatchSchedule, w.checkParent); err != nil {
			return nil, fmt.Errorf("failed to schedule parent watch: %w", err)
		}
	}

	if cfg.DiagnosticsSchedule != "" {
		if _, err := w.cron.AddFunc(cfg.DiagnosticsSchedule, s.logDiagnostics); err != nil {
			return nil, fmt.Errorf("failed to schedule diagnostics: %w", err)
		}
	}

	if _, err := w.cron.AddFunc(banCleanupSchedule, func() {
		if removed := s.guard.sweep(time.Now()); removed > 0 {
			logger.Debug("expired handshake records removed", zap.Int("count", removed))
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule ban cleanup: %w", err)
	}

	return w, nil
}

func (w *watchdog) checkParent() {
	ppid := w.getppid()
	if ppid == w.startPPID {
		return
	}
	w.orphanOnce.Do(func() {
		w.logger.Warn("parent process exited", zap.Int("start_ppid", w.startPPID), zap.Int("ppid", ppid))
		w.onOrphaned()
	})
}

func (w *watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return
	}
	w.cron.Start()
	w.started = true
	w.logger.Debug("watchdog started", zap.Int("jobs", len(w.cron.Entries())))
}

// Stop stops the scheduler and waits for running jobs.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.started = false
}
