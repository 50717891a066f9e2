package terminal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionTable is the registry of live sessions. It is the only component
// that creates or removes sessions.
type SessionTable struct {
	sessions map[string]*Session
	pending  map[string]struct{}
	mu       sync.RWMutex

	defaults SessionConfig
	logger   *zap.Logger
	newID    func() string
}

// NewSessionTable creates an empty table. Zero fields of a Create config are
// filled from defaults.
func NewSessionTable(defaults SessionConfig, logger *zap.Logger) *SessionTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionTable{
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
		defaults: defaults,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// reserveID picks an id that is neither live nor being spawned.
func (t *SessionTable) reserveID() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		id := t.newID()
		if _, ok := t.sessions[id]; ok {
			continue
		}
		if _, ok := t.pending[id]; ok {
			continue
		}
		t.pending[id] = struct{}{}
		return id
	}
}

func (t *SessionTable) merge(config SessionConfig) SessionConfig {
	d := t.defaults
	if config.Shell == "" && config.ShellType == "" {
		config.Shell = d.Shell
		config.ShellType = d.ShellType
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = d.GracePeriod
	}
	if config.BatchInterval == 0 {
		config.BatchInterval = d.BatchInterval
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = d.ReadBufferSize
	}
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = d.MaxBatchSize
	}
	if config.OutputBuffer == 0 {
		config.OutputBuffer = d.OutputBuffer
	}
	if config.InputQueue == 0 {
		config.InputQueue = d.InputQueue
	}
	if config.PTYService == nil {
		config.PTYService = d.PTYService
	}
	if config.Logger == nil {
		config.Logger = t.logger
	}
	return config
}

// Create spawns a session under a freshly generated id and registers it.
// The spawn runs outside the table lock.
func (t *SessionTable) Create(config SessionConfig) (*Session, error) {
	config = t.merge(config)
	config.ID = t.reserveID()

	sess, err := NewSession(config)

	t.mu.Lock()
	delete(t.pending, config.ID)
	if err == nil {
		t.sessions[config.ID] = sess
	}
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}

	go t.watchExit(sess)
	return sess, nil
}

// watchExit consumes the session's exit notification and drops the entry if
// it still maps to the same session.
func (t *SessionTable) watchExit(sess *Session) {
	<-sess.Done()

	t.mu.Lock()
	if current, ok := t.sessions[sess.ID()]; ok && current == sess {
		delete(t.sessions, sess.ID())
	}
	t.mu.Unlock()

	t.logger.Debug("session left table", zap.String("session_id", sess.ID()))
}

// Get retrieves a session if it exists
func (t *SessionTable) Get(sessionID string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sess, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Remove drops the session from the table and terminates it in the
// background. Later lookups of the id fail with ErrSessionNotFound
// immediately.
func (t *SessionTable) Remove(sessionID string) error {
	t.mu.Lock()
	sess, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	go sess.Terminate()
	return nil
}

// Write forwards input to the session with the given id.
func (t *SessionTable) Write(sessionID string, data []byte) error {
	sess, err := t.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Write(data)
}

// Resize changes the geometry of the session with the given id.
func (t *SessionTable) Resize(sessionID string, cols, rows int) error {
	sess, err := t.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// Count returns the number of live sessions
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// List returns a sorted snapshot of live session ids.
func (t *SessionTable) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Infos returns information about all sessions, sorted by newest first
func (t *SessionTable) Infos() []SessionInfo {
	t.mu.RLock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		sessions = append(sessions, sess)
	}
	t.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos
}

// CloseAll removes and terminates every session, then waits for them to exit
// until ctx is done. It returns an error naming the sessions that did not exit
// in time.
func (t *SessionTable) CloseAll(ctx context.Context) error {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for id, sess := range t.sessions {
		sessions = append(sessions, sess)
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	for _, sess := range sessions {
		sess.Terminate()
	}

	var abandoned []string
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			abandoned = append(abandoned, sess.ID())
		}
	}

	if len(abandoned) > 0 {
		return fmt.Errorf("%d session(s) did not exit in time: %v: %w", len(abandoned), abandoned, ctx.Err())
	}
	return nil
}
