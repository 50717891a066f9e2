package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZyphrZero/Termy/internal/config"
	"github.com/ZyphrZero/Termy/protocol"
	"github.com/ZyphrZero/Termy/terminal"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultReadLimit   = 8 << 20
	sendQueueSize      = 256
	controlQueueSize   = 64
	closeFrameDeadline = time.Second

	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
)

var errConnClosing = errors.New("connection closing")

// ConnState is the lifecycle state of a client connection.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// heartbeat holds the WebSocket keepalive timings.
type heartbeat struct {
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

// frame is one queued WebSocket message. Output frames carry their
// subscription so they can be dropped once the session was closed.
type frame struct {
	kind    protocol.FrameKind
	payload []byte
	sub     *subscription
}

// subscription is a connection's interest in one session's output.
type subscription struct {
	sessionID string
	stop      chan struct{}
	stopOnce  sync.Once
}

func newSubscription(sessionID string) *subscription {
	return &subscription{sessionID: sessionID, stop: make(chan struct{})}
}

func (s *subscription) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Conn bridges one WebSocket client to the session table.
//
// The read pump decodes and dispatches requests. A single write pump owns the
// socket writer. Each owned session has a forwarder goroutine that queues its
// InitAck, its output in order, and finally its Exit on the FIFO send queue.
// Error events use a separate control queue that the writer prefers.
type Conn struct {
	id       string
	ws       *websocket.Conn
	table    *terminal.SessionTable
	encoding protocol.Encoding
	policy   string
	hb       heartbeat
	maxRead  int64
	limiter  *rate.Limiter
	metrics  *Metrics
	logger   *zap.Logger

	send    chan frame
	control chan frame

	state      atomic.Int32
	closing    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	mu    sync.Mutex
	owned map[string]*subscription
}

type connOptions struct {
	encoding  protocol.Encoding
	policy    string
	heartbeat heartbeat
	readLimit int64
	initRate  float64
	initBurst int
	metrics   *Metrics
	logger    *zap.Logger
}

func newConn(ws *websocket.Conn, table *terminal.SessionTable, opts connOptions) *Conn {
	limit := rate.Inf
	if opts.initRate > 0 {
		limit = rate.Limit(opts.initRate)
	}
	burst := opts.initBurst
	if burst <= 0 {
		burst = 1
	}

	hb := opts.heartbeat
	if hb.writeWait <= 0 {
		hb.writeWait = defaultWriteWait
	}
	if hb.pongWait <= 0 {
		hb.pongWait = defaultPongWait
	}
	if hb.pingPeriod <= 0 || hb.pingPeriod >= hb.pongWait {
		hb.pingPeriod = hb.pongWait * 9 / 10
	}

	readLimit := opts.readLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	id := ulid.Make().String()
	c := &Conn{
		id:         id,
		ws:         ws,
		table:      table,
		encoding:   opts.encoding,
		policy:     opts.policy,
		hb:         hb,
		maxRead:    readLimit,
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    opts.metrics,
		logger:     opts.logger.With(zap.String("conn_id", id)),
		send:       make(chan frame, sendQueueSize),
		control:    make(chan frame, controlQueueSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		owned:      make(map[string]*subscription),
	}
	c.state.Store(int32(StateOpen))
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Owned returns the ids of sessions this connection currently owns.
func (c *Conn) Owned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.owned))
	for id := range c.owned {
		ids = append(ids, id)
	}
	return ids
}

// Serve runs the connection until the client disconnects, a pump fails or
// ctx is cancelled. It returns once both pumps have stopped.
func (c *Conn) Serve(ctx context.Context) error {
	c.state.Store(int32(StateActive))
	c.logger.Info("client connected", zap.String("encoding", string(c.encoding)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(c.readPump)
	g.Go(c.writePump)
	g.Go(func() error {
		<-gctx.Done()
		c.beginClosing()
		select {
		case <-c.writerDone:
		case <-time.After(c.hb.writeWait + closeFrameDeadline):
		}
		return c.ws.Close()
	})

	err := g.Wait()
	c.state.Store(int32(StateClosed))

	if errors.Is(err, errConnClosing) || isNormalClose(err) {
		err = nil
	}
	c.logger.Info("client disconnected", zap.NamedError("reason", err))
	return err
}

// Close starts an orderly shutdown of the connection.
func (c *Conn) Close() {
	c.beginClosing()
}

// beginClosing stops all forwarders and applies the disconnect policy to the
// owned sessions. It runs once.
func (c *Conn) beginClosing() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.closing)

		c.mu.Lock()
		owned := c.owned
		c.owned = make(map[string]*subscription)
		c.mu.Unlock()

		for id, sub := range owned {
			sub.cancel()
			if c.policy == config.PolicyDetach {
				c.logger.Info("detaching session", zap.String("session_id", id))
				continue
			}
			if err := c.table.Remove(id); err != nil && !errors.Is(err, terminal.ErrSessionNotFound) {
				c.logger.Warn("failed to remove session", zap.String("session_id", id), zap.Error(err))
			}
		}
	})
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Conn) readPump() error {
	c.ws.SetReadLimit(c.maxRead)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.hb.pongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hb.pongWait))
	})

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		req, err := protocol.DecodeRequest(protocol.FrameKind(messageType), payload)
		if err != nil {
			c.reportDecodeError(err)
			continue
		}
		c.dispatch(req)
	}
}

func (c *Conn) writePump() error {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.hb.pingPeriod)
	defer ticker.Stop()

	for {
		// Errors first, so a flooded output queue cannot delay them.
		select {
		case f := <-c.control:
			if err := c.writeFrame(f); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case f := <-c.control:
			if err := c.writeFrame(f); err != nil {
				return err
			}
		case f := <-c.send:
			if err := c.writeFrame(f); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.hb.writeWait)); err != nil {
				return err
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.closing:
			if err := c.flushQueued(); err != nil {
				return err
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(closeFrameDeadline))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
				c.logger.Debug("error writing close message", zap.Error(err))
			}
			return errConnClosing
		}
	}
}

// flushQueued writes whatever is already queued. Output of stopped
// subscriptions is skipped, so this is mostly pending exit and error events.
func (c *Conn) flushQueued() error {
	for {
		select {
		case f := <-c.control:
			if err := c.writeFrame(f); err != nil {
				return err
			}
		case f := <-c.send:
			if err := c.writeFrame(f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Conn) writeFrame(f frame) error {
	if f.sub != nil && f.sub.stopped() {
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.hb.writeWait)); err != nil {
		return err
	}

	messageType := websocket.TextMessage
	if f.kind == protocol.BinaryFrame {
		messageType = websocket.BinaryMessage
	}

	w, err := c.ws.NextWriter(messageType)
	if err != nil {
		return err
	}
	if _, err := w.Write(f.payload); err != nil {
		return err
	}
	return w.Close()
}

// enqueue places an event on the FIFO send queue, blocking while the queue is
// full.
func (c *Conn) enqueue(ev protocol.Event, sub *subscription) error {
	kind, payload, err := protocol.EncodeEvent(ev, c.encoding)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame{kind: kind, payload: payload, sub: sub}:
		return nil
	case <-c.closing:
		return errConnClosing
	}
}

func (c *Conn) sendError(ev protocol.Error) {
	c.metrics.ProtocolErrors.WithLabelValues(ev.Code).Inc()

	kind, payload, err := protocol.EncodeEvent(ev, c.encoding)
	if err != nil {
		c.logger.Error("failed to encode error event", zap.Error(err))
		return
	}
	select {
	case c.control <- frame{kind: kind, payload: payload}:
	case <-c.closing:
	}
}

func (c *Conn) sendControl(ev protocol.Event) {
	kind, payload, err := protocol.EncodeEvent(ev, c.encoding)
	if err != nil {
		c.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	select {
	case c.control <- frame{kind: kind, payload: payload}:
	case <-c.closing:
	}
}

func (c *Conn) reportDecodeError(err error) {
	ev := protocol.Error{Code: protocol.CodeInvalidMessage, Message: err.Error()}
	if errors.Is(err, protocol.ErrSessionIDRequired) {
		ev.Code = protocol.CodeSessionIDRequired
	}
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		ev.SessionID = decodeErr.SessionID
		ev.RequestID = decodeErr.RequestID
	}
	c.logger.Debug("invalid message", zap.Error(err))
	c.sendError(ev)
}

func (c *Conn) dispatch(req protocol.Request) {
	switch r := req.(type) {
	case protocol.Init:
		c.handleInit(r)
	case protocol.Input:
		c.handleInput(r)
	case protocol.Resize:
		c.handleResize(r)
	case protocol.Close:
		c.handleClose(r)
	}
}

func (c *Conn) ownedSubscription(sessionID string) (*subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.owned[sessionID]
	return sub, ok
}

func (c *Conn) handleInit(r protocol.Init) {
	if !c.limiter.Allow() {
		c.sendControl(protocol.InitAck{RequestID: r.RequestID, Success: false})
		c.sendError(protocol.Error{
			RequestID: r.RequestID,
			Code:      protocol.CodeRateLimited,
			Message:   "too many init requests",
		})
		return
	}

	sess, err := c.table.Create(terminal.SessionConfig{
		ShellType:        r.ShellType,
		Args:             r.ShellArgs,
		WorkingDirectory: r.Cwd,
		EnvVars:          r.Env,
		Cols:             r.Cols,
		Rows:             r.Rows,
	})
	if err != nil {
		c.metrics.SpawnFailures.Inc()
		c.logger.Warn("failed to create session", zap.String("shell_type", r.ShellType), zap.Error(err))
		c.sendControl(protocol.InitAck{RequestID: r.RequestID, Success: false})
		c.sendError(protocol.Error{
			RequestID: r.RequestID,
			Code:      spawnErrorCode(err),
			Message:   err.Error(),
		})
		return
	}

	sub := newSubscription(sess.ID())

	c.mu.Lock()
	closing := c.isClosing()
	if !closing {
		c.owned[sess.ID()] = sub
	}
	c.mu.Unlock()

	c.metrics.SessionsCreated.Inc()
	c.metrics.SessionsActive.Inc()

	if closing {
		sub.cancel()
		if c.policy != config.PolicyDetach {
			_ = c.table.Remove(sess.ID())
		}
	}

	go c.forward(sess, sub, r.RequestID)
}

// forward delivers one session's events in order. It drains the session's
// output to the end even after the subscription stopped, so the session can
// always finish.
func (c *Conn) forward(sess *terminal.Session, sub *subscription, requestID string) {
	logger := c.logger.With(zap.String("session_id", sess.ID()))

	if err := c.enqueue(protocol.InitAck{RequestID: requestID, SessionID: sess.ID(), Success: true}, nil); err != nil {
		sub.cancel()
	}

	for chunk := range sess.Output() {
		if sub.stopped() {
			continue
		}
		if err := c.enqueue(protocol.Output{SessionID: sess.ID(), Data: chunk}, sub); err != nil {
			sub.cancel()
			continue
		}
		c.metrics.BytesOut.Add(float64(len(chunk)))
	}

	<-sess.Done()
	status := sess.ExitStatus()

	c.metrics.SessionsActive.Dec()
	c.metrics.SessionExits.WithLabelValues(exitReason(status.Signal)).Inc()

	c.mu.Lock()
	if current, ok := c.owned[sess.ID()]; ok && current == sub {
		delete(c.owned, sess.ID())
	}
	c.mu.Unlock()

	if c.isClosing() {
		logger.Debug("session exited after connection closed", zap.Int("code", status.Code))
		return
	}
	if err := c.enqueue(protocol.Exit{SessionID: sess.ID(), Code: status.Code, Signal: status.Signal}, nil); err != nil {
		logger.Debug("exit event not delivered", zap.Error(err))
	}
}

func (c *Conn) handleInput(r protocol.Input) {
	if _, ok := c.ownedSubscription(r.SessionID); !ok {
		c.sendNotFound(r.SessionID)
		return
	}

	err := c.table.Write(r.SessionID, r.Data)
	switch {
	case err == nil:
		c.metrics.BytesIn.Add(float64(len(r.Data)))
	case errors.Is(err, terminal.ErrSessionNotFound):
		c.sendNotFound(r.SessionID)
	case errors.Is(err, terminal.ErrSessionClosed):
		// Input racing the session's exit is expected.
		c.logger.Debug("input for exiting session", zap.String("session_id", r.SessionID))
	default:
		c.sendError(protocol.Error{SessionID: r.SessionID, Code: protocol.CodeWriteFailed, Message: err.Error()})
	}
}

func (c *Conn) handleResize(r protocol.Resize) {
	if _, ok := c.ownedSubscription(r.SessionID); !ok {
		c.sendNotFound(r.SessionID)
		return
	}

	err := c.table.Resize(r.SessionID, r.Cols, r.Rows)
	switch {
	case err == nil:
	case errors.Is(err, terminal.ErrInvalidGeometry):
		c.sendError(protocol.Error{SessionID: r.SessionID, Code: protocol.CodeInvalidGeometry, Message: err.Error()})
	case errors.Is(err, terminal.ErrSessionNotFound):
		c.sendNotFound(r.SessionID)
	case errors.Is(err, terminal.ErrSessionClosed):
		c.logger.Debug("resize for exiting session", zap.String("session_id", r.SessionID))
	default:
		c.logger.Warn("resize failed", zap.String("session_id", r.SessionID), zap.Error(err))
	}
}

func (c *Conn) handleClose(r protocol.Close) {
	sub, ok := c.ownedSubscription(r.SessionID)
	if !ok {
		c.sendNotFound(r.SessionID)
		return
	}

	// Output stops now; the forwarder still emits the exit.
	sub.cancel()
	if err := c.table.Remove(r.SessionID); err != nil && !errors.Is(err, terminal.ErrSessionNotFound) {
		c.logger.Warn("failed to remove session", zap.String("session_id", r.SessionID), zap.Error(err))
	}
}

func (c *Conn) sendNotFound(sessionID string) {
	c.sendError(protocol.Error{
		SessionID: sessionID,
		Code:      protocol.CodeSessionNotFound,
		Message:   terminal.ErrSessionNotFound.Error(),
	})
}

func spawnErrorCode(err error) string {
	switch {
	case errors.Is(err, terminal.ErrInvalidGeometry):
		return protocol.CodeInvalidGeometry
	case errors.Is(err, terminal.ErrPermission):
		return protocol.CodePermissionDenied
	default:
		return protocol.CodeSpawnFailed
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
