package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ZyphrZero/Termy/auth"
	"github.com/ZyphrZero/Termy/internal/config"
	"github.com/ZyphrZero/Termy/protocol"
	"github.com/ZyphrZero/Termy/terminal"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ErrListen is returned when the listener cannot be bound.
	ErrListen = errors.New("failed to bind listener")
	// ErrSessionsAbandoned is returned by Shutdown when sessions were still
	// running at the deadline.
	ErrSessionsAbandoned = errors.New("sessions abandoned at shutdown")

	errParentExited = errors.New("parent process exited")
)

// Server accepts WebSocket connections and bridges them to the session table.
type Server struct {
	cfg      *config.Config
	table    *terminal.SessionTable
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *Metrics

	verifier *auth.TokenVerifier
	guard    *handshakeGuard
	upgrader websocket.Upgrader
	encoding protocol.Encoding

	listener   net.Listener
	httpServer *http.Server

	connCtx    context.Context
	cancelConn context.CancelFunc
	connWG     sync.WaitGroup
	connMu     sync.Mutex
	conns      map[string]*Conn

	getppid   func() int
	startPPID int

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a server for table. The handshake token comes from
// cfg.Server.Token, or from cfg.Server.TokenFile when no token is set.
func New(cfg *config.Config, table *terminal.SessionTable, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	encoding, err := protocol.ParseEncoding(strings.ToLower(cfg.Server.OutputEncoding))
	if err != nil {
		return nil, err
	}

	secret := cfg.Server.Token
	if secret == "" && cfg.Server.TokenFile != "" {
		secret, err = auth.LoadTokenHash(cfg.Server.TokenFile)
		if err != nil {
			return nil, err
		}
	}
	verifier, err := auth.NewTokenVerifier(secret, 0)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	connCtx, cancelConn := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		table:      table,
		logger:     logger,
		registry:   registry,
		metrics:    NewMetrics(registry),
		verifier:   verifier,
		guard:      newHandshakeGuard(cfg.Server.MaxHandshakeFails, cfg.Server.HandshakeBan),
		encoding:   encoding,
		connCtx:    connCtx,
		cancelConn: cancelConn,
		conns:      make(map[string]*Conn),
		getppid:    os.Getppid,
		startPPID:  os.Getppid(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if verifier.Enabled() {
		logger.Info("handshake token required")
	}
	return s, nil
}

// Handler returns the HTTP handler serving /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the configured address. Port 0 selects an ephemeral port.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w on %s: %v", ErrListen, addr, err)
	}
	s.listener = ln
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Announce writes the port announcement line to w.
func (s *Server) Announce(w io.Writer) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	return protocol.WriteAnnouncement(w, protocol.Announcement{Port: s.Port(), PID: os.Getpid()})
}

// Serve accepts connections until ctx is cancelled, the parent process goes
// away or the listener fails, then shuts down within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd, err := newWatchdog(watchdogConfig{
		ParentWatch:         s.cfg.Server.ParentWatch,
		ParentWatchSchedule: s.cfg.Server.ParentWatchSchedule,
		DiagnosticsSchedule: s.cfg.Server.DiagnosticsSchedule,
	}, s, func() { cancel(errParentExited) })
	if err != nil {
		return err
	}
	wd.Start()
	defer wd.Stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	case <-ctx.Done():
		s.logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections, terminates every session and waits
// for them until ctx is done. Connections are closed last so clients still
// receive exit events. It returns ErrSessionsAbandoned when sessions outlived
// ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("http shutdown", zap.Error(err))
		}

		tableErr := s.table.CloseAll(ctx)

		s.cancelConn()
		connsDone := make(chan struct{})
		go func() {
			s.connWG.Wait()
			close(connsDone)
		}()
		select {
		case <-connsDone:
		case <-ctx.Done():
			s.logger.Warn("connections still open at shutdown deadline")
		}

		if tableErr != nil {
			s.logger.Error("sessions did not exit in time", zap.Error(tableErr))
			s.shutdownErr = fmt.Errorf("%w: %v", ErrSessionsAbandoned, tableErr)
			return
		}
		s.logger.Info("shutdown complete")
	})
	return s.shutdownErr
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// refuseHandshake answers a bad token with 401, or with 429 once addr keeps
// failing.
func (s *Server) refuseHandshake(w http.ResponseWriter, addr string, now time.Time) {
	s.metrics.HandshakeFailures.WithLabelValues("token").Inc()

	verdict := s.guard.strike(addr, now)
	if !verdict.blocked {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if verdict.newlyBlock {
		s.logger.Warn("throttling client after failed handshakes", zap.String("client_addr", addr))
	}
	s.metrics.HandshakeFailures.WithLabelValues("banned").Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(verdict.retryAfter.Seconds())+1))
	http.Error(w, retryMessage(verdict.retryAfter), http.StatusTooManyRequests)
}

// handshakeToken reads the token from the Authorization header or the token
// query parameter.
func handshakeToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.verifier.Enabled() {
		addr := clientAddr(r)
		if err := s.verifier.Verify(handshakeToken(r)); err != nil {
			s.refuseHandshake(w, addr, time.Now())
			return
		}
		s.guard.forgive(addr)
	}

	encoding := s.encoding
	if value := r.URL.Query().Get("encoding"); value != "" {
		parsed, err := protocol.ParseEncoding(strings.ToLower(value))
		if err != nil {
			s.metrics.HandshakeFailures.WithLabelValues("encoding").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		encoding = parsed
	}

	if s.connCtx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.HandshakeFailures.WithLabelValues("upgrade").Inc()
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(ws, s.table, connOptions{
		encoding: encoding,
		policy:   s.cfg.Session.DisconnectPolicy,
		heartbeat: heartbeat{
			writeWait:  s.cfg.Server.WriteWait,
			pongWait:   s.cfg.Server.PongWait,
			pingPeriod: s.cfg.Server.PingPeriod,
		},
		readLimit: s.cfg.Server.MaxMessageSize,
		initRate:  s.cfg.Server.InitRatePerSecond,
		initBurst: s.cfg.Server.InitBurst,
		metrics:   s.metrics,
		logger:    s.logger,
	})

	s.connWG.Add(1)
	s.trackConn(conn, true)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	defer func() {
		s.metrics.ConnectionsActive.Dec()
		s.trackConn(conn, false)
		s.connWG.Done()
	}()

	if err := conn.Serve(s.connCtx); err != nil {
		s.logger.Debug("connection ended with error", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

func (s *Server) trackConn(conn *Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn.ID()] = conn
	} else {
		delete(s.conns, conn.ID())
	}
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"connections":%d}`+"\n", s.table.Count(), s.ConnectionCount())
}

func (s *Server) logDiagnostics() {
	infos := s.table.Infos()
	alive := 0
	for _, info := range infos {
		if info.Alive {
			alive++
		}
	}

	s.connMu.Lock()
	detached := len(infos)
	for _, conn := range s.conns {
		detached -= len(conn.Owned())
	}
	conns := len(s.conns)
	s.connMu.Unlock()
	if detached < 0 {
		detached = 0
	}

	s.logger.Info("diagnostics",
		zap.Int("sessions", len(infos)),
		zap.Int("alive", alive),
		zap.Int("detached", detached),
		zap.Int("connections", conns),
	)
}
