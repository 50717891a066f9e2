// Package client is the host-side WebSocket client for the broker.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZyphrZero/Termy/protocol"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

var (
	ErrConnectionFailed   = errors.New("connection to broker failed")
	ErrReconnectExhausted = errors.New("broker unreachable, reconnect attempts exhausted")
	ErrClosed             = errors.New("client closed")
)

const (
	defaultMaxRetries       = 5
	defaultMinBackoff       = 250 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	eventBufferSize         = 256
)

// Options configures Dial.
type Options struct {
	Token    string
	Encoding protocol.Encoding

	MaxRetries       int
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration

	// OnReconnect is called after a successful reconnect.
	OnReconnect func(attempt int)

	Logger *zap.Logger
}

// Client holds one broker connection and replaces it after unexpected
// disconnects while Run is active.
type Client struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger

	events chan protocol.Event

	mu     sync.Mutex
	conn   *websocket.Conn
	wmu    sync.Mutex
	nextID atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the broker at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	target, err := buildURL(rawURL, opts.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c := &Client{
		url:    target,
		opts:   opts,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: opts.HandshakeTimeout},
		logger: opts.Logger.Named("client"),
		events: make(chan protocol.Event, eventBufferSize),
		closed: make(chan struct{}),
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func buildURL(rawURL string, encoding protocol.Encoding) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if encoding != "" {
		q := u.Query()
		q.Set("encoding", string(encoding))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %v (status %d)", ErrConnectionFailed, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return conn, nil
}

// Events returns the event stream. It is closed when Run returns.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Init requests a new session and returns the request id that the matching
// InitAck will carry.
func (c *Client) Init(req protocol.Init) (string, error) {
	if req.RequestID == "" {
		req.RequestID = "req-" + strconv.FormatUint(c.nextID.Add(1), 10)
	}
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return "", err
	}
	return req.RequestID, c.write(websocket.TextMessage, payload)
}

// Input sends bytes to a session, as binary frames when the id fits. Large
// inputs go out in protocol.MaxInputChunk pieces.
func (c *Client) Input(sessionID string, data []byte) error {
	for len(data) > protocol.MaxInputChunk {
		if err := c.input(sessionID, data[:protocol.MaxInputChunk]); err != nil {
			return err
		}
		data = data[protocol.MaxInputChunk:]
	}
	return c.input(sessionID, data)
}

func (c *Client) input(sessionID string, data []byte) error {
	if len(sessionID) <= protocol.MaxBinarySessionID {
		frame, err := protocol.EncodeInputFrame(sessionID, data)
		if err == nil {
			return c.write(websocket.BinaryMessage, frame)
		}
	}
	return c.send(protocol.Input{SessionID: sessionID, Data: data})
}

// Resize changes a session's geometry.
func (c *Client) Resize(sessionID string, cols, rows int) error {
	return c.send(protocol.Resize{SessionID: sessionID, Cols: cols, Rows: rows})
}

// Close ends a session.
func (c *Client) Close(sessionID string) error {
	return c.send(protocol.Close{SessionID: sessionID})
}

func (c *Client) send(req protocol.Request) error {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

func (c *Client) write(messageType int, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, payload)
}

// Run reads events until ctx is cancelled or Disconnect is called. After an
// unexpected disconnect it redials with retryablehttp's exponential backoff,
// at most MaxRetries times, and then returns ErrReconnectExhausted.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		err := c.readLoop(ctx, conn)
		if c.stopped(ctx) {
			return nil
		}
		c.logger.Warn("connection lost", zap.Error(err))

		conn, err = c.reconnect(ctx)
		if err != nil {
			if c.stopped(ctx) {
				return nil
			}
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := protocol.DecodeEvent(protocol.FrameKind(messageType), payload)
		if err != nil {
			c.logger.Debug("dropping undecodable event", zap.Error(err))
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		}
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		delay := retryablehttp.DefaultBackoff(c.opts.MinBackoff, c.opts.MaxBackoff, attempt, nil)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil, ErrClosed
		}

		conn, err := c.connect(ctx)
		if err == nil {
			c.logger.Info("reconnected", zap.Int("attempt", attempt+1))
			if c.opts.OnReconnect != nil {
				c.opts.OnReconnect(attempt + 1)
			}
			return conn, nil
		}
		lastErr = err
		c.logger.Debug("reconnect failed", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.opts.MaxRetries, lastErr)
}

func (c *Client) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Disconnect closes the connection and stops Run.
func (c *Client) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		c.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = conn.Close()
	})
	return err
}
