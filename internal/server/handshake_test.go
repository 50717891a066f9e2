package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ZyphrZero/Termy/internal/config"
	"github.com/gorilla/websocket"
)

func dialStatus(t *testing.T, url string, header http.Header) int {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		_ = conn.Close()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		t.Fatalf("dial failed without a response: %v", err)
	}
	return resp.StatusCode
}

func TestHandshakeRequiresToken(t *testing.T) {
	broker := newTestBroker(t, func(cfg *config.Config) {
		cfg.Server.Token = "s3cret"
	})

	if got := dialStatus(t, broker.wsURL(""), nil); got != http.StatusUnauthorized {
		t.Fatalf("expected %d without token, got %d", http.StatusUnauthorized, got)
	}
	if got := dialStatus(t, broker.wsURL("?token=wrong"), nil); got != http.StatusUnauthorized {
		t.Fatalf("expected %d with wrong token, got %d", http.StatusUnauthorized, got)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer s3cret")
	if got := dialStatus(t, broker.wsURL(""), header); got != http.StatusSwitchingProtocols {
		t.Fatalf("expected upgrade with bearer token, got %d", got)
	}
	if got := dialStatus(t, broker.wsURL("?token=s3cret"), nil); got != http.StatusSwitchingProtocols {
		t.Fatalf("expected upgrade with query token, got %d", got)
	}
}

func TestHandshakeThrottlesRepeatedFailures(t *testing.T) {
	broker := newTestBroker(t, func(cfg *config.Config) {
		cfg.Server.Token = "s3cret"
		cfg.Server.MaxHandshakeFails = 3
		cfg.Server.HandshakeBan = time.Hour
	})

	for i := 1; i <= 2; i++ {
		if got := dialStatus(t, broker.wsURL("?token=wrong"), nil); got != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected %d, got %d", i, http.StatusUnauthorized, got)
		}
	}
	if got := dialStatus(t, broker.wsURL("?token=wrong"), nil); got != http.StatusTooManyRequests {
		t.Fatalf("expected throttling on third failure, got %d", got)
	}
	if got := dialStatus(t, broker.wsURL("?token=still-wrong"), nil); got != http.StatusTooManyRequests {
		t.Fatalf("expected bad tokens to stay throttled, got %d", got)
	}
}

func TestHandshakeCorrectTokenSucceedsWhileThrottled(t *testing.T) {
	broker := newTestBroker(t, func(cfg *config.Config) {
		cfg.Server.Token = "good-token"
		cfg.Server.MaxHandshakeFails = 10
		cfg.Server.HandshakeBan = time.Hour
	})

	// Another local process hammers the broker with bad tokens.
	for i := 0; i < 10; i++ {
		dialStatus(t, broker.wsURL("?token=wrong"), nil)
	}
	if got := dialStatus(t, broker.wsURL("?token=wrong"), nil); got != http.StatusTooManyRequests {
		t.Fatalf("expected bad tokens to be throttled, got %d", got)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer good-token")
	if got := dialStatus(t, broker.wsURL(""), header); got != http.StatusSwitchingProtocols {
		t.Fatalf("correct token must always be accepted, got %d", got)
	}

	// The success cleared the record, so the next miss is a plain 401.
	if got := dialStatus(t, broker.wsURL("?token=wrong"), nil); got != http.StatusUnauthorized {
		t.Fatalf("expected %d after a successful handshake, got %d", http.StatusUnauthorized, got)
	}
}

func TestHandshakeRejectsUnknownEncoding(t *testing.T) {
	broker := newTestBroker(t, nil)

	if got := dialStatus(t, broker.wsURL("?encoding=xml"), nil); got != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d", http.StatusBadRequest, got)
	}
}

func TestHandshakeChecksOrigin(t *testing.T) {
	broker := newTestBroker(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"app://obsidian.md"}
	})

	tests := []struct {
		origin string
		want   int
	}{
		{"app://obsidian.md", http.StatusSwitchingProtocols},
		{"http://localhost:5173", http.StatusSwitchingProtocols},
		{"https://evil.example", http.StatusForbidden},
	}

	for _, tt := range tests {
		header := http.Header{}
		header.Set("Origin", tt.origin)
		if got := dialStatus(t, broker.wsURL(""), header); got != tt.want {
			t.Fatalf("origin %q: expected %d, got %d", tt.origin, tt.want, got)
		}
	}
}

func TestHandshakeTokenSources(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer abc", "", "abc"},
		{"query param", "", "?token=def", "def"},
		{"header wins", "Bearer abc", "?token=def", "abc"},
		{"non-bearer header falls back to query", "Basic xyz", "?token=def", "def"},
		{"none", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := handshakeToken(req); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHandshakeGuardBlockExpires(t *testing.T) {
	t.Parallel()

	guard := newHandshakeGuard(2, time.Minute)
	addr := "127.0.0.1"
	now := time.Unix(1_700_000_000, 0)

	if v := guard.strike(addr, now); v.blocked {
		t.Fatalf("first failure must not block")
	}
	v := guard.strike(addr, now)
	if !v.blocked || !v.newlyBlock || v.retryAfter != time.Minute {
		t.Fatalf("expected a fresh one minute block, got %+v", v)
	}

	v = guard.strike(addr, now.Add(30*time.Second))
	if !v.blocked || v.newlyBlock || v.retryAfter != 30*time.Second {
		t.Fatalf("expected the block to still be active, got %+v", v)
	}
	if v := guard.strike(addr, now.Add(time.Minute)); v.blocked {
		t.Fatalf("expected the block to expire, got %+v", v)
	}
}

func TestHandshakeGuardWindowResetsFailures(t *testing.T) {
	t.Parallel()

	guard := newHandshakeGuard(2, time.Minute)
	addr := "127.0.0.1"
	now := time.Unix(1_700_000_000, 0)

	guard.strike(addr, now)
	if v := guard.strike(addr, now.Add(2*time.Minute)); v.blocked {
		t.Fatalf("failures outside the window must not add up")
	}
}

func TestHandshakeGuardForgiveClearsFailures(t *testing.T) {
	t.Parallel()

	guard := newHandshakeGuard(2, time.Minute)
	addr := "127.0.0.1"
	now := time.Now()

	guard.strike(addr, now)
	guard.forgive(addr)
	if v := guard.strike(addr, now); v.blocked {
		t.Fatalf("forgive should clear earlier failures")
	}
}

func TestHandshakeGuardSweep(t *testing.T) {
	t.Parallel()

	guard := newHandshakeGuard(1, time.Minute)
	now := time.Now()

	guard.strike("127.0.0.1", now)
	guard.strike("::1", now.Add(30*time.Second))

	if removed := guard.sweep(now.Add(time.Minute)); removed != 1 {
		t.Fatalf("expected 1 lapsed record, got %d", removed)
	}
	if v := guard.strike("::1", now.Add(time.Minute)); !v.blocked {
		t.Fatalf("later block should survive the sweep")
	}
}

func TestClientAddrIgnoresForwardedHeaders(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "127.0.0.1:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.10")

	if got := clientAddr(req); got != "127.0.0.1" {
		t.Fatalf("expected remote address, got %q", got)
	}

	req.RemoteAddr = "[::1]:4000"
	if got := clientAddr(req); got != "::1" {
		t.Fatalf("expected ipv6 loopback, got %q", got)
	}
}

func TestRetryMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		remaining time.Duration
		want      string
	}{
		{30 * time.Second, "Too many failed handshakes. Try again in less than a minute."},
		{time.Minute, "Too many failed handshakes. Try again in 1 minute."},
		{90 * time.Second, "Too many failed handshakes. Try again in 2 minutes."},
	}

	for _, tt := range tests {
		if got := retryMessage(tt.remaining); got != tt.want {
			t.Fatalf("remaining %v: expected %q, got %q", tt.remaining, tt.want, got)
		}
	}
}
