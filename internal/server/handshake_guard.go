package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxHandshakeFailures = 10
	defaultHandshakeBanDuration = time.Minute
)

// handshakeGuard throttles clients that keep presenting bad tokens. Every
// local client shares the loopback address, so a block never applies to a
// correct token: it only turns further bad attempts into 429 responses.
type handshakeGuard struct {
	mu      sync.Mutex
	records map[string]*strikeRecord
	limit   int
	window  time.Duration
}

// strikeRecord counts failures inside one window starting at the first miss.
type strikeRecord struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

// strikeVerdict tells the handler how to answer a failed handshake.
type strikeVerdict struct {
	blocked    bool
	newlyBlock bool
	retryAfter time.Duration
}

func newHandshakeGuard(limit int, window time.Duration) *handshakeGuard {
	if limit <= 0 {
		limit = defaultMaxHandshakeFailures
	}
	if window <= 0 {
		window = defaultHandshakeBanDuration
	}
	return &handshakeGuard{
		records: make(map[string]*strikeRecord),
		limit:   limit,
		window:  window,
	}
}

// strike records a failed handshake from addr.
func (g *handshakeGuard) strike(addr string, now time.Time) strikeVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[addr]
	if !ok || (now.Sub(rec.windowStart) >= g.window && !now.Before(rec.blockedUntil)) {
		rec = &strikeRecord{windowStart: now}
		g.records[addr] = rec
	}

	if now.Before(rec.blockedUntil) {
		return strikeVerdict{blocked: true, retryAfter: rec.blockedUntil.Sub(now)}
	}

	rec.failures++
	if rec.failures < g.limit {
		return strikeVerdict{}
	}
	rec.blockedUntil = now.Add(g.window)
	return strikeVerdict{blocked: true, newlyBlock: true, retryAfter: g.window}
}

// forgive clears addr after a successful handshake.
func (g *handshakeGuard) forgive(addr string) {
	g.mu.Lock()
	delete(g.records, addr)
	g.mu.Unlock()
}

// sweep drops records whose window and block have both lapsed. The watchdog
// runs it periodically.
func (g *handshakeGuard) sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for addr, rec := range g.records {
		if now.Sub(rec.windowStart) >= g.window && !now.Before(rec.blockedUntil) {
			delete(g.records, addr)
			removed++
		}
	}
	return removed
}

// clientAddr keys the guard by the peer address. The broker only listens on
// loopback, so forwarded headers are ignored.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

func retryMessage(remaining time.Duration) string {
	if remaining < time.Minute {
		return "Too many failed handshakes. Try again in less than a minute."
	}
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if minutes == 1 {
		return "Too many failed handshakes. Try again in 1 minute."
	}
	return fmt.Sprintf("Too many failed handshakes. Try again in %d minutes.", minutes)
}
