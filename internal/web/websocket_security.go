package web

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/parley/internal/protocol"
)

// SecurityConfig holds the limits applied to conversation WebSocket connections.
type SecurityConfig struct {
	// AllowedOrigins lists origins accepted besides same-origin requests.
	// "*" allows every origin.
	AllowedOrigins []string

	// MaxMessageSize is the maximum size of an inbound frame in bytes.
	MaxMessageSize int64

	// MaxConnectionsPerIP caps concurrent connections per client IP.
	MaxConnectionsPerIP int

	// PongWait is the time to wait for a pong response.
	PongWait time.Duration

	// PingPeriod is the interval between pings. Must be less than PongWait.
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a frame.
	WriteWait time.Duration

	// SendBuffer is the number of outbound frames queued per connection. A
	// connection that falls further behind is closed and has to resume.
	SendBuffer int
}

// DefaultSecurityConfig returns sensible defaults.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxMessageSize:      1 << 20,
		MaxConnectionsPerIP: 16,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
		SendBuffer:          1024,
	}
}

func (c SecurityConfig) withDefaults() SecurityConfig {
	d := DefaultSecurityConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

// ConnectionTracker counts open connections per IP.
type ConnectionTracker struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerIP    int
}

// NewConnectionTracker creates a tracker allowing maxPerIP connections per IP.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd reserves a slot for ip and reports whether the limit allowed it.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.connections[ip] >= ct.maxPerIP {
		return false
	}
	ct.connections[ip]++
	return true
}

// Remove releases a slot of ip.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.connections[ip] <= 1 {
		delete(ct.connections, ip)
		return
	}
	ct.connections[ip]--
}

// Count returns the open connections of ip.
func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.connections[ip]
}

// Total returns the open connections across every IP.
func (ct *ConnectionTracker) Total() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	total := 0
	for _, n := range ct.connections {
		total += n
	}
	return total
}

// newUpgrader offers the protocol subprotocols and checks origins.
func newUpgrader(cfg SecurityConfig, logf func(origin, host string, allowed bool, reason string)) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    protocol.Subprotocols,
		CheckOrigin:     originChecker(cfg.AllowedOrigins, logf),
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients), allow-listed origins and same-origin requests.
func originChecker(allowed []string, logf func(origin, host string, allowed bool, reason string)) func(*http.Request) bool {
	allowedSet := make(map[string]bool)
	allowAll := false
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
			break
		}
		allowedSet[strings.ToLower(origin)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		result := func(ok bool, reason string) bool {
			if logf != nil {
				logf(origin, r.Host, ok, reason)
			}
			return ok
		}

		if origin == "" {
			return result(true, "no origin header")
		}
		if allowAll {
			return result(true, "all origins allowed")
		}
		u, err := url.Parse(origin)
		if err != nil {
			return result(false, "unparsable origin")
		}
		if allowedSet[strings.ToLower(origin)] || allowedSet[strings.ToLower(u.Host)] {
			return result(true, "origin in allowlist")
		}
		if isSameOrigin(r, u) {
			return result(true, "same origin")
		}
		return result(false, "origin not allowed")
	}
}

// isSameOrigin compares host and port of the origin with the request host.
func isSameOrigin(r *http.Request, origin *url.URL) bool {
	reqHost, reqPort, err := net.SplitHostPort(r.Host)
	if err != nil {
		reqHost, reqPort = r.Host, ""
	}
	originHost, originPort, err := net.SplitHostPort(origin.Host)
	if err != nil {
		originHost, originPort = origin.Host, ""
	}
	if !strings.EqualFold(reqHost, originHost) {
		return false
	}
	if originPort == "" {
		switch origin.Scheme {
		case "https", "wss":
			originPort = "443"
		case "http", "ws":
			originPort = "80"
		}
	}
	// behind a reverse proxy the request host may carry no port
	if reqPort == "" {
		return true
	}
	return reqPort == originPort
}

// configureConn applies the read limit and the pong-driven read deadline.
func configureConn(conn *websocket.Conn, cfg SecurityConfig) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
}
