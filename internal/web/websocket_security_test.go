package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		host      string
		origin    string
		wantAllow bool
	}{
		{name: "same origin http", host: "localhost:8080", origin: "http://localhost:8080", wantAllow: true},
		{name: "same origin default port", host: "example.com", origin: "https://example.com", wantAllow: true},
		{name: "no origin header", host: "localhost:8080", origin: "", wantAllow: true},
		{name: "different origin", host: "localhost:8080", origin: "http://evil.com", wantAllow: false},
		{name: "different port", host: "localhost:8080", origin: "http://localhost:9090", wantAllow: false},
		{name: "subdomain", host: "example.com", origin: "http://evil.example.com", wantAllow: false},
		{name: "allow list full origin", allowed: []string{"https://app.example.com"}, host: "localhost:8080", origin: "https://app.example.com", wantAllow: true},
		{name: "allow list host only", allowed: []string{"app.example.com"}, host: "localhost:8080", origin: "https://APP.example.com", wantAllow: true},
		{name: "allow list miss", allowed: []string{"app.example.com"}, host: "localhost:8080", origin: "https://other.example.com", wantAllow: false},
		{name: "allow all", allowed: []string{"*"}, host: "localhost:8080", origin: "http://anything.test", wantAllow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reason string
			checker := originChecker(tt.allowed, func(_, _ string, _ bool, r string) { reason = r })
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := checker(req); got != tt.wantAllow {
				t.Errorf("checker() = %v, want %v (reason %q)", got, tt.wantAllow, reason)
			}
			if reason == "" {
				t.Error("decision was not logged")
			}
		})
	}
}

func TestSecurityConfig_WithDefaults(t *testing.T) {
	cfg := SecurityConfig{MaxConnectionsPerIP: 3}.withDefaults()
	def := DefaultSecurityConfig()
	if cfg.MaxConnectionsPerIP != 3 {
		t.Errorf("MaxConnectionsPerIP = %d, want 3", cfg.MaxConnectionsPerIP)
	}
	if cfg.MaxMessageSize != def.MaxMessageSize || cfg.SendBuffer != def.SendBuffer {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		t.Errorf("PingPeriod %v must be shorter than PongWait %v", cfg.PingPeriod, cfg.PongWait)
	}
}

func TestConnectionTracker(t *testing.T) {
	ct := NewConnectionTracker(2)

	if !ct.TryAdd("10.0.0.1") || !ct.TryAdd("10.0.0.1") {
		t.Fatal("first two connections should be accepted")
	}
	if ct.TryAdd("10.0.0.1") {
		t.Error("third connection from the same IP should be rejected")
	}
	if !ct.TryAdd("10.0.0.2") {
		t.Error("other IPs have their own limit")
	}
	if got := ct.Total(); got != 3 {
		t.Errorf("Total() = %d, want 3", got)
	}

	ct.Remove("10.0.0.1")
	if got := ct.Count("10.0.0.1"); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
	if !ct.TryAdd("10.0.0.1") {
		t.Error("slot should be free after Remove")
	}

	ct.Remove("10.0.0.2")
	ct.Remove("10.0.0.2")
	if got := ct.Count("10.0.0.2"); got != 0 {
		t.Errorf("Count() after extra Remove = %d, want 0", got)
	}
}

func TestIPRateLimiter(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2, CleanupInterval: time.Hour})
	defer rl.Close()

	if !rl.Allow("1.1.1.1") || !rl.Allow("1.1.1.1") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("1.1.1.1") {
		t.Error("request over the burst should be rejected")
	}
	if !rl.Allow("2.2.2.2") {
		t.Error("other IPs are limited separately")
	}

	calls := 0
	h := rl.Middleware(func(*http.Request) string { return "3.3.3.3" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = rec.Code
	}
	if calls != 2 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("calls = %d, codes = %v", calls, codes)
	}
}

func TestNewCommandLimiter(t *testing.T) {
	unlimited := newCommandLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !unlimited.Allow() {
			t.Fatal("zero rate should not limit")
		}
	}
	limited := newCommandLimiter(0.001, 1)
	if !limited.Allow() || limited.Allow() {
		t.Error("limiter should allow exactly the burst")
	}
}

func TestTrustedProxies_ClientIP(t *testing.T) {
	tp := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1", "not-an-ip"})

	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{name: "direct", remote: "203.0.113.5:1234", want: "203.0.113.5"},
		{name: "untrusted peer ignores headers", remote: "203.0.113.5:1234", xff: "1.2.3.4", want: "203.0.113.5"},
		{name: "trusted cidr", remote: "10.1.2.3:1234", xff: "1.2.3.4, 10.1.2.3", want: "1.2.3.4"},
		{name: "trusted single ip", remote: "192.168.1.1:80", xri: "5.6.7.8", want: "5.6.7.8"},
		{name: "trusted without headers", remote: "10.1.2.3:1234", want: "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := tp.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}

	var none *TrustedProxies
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:99"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	if got := none.ClientIP(req); got != "10.1.2.3" {
		t.Errorf("nil ClientIP() = %q", got)
	}
}

func TestWriteErrorJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorJSON(rec, http.StatusBadRequest, "bad_request", "client_id is required")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"error":"bad_request"`) {
		t.Errorf("body = %s", body)
	}
}

func TestAccessLogger(t *testing.T) {
	if NewAccessLogger(AccessLogConfig{}) != nil {
		t.Error("empty path should disable the access log")
	}
	var nilLogger *AccessLogger
	nilLogger.Write(AccessEvent{Event: "connected"})
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}

	path := filepath.Join(t.TempDir(), "access.log")
	al := NewAccessLogger(AccessLogConfig{Path: path})
	al.Write(AccessEvent{Event: "connected", ClientIP: "1.2.3.4", ConversationID: "conv-1", ClientID: "c1", Codec: "parley.v1.json"})
	al.Write(AccessEvent{Event: "rejected", ClientIP: "1.2.3.4", Reason: "too many connections"})
	al.Write(AccessEvent{Event: "disconnected", ClientIP: "1.2.3.4", Duration: 1500 * time.Millisecond})
	if err := al.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), data)
	}
	for i, want := range []string{`conversation="conv-1"`, `reason="too many connections"`, "duration=1.5s"} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d = %q, want it to contain %q", i, lines[i], want)
		}
	}
}
