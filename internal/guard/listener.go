package guard

import (
	"log/slog"
	"net"
	"strings"
)

// Listener refuses connections from blocked addresses before any byte is
// read from them.
type Listener struct {
	net.Listener
	guard  *Guard
	logger *slog.Logger
	// OnRefused, when set, is called for every refused connection.
	OnRefused func(ip, reason string)
}

// Listen wraps l. With a disabled guard it accepts everything.
func (g *Guard) Listen(l net.Listener) *Listener {
	logger := slog.Default()
	if g != nil {
		logger = g.logger
	}
	return &Listener{Listener: l, guard: g, logger: logger}
}

// Accept returns the next connection from an address that is not blocked.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		ip := RemoteIP(conn.RemoteAddr())
		blocked, reason := l.guard.Blocked(ip)
		if !blocked {
			return conn, nil
		}
		_ = conn.Close()
		l.logger.Debug("connection refused", "client_ip", ip, "reason", reason)
		if l.OnRefused != nil {
			l.OnRefused(ip, reason)
		}
	}
}

// RemoteIP returns the normalized IP of addr, without port.
func RemoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// scannerPrefixes are paths vulnerability scanners request. None of them is
// served here.
var scannerPrefixes = []string{
	"/.env",
	"/.git",
	"/.aws",
	"/.htpasswd",
	"/.htaccess",
	"/.ds_store",
	"/wp-admin",
	"/wp-login",
	"/wp-content",
	"/phpmyadmin",
	"/phpinfo",
	"/cgi-bin",
	"/server-status",
	"/actuator",
	"/vendor/phpunit",
	"/api/.env",
	"/api/.git",
}

// IsScannerPath reports whether path looks like a scanner path.
func IsScannerPath(path string) bool {
	p := strings.ToLower(path)
	for _, prefix := range scannerPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return strings.HasSuffix(p, ".php")
}
