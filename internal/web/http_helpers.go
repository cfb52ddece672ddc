package web

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONOK writes a JSON response with status 200 OK.
func writeJSONOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

// writeErrorJSON writes {"error": code, "message": message}.
func writeErrorJSON(w http.ResponseWriter, status int, errorCode, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// TrustedProxies decides whether forwarded headers of a request are believed.
type TrustedProxies struct {
	nets []*net.IPNet
}

// NewTrustedProxies parses IPs and CIDRs. Invalid entries are skipped.
func NewTrustedProxies(entries []string) *TrustedProxies {
	tp := &TrustedProxies{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if !strings.Contains(e, "/") {
			if ip := net.ParseIP(e); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				tp.nets = append(tp.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			}
			continue
		}
		if _, n, err := net.ParseCIDR(e); err == nil {
			tp.nets = append(tp.nets, n)
		}
	}
	return tp
}

func (tp *TrustedProxies) trusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if tp == nil || parsed == nil {
		return false
	}
	for _, n := range tp.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the remote IP of r, taken from X-Forwarded-For or
// X-Real-IP only when the direct peer is a trusted proxy.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(direct); err == nil {
		direct = host
	}
	if !tp.trusted(direct) {
		return direct
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return direct
}
