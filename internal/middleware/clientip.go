package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the first parseable X-Forwarded-For address, else the host
// part of RemoteAddr (which chi's RealIP may already have rewritten).
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := strings.TrimSpace(part); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
