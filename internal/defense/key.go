package defense

import (
	"net/http"
	"strings"
)

// uaPrefixLen bounds how much of the User-Agent string goes into the client
// key. The fragment restores per-client granularity behind shared NAT without
// requiring cookies or auth; the full UA would bloat every store key.
const uaPrefixLen = 50

// ClientKey derives the stable identity key used by every stateful store:
// the source address plus a truncated User-Agent fragment. It always
// succeeds; a missing UA becomes a fixed sentinel.
func ClientKey(ip, userAgent string) string {
	if userAgent == "" {
		userAgent = "unknown"
	}
	if len(userAgent) > uaPrefixLen {
		userAgent = userAgent[:uaPrefixLen]
	}
	return ip + ":" + userAgent
}

// ClientIP extracts the client address from a request, preferring the first
// hop recorded by a fronting proxy.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return strings.Trim(ip, "[]")
}
