package defense

import (
	"encoding/json"
	"net/http"
)

// HealthPath is exempt from every defense check.
const HealthPath = "/health"

// WriteRejection sends the rejection's public face to the client.
func WriteRejection(w http.ResponseWriter, rej *Rejection) {
	if rej.Kind == KindRateLimit {
		w.Header().Set("Retry-After", "60")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": rej.Public})
}

// Middleware guards routes with the blocked-IP check and the loose hourly
// window. The health check is always exempt; the chat route is passed as an
// extra exemption because its handler runs the full message chain via
// CheckMessage once it has the body.
func (p *Pipeline) Middleware(next http.Handler, exemptPaths ...string) http.Handler {
	exempt := map[string]bool{HealthPath: true}
	for _, path := range exemptPaths {
		exempt[path] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r)
		if rej := p.CheckRequest(r.Context(), ip, r.UserAgent()); rej != nil {
			WriteRejection(w, rej)
			return
		}
		next.ServeHTTP(w, r)
	})
}
