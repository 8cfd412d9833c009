package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cvchat-project/cvchat/internal/core"
	"github.com/cvchat-project/cvchat/internal/defense"
	"github.com/cvchat-project/cvchat/internal/rag"
)

const chatPath = "/api/v1/chat"

// Deps bundles everything the server needs.
type Deps struct {
	Config   *core.Config
	Logger   zerolog.Logger
	Pipeline *defense.Pipeline
	Engine   rag.Engine
	Sessions *rag.SessionStore
	Events   *core.EventRing
	Logs     *core.LogRingBuffer
	Sink     *core.EventSink
}

// Server is the cvchat REST API server.
type Server struct {
	deps   Deps
	server *http.Server
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates the API server with its middleware chain.
func NewServer(deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api_server").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(chatPath, s.handleChat)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/security/threats", s.handleThreats)
	mux.HandleFunc("/api/v1/security/events", s.handleEvents)
	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc(defense.HealthPath, s.handleHealth)

	// Middleware chain: CORS -> logging -> burst guard -> defense -> handler
	handler := corsMiddleware(
		loggingMiddleware(
			burstGuardMiddleware(
				ctx,
				deps.Pipeline.Middleware(mux, chatPath),
				deps.Config.Server.BurstPerSecond,
			),
			s.logger,
		),
		deps.Config.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the composed handler chain for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server and its background loops.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type chatBody struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body chatBody
	limited := io.LimitReader(r.Body, 64<<10)
	if err := json.NewDecoder(limited).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	ip := defense.ClientIP(r)
	ua := r.UserAgent()

	if rej := s.deps.Pipeline.CheckMessage(r.Context(), ip, ua, body.Message); rej != nil {
		defense.WriteRejection(w, rej)
		return
	}

	sessionID := s.deps.Sessions.Resolve(body.SessionID)
	history := s.deps.Sessions.History(sessionID)

	answer, err := s.deps.Engine.Chat(r.Context(), history, body.Message)
	if err != nil {
		if rag.IsQuotaError(err) {
			s.deps.Pipeline.EscalateUpstream(ip, err.Error())
		}
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("upstream chat failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "assistant is unavailable right now"})
		return
	}

	s.deps.Sessions.Append(sessionID, body.Message, answer.Reply)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"reply":      answer.Reply,
		"sources":    answer.Sources,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sinkConnected := false
	var published, failed int64
	if s.deps.Sink != nil {
		sinkConnected = s.deps.Sink.IsConnected()
		published, failed = s.deps.Sink.Stats()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":          "1.0.0",
		"status":           "running",
		"patterns":         s.deps.Pipeline.PatternCount(),
		"sessions":         s.deps.Sessions.Len(),
		"sink_connected":   sinkConnected,
		"events_published": published,
		"events_failed":    failed,
		"timestamp":        time.Now().UTC(),
	})
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	threats := s.deps.Pipeline.Threats()
	blocked := 0
	for _, t := range threats {
		if t.Blocked {
			blocked++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threats":       threats,
		"total":         len(threats),
		"blocked_count": blocked,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events := s.deps.Events.Recent(queryLimit(r, 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := s.deps.Logs.Recent(queryLimit(r, 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// burstGuardMiddleware is a coarse per-IP token bucket in front of the whole
// API. It bounds raw request throughput before the defense pipeline's fixed
// windows apply their per-client policies.
func burstGuardMiddleware(ctx context.Context, next http.Handler, requestsPerSecond int) http.Handler {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 50
	}

	guard := &ipGuard{
		limiters: make(map[string]*guardEntry),
		rps:      rate.Limit(requestsPerSecond),
		burst:    requestsPerSecond * 2,
	}

	// Drop idle limiters every 5 minutes until the server shuts down.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				guard.cleanup(10 * time.Minute)
			}
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == defense.HealthPath {
			next.ServeHTTP(w, r)
			return
		}
		if !guard.allow(defense.ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "too many requests, try again shortly",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ipGuard struct {
	mu       sync.Mutex
	limiters map[string]*guardEntry
	rps      rate.Limit
	burst    int
}

type guardEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func (g *ipGuard) allow(ip string) bool {
	g.mu.Lock()
	entry, ok := g.limiters[ip]
	if !ok {
		entry = &guardEntry{lim: rate.NewLimiter(g.rps, g.burst)}
		g.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	g.mu.Unlock()
	return entry.lim.Allow()
}

func (g *ipGuard) cleanup(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	g.mu.Lock()
	for ip, entry := range g.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(g.limiters, ip)
		}
	}
	g.mu.Unlock()
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := "*"
		if len(allowedOrigins) > 0 {
			allowed = ""
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = origin
					break
				}
			}
			if allowed == "" {
				// Origin not in the allow list, skip CORS headers.
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if len(allowedOrigins) > 0 && allowedOrigins[0] != "*" {
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
