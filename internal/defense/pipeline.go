package defense

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cvchat-project/cvchat/internal/core"
)

// Public rejection messages. Internal detail (which signature matched, which
// counter tripped) stays in the security event, never in the response.
const (
	msgRateLimited  = "too many requests, try again shortly"
	msgDuplicate    = "duplicate message, please vary your input"
	msgBlocked      = "access denied"
	msgPattern      = "content cannot be processed"
	msgEmptyMessage = "message is required"
	msgTooLong      = "message is too long"
	msgUnavailable  = "service temporarily unavailable"
)

// Options tunes the pipeline. Zero values fall back to defaults.
type Options struct {
	ChatWindow      time.Duration
	ChatMax         int
	GeneralWindow   time.Duration
	GeneralMax      int
	Multiplier      int
	SlowThreshold   int
	SlowPerHit      time.Duration
	SlowMaxDelay    time.Duration
	MaxMessageLen   int
	BlockThreshold  int
	RepIdleHorizon  time.Duration
	Dedup           DedupPolicy
	IPBlocking      bool
	PatternChecks   bool
	JanitorInterval time.Duration
}

// OptionsFromConfig maps the security config section onto pipeline options.
func OptionsFromConfig(sec core.SecurityConfig) Options {
	return Options{
		ChatMax:        sec.MaxMessagesPerMinute,
		GeneralMax:     sec.MaxRequestsPerHour,
		Multiplier:     sec.LimitMultiplier,
		SlowThreshold:  sec.SlowDownThreshold,
		SlowPerHit:     time.Duration(sec.SlowDownDelayMS) * time.Millisecond,
		SlowMaxDelay:   time.Duration(sec.SlowDownMaxDelayMS) * time.Millisecond,
		MaxMessageLen:  sec.MaxMessageLength,
		BlockThreshold: sec.BlockThreshold,
		IPBlocking:     sec.EnableIPBlocking,
		PatternChecks:  sec.EnablePatternDetection,
	}
}

func (o *Options) applyDefaults() {
	if o.ChatWindow <= 0 {
		o.ChatWindow = time.Minute
	}
	if o.ChatMax <= 0 {
		o.ChatMax = 10
	}
	if o.GeneralWindow <= 0 {
		o.GeneralWindow = time.Hour
	}
	if o.GeneralMax <= 0 {
		o.GeneralMax = 100
	}
	if o.Multiplier < 1 {
		o.Multiplier = 1
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 5
	}
	if o.SlowPerHit <= 0 {
		o.SlowPerHit = 500 * time.Millisecond
	}
	if o.SlowMaxDelay <= 0 {
		o.SlowMaxDelay = 10 * time.Second
	}
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = 2000
	}
	if o.BlockThreshold <= 0 {
		o.BlockThreshold = 10
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Hour
	}
}

// EventPublisher is the write-only sink boundary. *core.EventSink satisfies
// it; tests substitute their own.
type EventPublisher interface {
	Publish(event *core.SecurityEvent) error
}

// request carries one inbound request through the stage chain.
type request struct {
	ip       string
	ua       string
	key      string
	message  string
	chatHits int64
}

// stage is one link in the chain: nil means continue, a Rejection
// short-circuits.
type stage struct {
	name  string
	check func(ctx context.Context, req *request) *Rejection
}

// Pipeline is the request-defense chain: blocked-IP check, validation,
// pattern registry, sliding-window rate limit, progressive slow-down, and
// content deduplication, in that order. Any rejection short-circuits, is
// reported as a security event. Suspicious input and blocked requests also
// feed the reputation tracker.
type Pipeline struct {
	opts     Options
	logger   zerolog.Logger
	patterns *PatternRegistry
	chat     *WindowLimiter
	general  *WindowLimiter
	slow     *SlowDown
	dedup    *Deduplicator
	rep      *Reputation
	ring     *core.EventRing
	sink     EventPublisher
	janitor  *Janitor

	msgStages []stage
}

// NewPipeline wires the defense chain over the given window store. ring and
// sink may be nil.
func NewPipeline(opts Options, store WindowStore, logger zerolog.Logger, ring *core.EventRing, sink EventPublisher) *Pipeline {
	opts.applyDefaults()

	p := &Pipeline{
		opts:     opts,
		logger:   logger.With().Str("component", "defense").Logger(),
		patterns: NewPatternRegistry(),
		chat:     NewWindowLimiter("chat", opts.ChatWindow, opts.ChatMax, opts.Multiplier, store),
		general:  NewWindowLimiter("general", opts.GeneralWindow, opts.GeneralMax, opts.Multiplier, store),
		slow:     NewSlowDown(opts.SlowThreshold, opts.SlowPerHit, opts.SlowMaxDelay),
		dedup:    NewDeduplicator(opts.Dedup),
		rep:      NewReputation(opts.BlockThreshold, opts.IPBlocking, opts.RepIdleHorizon),
		ring:     ring,
		sink:     sink,
	}

	// The blocked-IP check runs before everything else so a blocked client
	// costs nothing beyond one map read. Pattern checks run before the
	// limiter so injection attempts are classified 400 regardless of
	// rate-limit state.
	p.msgStages = []stage{
		{name: "blocked_ip", check: p.stageBlocked},
		{name: "validation", check: p.stageValidate},
		{name: "patterns", check: p.stagePatterns},
		{name: "rate_limit", check: p.stageChatLimit},
		{name: "slow_down", check: p.stageSlowDown},
		{name: "dedup", check: p.stageDedup},
	}

	tasks := []SweepTask{
		{Name: "rate_windows", Sweep: store.Sweep},
		{Name: "log_marks", Sweep: func() int {
			return p.chat.SweepMarks(time.Hour) + p.general.SweepMarks(time.Hour)
		}},
		{Name: "fingerprints", Sweep: p.dedup.SweepFingerprints},
		{Name: "frequency", Sweep: p.dedup.SweepFrequency},
		{Name: "reputation", Sweep: p.rep.Sweep},
	}
	p.janitor = NewJanitor(opts.JanitorInterval, logger, tasks...)

	return p
}

// StartJanitor begins the background sweep loop.
func (p *Pipeline) StartJanitor(ctx context.Context) { p.janitor.Start(ctx) }

// AddSweepTask registers an extra store with the janitor. Must be called
// before StartJanitor.
func (p *Pipeline) AddSweepTask(task SweepTask) { p.janitor.tasks = append(p.janitor.tasks, task) }

// RunJanitorOnce is exposed for operational tooling and tests.
func (p *Pipeline) RunJanitorOnce() { p.janitor.RunOnce() }

// CheckRequest guards non-chat routes: blocked-IP check, then the loose
// hourly window.
func (p *Pipeline) CheckRequest(ctx context.Context, ip, userAgent string) *Rejection {
	req := &request{ip: ip, ua: userAgent, key: ClientKey(ip, userAgent)}

	if rej := p.stageBlocked(ctx, req); rej != nil {
		return rej
	}

	count, ok, err := p.general.Admit(ctx, req.key)
	if err != nil {
		// A storage fault fails closed: unmetered traffic is refused until
		// the store recovers.
		p.logger.Error().Err(err).Str("key", req.key).Msg("window store failure")
		return reject(KindStoreFailure, msgUnavailable, "window store unavailable: "+err.Error())
	}
	if !ok {
		rej := reject(KindRateLimit, msgRateLimited,
			fmt.Sprintf("general window exceeded: %d hits", count))
		if p.general.ShouldReport(req.key) {
			p.reportRejection(req, rej, core.EventRateLimit, core.SeverityLow, map[string]interface{}{
				"limiter": p.general.Name(),
				"hits":    count,
			})
		}
		return rej
	}
	return nil
}

// CheckMessage runs the full defense chain for a chat message. A nil return
// means the request may proceed to the RAG engine.
func (p *Pipeline) CheckMessage(ctx context.Context, ip, userAgent, message string) *Rejection {
	req := &request{ip: ip, ua: userAgent, key: ClientKey(ip, userAgent), message: message}
	for _, st := range p.msgStages {
		if rej := st.check(ctx, req); rej != nil {
			return rej
		}
	}
	return nil
}

func (p *Pipeline) stageBlocked(_ context.Context, req *request) *Rejection {
	if !p.rep.IsBlocked(req.ip) {
		return nil
	}
	rej := reject(KindBlockedIP, msgBlocked, "IP is blocked by reputation tracker")
	p.reportRejection(req, rej, core.EventBlockedRequest, core.SeverityHigh, nil)
	return rej
}

func (p *Pipeline) stageValidate(_ context.Context, req *request) *Rejection {
	var rej *Rejection
	switch {
	case len(req.message) == 0:
		rej = reject(KindValidation, msgEmptyMessage, "empty message body")
	case len(req.message) > p.opts.MaxMessageLen:
		rej = reject(KindValidation, msgTooLong,
			fmt.Sprintf("message length %d exceeds limit %d", len(req.message), p.opts.MaxMessageLen))
	default:
		return nil
	}
	p.reportRejection(req, rej, core.EventValidationError, core.SeverityLow, nil)
	return rej
}

func (p *Pipeline) stagePatterns(_ context.Context, req *request) *Rejection {
	if !p.opts.PatternChecks {
		return nil
	}
	match := p.patterns.Classify(req.message)
	if match == nil {
		return nil
	}
	rej := reject(KindSuspiciousPattern, msgPattern,
		fmt.Sprintf("pattern %s (%s) matched", match.Name, match.Category))
	p.reportRejection(req, rej, core.EventSuspiciousInput, match.Severity, map[string]interface{}{
		"signature": match.Name,
		"category":  match.Category,
		"snippet":   match.Snippet,
	})
	return rej
}

func (p *Pipeline) stageChatLimit(ctx context.Context, req *request) *Rejection {
	count, ok, err := p.chat.Admit(ctx, req.key)
	if err != nil {
		p.logger.Error().Err(err).Str("key", req.key).Msg("window store failure")
		return reject(KindStoreFailure, msgUnavailable, "window store unavailable: "+err.Error())
	}
	req.chatHits = count
	if ok {
		return nil
	}
	rej := reject(KindRateLimit, msgRateLimited,
		fmt.Sprintf("chat window exceeded: %d hits", count))
	if p.chat.ShouldReport(req.key) {
		p.reportRejection(req, rej, core.EventRateLimit, core.SeverityLow, map[string]interface{}{
			"limiter": p.chat.Name(),
			"hits":    count,
		})
	}
	return rej
}

func (p *Pipeline) stageSlowDown(ctx context.Context, req *request) *Rejection {
	// Suspends only this request path; no shared lock is held here.
	p.slow.Wait(ctx, req.chatHits)
	return nil
}

func (p *Pipeline) stageDedup(_ context.Context, req *request) *Rejection {
	verdict := p.dedup.Check(req.key, req.ip, req.message)
	switch verdict {
	case DedupAllowed:
		return nil
	case DedupShortTermRepeat:
		rej := reject(KindDuplicateContent, msgDuplicate, "short-window repeated content")
		p.reportRejection(req, rej, core.EventSuspiciousInput, core.SeverityMedium, map[string]interface{}{
			"reason": "short_term_repeat",
		})
		return rej
	case DedupLongTermRepeat:
		rej := reject(KindDuplicateContent, msgDuplicate, "long-horizon repeated content")
		p.reportRejection(req, rej, core.EventSuspiciousInput, core.SeverityHigh, map[string]interface{}{
			"reason": "long_term_repeat",
		})
		return rej
	default:
		rej := reject(KindRateLimit, msgRateLimited, "per-IP message frequency exceeded")
		p.reportRejection(req, rej, core.EventSuspiciousInput, core.SeverityMedium, map[string]interface{}{
			"reason": "message_frequency",
		})
		return rej
	}
}

// EscalateUpstream marks an IP suspicious because a downstream call failed
// with a quota/rate signature. This conflates infrastructure failures with
// client misbehavior, so it carries its own event type detail for later
// review.
func (p *Pipeline) EscalateUpstream(ip, reason string) {
	count := p.rep.MarkSuspicious(ip)
	event := core.NewSecurityEvent(core.EventSuspiciousInput, core.SeverityMedium,
		"upstream quota signature treated as potential abuse")
	event.SourceIP = ip
	event.Details["reason"] = reason
	event.Details["suspicion"] = count
	p.emit(event)
}

// reportRejection records a security event for a rejection and feeds
// suspicious-input and blocked-request signals back into the reputation
// tracker.
func (p *Pipeline) reportRejection(req *request, rej *Rejection, eventType string, severity core.Severity, details map[string]interface{}) {
	event := core.NewSecurityEvent(eventType, severity, rej.Detail)
	event.SourceIP = req.ip
	event.UserAgent = req.ua
	event.ClientKey = req.key
	for k, v := range details {
		event.Details[k] = v
	}
	event.Details["rejection"] = rej.Kind.String()

	if eventType == core.EventSuspiciousInput || eventType == core.EventBlockedRequest {
		event.Details["suspicion"] = p.rep.MarkSuspicious(req.ip)
	}

	p.emit(event)
}

func (p *Pipeline) emit(event *core.SecurityEvent) {
	p.logger.Warn().
		Str("event_id", event.ID).
		Str("type", event.Type).
		Str("severity", event.Severity.String()).
		Str("ip", event.SourceIP).
		Msg(event.Message)

	if p.ring != nil {
		p.ring.Add(event)
	}
	if p.sink != nil {
		// Publishing goes to the network; keep it off the request path.
		go func() {
			if err := p.sink.Publish(event); err != nil {
				p.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to publish security event")
			}
		}()
	}
}

// Threats returns the reputation snapshot.
func (p *Pipeline) Threats() []ThreatInfo { return p.rep.Snapshot() }

// Reputation exposes the tracker for collaborators that escalate directly.
func (p *Pipeline) Reputation() *Reputation { return p.rep }

// PatternCount reports the registry size for the status endpoint.
func (p *Pipeline) PatternCount() int { return p.patterns.Count() }
