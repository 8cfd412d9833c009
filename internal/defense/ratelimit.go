package defense

import (
	"context"
	"time"
)

// logSuppressWindow throttles rate-limit event reporting to one record per
// key so sustained abuse cannot amplify itself through the event sink.
const logSuppressWindow = 5 * time.Minute

// WindowLimiter admits requests against a fixed time window per client key.
// Two instances run in the pipeline: a tight one for the chat route and a
// loose one for everything else. The effective ceiling is max times multiplier;
// the multiplier absorbs shared-NAT false positives while the documented max
// stays the nominal limit.
type WindowLimiter struct {
	name       string
	window     time.Duration
	max        int64
	multiplier int64
	store      WindowStore
	logMarks   *shardedMap[time.Time]
}

// NewWindowLimiter creates a limiter over the given store.
func NewWindowLimiter(name string, window time.Duration, max, multiplier int, store WindowStore) *WindowLimiter {
	if multiplier < 1 {
		multiplier = 1
	}
	return &WindowLimiter{
		name:       name,
		window:     window,
		max:        int64(max),
		multiplier: int64(multiplier),
		store:      store,
		logMarks:   newShardedMap[time.Time](),
	}
}

// Admit counts one request for key and reports whether it stays within the
// effective ceiling. The post-increment hit count is returned either way so
// the slow-down stage can reuse it without a second store round-trip.
func (l *WindowLimiter) Admit(ctx context.Context, key string) (count int64, ok bool, err error) {
	// Limiters can share one store; the name prefix keeps their windows apart.
	count, err = l.store.Incr(ctx, l.name+":"+key, l.window)
	if err != nil {
		return 0, false, err
	}
	return count, count <= l.max*l.multiplier, nil
}

// ShouldReport returns true at most once per key per suppression window.
// Rejections beyond that are still enforced, just not re-reported.
func (l *WindowLimiter) ShouldReport(key string) bool {
	should := false
	now := time.Now()
	l.logMarks.update(key, func(last time.Time, ok bool) (time.Time, bool) {
		if !ok || now.Sub(last) >= logSuppressWindow {
			should = true
			return now, true
		}
		return last, false
	})
	return should
}

// Name identifies the limiter in events and logs.
func (l *WindowLimiter) Name() string { return l.name }

// Window returns the limiter's window length.
func (l *WindowLimiter) Window() time.Duration { return l.window }

// SweepMarks drops log-suppression markers older than maxAge. The window
// counters themselves are swept through the store.
func (l *WindowLimiter) SweepMarks(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	return l.logMarks.sweep(func(_ string, t time.Time) bool {
		return t.Before(cutoff)
	})
}

// SlowDown computes the artificial delay applied to bursty-but-admitted chat
// traffic. Once the current-window hit count passes the soft threshold, each
// further hit adds perHit up to maxDelay.
type SlowDown struct {
	threshold int64
	perHit    time.Duration
	maxDelay  time.Duration
}

// NewSlowDown creates a slow-down policy.
func NewSlowDown(threshold int, perHit, maxDelay time.Duration) *SlowDown {
	return &SlowDown{threshold: int64(threshold), perHit: perHit, maxDelay: maxDelay}
}

// Delay returns the suspension for the given current-window hit count.
func (s *SlowDown) Delay(hits int64) time.Duration {
	if hits <= s.threshold {
		return 0
	}
	d := time.Duration(hits-s.threshold) * s.perHit
	if d > s.maxDelay {
		d = s.maxDelay
	}
	return d
}

// Wait suspends the calling request path for the computed delay. It holds no
// locks and returns early if the request context is cancelled.
func (s *SlowDown) Wait(ctx context.Context, hits int64) {
	d := s.Delay(hits)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
