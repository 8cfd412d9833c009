package defense

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// normalizePrefixLen bounds how much of a message feeds the hash: long
// near-duplicates collapse to the same fingerprint and memory stays bounded.
const normalizePrefixLen = 200

// DedupPolicy tunes the deduplicator. Zero values fall back to defaults.
// Short-window repeats catch copy-paste spam; the long horizon catches the
// same message drip-fed to stay under the short threshold; the per-IP
// frequency guard catches rapidly varying content that defeats hashing.
type DedupPolicy struct {
	ShortWindow time.Duration // repeat gap treated as immediate spam
	ShortMax    int           // repeats tolerated inside the short window
	LongHorizon time.Duration // horizon for cumulative repeats
	LongMax     int           // cumulative repeats tolerated inside the horizon
	FreqWindow  time.Duration // rolling window for the per-IP message count
	FreqMax     int           // messages per IP per window, any content
	Retention   time.Duration // janitor horizon for idle fingerprints
}

func (p *DedupPolicy) applyDefaults() {
	if p.ShortWindow <= 0 {
		p.ShortWindow = 60 * time.Second
	}
	if p.ShortMax <= 0 {
		p.ShortMax = 2
	}
	if p.LongHorizon <= 0 {
		p.LongHorizon = 600 * time.Second
	}
	if p.LongMax <= 0 {
		p.LongMax = 5
	}
	if p.FreqWindow <= 0 {
		p.FreqWindow = 5 * time.Minute
	}
	if p.FreqMax <= 0 {
		p.FreqMax = 15
	}
	if p.Retention <= 0 {
		p.Retention = 10 * time.Minute
	}
}

type fingerprint struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

type freqCounter struct {
	count       int
	windowStart time.Time
}

// DedupVerdict reports why a message was rejected.
type DedupVerdict int

const (
	DedupAllowed DedupVerdict = iota
	DedupShortTermRepeat
	DedupLongTermRepeat
	DedupFrequencyExceeded
)

// Deduplicator detects repeated message content per client key and excessive
// message volume per IP.
type Deduplicator struct {
	policy DedupPolicy
	prints *shardedMap[*fingerprint]
	freq   *shardedMap[*freqCounter]
}

// NewDeduplicator creates a deduplicator with the given policy.
func NewDeduplicator(policy DedupPolicy) *Deduplicator {
	policy.applyDefaults()
	return &Deduplicator{
		policy: policy,
		prints: newShardedMap[*fingerprint](),
		freq:   newShardedMap[*freqCounter](),
	}
}

// Check records one message for (key, ip) and returns the verdict. Content
// hashing and the per-IP frequency counter are independent checks; the
// frequency counter runs first because it is content-blind.
func (d *Deduplicator) Check(key, ip, rawMessage string) DedupVerdict {
	if d.countMessage(ip) > d.policy.FreqMax {
		return DedupFrequencyExceeded
	}

	hash := FingerprintHash(rawMessage)
	printKey := key + ":" + hash
	now := time.Now()

	verdict := DedupAllowed
	d.prints.update(printKey, func(fp *fingerprint, ok bool) (*fingerprint, bool) {
		if !ok {
			return &fingerprint{count: 1, firstSeen: now, lastSeen: now}, true
		}
		gap := now.Sub(fp.lastSeen)
		switch {
		case gap <= d.policy.ShortWindow:
			fp.count++
			fp.lastSeen = now
			if fp.count > d.policy.ShortMax {
				verdict = DedupShortTermRepeat
			}
		case now.Sub(fp.firstSeen) <= d.policy.LongHorizon && fp.count >= d.policy.LongMax:
			fp.count++
			fp.lastSeen = now
			verdict = DedupLongTermRepeat
		default:
			// Gap exceeded the short window without hitting the cumulative
			// threshold: start the fingerprint over.
			fp.count = 1
			fp.firstSeen = now
			fp.lastSeen = now
		}
		return fp, false
	})
	return verdict
}

func (d *Deduplicator) countMessage(ip string) int {
	now := time.Now()
	count := 0
	d.freq.update(ip, func(fc *freqCounter, ok bool) (*freqCounter, bool) {
		if !ok {
			count = 1
			return &freqCounter{count: 1, windowStart: now}, true
		}
		if now.Sub(fc.windowStart) >= d.policy.FreqWindow {
			fc.count = 0
			fc.windowStart = now
		}
		fc.count++
		count = fc.count
		return fc, false
	})
	return count
}

// SweepFingerprints removes fingerprints idle past their retention horizon.
func (d *Deduplicator) SweepFingerprints() int {
	cutoff := time.Now().Add(-d.policy.Retention)
	return d.prints.sweep(func(_ string, fp *fingerprint) bool {
		return fp.lastSeen.Before(cutoff)
	})
}

// SweepFrequency removes per-IP frequency counters whose window has expired.
func (d *Deduplicator) SweepFrequency() int {
	cutoff := time.Now().Add(-d.policy.FreqWindow)
	return d.freq.sweep(func(_ string, fc *freqCounter) bool {
		return fc.windowStart.Before(cutoff)
	})
}

// FingerprintCount returns the number of live fingerprints.
func (d *Deduplicator) FingerprintCount() int { return d.prints.len() }

// FingerprintHash normalizes a message and hashes it. Normalization makes the
// hash idempotent across casing, punctuation, and whitespace variants.
func FingerprintHash(message string) string {
	normalized := normalizeMessage(message)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

func normalizeMessage(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	for _, ch := range strings.ToLower(message) {
		switch {
		case unicode.IsLetter(ch) || unicode.IsDigit(ch):
			b.WriteRune(ch)
		case unicode.IsSpace(ch):
			b.WriteRune(' ')
		}
	}
	collapsed := strings.Join(strings.Fields(b.String()), " ")
	if len(collapsed) > normalizePrefixLen {
		collapsed = collapsed[:normalizePrefixLen]
	}
	return collapsed
}
