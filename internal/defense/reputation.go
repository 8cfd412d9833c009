package defense

import (
	"time"
)

// defaultRepIdleHorizon is how long a reputation record may sit idle before
// the janitor expires it. Expiry of the whole record is the only way out of
// a block.
const defaultRepIdleHorizon = 24 * time.Hour

type repRecord struct {
	suspicion int
	lastSeen  time.Time
	blocked   bool
}

// ThreatInfo is a reputation snapshot entry for the API.
type ThreatInfo struct {
	IP        string    `json:"ip"`
	Suspicion int       `json:"suspicion"`
	LastSeen  time.Time `json:"last_seen"`
	Blocked   bool      `json:"blocked"`
}

// Reputation accumulates a per-IP suspicion counter and promotes an IP to a
// permanent block once it passes the threshold. Blocked is terminal: nothing
// clears it except janitor expiry of the whole record after the idle horizon.
type Reputation struct {
	records        *shardedMap[*repRecord]
	blockThreshold int
	idleHorizon    time.Duration
	enabled        bool
}

// NewReputation creates a tracker. When enabled is false, suspicion is still
// accumulated for visibility but IsBlocked always reports false. A zero
// idleHorizon falls back to the default.
func NewReputation(blockThreshold int, enabled bool, idleHorizon time.Duration) *Reputation {
	if blockThreshold <= 0 {
		blockThreshold = 10
	}
	if idleHorizon <= 0 {
		idleHorizon = defaultRepIdleHorizon
	}
	return &Reputation{
		records:        newShardedMap[*repRecord](),
		blockThreshold: blockThreshold,
		idleHorizon:    idleHorizon,
		enabled:        enabled,
	}
}

// MarkSuspicious increments the IP's suspicion counter and returns the new
// count. Crossing the threshold flips the record to blocked.
func (r *Reputation) MarkSuspicious(ip string) int {
	now := time.Now()
	count := 0
	r.records.update(ip, func(rec *repRecord, ok bool) (*repRecord, bool) {
		if !ok {
			count = 1
			return &repRecord{suspicion: 1, lastSeen: now}, true
		}
		rec.suspicion++
		rec.lastSeen = now
		if rec.suspicion > r.blockThreshold {
			rec.blocked = true
		}
		count = rec.suspicion
		return rec, false
	})
	return count
}

// IsBlocked reports whether the IP has been promoted to a hard block.
func (r *Reputation) IsBlocked(ip string) bool {
	if !r.enabled {
		return false
	}
	rec, ok := r.records.get(ip)
	return ok && rec.blocked
}

// Suspicion returns the current counter for an IP.
func (r *Reputation) Suspicion(ip string) int {
	rec, ok := r.records.get(ip)
	if !ok {
		return 0
	}
	return rec.suspicion
}

// Sweep expires records idle past the horizon. Blocked records expire the
// same way: the idle horizon is the reputation decay a blocked client waits
// out.
func (r *Reputation) Sweep() int {
	cutoff := time.Now().Add(-r.idleHorizon)
	return r.records.sweep(func(_ string, rec *repRecord) bool {
		return rec.lastSeen.Before(cutoff)
	})
}

// Snapshot returns all tracked IPs for the threats endpoint.
func (r *Reputation) Snapshot() []ThreatInfo {
	out := make([]ThreatInfo, 0)
	for i := range r.records.shards {
		sh := &r.records.shards[i]
		sh.mu.Lock()
		for ip, rec := range sh.m {
			out = append(out, ThreatInfo{
				IP:        ip,
				Suspicion: rec.suspicion,
				LastSeen:  rec.lastSeen,
				Blocked:   rec.blocked,
			})
		}
		sh.mu.Unlock()
	}
	return out
}
