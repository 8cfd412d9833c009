package core

import (
	"sync"
	"time"
)

// EventRing keeps the most recent security events in memory so the API can
// serve them even when the NATS sink is disabled.
type EventRing struct {
	mu      sync.RWMutex
	events  []*SecurityEvent
	maxSize int
	pos     int
	full    bool
}

// NewEventRing creates a ring that holds up to maxSize events.
func NewEventRing(maxSize int) *EventRing {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &EventRing{
		events:  make([]*SecurityEvent, maxSize),
		maxSize: maxSize,
	}
}

// Add records an event, evicting the oldest once the ring is full.
func (r *EventRing) Add(event *SecurityEvent) {
	r.mu.Lock()
	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.maxSize
	if r.pos == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns up to n of the most recent events, newest first.
func (r *EventRing) Recent(n int) []*SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := r.pos
	if r.full {
		total = r.maxSize
	}
	if n <= 0 || n > total {
		n = total
	}

	out := make([]*SecurityEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.pos - i + r.maxSize) % r.maxSize
		if r.events[idx] != nil {
			out = append(out, r.events[idx])
		}
	}
	return out
}

// Size returns the number of events currently held.
func (r *EventRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.maxSize
	}
	return r.pos
}

// LogEntry is a single captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Raw       string    `json:"raw"`
}

// LogRingBuffer is a fixed-size ring that captures log output. It implements
// io.Writer so it can be tee'd into the zerolog output.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	pos     int
	full    bool
}

// NewLogRingBuffer creates a ring buffer that holds up to maxSize lines.
func NewLogRingBuffer(maxSize int) *LogRingBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &LogRingBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

func (b *LogRingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.entries[b.pos] = LogEntry{Timestamp: time.Now().UTC(), Raw: string(p)}
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return len(p), nil
}

// Recent returns up to n of the most recent log lines, newest first.
func (b *LogRingBuffer) Recent(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = b.maxSize
	}
	if n <= 0 || n > total {
		n = total
	}

	out := make([]LogEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (b.pos - i + b.maxSize) % b.maxSize
		if b.entries[idx].Raw != "" {
			out = append(out, b.entries[idx])
		}
	}
	return out
}
