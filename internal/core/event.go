package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a security event.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	default:
		*s = SeverityLow
	}
	return nil
}

// Event types emitted by the defense pipeline.
const (
	EventRateLimit       = "rate_limit"
	EventSuspiciousInput = "suspicious_input"
	EventBlockedRequest  = "blocked_request"
	EventValidationError = "validation_error"
)

// SecurityEvent is the record written for every rejection or escalation. It
// is append-only: the pipeline creates events and hands them to the sink,
// nothing ever mutates one afterwards.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  Severity               `json:"severity"`
	SourceIP  string                 `json:"source_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	ClientKey string                 `json:"client_key,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewSecurityEvent creates a SecurityEvent with a generated ID and current timestamp.
func NewSecurityEvent(eventType string, severity Severity, message string) *SecurityEvent {
	return &SecurityEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Details:   make(map[string]interface{}),
	}
}

// Marshal serializes the event to JSON.
func (e *SecurityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSecurityEvent deserializes a SecurityEvent from JSON.
func UnmarshalSecurityEvent(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
