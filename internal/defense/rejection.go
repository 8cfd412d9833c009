package defense

import "net/http"

// Kind classifies a pipeline rejection.
type Kind int

const (
	KindRateLimit Kind = iota
	KindDuplicateContent
	KindBlockedIP
	KindSuspiciousPattern
	KindValidation
	KindStoreFailure
)

func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindDuplicateContent:
		return "duplicate_content"
	case KindBlockedIP:
		return "blocked_ip"
	case KindSuspiciousPattern:
		return "suspicious_pattern"
	case KindValidation:
		return "validation"
	case KindStoreFailure:
		return "store_failure"
	default:
		return "unknown"
	}
}

// Rejection is the typed error a pipeline stage returns to short-circuit a
// request. Public is the only text that ever reaches the client; Detail is
// for the security event record.
type Rejection struct {
	Kind   Kind
	Public string
	Detail string
}

func (r *Rejection) Error() string { return r.Detail }

// Status maps the rejection to its HTTP status code.
func (r *Rejection) Status() int {
	switch r.Kind {
	case KindBlockedIP:
		return http.StatusForbidden
	case KindSuspiciousPattern, KindValidation:
		return http.StatusBadRequest
	case KindStoreFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusTooManyRequests
	}
}

func reject(kind Kind, public, detail string) *Rejection {
	return &Rejection{Kind: kind, Public: public, Detail: detail}
}
