package threat

import "strings"

// Severity classifies how dangerous a matched pattern or event is.
type Severity string

// Severity levels, ordered from least to most dangerous.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the risk score contribution of a matched pattern at this
// severity. Unknown severities contribute the low weight so a malformed
// catalog entry can never zero out a detection.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 50
	case SeverityHigh:
		return 30
	case SeverityMedium:
		return 15
	default:
		return 5
	}
}

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Category identifies the attack technique a pattern detects.
type Category string

// Known attack categories.
const (
	CategorySQLInjection Category = "sql-injection"
	CategoryXSS          Category = "xss"
	CategoryRCE          Category = "rce"
	CategoryLFI          Category = "lfi"
	CategoryXXE          Category = "xxe"
	CategoryCSRF         Category = "csrf"
)

// Action is the recommended response to an analyzed request.
type Action string

// Actions ordered by escalation.
const (
	ActionAllow     Action = "allow"
	ActionMonitor   Action = "monitor"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Request is the normalized descriptor of an inbound request handed to the
// security core by HTTP route handlers. Missing fields are treated as empty;
// a zero Request is valid and analyzes as benign.
type Request struct {
	URL       string
	Method    string
	Headers   map[string]string
	Body      string
	Query     map[string]string
	IP        string
	SessionID string
}

// Header returns a header value by case-insensitive name, or "" when absent.
func (r *Request) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Normalize replaces nil maps with empty ones so downstream code can index
// without nil checks. Unknown or extra fields never make it past this
// boundary; the descriptor is the whole contract.
func (r *Request) Normalize() {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	if r.Query == nil {
		r.Query = map[string]string{}
	}
}
