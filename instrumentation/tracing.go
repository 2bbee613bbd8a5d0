package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never log actual sensitive values (session tokens,
// credentials, raw request bodies) in traces or metrics. Only log metadata
// such as scopes, actions, scores, and validation results. Traces are often
// persisted for extended periods and replicated across monitoring
// infrastructure.
const (
	// Rate limit attributes
	AttrScope        = "ratelimit.scope"
	AttrLimitKey     = "ratelimit.key"
	AttrLimitAllowed = "ratelimit.allowed"
	AttrLimitBlocked = "ratelimit.blocked"

	// Threat detection attributes
	AttrThreatAction     = "threat.action"
	AttrThreatRiskScore  = "threat.risk_score"
	AttrThreatCategories = "threat.categories"

	// Zero-trust attributes
	AttrChallengeCount = "zerotrust.challenges"
	AttrVerifyAllowed  = "zerotrust.allowed"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP      = "security.client_ip"
	AttrEventType     = "security.event_type"
	AttrEventSeverity = "security.event_severity"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddRateLimitAttributes adds rate limit check attributes to a span (nil-safe)
func AddRateLimitAttributes(span trace.Span, scope string, allowed, blocked bool) {
	SetSpanAttributes(span,
		attribute.String(AttrScope, scope),
		attribute.Bool(AttrLimitAllowed, allowed),
		attribute.Bool(AttrLimitBlocked, blocked),
	)
}

// AddThreatAttributes adds threat analysis attributes to a span (nil-safe)
func AddThreatAttributes(span trace.Span, action string, riskScore int) {
	SetSpanAttributes(span,
		attribute.String(AttrThreatAction, action),
		attribute.Int(AttrThreatRiskScore, riskScore),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe).
//
// PRIVACY NOTE: client IP addresses may be PII. Check
// Instrumentation.ShouldLogClientIPs() before calling this.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
