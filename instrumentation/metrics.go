package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the reqshield library
type Metrics struct {
	// Rate Limiter Metrics
	RateLimitChecksTotal metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter
	RateLimitBlocked     metric.Int64Counter

	// Threat Detection Metrics
	ThreatsDetected metric.Int64Counter
	ThreatRiskScore metric.Float64Histogram

	// Verification Metrics
	VerificationsTotal  metric.Int64Counter
	VerificationsDenied metric.Int64Counter

	// Monitor Metrics
	AlertsCreated        metric.Int64Counter
	NotificationsSent    metric.Int64Counter
	NotificationsDropped metric.Int64Counter
	EventLogLength       metric.Int64ObservableGauge

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageRecordsCount      metric.Int64ObservableGauge

	// Cache Metrics
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	CacheEvictions metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	rateLimitMeter := inst.Meter("ratelimit")
	threatMeter := inst.Meter("threat")
	zeroTrustMeter := inst.Meter("zerotrust")
	monitorMeter := inst.Meter("monitor")
	storageMeter := inst.Meter("storage")
	cacheMeter := inst.Meter("cache")

	var err error
	m.RateLimitChecksTotal, err = rateLimitMeter.Int64Counter(
		"reqshield.ratelimit.checks.total",
		metric.WithDescription("Total number of rate limit checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.checks.total counter: %w", err)
	}

	m.RateLimitExceeded, err = rateLimitMeter.Int64Counter(
		"reqshield.ratelimit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.RateLimitBlocked, err = rateLimitMeter.Int64Counter(
		"reqshield.ratelimit.blocked",
		metric.WithDescription("Number of checks rejected because the key was in a block period"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.blocked counter: %w", err)
	}

	m.ThreatsDetected, err = threatMeter.Int64Counter(
		"reqshield.threats.detected",
		metric.WithDescription("Number of requests flagged as threats"),
		metric.WithUnit("{threat}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threats.detected counter: %w", err)
	}

	m.ThreatRiskScore, err = threatMeter.Float64Histogram(
		"reqshield.threats.risk_score",
		metric.WithDescription("Distribution of risk scores assigned to analyzed requests"),
		metric.WithUnit("{score}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threats.risk_score histogram: %w", err)
	}

	m.VerificationsTotal, err = zeroTrustMeter.Int64Counter(
		"reqshield.verifications.total",
		metric.WithDescription("Total number of zero-trust verifications"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifications.total counter: %w", err)
	}

	m.VerificationsDenied, err = zeroTrustMeter.Int64Counter(
		"reqshield.verifications.denied",
		metric.WithDescription("Number of zero-trust verifications that denied the request"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifications.denied counter: %w", err)
	}

	m.AlertsCreated, err = monitorMeter.Int64Counter(
		"reqshield.alerts.created",
		metric.WithDescription("Number of security alerts created"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create alerts.created counter: %w", err)
	}

	m.NotificationsSent, err = monitorMeter.Int64Counter(
		"reqshield.notifications.sent",
		metric.WithDescription("Number of alert notifications dispatched"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications.sent counter: %w", err)
	}

	m.NotificationsDropped, err = monitorMeter.Int64Counter(
		"reqshield.notifications.dropped",
		metric.WithDescription("Number of alert notifications dropped by the storm throttle"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications.dropped counter: %w", err)
	}

	m.EventLogLength, err = monitorMeter.Int64ObservableGauge(
		"reqshield.monitor.event_log.length",
		metric.WithDescription("Current length of the rolling security event log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor.event_log.length gauge: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"reqshield.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"reqshield.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageRecordsCount, err = storageMeter.Int64ObservableGauge(
		"reqshield.storage.records.count",
		metric.WithDescription("Current number of records held by the store"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.records.count gauge: %w", err)
	}

	m.CacheHits, err = cacheMeter.Int64Counter(
		"reqshield.cache.hits",
		metric.WithDescription("Number of bounded cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.hits counter: %w", err)
	}

	m.CacheMisses, err = cacheMeter.Int64Counter(
		"reqshield.cache.misses",
		metric.WithDescription("Number of bounded cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.misses counter: %w", err)
	}

	m.CacheEvictions, err = cacheMeter.Int64Counter(
		"reqshield.cache.evictions",
		metric.WithDescription("Number of bounded cache evictions"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.evictions counter: %w", err)
	}

	return m, nil
}

// RecordStorageOperation records a storage operation with its duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordRateLimitCheck records the outcome of a rate limit check
func (m *Metrics) RecordRateLimitCheck(ctx context.Context, scope string, allowed, blocked bool) {
	attrs := metric.WithAttributes(attribute.String(AttrScope, scope))
	m.RateLimitChecksTotal.Add(ctx, 1, attrs)
	if !allowed {
		m.RateLimitExceeded.Add(ctx, 1, attrs)
	}
	if blocked {
		m.RateLimitBlocked.Add(ctx, 1, attrs)
	}
}

// RecordThreatAnalysis records the outcome of a threat analysis
func (m *Metrics) RecordThreatAnalysis(ctx context.Context, action string, isThreat bool, riskScore int) {
	attrs := metric.WithAttributes(attribute.String(AttrThreatAction, action))
	if isThreat {
		m.ThreatsDetected.Add(ctx, 1, attrs)
	}
	m.ThreatRiskScore.Record(ctx, float64(riskScore), attrs)
}

// RecordVerification records the outcome of a zero-trust verification
func (m *Metrics) RecordVerification(ctx context.Context, allowed bool, challenges int) {
	attrs := metric.WithAttributes(attribute.Int(AttrChallengeCount, challenges))
	m.VerificationsTotal.Add(ctx, 1, attrs)
	if !allowed {
		m.VerificationsDenied.Add(ctx, 1, attrs)
	}
}
