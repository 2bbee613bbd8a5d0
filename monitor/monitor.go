package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/giantswarm/reqshield/instrumentation"
	"github.com/giantswarm/reqshield/threat"
)

// Event types recorded by the monitor.
const (
	EventThreat     = "threat"
	EventAnomaly    = "anomaly"
	EventAttack     = "attack"
	EventSuspicious = "suspicious"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxEvents         = 1000
	DefaultMaxAlerts         = 500
	DefaultRateThreshold     = 100
	DefaultRateWindow        = time.Minute
	DefaultOffenderThreshold = 3
	DefaultCleanupInterval   = time.Minute
	DefaultNotifyRate        = rate.Limit(1)
	DefaultNotifyBurst       = 10
)

// Event is a single security observation recorded by the monitor.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Severity  threat.Severity `json:"severity"`
	Source    string          `json:"source"`
	ClientID  string          `json:"client_id,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
}

// Alert is raised when recorded events cross one of the alert triggers.
type Alert struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Severity  threat.Severity `json:"severity"`
	Message   string          `json:"message"`
	Source    string          `json:"source"`
	Details   map[string]any  `json:"details,omitempty"`
	Resolved  bool            `json:"resolved"`
}

// DashboardData is a point-in-time summary of monitor state.
type DashboardData struct {
	TotalAlerts    int              `json:"total_alerts"`
	CriticalAlerts int              `json:"critical_alerts"`
	ResolvedAlerts int              `json:"resolved_alerts"`
	RecentEvents   []Event          `json:"recent_events"`
	ThreatStats    map[string]int64 `json:"threat_stats"`
}

// Config holds monitor configuration.
type Config struct {
	// MaxEvents bounds the rolling event log
	MaxEvents int

	// MaxAlerts bounds the alert log
	MaxAlerts int

	// RateThreshold is the number of events from one source inside
	// RateWindow that raises an attack alert
	RateThreshold int

	// RateWindow is the sliding window for per-source event rates
	RateWindow time.Duration

	// OffenderThreshold is the number of prior alerts sharing a source
	// after which new alerts for that source escalate to critical
	OffenderThreshold int

	// CleanupInterval controls the background sweep of stale per-source
	// tracking state. Zero selects DefaultCleanupInterval; negative
	// disables the sweep.
	CleanupInterval time.Duration

	// NotifyRate and NotifyBurst throttle notification fan-out so an
	// alert storm cannot overwhelm downstream channels
	NotifyRate  rate.Limit
	NotifyBurst int
}

// Validate checks configuration for hard errors.
func (c *Config) Validate() error {
	if c.MaxEvents < 0 {
		return fmt.Errorf("MaxEvents must not be negative, got %d", c.MaxEvents)
	}
	if c.MaxAlerts < 0 {
		return fmt.Errorf("MaxAlerts must not be negative, got %d", c.MaxAlerts)
	}
	if c.RateThreshold < 0 {
		return fmt.Errorf("RateThreshold must not be negative, got %d", c.RateThreshold)
	}
	if c.RateWindow < 0 {
		return fmt.Errorf("RateWindow must not be negative, got %v", c.RateWindow)
	}
	return nil
}

// Monitor keeps a rolling log of security events, raises alerts when event
// patterns cross configured thresholds, and fans alerts out to notifiers.
type Monitor struct {
	cfg Config

	mu          sync.RWMutex
	events      []Event
	alerts      []Alert
	alertByID   map[string]int
	sourceTimes map[string][]time.Time
	alertCounts map[string]int
	typeCounts  map[string]int64

	notifiers []Notifier
	limiter   *rate.Limiter

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	stopCleanup chan struct{}
	stopOnce    sync.Once

	now func() time.Time
}

// New creates a security monitor. Zero-value config fields select defaults;
// a Warn is logged for each substituted default so operators notice.
func New(cfg Config, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}

	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.MaxAlerts == 0 {
		cfg.MaxAlerts = DefaultMaxAlerts
	}
	if cfg.RateThreshold == 0 {
		logger.Warn("RateThreshold not set, using default",
			"default", DefaultRateThreshold)
		cfg.RateThreshold = DefaultRateThreshold
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.OffenderThreshold == 0 {
		cfg.OffenderThreshold = DefaultOffenderThreshold
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.NotifyRate == 0 {
		cfg.NotifyRate = DefaultNotifyRate
	}
	if cfg.NotifyBurst == 0 {
		cfg.NotifyBurst = DefaultNotifyBurst
	}

	m := &Monitor{
		cfg:         cfg,
		alertByID:   make(map[string]int),
		sourceTimes: make(map[string][]time.Time),
		alertCounts: make(map[string]int),
		typeCounts:  make(map[string]int64),
		limiter:     rate.NewLimiter(cfg.NotifyRate, cfg.NotifyBurst),
		logger:      logger,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop(cfg.CleanupInterval)
	}

	return m, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the monitor
func (m *Monitor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.instrumentation = inst
	if inst != nil {
		if err := inst.RegisterEventLogSizeCallback(func() int64 {
			m.mu.RLock()
			defer m.mu.RUnlock()
			return int64(len(m.events))
		}); err != nil {
			m.logger.Warn("Failed to register event log size callback", "error", err)
		}
	}
}

// AddNotifier registers a notification channel for raised alerts.
func (m *Monitor) AddNotifier(n Notifier) {
	if n == nil {
		return
	}
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// Record adds an event to the rolling log and evaluates alert triggers.
func (m *Monitor) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	if event.Type == "" {
		event.Type = EventSuspicious
	}

	var raised *Alert

	m.mu.Lock()

	m.events = append(m.events, event)
	if len(m.events) > m.cfg.MaxEvents {
		m.events = m.events[len(m.events)-m.cfg.MaxEvents:]
	}
	m.typeCounts[event.Type]++

	sourceRate := 0
	if event.Source != "" {
		times := append(m.sourceTimes[event.Source], event.Timestamp)
		cutoff := event.Timestamp.Add(-m.cfg.RateWindow)
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		m.sourceTimes[event.Source] = kept
		sourceRate = len(kept)
	}

	switch {
	case event.Severity == threat.SeverityCritical || event.Severity == threat.SeverityHigh:
		raised = m.raiseAlertLocked(event.Severity,
			fmt.Sprintf("%s severity %s event from %s", event.Severity, event.Type, event.Source),
			event.Source, event.Details)
	case sourceRate > m.cfg.RateThreshold:
		details := map[string]any{
			"events_in_window": sourceRate,
			"window":           m.cfg.RateWindow.String(),
		}
		raised = m.raiseAlertLocked(threat.SeverityHigh,
			fmt.Sprintf("event rate from %s exceeded %d per %v", event.Source, m.cfg.RateThreshold, m.cfg.RateWindow),
			event.Source, details)
	}

	m.mu.Unlock()

	m.logger.Debug("Security event recorded",
		"event_type", event.Type,
		"severity", event.Severity,
		"source", event.Source)

	if raised != nil {
		m.dispatch(ctx, *raised)
	}
}

// raiseAlertLocked creates an alert, applying repeated-offender escalation.
// Callers must hold m.mu.
func (m *Monitor) raiseAlertLocked(severity threat.Severity, message, source string, details map[string]any) *Alert {
	if source != "" && m.alertCounts[source] >= m.cfg.OffenderThreshold {
		severity = threat.SeverityCritical
		message = fmt.Sprintf("repeated offender (%d prior alerts): %s", m.alertCounts[source], message)
	}

	alert := Alert{
		ID:        uuid.NewString(),
		Timestamp: m.now(),
		Severity:  severity,
		Message:   message,
		Source:    source,
		Details:   details,
	}

	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.cfg.MaxAlerts {
		dropped := len(m.alerts) - m.cfg.MaxAlerts
		for _, old := range m.alerts[:dropped] {
			delete(m.alertByID, old.ID)
		}
		m.alerts = m.alerts[dropped:]
		for id, idx := range m.alertByID {
			m.alertByID[id] = idx - dropped
		}
	}
	m.alertByID[alert.ID] = len(m.alerts) - 1
	if source != "" {
		m.alertCounts[source]++
	}

	m.logger.Warn("Security alert raised",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"source", alert.Source,
		"message", alert.Message)

	if m.instrumentation != nil {
		m.instrumentation.Metrics().AlertsCreated.Add(context.Background(), 1)
	}

	return &alert
}

// dispatch fans an alert out to every notifier, subject to the throttle.
func (m *Monitor) dispatch(ctx context.Context, alert Alert) {
	m.mu.RLock()
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return
	}

	if !m.limiter.Allow() {
		m.logger.Warn("Alert notification dropped by throttle", "alert_id", alert.ID)
		if m.instrumentation != nil {
			m.instrumentation.Metrics().NotificationsDropped.Add(ctx, 1)
		}
		return
	}

	for _, n := range notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			m.logger.Error("Alert notification failed",
				"notifier", n.Name(),
				"alert_id", alert.ID,
				"error", err)
			continue
		}
		if m.instrumentation != nil {
			m.instrumentation.Metrics().NotificationsSent.Add(ctx, 1)
		}
	}
}

// ResolveAlert marks an alert resolved. It returns false for unknown or
// already-resolved alert IDs, so repeated calls are harmless.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.alertByID[id]
	if !ok || m.alerts[idx].Resolved {
		return false
	}
	m.alerts[idx].Resolved = true

	m.logger.Info("Security alert resolved", "alert_id", id)
	return true
}

// Alerts returns a copy of the current alert log.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Dashboard summarizes the monitor state for operators.
func (m *Monitor) Dashboard() DashboardData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := DashboardData{
		TotalAlerts: len(m.alerts),
		ThreatStats: make(map[string]int64, len(m.typeCounts)),
	}
	for _, alert := range m.alerts {
		if alert.Severity == threat.SeverityCritical {
			data.CriticalAlerts++
		}
		if alert.Resolved {
			data.ResolvedAlerts++
		}
	}

	recent := 10
	if len(m.events) < recent {
		recent = len(m.events)
	}
	data.RecentEvents = make([]Event, recent)
	copy(data.RecentEvents, m.events[len(m.events)-recent:])

	for t, n := range m.typeCounts {
		data.ThreatStats[t] = n
	}
	return data
}

// EventCount returns the number of events currently in the rolling log.
func (m *Monitor) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// cleanupLoop periodically drops per-source tracking entries whose newest
// timestamp fell out of the rate window.
func (m *Monitor) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupSources()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Monitor) cleanupSources() {
	cutoff := m.now().Add(-m.cfg.RateWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	for source, times := range m.sourceTimes {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(m.sourceTimes, source)
		}
	}
}

// Close stops the cleanup goroutine. Recorded events and alerts remain
// readable after Close.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})
}
