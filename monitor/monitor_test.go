package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/reqshield/internal/testutil"
	"github.com/giantswarm/reqshield/threat"
)

const testSource = "203.0.113.10"

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *testutil.MockTime) {
	t.Helper()

	// Keep the sweep out of unit tests
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = -1
	}

	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(m.Close)

	mockTime := testutil.NewMockTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m.now = mockTime.Now
	return m, mockTime
}

// recordingNotifier captures dispatched alerts for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestMonitor_CriticalEventRaisesAlert(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	ctx := context.Background()

	before := m.Dashboard()

	m.Record(ctx, Event{
		Type:     EventThreat,
		Severity: threat.SeverityCritical,
		Source:   testSource,
	})

	data := m.Dashboard()
	if data.CriticalAlerts != before.CriticalAlerts+1 {
		t.Errorf("CriticalAlerts = %d, want %d", data.CriticalAlerts, before.CriticalAlerts+1)
	}
	if len(data.RecentEvents) == 0 {
		t.Fatal("RecentEvents is empty after Record")
	}
	last := data.RecentEvents[len(data.RecentEvents)-1]
	if last.Source != testSource || last.Type != EventThreat {
		t.Errorf("last recent event = %+v, want the recorded threat event", last)
	}
}

func TestMonitor_LowSeverityEventNoAlert(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	m.Record(context.Background(), Event{
		Type:     EventSuspicious,
		Severity: threat.SeverityLow,
		Source:   testSource,
	})

	if got := len(m.Alerts()); got != 0 {
		t.Errorf("Alerts = %d, want 0 for a low-severity event", got)
	}
	if m.EventCount() != 1 {
		t.Errorf("EventCount = %d, want 1", m.EventCount())
	}
}

func TestMonitor_EventLogBounded(t *testing.T) {
	m, _ := newTestMonitor(t, Config{MaxEvents: 5})

	for i := 0; i < 12; i++ {
		m.Record(context.Background(), Event{
			Type:     EventSuspicious,
			Severity: threat.SeverityLow,
			Source:   fmt.Sprintf("src-%d", i),
		})
	}

	if got := m.EventCount(); got != 5 {
		t.Errorf("EventCount = %d, want 5", got)
	}

	// Oldest events are evicted first
	data := m.Dashboard()
	first := data.RecentEvents[0]
	if first.Source == "src-0" {
		t.Error("oldest event still present, want it evicted")
	}
}

func TestMonitor_RateAlert(t *testing.T) {
	m, mockTime := newTestMonitor(t, Config{RateThreshold: 5, RateWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		mockTime.Advance(time.Second)
		m.Record(ctx, Event{Type: EventSuspicious, Severity: threat.SeverityLow, Source: testSource})
	}
	if got := len(m.Alerts()); got != 1 {
		t.Fatalf("Alerts after crossing rate threshold = %d, want 1", got)
	}

	// Events outside the window do not count
	mockTime.Advance(2 * time.Minute)
	m.Record(ctx, Event{Type: EventSuspicious, Severity: threat.SeverityLow, Source: testSource})
	if got := len(m.Alerts()); got != 1 {
		t.Errorf("Alerts after window passed = %d, want still 1", got)
	}
}

func TestMonitor_RepeatedOffenderEscalation(t *testing.T) {
	m, _ := newTestMonitor(t, Config{OffenderThreshold: 2})
	ctx := context.Background()

	// Two high-severity alerts establish the offender
	for i := 0; i < 2; i++ {
		m.Record(ctx, Event{Type: EventThreat, Severity: threat.SeverityHigh, Source: testSource})
	}

	// The next one escalates to critical
	m.Record(ctx, Event{Type: EventThreat, Severity: threat.SeverityHigh, Source: testSource})

	alerts := m.Alerts()
	if len(alerts) != 3 {
		t.Fatalf("Alerts = %d, want 3", len(alerts))
	}
	last := alerts[len(alerts)-1]
	if last.Severity != threat.SeverityCritical {
		t.Errorf("escalated alert severity = %q, want %q", last.Severity, threat.SeverityCritical)
	}
}

func TestMonitor_ResolveAlert(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	m.Record(context.Background(), Event{
		Type:     EventAttack,
		Severity: threat.SeverityCritical,
		Source:   testSource,
	})

	alerts := m.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("Alerts = %d, want 1", len(alerts))
	}
	id := alerts[0].ID

	if !m.ResolveAlert(id) {
		t.Error("ResolveAlert() = false for a fresh alert, want true")
	}
	if m.ResolveAlert(id) {
		t.Error("second ResolveAlert() = true, want false (already resolved)")
	}
	if m.ResolveAlert("nonexistent") {
		t.Error("ResolveAlert() = true for unknown id, want false")
	}

	data := m.Dashboard()
	if data.ResolvedAlerts != 1 {
		t.Errorf("ResolvedAlerts = %d, want 1", data.ResolvedAlerts)
	}
}

func TestMonitor_NotifierFanOut(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	first := &recordingNotifier{}
	second := &recordingNotifier{}
	m.AddNotifier(first)
	m.AddNotifier(second)

	m.Record(context.Background(), Event{
		Type:     EventAttack,
		Severity: threat.SeverityCritical,
		Source:   testSource,
	})

	if first.count() != 1 || second.count() != 1 {
		t.Errorf("notifier deliveries = %d, %d, want 1, 1", first.count(), second.count())
	}
}

func TestMonitor_NotificationThrottle(t *testing.T) {
	m, _ := newTestMonitor(t, Config{
		NotifyRate:  rate.Limit(0.001),
		NotifyBurst: 1,
	})

	n := &recordingNotifier{}
	m.AddNotifier(n)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Record(ctx, Event{Type: EventAttack, Severity: threat.SeverityCritical, Source: testSource})
	}

	if got := n.count(); got != 1 {
		t.Errorf("deliveries = %d, want 1 (alert storm throttled)", got)
	}
	if got := len(m.Alerts()); got != 5 {
		t.Errorf("Alerts = %d, want 5 (throttle drops notifications, not alerts)", got)
	}
}

func TestMonitor_ThreatStats(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	ctx := context.Background()

	m.Record(ctx, Event{Type: EventThreat, Severity: threat.SeverityLow, Source: testSource})
	m.Record(ctx, Event{Type: EventThreat, Severity: threat.SeverityLow, Source: testSource})
	m.Record(ctx, Event{Type: EventAnomaly, Severity: threat.SeverityLow, Source: testSource})

	data := m.Dashboard()
	if data.ThreatStats[EventThreat] != 2 {
		t.Errorf("ThreatStats[threat] = %d, want 2", data.ThreatStats[EventThreat])
	}
	if data.ThreatStats[EventAnomaly] != 1 {
		t.Errorf("ThreatStats[anomaly] = %d, want 1", data.ThreatStats[EventAnomaly])
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero value", Config{}, false},
		{"negative max events", Config{MaxEvents: -1}, true},
		{"negative max alerts", Config{MaxAlerts: -1}, true},
		{"negative rate threshold", Config{RateThreshold: -1}, true},
		{"negative rate window", Config{RateWindow: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
