package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers raised alerts to an external channel.
type Notifier interface {
	// Notify delivers one alert. Implementations should honor ctx
	// cancellation and return an error on delivery failure.
	Notify(ctx context.Context, alert Alert) error

	// Name identifies the notifier in logs
	Name() string
}

// LogNotifier writes alerts to a structured logger. It never fails and is
// the default channel for deployments without external alerting.
type LogNotifier struct {
	Logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, alert Alert) error {
	l.Logger.Warn("security_alert",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"source", alert.Source,
		"message", alert.Message,
		"details", alert.Details,
		"timestamp", alert.Timestamp,
	)
	return nil
}

// Name implements Notifier.
func (l *LogNotifier) Name() string { return "log" }

// WebhookNotifier POSTs alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	// URL receives the alert payload
	URL string

	// Client is the HTTP client used for delivery. Nil selects a client
	// with a 10 second timeout.
	Client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given URL.
func NewWebhookNotifier(url string) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook URL must not be empty")
	}
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Name implements Notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }
