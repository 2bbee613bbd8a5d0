package reqshield

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/reqshield/monitor"
	"github.com/giantswarm/reqshield/ratelimit"
	"github.com/giantswarm/reqshield/storage"
	"github.com/giantswarm/reqshield/threat"
	"github.com/giantswarm/reqshield/zerotrust"
)

// Defaults applied by NewEngine when the corresponding field is zero.
const (
	DefaultMaxRequests   = 100
	DefaultWindow        = time.Minute
	DefaultMaxSources    = 10000
	DefaultMaxBodyScan   = 64 * 1024
	DefaultSourceHistory = 300
)

// Config holds the engine configuration.
// Structured using composition for better organization and maintainability.
type Config struct {
	// Store backs rate limit state. Nil selects the in-memory store.
	Store storage.Store

	// RateLimit configures the fixed-window limiter
	RateLimit ratelimit.Config

	// Detector tunes the threat anomaly heuristics
	Detector threat.DetectorConfig

	// CatalogPath optionally loads the threat pattern catalog from a JSON
	// file instead of the built-in signature set. The file is watched and
	// hot-reloaded on change.
	CatalogPath string

	// ZeroTrust configures the verifier
	ZeroTrust zerotrust.Config

	// Monitor configures the security monitor
	Monitor monitor.Config

	// Proxy settings for client IP extraction
	Proxy ProxyConfig

	// MaxSources bounds the per-source timing tracker.
	// Default: DefaultMaxSources.
	MaxSources int

	// MaxBodyScan is the largest request body prefix, in bytes, handed to
	// the threat detector. Default: DefaultMaxBodyScan.
	MaxBodyScan int

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// ProxyConfig holds client address extraction settings.
type ProxyConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount specifies how many proxies to trust from the right
	// of X-Forwarded-For. Zero assumes one.
	TrustedProxyCount int
}

// Validate checks configuration for hard errors. Soft omissions are filled
// with defaults by NewEngine and logged.
func (c *Config) Validate() error {
	if c.MaxSources < 0 {
		return fmt.Errorf("MaxSources must not be negative, got %d", c.MaxSources)
	}
	if c.MaxBodyScan < 0 {
		return fmt.Errorf("MaxBodyScan must not be negative, got %d", c.MaxBodyScan)
	}
	if c.RateLimit.MaxRequests != 0 || c.RateLimit.Window != 0 {
		if err := c.RateLimit.Validate(); err != nil {
			return fmt.Errorf("invalid rate limit config: %w", err)
		}
	}
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	return nil
}
