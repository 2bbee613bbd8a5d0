// Package ratelimit enforces a fixed-window request budget per key with a
// cooldown period once the budget is exhausted. Counters live in a
// storage.Store, so the limiter works unchanged against the in-memory store
// or a shared Valkey backend.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/reqshield/instrumentation"
	"github.com/giantswarm/reqshield/storage"
)

// Config holds rate limiter parameters. All fields are validated at
// construction time; invalid budgets are rejected rather than silently
// clamped at call time.
type Config struct {
	// MaxRequests is the number of requests allowed per window (required, > 0)
	MaxRequests int

	// Window is the fixed counting window (required, > 0)
	Window time.Duration

	// BlockDuration is the cooldown entered when the budget is exhausted.
	// The block persists at least this long from the moment it begins, even
	// if the original window would have reset sooner. Defaults to Window
	// when zero; negative values are rejected.
	BlockDuration time.Duration
}

// Validate checks the configuration and applies the BlockDuration default.
func (c *Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("maxRequests must be positive, got %d", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.BlockDuration < 0 {
		return fmt.Errorf("blockDuration must not be negative, got %s", c.BlockDuration)
	}
	return nil
}

// Result is the outcome of a single rate limit check.
type Result struct {
	// Allowed reports whether the request may proceed
	Allowed bool

	// Remaining is the number of requests left in the current window
	Remaining int

	// ResetAt is when the caller may retry: the window reset for allowed
	// and over-budget requests, or the end of the block period for
	// blocked keys.
	ResetAt time.Time

	// Blocked reports whether the key is in an active cooldown period
	Blocked bool
}

// Limiter is a fixed-window rate limiter with cooldown, backed by a
// storage.Store. The check-and-increment runs inside Store.Update, so under
// N simultaneous calls for the same key exactly MaxRequests observe
// Allowed=true regardless of interleaving.
type Limiter struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

// New creates a rate limiter over the given store.
func New(store storage.Store, cfg Config, logger *slog.Logger) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = cfg.Window
		logger.Warn("BlockDuration not set, using window duration",
			"blockDuration", cfg.BlockDuration)
	}

	return &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the limiter
func (l *Limiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	l.instrumentation = inst
	if inst != nil {
		l.tracer = inst.Tracer("ratelimit")
	}
}

// Key composes a rate-limit key from a scope and a client identifier, e.g.
// Key("search", "203.0.113.4") -> "search:203.0.113.4". Separate scopes give
// a client independent budgets.
func Key(scope, identifier string) string {
	return scope + ":" + identifier
}

// Scope extracts the scope part of a composed key, for metric labels.
func Scope(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Check performs one rate limit check for the key.
//
// Behavior:
//   - no live record, or the window elapsed and no block is active: a fresh
//     window starts with count 1 and the request is allowed
//   - within the window below budget: the count increments and the request
//     is allowed; the request that reaches MaxRequests is still allowed but
//     puts the key into a block lasting BlockDuration from now
//   - blocked: the request is rejected with Remaining 0 until the block ends
//
// On a storage failure the limiter fails closed: the result is not-allowed
// and the wrapped storage error is returned for the caller to surface as a
// retryable condition.
func (l *Limiter) Check(ctx context.Context, key string) (Result, error) {
	ctx, span := l.startSpan(ctx)
	defer span.End()

	now := l.now()
	var res Result

	_, err := l.store.Update(ctx, key, func(cur *storage.Record) (*storage.Record, time.Duration, error) {
		if cur != nil && cur.Blocked(now) {
			res = Result{
				Allowed:   false,
				Remaining: 0,
				ResetAt:   cur.BlockedUntil,
				Blocked:   true,
			}
			return cur, cur.BlockedUntil.Sub(now), nil
		}

		if cur == nil || !now.Before(cur.WindowResetAt) {
			next := &storage.Record{
				Count:         1,
				WindowResetAt: now.Add(l.cfg.Window),
			}
			res = Result{
				Allowed:   true,
				Remaining: l.cfg.MaxRequests - 1,
				ResetAt:   next.WindowResetAt,
			}
			if l.cfg.MaxRequests == 1 {
				// A budget of one blocks on its first request.
				next.BlockedUntil = now.Add(l.cfg.BlockDuration)
				res.Remaining = 0
				res.ResetAt = next.BlockedUntil
				return next, l.cfg.BlockDuration, nil
			}
			return next, l.cfg.Window, nil
		}

		if cur.Count >= l.cfg.MaxRequests {
			// Over budget inside the window. Normally unreachable because
			// reaching the budget starts a block, but a record written by an
			// older deployment may lack BlockedUntil.
			res = Result{
				Allowed:   false,
				Remaining: 0,
				ResetAt:   cur.WindowResetAt,
			}
			return cur, cur.WindowResetAt.Sub(now), nil
		}

		next := cur.Clone()
		next.Count++
		res = Result{
			Allowed:   true,
			Remaining: l.cfg.MaxRequests - next.Count,
			ResetAt:   next.WindowResetAt,
		}
		if next.Count >= l.cfg.MaxRequests {
			next.BlockedUntil = now.Add(l.cfg.BlockDuration)
			res.ResetAt = next.BlockedUntil
			return next, next.BlockedUntil.Sub(now), nil
		}
		return next, next.WindowResetAt.Sub(now), nil
	})

	if err != nil {
		// Fail closed: a backend outage must not open the gate.
		res = Result{Allowed: false, Remaining: 0, ResetAt: now.Add(l.cfg.Window)}
		l.logger.Error("Rate limit check failed, failing closed",
			"key_scope", Scope(key),
			"error", err)
		instrumentation.RecordError(span, err)
		l.recordCheck(ctx, key, res)
		return res, fmt.Errorf("rate limit check: %w", err)
	}

	if !res.Allowed {
		l.logger.Debug("Rate limit exceeded",
			"key_scope", Scope(key),
			"blocked", res.Blocked,
			"reset_at", res.ResetAt)
	}

	instrumentation.AddRateLimitAttributes(span, Scope(key), res.Allowed, res.Blocked)
	instrumentation.SetSpanSuccess(span)
	l.recordCheck(ctx, key, res)
	return res, nil
}

// Reset clears the record for a key, ending any window or block early.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, key)
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) startSpan(ctx context.Context) (context.Context, trace.Span) {
	if l.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return l.tracer.Start(ctx, "ratelimit.check")
}

func (l *Limiter) recordCheck(ctx context.Context, key string, res Result) {
	if l.instrumentation == nil {
		return
	}
	l.instrumentation.Metrics().RecordRateLimitCheck(ctx, Scope(key), res.Allowed, res.Blocked)
}
