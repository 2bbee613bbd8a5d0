// Package memory provides an in-memory implementation of the storage.Store
// interface. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/reqshield/instrumentation"
	"github.com/giantswarm/reqshield/storage"
)

const (
	// DefaultCleanupInterval is how often the janitor removes expired records
	DefaultCleanupInterval = time.Minute
)

// entry wraps a record with its expiry deadline
type entry struct {
	record    *storage.Record
	expiresAt time.Time
}

// Store is an in-process implementation of storage.Store backed by a map.
// Expired records become invisible to Get immediately and are physically
// removed by a janitor goroutine.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval.
func New(logger *slog.Logger) *Store {
	return NewWithConfig(DefaultCleanupInterval, logger)
}

// NewWithConfig creates a new in-memory store with a custom cleanup interval.
func NewWithConfig(cleanupInterval time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
		logger.Warn("Invalid cleanupInterval, using default", "cleanupInterval", cleanupInterval)
	}

	s := &Store{
		entries:         make(map[string]*entry),
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		if err := inst.RegisterStoreSizeCallback(func() int64 { return int64(s.Size()) }); err != nil {
			s.logger.Warn("Failed to register store size callback", "error", err)
		}
	}
}

// Get retrieves the record for a key, or (nil, nil) if absent or expired.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	ctx, span := s.startSpan(ctx, "get")
	defer span.End()
	startTime := s.now()

	s.mu.RLock()
	e, ok := s.entries[key]
	now := s.now()
	s.mu.RUnlock()

	s.recordOperation(ctx, span, "get", nil, startTime)

	if !ok || now.After(e.expiresAt) {
		return nil, nil
	}
	return e.record.Clone(), nil
}

// Set stores a record with a time-to-live. A non-positive TTL removes the key.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record, ttl time.Duration) error {
	ctx, span := s.startSpan(ctx, "set")
	defer span.End()
	startTime := s.now()

	if ttl <= 0 {
		s.recordOperation(ctx, span, "set", nil, startTime)
		return s.Delete(ctx, key)
	}

	s.mu.Lock()
	s.entries[key] = &entry{
		record:    rec.Clone(),
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()

	s.recordOperation(ctx, span, "set", nil, startTime)
	return nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "delete")
	defer span.End()
	startTime := s.now()

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	s.recordOperation(ctx, span, "delete", nil, startTime)
	return nil
}

// Update atomically applies fn to the record for key. The store's mutex is
// held across fn, so concurrent updates on the same key are fully serialized.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) (*storage.Record, error) {
	ctx, span := s.startSpan(ctx, "update")
	defer span.End()
	startTime := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var cur *storage.Record
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		cur = e.record.Clone()
	}

	next, ttl, err := fn(cur)
	if err != nil {
		s.recordOperation(ctx, span, "update", err, startTime)
		return nil, err
	}

	if next == nil || ttl <= 0 {
		delete(s.entries, key)
		s.recordOperation(ctx, span, "update", nil, startTime)
		return nil, nil
	}

	s.entries[key] = &entry{
		record:    next.Clone(),
		expiresAt: now.Add(ttl),
	}

	s.recordOperation(ctx, span, "update", nil, startTime)
	return next.Clone(), nil
}

// Size returns the number of entries currently held, including any expired
// entries the janitor has not removed yet.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// cleanupLoop periodically removes expired records to prevent memory growth
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.CleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// CleanupExpired removes all expired records and returns how many were removed.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Expired records removed",
			"removed", removed,
			"remaining", len(s.entries))
	}

	return removed
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// startSpan starts a tracing span for a storage operation (noop without instrumentation)
func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordOperation records metrics and span status for a storage operation
func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
