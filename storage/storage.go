package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the storage backend could not serve the request.
// Callers should treat this as retryable. Security-sensitive callers (rate
// limiter, verifier) fail closed when they see this error.
var ErrUnavailable = errors.New("storage backend unavailable")

// Record is the unit of storage: a small expiring counter record keyed by an
// opaque string. One record exists per rate-limit key.
type Record struct {
	// Count is the number of requests observed in the current window.
	Count int

	// WindowResetAt is when the current counting window ends.
	WindowResetAt time.Time

	// BlockedUntil is when an active block expires. Zero when the key is
	// not blocked.
	BlockedUntil time.Time
}

// Blocked reports whether the record is in a blocked state at the given time.
func (r *Record) Blocked(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && now.Before(r.BlockedUntil)
}

// Clone returns a copy of the record. Stores hand out clones so callers can
// never mutate stored state outside of Update.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// UpdateFunc mutates a record inside an atomic read-modify-write cycle.
// cur is nil when no live record exists for the key. The function returns the
// record to store and the TTL to apply to it, or an error to abort the
// update. Returning a nil record deletes the key.
type UpdateFunc func(cur *Record) (next *Record, ttl time.Duration, err error)

// Store is the contract for expiring record storage.
//
// Get on a missing or expired key returns (nil, nil). Set schedules automatic
// removal at ttl from now regardless of further reads, so a record never
// outlives its window. Update performs fn as a single logical operation with
// respect to other calls on the same key; this is the serialization point the
// rate limiter relies on for exact counting under concurrency.
//
// All methods accept context.Context because a backend may be remote.
// Backend failures are reported as errors wrapping ErrUnavailable.
type Store interface {
	// Get retrieves the record for a key, or (nil, nil) if absent/expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Set stores a record with a time-to-live.
	Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically applies fn to the record for key and returns the
	// stored result (nil if fn deleted the record).
	Update(ctx context.Context, key string, fn UpdateFunc) (*Record, error)

	// Close releases backend resources.
	Close() error
}
