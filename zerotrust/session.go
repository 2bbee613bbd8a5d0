package zerotrust

import (
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/reqshield/cache"
)

const (
	// DefaultMaxSessions bounds the session registry so an attacker cannot
	// exhaust memory by spraying session identifiers
	DefaultMaxSessions = 10000
)

// sessionState is the per-session bookkeeping behind device and behavior
// checks.
type sessionState struct {
	mu          sync.Mutex
	fingerprint string
	lastSeen    time.Time
	rapidCount  int
}

// SessionRegistry tracks known sessions with their device fingerprints and
// navigation timing. It is bounded: least-recently-used sessions fall out
// once the capacity is reached.
type SessionRegistry struct {
	sessions *cache.Cache[*sessionState]
	now      func() time.Time
}

// NewSessionRegistry creates a registry bounded to maxSessions.
// Zero selects DefaultMaxSessions; negative values are rejected.
func NewSessionRegistry(maxSessions int) (*SessionRegistry, error) {
	if maxSessions == 0 {
		maxSessions = DefaultMaxSessions
	}
	sessions, err := cache.New[*sessionState](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("invalid session registry capacity: %w", err)
	}
	return &SessionRegistry{
		sessions: sessions,
		now:      time.Now,
	}, nil
}

// Register binds a fingerprint to a session, creating it if needed.
func (r *SessionRegistry) Register(sessionID, fingerprint string) {
	if sessionID == "" {
		return
	}
	state, present := r.sessions.GetOrSet(sessionID, &sessionState{
		fingerprint: fingerprint,
		lastSeen:    r.now(),
	})
	if present {
		state.mu.Lock()
		state.fingerprint = fingerprint
		state.mu.Unlock()
	}
}

// Known reports whether a device fingerprint has been bound to the session.
// Sessions created as a side effect of navigation tracking are not known
// until a fingerprint is registered.
func (r *SessionRegistry) Known(sessionID string) bool {
	fingerprint, ok := r.Fingerprint(sessionID)
	return ok && fingerprint != ""
}

// Fingerprint returns the fingerprint recorded for a session.
func (r *SessionRegistry) Fingerprint(sessionID string) (string, bool) {
	state, ok := r.sessions.Get(sessionID)
	if !ok {
		return "", false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.fingerprint, true
}

// ObserveNavigation records a request timestamp for the session and returns
// the current count of consecutive gaps shorter than minGap. Unknown
// sessions start tracking from this observation and return zero.
func (r *SessionRegistry) ObserveNavigation(sessionID string, minGap time.Duration) int {
	now := r.now()

	state, present := r.sessions.GetOrSet(sessionID, &sessionState{lastSeen: now})
	if !present {
		return 0
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	gap := now.Sub(state.lastSeen)
	state.lastSeen = now

	if gap > 0 && gap < minGap {
		state.rapidCount++
	} else {
		state.rapidCount = 0
	}
	return state.rapidCount
}

// Len returns the number of tracked sessions.
func (r *SessionRegistry) Len() int {
	return r.sessions.Stats().Size
}
