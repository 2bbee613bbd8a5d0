package zerotrust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/reqshield/threat"
)

// Default penalties each failed check contributes to the risk score.
const (
	IdentityPenalty = 30
	DevicePenalty   = 20
	NetworkPenalty  = 20
	BehaviorPenalty = 15
)

// Challenge names surfaced to callers when a check fails.
const (
	ChallengeIdentity = "identity"
	ChallengeDevice   = "device"
	ChallengeNetwork  = "network"
	ChallengeBehavior = "behavior"
	ChallengeThreat   = "threat"
	ChallengeSession  = "session"
)

// CheckResult is the outcome of one trust signal check.
type CheckResult struct {
	// Passed reports whether the signal vouches for the request
	Passed bool

	// Penalty is added to the risk score when the check fails
	Penalty int

	// Reason describes why the check failed, for logging
	Reason string
}

// pass and fail are shorthands for building CheckResults
func pass() CheckResult { return CheckResult{Passed: true} }

func fail(penalty int, reason string) CheckResult {
	return CheckResult{Penalty: penalty, Reason: reason}
}

// IdentityChecker verifies credential presence and validity.
type IdentityChecker interface {
	CheckIdentity(ctx context.Context, req *threat.Request) CheckResult
}

// DeviceChecker verifies device fingerprint consistency across a session.
type DeviceChecker interface {
	CheckDevice(ctx context.Context, req *threat.Request) CheckResult
}

// NetworkChecker verifies the request origin.
type NetworkChecker interface {
	CheckNetwork(ctx context.Context, req *threat.Request) CheckResult
}

// BehaviorChecker verifies session behavior such as navigation speed.
type BehaviorChecker interface {
	CheckBehavior(ctx context.Context, req *threat.Request) CheckResult
}

// Fingerprint derives a stable device fingerprint from request attributes
// that browsers keep constant within a session. The value is a truncated
// SHA-256 digest, safe to log and to embed in session tokens.
func Fingerprint(req *threat.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Header("User-Agent")))
	h.Write([]byte{0})
	h.Write([]byte(req.Header("Accept-Language")))
	h.Write([]byte{0})
	h.Write([]byte(req.Header("Accept-Encoding")))
	h.Write([]byte{0})
	h.Write([]byte(req.IP))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// CredentialStore resolves a credential ID to its stored bcrypt hash.
// Implementations may be backed by a database or a config file; the
// in-memory implementation below covers tests and small deployments.
type CredentialStore interface {
	// CredentialHash returns the bcrypt hash for an ID, or ok=false when
	// the ID is unknown.
	CredentialHash(ctx context.Context, id string) (hash string, ok bool, err error)
}

// MemoryCredentials is a static in-memory CredentialStore.
type MemoryCredentials struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewMemoryCredentials creates an empty credential store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{hashes: make(map[string]string)}
}

// Add hashes and stores a secret for an ID.
func (m *MemoryCredentials) Add(id, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.hashes[id] = string(hash)
	m.mu.Unlock()
	return nil
}

// CredentialHash implements CredentialStore.
func (m *MemoryCredentials) CredentialHash(_ context.Context, id string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.hashes[id]
	return hash, ok, nil
}

// HeaderIdentity checks the Authorization header. With a credential store
// configured it expects "Bearer <id>:<secret>" and validates the secret
// against the stored bcrypt hash; without one, any non-empty credential
// passes (presence-only mode for fronting proxies that authenticate
// upstream).
type HeaderIdentity struct {
	Credentials CredentialStore
}

// CheckIdentity implements IdentityChecker.
func (h *HeaderIdentity) CheckIdentity(ctx context.Context, req *threat.Request) CheckResult {
	auth := strings.TrimSpace(req.Header("Authorization"))
	if auth == "" {
		return fail(IdentityPenalty, "no credentials presented")
	}

	if h.Credentials == nil {
		return pass()
	}

	token := strings.TrimPrefix(auth, "Bearer ")
	id, secret, found := strings.Cut(token, ":")
	if !found {
		return fail(IdentityPenalty, "malformed credential")
	}

	hash, ok, err := h.Credentials.CredentialHash(ctx, id)
	if err != nil {
		// Treat a lookup failure as untrusted rather than granting a pass.
		return fail(IdentityPenalty, "credential lookup failed")
	}
	if !ok {
		return fail(IdentityPenalty, "unknown credential")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return fail(IdentityPenalty, "credential mismatch")
	}
	return pass()
}

// RegistryDevice checks that the request's device fingerprint matches the
// one recorded for its session. A request without a session, or for an
// unknown session, passes; binding happens when the verifier registers the
// session on an allowed decision.
type RegistryDevice struct {
	Sessions *SessionRegistry
}

// CheckDevice implements DeviceChecker.
func (d *RegistryDevice) CheckDevice(_ context.Context, req *threat.Request) CheckResult {
	if req.SessionID == "" || d.Sessions == nil {
		return pass()
	}
	recorded, ok := d.Sessions.Fingerprint(req.SessionID)
	if !ok || recorded == "" {
		// An empty fingerprint means the session was observed but never
		// bound to a device; binding happens on the first allowed decision.
		return pass()
	}
	if recorded != Fingerprint(req) {
		return fail(DevicePenalty, "device fingerprint changed within session")
	}
	return pass()
}

// CIDRNetwork checks the origin IP: it must parse, and must not fall inside
// any denied range.
type CIDRNetwork struct {
	Denied []*net.IPNet
}

// ParseCIDRNetwork builds a CIDRNetwork from CIDR strings.
func ParseCIDRNetwork(cidrs []string) (*CIDRNetwork, error) {
	n := &CIDRNetwork{}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		n.Denied = append(n.Denied, ipnet)
	}
	return n, nil
}

// CheckNetwork implements NetworkChecker.
func (n *CIDRNetwork) CheckNetwork(_ context.Context, req *threat.Request) CheckResult {
	ip := net.ParseIP(strings.TrimSpace(req.IP))
	if ip == nil {
		return fail(NetworkPenalty, "unparseable origin address")
	}
	if ip.IsUnspecified() {
		return fail(NetworkPenalty, "unspecified origin address")
	}
	for _, ipnet := range n.Denied {
		if ipnet.Contains(ip) {
			return fail(NetworkPenalty, "origin in denied range")
		}
	}
	return pass()
}

// RegistryBehavior checks navigation speed against real per-session timing
// recorded in the session registry. Repeated sub-human gaps between requests
// mark the session as scripted.
type RegistryBehavior struct {
	Sessions *SessionRegistry

	// MinGap is the inter-request gap under which navigation counts as
	// scripted. Zero selects the detector's default.
	MinGap time.Duration

	// Strikes is how many consecutive sub-MinGap gaps fail the check.
	// Zero selects 3.
	Strikes int
}

// CheckBehavior implements BehaviorChecker.
func (b *RegistryBehavior) CheckBehavior(_ context.Context, req *threat.Request) CheckResult {
	if req.SessionID == "" || b.Sessions == nil {
		return pass()
	}

	minGap := b.MinGap
	if minGap <= 0 {
		minGap = threat.DefaultMinRequestGap
	}
	strikes := b.Strikes
	if strikes <= 0 {
		strikes = 3
	}

	rapid := b.Sessions.ObserveNavigation(req.SessionID, minGap)
	if rapid >= strikes {
		return fail(BehaviorPenalty, "sustained sub-human navigation speed")
	}
	return pass()
}
