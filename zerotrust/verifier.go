package zerotrust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/reqshield/cache"
	"github.com/giantswarm/reqshield/instrumentation"
	"github.com/giantswarm/reqshield/threat"
)

// Fusion rule constants. These two values are the security-relevant
// contract of the verifier: a request is allowed only when its accumulated
// risk stays under AllowRiskThreshold AND it collected fewer than
// MaxChallenges failed checks.
const (
	AllowRiskThreshold = 70
	MaxChallenges      = 3
)

const (
	// sessionChallengePenalty is added in strict mode when a request
	// arrives without a recognized session. Together with a failed identity
	// check it reaches AllowRiskThreshold, so fully anonymous requests are
	// denied while a credentialed first visit still passes.
	sessionChallengePenalty = 40

	// threatSubscoreCap bounds the detector's contribution so a single
	// signal source cannot dominate the fused score
	threatSubscoreCap = 40
)

// Settings are the runtime-mutable verification toggles. They are replaced
// as a whole via UpdateSettings to avoid partial-update races. Defaults
// favor maximum verification.
type Settings struct {
	// StrictMode additionally challenges requests without a known session
	StrictMode bool

	// ContinuousVerify re-runs every check on every request. When false,
	// a known session with a consistent fingerprint reuses its last
	// verification result.
	ContinuousVerify bool

	// UseThreatDetector includes the threat analysis subscore
	UseThreatDetector bool
}

// DefaultSettings returns the maximum-verification defaults.
func DefaultSettings() Settings {
	return Settings{
		StrictMode:        true,
		ContinuousVerify:  true,
		UseThreatDetector: true,
	}
}

// Result is the outcome of one verification call.
type Result struct {
	// Allowed reports whether the request passed the fusion rule
	Allowed bool

	// RiskScore is the fused risk accumulated across all checks
	RiskScore int

	// Challenges names the checks that failed
	Challenges []string

	// SessionToken is minted only on allowed decisions
	SessionToken string
}

// Config holds verifier construction parameters. Zero-value fields select
// defaults.
type Config struct {
	// Settings are the initial runtime toggles (default: DefaultSettings)
	Settings *Settings

	// SealingKey enables sealed session tokens when 32 bytes long.
	// Empty disables sealing (tokens are bare session identifiers).
	SealingKey []byte

	// DeniedCIDRs are origin ranges the network check rejects
	DeniedCIDRs []string

	// MaxSessions bounds the session registry (default: DefaultMaxSessions)
	MaxSessions int

	// Identity, Device, Network, Behavior override the default checkers.
	// Each sub-check is independently substitutable.
	Identity IdentityChecker
	Device   DeviceChecker
	Network  NetworkChecker
	Behavior BehaviorChecker

	// Credentials backs the default identity checker. Ignored when
	// Identity is set.
	Credentials CredentialStore
}

// Verifier fuses independent trust signals into a single allow/deny
// decision per request. Each sub-check contributes a weighted penalty and,
// on failure, a named challenge; the fusion rule combines them.
type Verifier struct {
	identity IdentityChecker
	device   DeviceChecker
	network  NetworkChecker
	behavior BehaviorChecker

	detector *threat.Detector
	sealer   *TokenSealer
	sessions *SessionRegistry

	// results memoizes verification outcomes per session for the
	// ContinuousVerify=false mode
	results *cache.Cache[Result]

	settingsMu sync.RWMutex
	settings   Settings

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	now func() time.Time
}

// NewVerifier creates a verifier. detector may be nil when threat analysis
// is handled elsewhere; the UseThreatDetector toggle is then inert.
func NewVerifier(cfg Config, detector *threat.Detector, logger *slog.Logger) (*Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sealer, err := NewTokenSealer(cfg.SealingKey)
	if err != nil {
		return nil, fmt.Errorf("invalid sealing key: %w", err)
	}

	sessions, err := NewSessionRegistry(cfg.MaxSessions)
	if err != nil {
		return nil, err
	}

	results, err := cache.New[Result](DefaultMaxSessions)
	if err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}

	v := &Verifier{
		detector: detector,
		sealer:   sealer,
		sessions: sessions,
		results:  results,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}

	v.identity = cfg.Identity
	if v.identity == nil {
		v.identity = &HeaderIdentity{Credentials: cfg.Credentials}
	}
	v.device = cfg.Device
	if v.device == nil {
		v.device = &RegistryDevice{Sessions: sessions}
	}
	v.network = cfg.Network
	if v.network == nil {
		network, err := ParseCIDRNetwork(cfg.DeniedCIDRs)
		if err != nil {
			return nil, fmt.Errorf("invalid denied CIDR: %w", err)
		}
		v.network = network
	}
	v.behavior = cfg.Behavior
	if v.behavior == nil {
		v.behavior = &RegistryBehavior{Sessions: sessions}
	}

	return v, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the verifier
func (v *Verifier) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.instrumentation = inst
	v.results.SetInstrumentation(inst)
}

// Settings returns a copy of the current settings.
func (v *Verifier) Settings() Settings {
	v.settingsMu.RLock()
	defer v.settingsMu.RUnlock()
	return v.settings
}

// UpdateSettings replaces the settings as a whole.
func (v *Verifier) UpdateSettings(s Settings) {
	v.settingsMu.Lock()
	v.settings = s
	v.settingsMu.Unlock()
	v.logger.Info("Zero-trust settings updated",
		"strict_mode", s.StrictMode,
		"continuous_verify", s.ContinuousVerify,
		"use_threat_detector", s.UseThreatDetector)
}

// Sessions exposes the session registry for callers that bind sessions out
// of band (e.g., after an upstream login).
func (v *Verifier) Sessions() *SessionRegistry {
	return v.sessions
}

// VerifyRequest runs all trust checks against the request and fuses them
// into a decision. It never panics on missing fields; a nil request is
// verified as an anonymous, sessionless request.
//
// Cancellation: if ctx is done before fusion completes, the call returns
// ctx.Err() with a conservative not-allowed result and nothing is memoized,
// so abandoned verifications leave no partial state behind.
func (v *Verifier) VerifyRequest(ctx context.Context, req *threat.Request, sig threat.Signals) (Result, error) {
	if req == nil {
		req = &threat.Request{}
	}
	req.Normalize()

	settings := v.Settings()

	if !settings.ContinuousVerify && req.SessionID != "" {
		if cached, ok := v.results.Get(req.SessionID); ok {
			if recorded, known := v.sessions.Fingerprint(req.SessionID); known && recorded == Fingerprint(req) {
				return cached, nil
			}
		}
	}

	// Captured before the checks run: the behavior check starts tracking
	// unseen sessions, which must not count as recognition here.
	sessionKnown := req.SessionID != "" && v.sessions.Known(req.SessionID)

	var (
		risk       int
		challenges []string
	)

	apply := func(name string, res CheckResult) {
		if res.Passed {
			return
		}
		risk += res.Penalty
		challenges = append(challenges, name)
		v.logger.Debug("Trust check failed",
			"check", name,
			"penalty", res.Penalty,
			"reason", res.Reason)
	}

	apply(ChallengeIdentity, v.identity.CheckIdentity(ctx, req))
	apply(ChallengeDevice, v.device.CheckDevice(ctx, req))
	apply(ChallengeNetwork, v.network.CheckNetwork(ctx, req))
	apply(ChallengeBehavior, v.behavior.CheckBehavior(ctx, req))

	if settings.StrictMode && !sessionKnown {
		apply(ChallengeSession, fail(sessionChallengePenalty, "no recognized session"))
	}

	if settings.UseThreatDetector && v.detector != nil {
		report := v.detector.Analyze(ctx, req, sig)
		sub := report.RiskScore / 2
		if sub > threatSubscoreCap {
			sub = threatSubscoreCap
		}
		risk += sub
		if report.Action == threat.ActionBlock || report.Action == threat.ActionChallenge {
			challenges = append(challenges, ChallengeThreat)
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{Allowed: false, RiskScore: risk, Challenges: challenges}, err
	}

	result := Result{
		RiskScore:  risk,
		Challenges: challenges,
		Allowed:    risk < AllowRiskThreshold && len(challenges) < MaxChallenges,
	}

	if result.Allowed {
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		fingerprint := Fingerprint(req)
		v.sessions.Register(sessionID, fingerprint)

		token, err := v.sealer.Mint(sessionID, fingerprint, v.now())
		if err != nil {
			// A minting failure must not flip a deny into an allow path
			// elsewhere; degrade to denied and report.
			v.logger.Error("Session token minting failed", "error", err)
			result.Allowed = false
			result.Challenges = append(result.Challenges, ChallengeSession)
			return result, fmt.Errorf("mint session token: %w", err)
		}
		result.SessionToken = token

		v.results.Set(sessionID, result)
	}

	if v.instrumentation != nil {
		v.instrumentation.Metrics().RecordVerification(ctx, result.Allowed, len(result.Challenges))
	}

	return result, nil
}
