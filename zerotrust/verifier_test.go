package zerotrust

import (
	"context"
	"testing"

	"github.com/giantswarm/reqshield/threat"
)

func newTestVerifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	v, err := NewVerifier(cfg, threat.NewDetector(nil, threat.DetectorConfig{}, nil), nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return v
}

func TestVerifier_AnonymousUnknownSessionDenied(t *testing.T) {
	v := newTestVerifier(t, Config{})

	req := trustedRequest()
	delete(req.Headers, "Authorization")
	req.SessionID = "never-seen"

	result, err := v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if result.Allowed {
		t.Errorf("Allowed = true for anonymous unknown session, want false (risk %d, challenges %v)",
			result.RiskScore, result.Challenges)
	}
	if len(result.Challenges) == 0 {
		t.Error("Challenges is empty, want at least one")
	}
	if result.SessionToken != "" {
		t.Error("SessionToken minted for a denied request")
	}
}

func TestVerifier_CredentialedFirstVisitAllowed(t *testing.T) {
	v := newTestVerifier(t, Config{})

	req := trustedRequest()
	req.SessionID = ""

	result, err := v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if !result.Allowed {
		t.Fatalf("Allowed = false for credentialed first visit (risk %d, challenges %v)",
			result.RiskScore, result.Challenges)
	}
	if result.SessionToken == "" {
		t.Error("SessionToken empty on allowed decision")
	}
}

func TestVerifier_AllowedRegistersSession(t *testing.T) {
	v := newTestVerifier(t, Config{})

	req := trustedRequest()
	result, err := v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if !result.Allowed {
		t.Fatalf("Allowed = false (risk %d, challenges %v)", result.RiskScore, result.Challenges)
	}

	fp, ok := v.Sessions().Fingerprint(req.SessionID)
	if !ok {
		t.Fatal("session not registered after allowed decision")
	}
	if fp != Fingerprint(req) {
		t.Errorf("registered fingerprint = %q, want %q", fp, Fingerprint(req))
	}

	// The second request on the registered session no longer draws the
	// session challenge
	result, err = v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("second VerifyRequest() error = %v", err)
	}
	for _, c := range result.Challenges {
		if c == ChallengeSession {
			t.Error("session challenge raised for a registered session")
		}
	}
}

func TestVerifier_ThreatSubscore(t *testing.T) {
	v := newTestVerifier(t, Config{})

	req := trustedRequest()
	req.Body = "SELECT * FROM users WHERE id = 1 OR 1=1"

	result, err := v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}

	found := false
	for _, c := range result.Challenges {
		if c == ChallengeThreat {
			found = true
		}
	}
	if !found {
		t.Errorf("Challenges = %v, want %q included", result.Challenges, ChallengeThreat)
	}
	if result.RiskScore < threatSubscoreCap {
		t.Errorf("RiskScore = %d, want >= %d from the threat subscore", result.RiskScore, threatSubscoreCap)
	}
}

func TestVerifier_ThreatDetectorToggle(t *testing.T) {
	settings := DefaultSettings()
	settings.UseThreatDetector = false
	settings.StrictMode = false
	v := newTestVerifier(t, Config{Settings: &settings})

	req := trustedRequest()
	req.Body = "SELECT * FROM users WHERE id = 1 OR 1=1"

	result, err := v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	for _, c := range result.Challenges {
		if c == ChallengeThreat {
			t.Error("threat challenge raised with the detector toggle off")
		}
	}
}

func TestVerifier_FusionRule(t *testing.T) {
	// The decision must be risk < 70 AND challenges < 3, checked
	// independently of how the inputs were produced.
	tests := []struct {
		name       string
		risk       int
		challenges int
		want       bool
	}{
		{"clean", 0, 0, true},
		{"risk just under", 69, 0, true},
		{"risk at threshold", 70, 0, false},
		{"two challenges", 30, 2, true},
		{"three challenges", 30, 3, false},
		{"both over", 90, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.risk < AllowRiskThreshold && tt.challenges < MaxChallenges
			if got != tt.want {
				t.Errorf("fusion(%d, %d) = %v, want %v", tt.risk, tt.challenges, got, tt.want)
			}
		})
	}
}

func TestVerifier_SealedTokenRoundTrip(t *testing.T) {
	v := newTestVerifier(t, Config{SealingKey: testSealingKey()})

	req := trustedRequest()
	result, err := v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if !result.Allowed {
		t.Fatalf("Allowed = false (risk %d, challenges %v)", result.RiskScore, result.Challenges)
	}

	sealer, _ := NewTokenSealer(testSealingKey())
	sessionID, fingerprint, _, err := sealer.Open(result.SessionToken)
	if err != nil {
		t.Fatalf("Open() of minted token error = %v", err)
	}
	if sessionID != req.SessionID {
		t.Errorf("token sessionID = %q, want %q", sessionID, req.SessionID)
	}
	if fingerprint != Fingerprint(req) {
		t.Errorf("token fingerprint = %q, want %q", fingerprint, Fingerprint(req))
	}
}

func TestVerifier_ContinuousVerifyOff(t *testing.T) {
	settings := DefaultSettings()
	settings.ContinuousVerify = false
	v := newTestVerifier(t, Config{Settings: &settings})

	req := trustedRequest()
	first, err := v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if !first.Allowed {
		t.Fatalf("Allowed = false (risk %d, challenges %v)", first.RiskScore, first.Challenges)
	}

	// With continuous verification off the memoized result is reused as
	// long as the session fingerprint matches
	second, err := v.VerifyRequest(context.Background(), trustedRequest(), threat.Signals{})
	if err != nil {
		t.Fatalf("second VerifyRequest() error = %v", err)
	}
	if !second.Allowed {
		t.Error("memoized result not reused with ContinuousVerify off")
	}

	// A different device must not ride the memoized result
	hijacked := trustedRequest()
	hijacked.Headers["User-Agent"] = "curl/8.5.0"
	third, err := v.VerifyRequest(context.Background(), hijacked, threat.Signals{})
	if err != nil {
		t.Fatalf("third VerifyRequest() error = %v", err)
	}
	if third.Allowed {
		// The fingerprint changed, so the full checks run again and the
		// device check fails alongside identity state; at minimum the
		// cached allow must not be returned blindly.
		for _, c := range third.Challenges {
			if c == ChallengeDevice {
				return
			}
		}
		t.Error("fingerprint change did not trigger re-verification")
	}
}

func TestVerifier_UpdateSettings(t *testing.T) {
	v := newTestVerifier(t, Config{})

	s := v.Settings()
	if !s.StrictMode || !s.ContinuousVerify || !s.UseThreatDetector {
		t.Errorf("default settings = %+v, want all enabled", s)
	}

	// The struct is replaced whole, so unset fields become false
	v.UpdateSettings(Settings{StrictMode: false})
	s = v.Settings()
	if s.StrictMode || s.ContinuousVerify || s.UseThreatDetector {
		t.Errorf("settings after update = %+v, want all disabled", s)
	}
}

func TestVerifier_CancelledContext(t *testing.T) {
	v := newTestVerifier(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := v.VerifyRequest(ctx, trustedRequest(), threat.Signals{})
	if err == nil {
		t.Fatal("VerifyRequest() with canceled context error = nil, want error")
	}
	if result.Allowed {
		t.Error("Allowed = true on canceled context, want false")
	}
	if result.SessionToken != "" {
		t.Error("SessionToken minted on canceled context")
	}
}

func TestVerifier_NilRequest(t *testing.T) {
	v := newTestVerifier(t, Config{})

	result, err := v.VerifyRequest(context.Background(), nil, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest(nil) error = %v", err)
	}
	if result.Allowed {
		t.Error("Allowed = true for an empty anonymous request, want false")
	}
}

func TestVerifier_DeniedNetworkRange(t *testing.T) {
	v := newTestVerifier(t, Config{DeniedCIDRs: []string{"203.0.113.0/24"}})

	req := trustedRequest()
	result, err := v.VerifyRequest(context.Background(), req, threat.Signals{})
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}

	found := false
	for _, c := range result.Challenges {
		if c == ChallengeNetwork {
			found = true
		}
	}
	if !found {
		t.Errorf("Challenges = %v, want %q included", result.Challenges, ChallengeNetwork)
	}
}
