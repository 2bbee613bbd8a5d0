package zerotrust

import (
	"context"
	"testing"
	"time"

	"github.com/giantswarm/reqshield/threat"
)

func trustedRequest() *threat.Request {
	return &threat.Request{
		URL:    "/account",
		Method: "GET",
		Headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0",
			"Accept-Language": "en-US,en;q=0.5",
			"Accept-Encoding": "gzip, deflate, br",
			"Authorization":   "Bearer alice:hunter2",
		},
		IP:        "203.0.113.10",
		SessionID: "session-1",
	}
}

func TestHeaderIdentity_PresenceOnly(t *testing.T) {
	check := &HeaderIdentity{}

	res := check.CheckIdentity(context.Background(), trustedRequest())
	if !res.Passed {
		t.Errorf("CheckIdentity() with credentials = fail (%s), want pass", res.Reason)
	}

	req := trustedRequest()
	delete(req.Headers, "Authorization")
	res = check.CheckIdentity(context.Background(), req)
	if res.Passed {
		t.Error("CheckIdentity() without credentials = pass, want fail")
	}
	if res.Penalty != IdentityPenalty {
		t.Errorf("Penalty = %d, want %d", res.Penalty, IdentityPenalty)
	}
}

func TestHeaderIdentity_CredentialStore(t *testing.T) {
	creds := NewMemoryCredentials()
	if err := creds.Add("alice", "hunter2"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	check := &HeaderIdentity{Credentials: creds}
	ctx := context.Background()

	if res := check.CheckIdentity(ctx, trustedRequest()); !res.Passed {
		t.Errorf("valid credential = fail (%s), want pass", res.Reason)
	}

	req := trustedRequest()
	req.Headers["Authorization"] = "Bearer alice:wrong"
	if res := check.CheckIdentity(ctx, req); res.Passed {
		t.Error("wrong secret = pass, want fail")
	}

	req.Headers["Authorization"] = "Bearer mallory:hunter2"
	if res := check.CheckIdentity(ctx, req); res.Passed {
		t.Error("unknown id = pass, want fail")
	}

	req.Headers["Authorization"] = "Bearer no-separator"
	if res := check.CheckIdentity(ctx, req); res.Passed {
		t.Error("malformed credential = pass, want fail")
	}
}

func TestRegistryDevice(t *testing.T) {
	sessions, err := NewSessionRegistry(0)
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}
	check := &RegistryDevice{Sessions: sessions}
	ctx := context.Background()

	req := trustedRequest()

	// Unknown session passes; binding happens on the first allowed decision
	if res := check.CheckDevice(ctx, req); !res.Passed {
		t.Errorf("unknown session = fail (%s), want pass", res.Reason)
	}

	sessions.Register(req.SessionID, Fingerprint(req))
	if res := check.CheckDevice(ctx, req); !res.Passed {
		t.Errorf("matching fingerprint = fail (%s), want pass", res.Reason)
	}

	// Same session from a different device fails
	changed := trustedRequest()
	changed.Headers["User-Agent"] = "curl/8.5.0"
	res := check.CheckDevice(ctx, changed)
	if res.Passed {
		t.Error("changed fingerprint = pass, want fail")
	}
	if res.Penalty != DevicePenalty {
		t.Errorf("Penalty = %d, want %d", res.Penalty, DevicePenalty)
	}

	// No session at all passes
	anonymous := trustedRequest()
	anonymous.SessionID = ""
	if res := check.CheckDevice(ctx, anonymous); !res.Passed {
		t.Error("sessionless request = fail, want pass")
	}
}

func TestCIDRNetwork(t *testing.T) {
	check, err := ParseCIDRNetwork([]string{"198.51.100.0/24"})
	if err != nil {
		t.Fatalf("ParseCIDRNetwork() error = %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name string
		ip   string
		pass bool
	}{
		{"clean address", "203.0.113.10", true},
		{"denied range", "198.51.100.7", false},
		{"unparseable", "not-an-ip", false},
		{"empty", "", false},
		{"unspecified", "0.0.0.0", false},
		{"ipv6 clean", "2001:db8::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := trustedRequest()
			req.IP = tt.ip
			res := check.CheckNetwork(ctx, req)
			if res.Passed != tt.pass {
				t.Errorf("CheckNetwork(%q) passed = %v, want %v (%s)", tt.ip, res.Passed, tt.pass, res.Reason)
			}
		})
	}
}

func TestParseCIDRNetwork_InvalidCIDR(t *testing.T) {
	if _, err := ParseCIDRNetwork([]string{"not-a-cidr"}); err == nil {
		t.Error("ParseCIDRNetwork() with bad CIDR error = nil, want error")
	}
}

func TestRegistryBehavior(t *testing.T) {
	sessions, err := NewSessionRegistry(0)
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	sessions.now = func() time.Time { return current }

	check := &RegistryBehavior{Sessions: sessions, MinGap: 100 * time.Millisecond, Strikes: 3}
	ctx := context.Background()
	req := trustedRequest()

	// First observation starts tracking
	if res := check.CheckBehavior(ctx, req); !res.Passed {
		t.Errorf("first request = fail (%s), want pass", res.Reason)
	}

	// Three rapid requests in a row cross the strike threshold
	for i := 0; i < 2; i++ {
		current = current.Add(10 * time.Millisecond)
		if res := check.CheckBehavior(ctx, req); !res.Passed {
			t.Fatalf("request %d = fail, want pass (below strike threshold)", i+2)
		}
	}
	current = current.Add(10 * time.Millisecond)
	res := check.CheckBehavior(ctx, req)
	if res.Passed {
		t.Error("sustained rapid navigation = pass, want fail")
	}
	if res.Penalty != BehaviorPenalty {
		t.Errorf("Penalty = %d, want %d", res.Penalty, BehaviorPenalty)
	}

	// A human-scale pause resets the strike counter
	current = current.Add(5 * time.Second)
	if res := check.CheckBehavior(ctx, req); !res.Passed {
		t.Errorf("after pause = fail (%s), want pass", res.Reason)
	}
}

func TestFingerprint_Stability(t *testing.T) {
	a := Fingerprint(trustedRequest())
	b := Fingerprint(trustedRequest())
	if a != b {
		t.Errorf("Fingerprint() not stable: %q != %q", a, b)
	}

	changed := trustedRequest()
	changed.Headers["User-Agent"] = "curl/8.5.0"
	if Fingerprint(changed) == a {
		t.Error("Fingerprint() unchanged despite different User-Agent")
	}

	if len(a) != 16 {
		t.Errorf("Fingerprint() length = %d, want 16", len(a))
	}
}
