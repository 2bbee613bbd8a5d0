package zerotrust

import (
	"fmt"
	"testing"
	"time"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r, err := NewSessionRegistry(0)
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}

	r.Register("s1", "fp-1")

	if !r.Known("s1") {
		t.Error("Known(s1) = false, want true")
	}
	if r.Known("s2") {
		t.Error("Known(s2) = true, want false")
	}

	fp, ok := r.Fingerprint("s1")
	if !ok || fp != "fp-1" {
		t.Errorf("Fingerprint(s1) = %q, %v, want fp-1, true", fp, ok)
	}

	// Re-registering rebinds the fingerprint
	r.Register("s1", "fp-2")
	if fp, _ := r.Fingerprint("s1"); fp != "fp-2" {
		t.Errorf("Fingerprint(s1) after rebind = %q, want fp-2", fp)
	}
}

func TestSessionRegistry_EmptyIDIgnored(t *testing.T) {
	r, err := NewSessionRegistry(0)
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}

	r.Register("", "fp")
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after registering empty ID", r.Len())
	}
}

func TestSessionRegistry_Bounded(t *testing.T) {
	r, err := NewSessionRegistry(5)
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		r.Register(fmt.Sprintf("s%d", i), "fp")
	}
	if r.Len() > 5 {
		t.Errorf("Len() = %d, want <= 5", r.Len())
	}
}

func TestSessionRegistry_ObservedSessionNotKnown(t *testing.T) {
	r, err := NewSessionRegistry(0)
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}

	// Navigation tracking alone must not make a session known
	r.ObserveNavigation("s1", 100*time.Millisecond)
	if r.Known("s1") {
		t.Error("Known(s1) = true for a session without a bound fingerprint, want false")
	}

	r.Register("s1", "fp-1")
	if !r.Known("s1") {
		t.Error("Known(s1) = false after fingerprint binding, want true")
	}
}

func TestSessionRegistry_ObserveNavigation(t *testing.T) {
	r, err := NewSessionRegistry(0)
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	minGap := 100 * time.Millisecond

	// Unknown session starts tracking
	if got := r.ObserveNavigation("s1", minGap); got != 0 {
		t.Errorf("first observation = %d, want 0", got)
	}

	// Rapid gaps accumulate
	for want := 1; want <= 3; want++ {
		current = current.Add(10 * time.Millisecond)
		if got := r.ObserveNavigation("s1", minGap); got != want {
			t.Errorf("rapid observation = %d, want %d", got, want)
		}
	}

	// A normal gap resets the counter
	current = current.Add(time.Second)
	if got := r.ObserveNavigation("s1", minGap); got != 0 {
		t.Errorf("observation after pause = %d, want 0", got)
	}
}
