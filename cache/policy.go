package cache

import "time"

// EntryInfo is the per-entry metadata a policy may inspect when choosing an
// eviction victim. Values are copies; policies cannot mutate cache state.
type EntryInfo struct {
	Key         string
	LastAccess  time.Time
	InsertedAt  time.Time
	AccessCount uint64
}

// Policy selects which entry to evict when the cache is at capacity.
// Victim is called with at least one candidate and must return the key of
// one of them; ties may be broken arbitrarily.
type Policy interface {
	// Victim returns the key of the entry to evict.
	Victim(candidates []EntryInfo) string

	// Name returns the policy identifier for logging and stats.
	Name() string
}

// LRU evicts the entry with the oldest last access time.
type LRU struct{}

// Victim implements Policy.
func (LRU) Victim(candidates []EntryInfo) string {
	victim := candidates[0]
	for _, c := range candidates[1:] {
		if c.LastAccess.Before(victim.LastAccess) {
			victim = c
		}
	}
	return victim.Key
}

// Name implements Policy.
func (LRU) Name() string { return "lru" }

// LFU evicts the entry with the fewest accesses, breaking ties by oldest
// last access.
type LFU struct{}

// Victim implements Policy.
func (LFU) Victim(candidates []EntryInfo) string {
	victim := candidates[0]
	for _, c := range candidates[1:] {
		if c.AccessCount < victim.AccessCount ||
			(c.AccessCount == victim.AccessCount && c.LastAccess.Before(victim.LastAccess)) {
			victim = c
		}
	}
	return victim.Key
}

// Name implements Policy.
func (LFU) Name() string { return "lfu" }

// FIFO evicts the entry inserted earliest, regardless of access pattern.
type FIFO struct{}

// Victim implements Policy.
func (FIFO) Victim(candidates []EntryInfo) string {
	victim := candidates[0]
	for _, c := range candidates[1:] {
		if c.InsertedAt.Before(victim.InsertedAt) {
			victim = c
		}
	}
	return victim.Key
}

// Name implements Policy.
func (FIFO) Name() string { return "fifo" }
