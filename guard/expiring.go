package guard

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ExpiringSet flags IDs for a fixed TTL. Stale entries are pruned on access,
// so the set stays bounded without a janitor goroutine. Time is always passed
// in by the caller so tests can drive it.
type ExpiringSet struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[snowflake.ID]time.Time
}

// NewExpiringSet builds a set whose entries expire after ttl.
func NewExpiringSet(ttl time.Duration) *ExpiringSet {
	return &ExpiringSet{
		ttl:     ttl,
		entries: make(map[snowflake.ID]time.Time),
	}
}

// Put flags id as of now.
func (s *ExpiringSet) Put(id snowflake.ID, now time.Time) {
	s.mu.Lock()
	s.prune(now)
	s.entries[id] = now
	s.mu.Unlock()
}

// Contains reports whether id is flagged and not yet expired.
func (s *ExpiringSet) Contains(id snowflake.ID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	_, ok := s.entries[id]
	return ok
}

// prune drops expired entries. Caller holds s.mu.
func (s *ExpiringSet) prune(now time.Time) {
	for id, at := range s.entries {
		if now.Sub(at) > s.ttl {
			delete(s.entries, id)
		}
	}
}
