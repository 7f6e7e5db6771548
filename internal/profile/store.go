package profile

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stellarlinkco/mindmesh/internal/metrics"
)

// DefaultCapacity bounds the number of cached sessions.
const DefaultCapacity = 4096

// Store holds session profiles. Implementations must return copies from
// Get and Merge and must apply each Merge atomically.
type Store interface {
	Get(sessionID string) (*Profile, bool)
	// Merge overlays u onto the cached profile, creating it when absent.
	// An empty u changes nothing and returns the cached profile, or nil.
	Merge(sessionID string, u Update) *Profile
	Clear(sessionID string)
}

type entry struct {
	profile *Profile
	touched time.Time
}

// MemoryStore is a process-local Store bounded by an LRU of sessions.
// Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, *entry]
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewMemoryStore builds a store for up to capacity sessions; capacity <= 0
// selects DefaultCapacity. The least recently used session is evicted first.
func NewMemoryStore(capacity int, m *metrics.Metrics) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, *entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	return &MemoryStore{cache: cache, now: time.Now, metrics: m}, nil
}

func (s *MemoryStore) Get(sessionID string) (*Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, false
	}
	return e.profile.Clone(), true
}

func (s *MemoryStore) Merge(sessionID string, u Update) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Get(sessionID)
	if u.Empty() {
		if !ok {
			return nil
		}
		return e.profile.Clone()
	}

	now := s.now()
	var next *Profile
	if ok {
		next = e.profile.Clone()
	} else {
		next = &Profile{SessionID: sessionID}
	}
	next.apply(u, now)
	s.cache.Add(sessionID, &entry{profile: next, touched: now})
	s.metrics.SetSessions(s.cache.Len())
	return next.Clone()
}

func (s *MemoryStore) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(sessionID)
	s.metrics.SetSessions(s.cache.Len())
}

// Len returns the number of cached sessions.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// Sweep drops sessions not merged within idle and returns how many were removed.
func (s *MemoryStore) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	removed := 0
	for _, key := range s.cache.Keys() {
		e, ok := s.cache.Peek(key)
		if ok && e.touched.Before(cutoff) {
			s.cache.Remove(key)
			removed++
		}
	}
	s.metrics.SetSessions(s.cache.Len())
	return removed
}
