package merchant

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// HitCounter records hot-question hits. Implementations must tolerate
// concurrent increments without losing updates.
type HitCounter interface {
	IncrementHit(ctx context.Context, merchantID, questionID string) error
}

// MemoryHits is the in-process hit counter used with file-backed profiles.
type MemoryHits struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

// NewMemoryHits creates an empty counter set.
func NewMemoryHits() *MemoryHits {
	return &MemoryHits{counts: make(map[string]map[string]int64)}
}

// IncrementHit implements HitCounter.
func (m *MemoryHits) IncrementHit(_ context.Context, merchantID, questionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counts[merchantID] == nil {
		m.counts[merchantID] = make(map[string]int64)
	}
	m.counts[merchantID][questionID]++
	return nil
}

// HitCount returns the recorded hits for a hot question.
func (m *MemoryHits) HitCount(merchantID, questionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[merchantID][questionID]
}

type cacheEntry struct {
	profile  *Profile
	loadedAt time.Time
}

// Store fronts a Loader with a short-TTL cache and owns the fire-and-forget
// hit counting. Cache entries are replaced wholesale on expiry, so readers
// never observe a partially updated profile.
type Store struct {
	loader Loader
	hits   HitCounter
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewStore creates a profile store.
func NewStore(loader Loader, hits HitCounter, ttl time.Duration) *Store {
	return &Store{
		loader: loader,
		hits:   hits,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Get returns the merchant's profile, loading it from the backing store when
// the cached copy is missing or stale.
func (s *Store) Get(ctx context.Context, merchantID string) (*Profile, error) {
	s.mu.Lock()
	entry, ok := s.cache[merchantID]
	if ok && s.now().Sub(entry.loadedAt) < s.ttl {
		s.mu.Unlock()
		return entry.profile, nil
	}
	s.mu.Unlock()

	profile, err := s.loader.Load(ctx, merchantID)
	if err != nil {
		// A stale cached profile beats no profile when the backing store is down.
		if ok && !IsNotFound(err) {
			log.Printf("[Merchant] Refresh failed for %s, serving stale profile: %v", merchantID, err)
			return entry.profile, nil
		}
		return nil, fmt.Errorf("failed to load merchant profile: %w", err)
	}

	s.mu.Lock()
	s.cache[merchantID] = cacheEntry{profile: profile, loadedAt: s.now()}
	s.mu.Unlock()

	return profile, nil
}

// Invalidate drops the cached profile so the next Get reloads it.
func (s *Store) Invalidate(merchantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, merchantID)
}

// RecordHit increments a hot question's hit counter on a detached goroutine.
// Failures are logged and swallowed; the reply path must never wait on or
// fail because of hit counting.
func (s *Store) RecordHit(merchantID, questionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.hits.IncrementHit(ctx, merchantID, questionID); err != nil {
			log.Printf("[Merchant] Hit increment failed for %s/%s: %v", merchantID, questionID, err)
		}
	}()
}
