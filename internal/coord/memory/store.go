// Package memory provides the single-process coordination store. One mutex
// guards all state, which makes every Store method trivially atomic; it is
// the development and test stand-in for the Postgres store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/medialens/arena-collector/internal/coord"
)

type lease struct {
	holder  string
	expires time.Time
}

// Store implements coord.Store in process memory.
type Store struct {
	mu        sync.Mutex
	leases    map[string]lease
	quotas    map[string]map[time.Time]int
	slots     map[string][]time.Time
	cooldowns map[string]time.Time
	now       func() time.Time
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		leases:    make(map[string]lease),
		quotas:    make(map[string]map[time.Time]int),
		slots:     make(map[string][]time.Time),
		cooldowns: make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// AcquireCredential implements the indivisible lease+quota acquisition.
func (s *Store) AcquireCredential(
	_ context.Context,
	credID, holder string,
	ttl time.Duration,
	quotas []coord.Quota,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if cur, ok := s.leases[credID]; ok && cur.expires.After(now) && cur.holder != holder {
		return false, nil
	}
	for _, q := range quotas {
		if q.Limit <= 0 {
			continue
		}
		if s.quotas[q.Key][q.WindowStart] >= q.Limit {
			return false, nil
		}
	}

	s.leases[credID] = lease{holder: holder, expires: now.Add(ttl)}
	for _, q := range quotas {
		if q.Limit <= 0 {
			continue
		}
		windows, ok := s.quotas[q.Key]
		if !ok {
			windows = make(map[time.Time]int)
			s.quotas[q.Key] = windows
		}
		// Drop superseded windows so counters never leak across boundaries.
		for start := range windows {
			if start.Before(q.WindowStart) {
				delete(windows, start)
			}
		}
		windows[q.WindowStart]++
	}
	return true, nil
}

// ReleaseLease deletes the lease if held by holder; idempotent.
func (s *Store) ReleaseLease(_ context.Context, credID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[credID]; ok && cur.holder == holder {
		delete(s.leases, credID)
	}
	return nil
}

// LeaseHolder reports the unexpired lease holder, if any.
func (s *Store) LeaseHolder(_ context.Context, credID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[credID]
	if !ok || !cur.expires.After(s.now()) {
		return "", false, nil
	}
	return cur.holder, true, nil
}

// TakeSlot counts-and-increments under the sliding window atomically.
func (s *Store) TakeSlot(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-window)

	kept := s.slots[key][:0]
	for _, ts := range s.slots[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit {
		s.slots[key] = kept
		return false, nil
	}
	s.slots[key] = append(kept, now)
	return true, nil
}

// SetCooldown opens a cooldown until the given instant.
func (s *Store) SetCooldown(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[key] = until
	return nil
}

// CooldownUntil reports an active cooldown's expiry.
func (s *Store) CooldownUntil(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[key]
	if !ok || !until.After(s.now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// ClearCooldown removes a cooldown.
func (s *Store) ClearCooldown(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cooldowns, key)
	return nil
}
