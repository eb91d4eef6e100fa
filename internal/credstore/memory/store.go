// Package memory provides an in-memory credential store for development and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/credstore"
)

// Store implements credstore.Store backed by a map.
type Store struct {
	mu    sync.RWMutex
	creds map[string]credstore.Credential
	now   func() time.Time
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		creds: make(map[string]credstore.Credential),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new active credential and returns it.
func (s *Store) Create(
	_ context.Context,
	platform string,
	tier arena.Tier,
	encrypted []byte,
	label string,
	quotas credstore.Quotas,
) (credstore.Credential, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return credstore.Credential{}, fmt.Errorf("generate credential id: %w", err)
	}
	now := s.now()
	cred := credstore.Credential{
		ID:        id.String(),
		Platform:  platform,
		Tier:      tier,
		Label:     label,
		Encrypted: append([]byte(nil), encrypted...),
		Quotas:    quotas,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ID] = cred
	return cred, nil
}

// List returns credentials matching (platform, tier), oldest first so
// acquisition order is stable.
func (s *Store) List(
	_ context.Context,
	platform string,
	tier arena.Tier,
	activeOnly bool,
) ([]credstore.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []credstore.Credential
	for _, cred := range s.creds {
		if cred.Platform != platform || cred.Tier != tier {
			continue
		}
		if activeOnly && !cred.Active {
			continue
		}
		out = append(out, cred)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get fetches one credential by id.
func (s *Store) Get(_ context.Context, id string) (credstore.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[id]
	if !ok {
		return credstore.Credential{}, credstore.ErrNotFound
	}
	return cred, nil
}

// RecordError increments the consecutive error counter.
func (s *Store) RecordError(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return 0, credstore.ErrNotFound
	}
	cred.ErrorCount++
	cred.UpdatedAt = s.now()
	s.creds[id] = cred
	return cred.ErrorCount, nil
}

// RecordSuccess zeroes the consecutive error counter.
func (s *Store) RecordSuccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return credstore.ErrNotFound
	}
	cred.ErrorCount = 0
	cred.UpdatedAt = s.now()
	s.creds[id] = cred
	return nil
}

// Deactivate soft-deletes a credential.
func (s *Store) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return credstore.ErrNotFound
	}
	cred.Active = false
	cred.UpdatedAt = s.now()
	s.creds[id] = cred
	return nil
}
