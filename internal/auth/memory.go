package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements PrincipalStore with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	byID  map[int64]*Principal
	clock func() time.Time
}

var _ PrincipalStore = (*InMemory)(nil)

// NewInMemory creates an empty principal store.
func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[int64]*Principal), clock: time.Now}
}

func (s *InMemory) UpsertPrincipal(ctx context.Context, p *Principal) error {
	if p == nil || p.CharacterID <= 0 {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	existing, ok := s.byID[p.CharacterID]
	if !ok {
		stored := *p
		stored.IsActive = true
		stored.CreatedAt = now
		stored.LastLogin = now
		s.byID[p.CharacterID] = &stored
		*p = clonePrincipal(stored)
		return nil
	}
	existing.CharacterName = p.CharacterName
	existing.CorporationID = p.CorporationID
	existing.CorporationName = p.CorporationName
	existing.LastLogin = now
	*p = clonePrincipal(*existing)
	return nil
}

func (s *InMemory) Principal(ctx context.Context, characterID int64) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[characterID]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return clonePrincipal(*p), nil
}

func (s *InMemory) ListActivePrincipals(ctx context.Context) ([]Principal, error) {
	return s.filter(func(p *Principal) bool { return p.IsActive }), nil
}

func (s *InMemory) ListMembers(ctx context.Context, corporationID int64) ([]Principal, error) {
	return s.filter(func(p *Principal) bool { return p.Corporation() == corporationID }), nil
}

func (s *InMemory) SetAdmin(ctx context.Context, characterID int64, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[characterID]
	if !ok {
		return ErrNotFound
	}
	p.IsAdmin = admin
	return nil
}

func (s *InMemory) SetActive(ctx context.Context, characterID int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[characterID]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = active
	return nil
}

func (s *InMemory) filter(keep func(*Principal) bool) []Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Principal
	for _, p := range s.byID {
		if keep(p) {
			out = append(out, clonePrincipal(*p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out
}

func clonePrincipal(p Principal) Principal {
	if p.CorporationID != nil {
		v := *p.CorporationID
		p.CorporationID = &v
	}
	if p.CorporationName != nil {
		v := *p.CorporationName
		p.CorporationName = &v
	}
	return p
}
