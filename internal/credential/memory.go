package credential

import (
	"context"
	"sync"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu    sync.Mutex
	creds map[int64]Credential
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{creds: make(map[int64]Credential)}
}

func (s *InMemory) Credential(ctx context.Context, characterID int64) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[characterID]
	if !ok {
		return Credential{}, ErrNoCredential
	}
	return c, nil
}

func (s *InMemory) SaveCredential(ctx context.Context, characterID int64, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[characterID] = c
	return nil
}

func (s *InMemory) SwapCredential(ctx context.Context, characterID int64, prevRefresh string, next Credential) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.creds[characterID]
	if !ok {
		return false, ErrNoCredential
	}
	if cur.RefreshToken != prevRefresh {
		return false, nil
	}
	s.creds[characterID] = next
	return true, nil
}
