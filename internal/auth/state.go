package auth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

const defaultStateTTL = 10 * time.Minute

// StateStore keeps single-use login state values that bind an SSO callback to the
// login request that started it.
type StateStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	issued map[string]time.Time
}

// NewStateStore creates a store; ttl <= 0 selects the default of ten minutes.
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateStore{ttl: ttl, now: time.Now, issued: make(map[string]time.Time)}
}

// Issue returns a fresh random state value.
func (s *StateStore) Issue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, exp := range s.issued {
		if now.After(exp) {
			delete(s.issued, k)
		}
	}
	s.issued[state] = now.Add(s.ttl)
	return state, nil
}

// Consume validates and removes state. A state value can be consumed once.
func (s *StateStore) Consume(state string) error {
	if state == "" {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.issued[state]
	if !ok {
		return ErrInvalidState
	}
	delete(s.issued, state)
	if s.now().After(exp) {
		return ErrInvalidState
	}
	return nil
}
