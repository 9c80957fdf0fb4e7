package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "indytrack"

// Claims represents the session token claims.
type Claims struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// CharacterID returns the character id carried in the subject claim.
func (c *Claims) CharacterID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// Sessions issues and validates HS256 session tokens that identify a principal
// to the HTTP layer.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithSessionClock overrides time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *Sessions) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSessionIssuer overrides the issuer claim.
func WithSessionIssuer(issuer string) SessionOption {
	return func(s *Sessions) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// NewSessions constructs a session token codec.
func NewSessions(secret string, ttl time.Duration, opts ...SessionOption) (*Sessions, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: session secret is not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: session ttl must be greater than zero")
	}
	s := &Sessions{secret: []byte(secret), ttl: ttl, issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a session token for the principal.
func (s *Sessions) Issue(p Principal) (string, time.Time, error) {
	if p.CharacterID <= 0 {
		return "", time.Time{}, errors.New("auth: character id is required")
	}
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := Claims{
		Name:  p.CharacterName,
		Roles: dedupeRoles(p.Roles()),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(p.CharacterID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the token signature and required claims.
func (s *Sessions) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := s.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

func (s *Sessions) validateClaims(claims *Claims) error {
	if claims.Issuer != s.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if _, err := claims.CharacterID(); err != nil {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := s.now().UTC()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
