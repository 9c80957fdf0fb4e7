package credential

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoCredential  = errors.New("credential: no credential for principal")
	ErrRenewalFailed = errors.New("credential: renewal failed")
)

// Credential is the live access/renewal token pair of one principal.
type Credential struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the access token must not be used at t.
func (c Credential) ExpiredAt(t time.Time) bool {
	return !c.ExpiresAt.After(t)
}

// Grant is what the remote authority hands back from a code exchange or renewal.
// RefreshToken is empty when the authority kept the previous one.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Store persists exactly one credential per principal.
type Store interface {
	// Credential returns ErrNoCredential when the principal never authenticated.
	Credential(ctx context.Context, characterID int64) (Credential, error)
	// SaveCredential replaces the credential unconditionally.
	SaveCredential(ctx context.Context, characterID int64, c Credential) error
	// SwapCredential replaces the credential only while its refresh token still
	// equals prevRefresh. It reports whether the write happened.
	SwapCredential(ctx context.Context, characterID int64, prevRefresh string, next Credential) (bool, error)
}

// Renewer exchanges a refresh token for a fresh grant.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (Grant, error)
}

// RenewFunc adapts a function to Renewer.
type RenewFunc func(ctx context.Context, refreshToken string) (Grant, error)

func (f RenewFunc) Renew(ctx context.Context, refreshToken string) (Grant, error) {
	return f(ctx, refreshToken)
}
