package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"indytrack.org/internal/obs"
)

const defaultSkew = 30 * time.Second

// Manager hands out currently valid access tokens, renewing them through the
// remote authority when they are about to expire. Renewals for one principal
// are collapsed into a single in-flight call; renewals racing across processes
// are resolved by the store's compare-and-swap.
type Manager struct {
	store   Store
	renewer Renewer
	skew    time.Duration
	now     func() time.Time
	flights singleflight.Group
	log     *logrus.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithSkew treats tokens expiring within d as already expired.
func WithSkew(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.skew = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(store Store, renewer Renewer, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		renewer: renewer,
		skew:    defaultSkew,
		now:     time.Now,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save stores the grant obtained from a code exchange as the principal's credential.
func (m *Manager) Save(ctx context.Context, characterID int64, g Grant) error {
	if g.AccessToken == "" {
		return errors.New("credential: empty access token")
	}
	return m.store.SaveCredential(ctx, characterID, Credential{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		ExpiresAt:    g.Expiry.UTC(),
	})
}

// GetValid returns an access token that is valid for at least the configured skew.
func (m *Manager) GetValid(ctx context.Context, characterID int64) (string, error) {
	cred, err := m.store.Credential(ctx, characterID)
	if err != nil {
		return "", err
	}
	if m.usable(cred) {
		return cred.AccessToken, nil
	}

	key := strconv.FormatInt(characterID, 10)
	v, err, _ := m.flights.Do(key, func() (any, error) {
		// Waiters share this flight, so it must outlive the first caller.
		return m.renew(context.WithoutCancel(ctx), characterID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) renew(ctx context.Context, characterID int64) (string, error) {
	cred, err := m.store.Credential(ctx, characterID)
	if err != nil {
		return "", err
	}
	if m.usable(cred) {
		return cred.AccessToken, nil
	}
	entry := m.log.WithField("character_id", characterID)

	grant, err := m.renewer.Renew(ctx, cred.RefreshToken)
	if err != nil {
		// The refresh token may have been spent by another process that
		// already stored its result.
		if tok, ok := m.winner(ctx, characterID, cred.RefreshToken); ok {
			obs.ObserveRenewal("superseded")
			return tok, nil
		}
		obs.ObserveRenewal("failed")
		entry.WithError(err).Warn("credential renewal failed")
		return "", fmt.Errorf("%w: %w", ErrRenewalFailed, err)
	}

	next := Credential{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.Expiry.UTC(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	swapped, err := m.store.SwapCredential(ctx, characterID, cred.RefreshToken, next)
	if err != nil {
		obs.ObserveRenewal("failed")
		return "", fmt.Errorf("%w: persist: %w", ErrRenewalFailed, err)
	}
	if !swapped {
		if tok, ok := m.winner(ctx, characterID, cred.RefreshToken); ok {
			obs.ObserveRenewal("superseded")
			return tok, nil
		}
		obs.ObserveRenewal("failed")
		return "", fmt.Errorf("%w: credential changed concurrently", ErrRenewalFailed)
	}
	obs.ObserveRenewal("renewed")
	entry.WithField("expires_at", next.ExpiresAt).Debug("credential renewed")
	return next.AccessToken, nil
}

// winner returns the token stored by a concurrent renewal, if there is a usable one.
func (m *Manager) winner(ctx context.Context, characterID int64, staleRefresh string) (string, bool) {
	cur, err := m.store.Credential(ctx, characterID)
	if err != nil || cur.RefreshToken == staleRefresh || !m.usable(cur) {
		return "", false
	}
	return cur.AccessToken, true
}

func (m *Manager) usable(c Credential) bool {
	return c.AccessToken != "" && !c.ExpiredAt(m.now().Add(m.skew))
}
