package pg

import (
	"context"
	"database/sql"
	"errors"

	"indytrack.org/internal/credential"
)

var _ credential.Store = (*Store)(nil)

func (s *Store) Credential(ctx context.Context, characterID int64) (credential.Credential, error) {
	var c credential.Credential
	err := s.db.QueryRowContext(ctx, `
		select access_token, refresh_token, expires_at
		from credentials where character_id = $1
	`, characterID).Scan(&c.AccessToken, &c.RefreshToken, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNoCredential
	}
	if err != nil {
		return credential.Credential{}, err
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	return c, nil
}

func (s *Store) SaveCredential(ctx context.Context, characterID int64, c credential.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		insert into credentials (character_id, access_token, refresh_token, expires_at, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (character_id) do update
		set access_token = excluded.access_token,
		    refresh_token = excluded.refresh_token,
		    expires_at = excluded.expires_at,
		    updated_at = now()
	`, characterID, c.AccessToken, c.RefreshToken, c.ExpiresAt.UTC())
	return err
}

// SwapCredential writes next only while the stored refresh token is still
// prevRefresh, so two processes renewing the same credential cannot both win.
func (s *Store) SwapCredential(ctx context.Context, characterID int64, prevRefresh string, next credential.Credential) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update credentials
		set access_token = $3, refresh_token = $4, expires_at = $5, updated_at = now()
		where character_id = $1 and refresh_token = $2
	`, characterID, prevRefresh, next.AccessToken, next.RefreshToken, next.ExpiresAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
