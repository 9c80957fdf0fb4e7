package pg

import (
	"context"
	"database/sql"
	"errors"

	"indytrack.org/internal/auth"
)

var _ auth.PrincipalStore = (*Store)(nil)

const principalColumns = `character_id, character_name, corporation_id, corporation_name, is_admin, is_active, created_at, last_login`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (auth.Principal, error) {
	var (
		p        auth.Principal
		corpID   sql.NullInt64
		corpName sql.NullString
	)
	if err := row.Scan(&p.CharacterID, &p.CharacterName, &corpID, &corpName, &p.IsAdmin, &p.IsActive, &p.CreatedAt, &p.LastLogin); err != nil {
		return auth.Principal{}, err
	}
	p.CorporationID = int64Ptr(corpID)
	p.CorporationName = stringPtr(corpName)
	return p, nil
}

func (s *Store) UpsertPrincipal(ctx context.Context, p *auth.Principal) error {
	row := s.db.QueryRowContext(ctx, `
		insert into principals (character_id, character_name, corporation_id, corporation_name, is_admin, is_active, created_at, last_login)
		values ($1, $2, $3, $4, false, true, now(), now())
		on conflict (character_id) do update
		set character_name = excluded.character_name,
		    corporation_id = excluded.corporation_id,
		    corporation_name = excluded.corporation_name,
		    last_login = now()
		returning `+principalColumns,
		p.CharacterID, p.CharacterName, nullInt64(p.CorporationID), nullString(p.CorporationName))
	stored, err := scanPrincipal(row)
	if err != nil {
		return err
	}
	*p = stored
	return nil
}

func (s *Store) Principal(ctx context.Context, characterID int64) (auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where character_id = $1`, characterID)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	return p, err
}

func (s *Store) ListActivePrincipals(ctx context.Context) ([]auth.Principal, error) {
	return s.listPrincipals(ctx, `select `+principalColumns+` from principals where is_active order by character_id`)
}

func (s *Store) ListMembers(ctx context.Context, corporationID int64) ([]auth.Principal, error) {
	return s.listPrincipals(ctx, `select `+principalColumns+` from principals where corporation_id = $1 order by character_name`, corporationID)
}

func (s *Store) listPrincipals(ctx context.Context, query string, args ...any) ([]auth.Principal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) SetAdmin(ctx context.Context, characterID int64, admin bool) error {
	return s.updatePrincipalFlag(ctx, `update principals set is_admin = $2 where character_id = $1`, characterID, admin)
}

func (s *Store) SetActive(ctx context.Context, characterID int64, active bool) error {
	return s.updatePrincipalFlag(ctx, `update principals set is_active = $2 where character_id = $1`, characterID, active)
}

func (s *Store) updatePrincipalFlag(ctx context.Context, query string, characterID int64, value bool) error {
	res, err := s.db.ExecContext(ctx, query, characterID, value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
