package auth

import (
	"context"
	"time"
)

// Principal is an authenticated character together with its corporation affiliation.
type Principal struct {
	CharacterID     int64     `json:"character_id"`
	CharacterName   string    `json:"character_name"`
	CorporationID   *int64    `json:"corporation_id,omitempty"`
	CorporationName *string   `json:"corporation_name,omitempty"`
	IsAdmin         bool      `json:"is_admin"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	LastLogin       time.Time `json:"last_login"`
}

// HasCorporation reports whether the principal belongs to a corporation.
func (p Principal) HasCorporation() bool { return p.CorporationID != nil && *p.CorporationID != 0 }

// Corporation returns the corporation id, or zero when unaffiliated.
func (p Principal) Corporation() int64 {
	if p.CorporationID == nil {
		return 0
	}
	return *p.CorporationID
}

// Roles returns the session roles granted to the principal.
func (p Principal) Roles() []string {
	if p.IsAdmin {
		return []string{RoleAdmin, RoleMember}
	}
	return []string{RoleMember}
}

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// RequireAdmin is the single authorization policy: administrators only.
func RequireAdmin(p Principal) error {
	if !p.IsActive || !p.IsAdmin {
		return ErrUnauthorized
	}
	return nil
}

// PrincipalStore persists principals. Principals are never hard-deleted.
type PrincipalStore interface {
	// UpsertPrincipal inserts p or refreshes name, affiliation and last login of an
	// existing row. Stored flags and creation time are written back into p.
	UpsertPrincipal(ctx context.Context, p *Principal) error
	Principal(ctx context.Context, characterID int64) (Principal, error)
	ListActivePrincipals(ctx context.Context) ([]Principal, error)
	ListMembers(ctx context.Context, corporationID int64) ([]Principal, error)
	SetAdmin(ctx context.Context, characterID int64, admin bool) error
	SetActive(ctx context.Context, characterID int64, active bool) error
}
