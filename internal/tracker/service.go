package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"indytrack.org/internal/audit"
	"indytrack.org/internal/auth"
	"indytrack.org/internal/credential"
	"indytrack.org/internal/esi"
	"indytrack.org/internal/ids"
	"indytrack.org/internal/industry"
	"indytrack.org/internal/obs"
)

// Remote is the part of the remote authority client the service uses.
type Remote interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (credential.Grant, error)
	CharacterJobs(ctx context.Context, accessToken string, characterID int64) ([]industry.Snapshot, error)
	CorporationJobs(ctx context.Context, accessToken string, corporationID int64) ([]industry.Snapshot, error)
	Character(ctx context.Context, accessToken string, characterID int64) (esi.Character, error)
	Corporation(ctx context.Context, corporationID int64) (esi.Corporation, error)
	ItemType(ctx context.Context, typeID int64) (esi.ItemType, error)
}

// IdentityVerifier extracts the principal named by an SSO access token.
type IdentityVerifier interface {
	Identify(ctx context.Context, accessToken string) (esi.Identity, error)
}

// Deps wires the service.
type Deps struct {
	Remote       Remote
	Verifier     IdentityVerifier
	Principals   auth.PrincipalStore
	Credentials  *credential.Manager
	Reconciler   *industry.Reconciler
	Ledger       industry.Ledger
	Requirements industry.RequirementStore
	Assignments  industry.AssignmentStore
	States       *auth.StateStore
	Now          func() time.Time
}

// Service is the application core exposed to the HTTP layer, the scheduler and
// the CLI. Callers pass an already authenticated principal.
type Service struct {
	remote       Remote
	verifier     IdentityVerifier
	principals   auth.PrincipalStore
	credentials  *credential.Manager
	reconciler   *industry.Reconciler
	ledger       industry.Ledger
	requirements industry.RequirementStore
	assignments  industry.AssignmentStore
	states       *auth.StateStore
	now          func() time.Time
	log          *logrus.Logger
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Remote == nil, d.Verifier == nil:
		return nil, errors.New("tracker: remote client and verifier are required")
	case d.Principals == nil, d.Credentials == nil:
		return nil, errors.New("tracker: principal store and credential manager are required")
	case d.Reconciler == nil, d.Ledger == nil, d.Requirements == nil, d.Assignments == nil:
		return nil, errors.New("tracker: industry stores are required")
	}
	if d.States == nil {
		d.States = auth.NewStateStore(0)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		remote:       d.Remote,
		verifier:     d.Verifier,
		principals:   d.Principals,
		credentials:  d.Credentials,
		reconciler:   d.Reconciler,
		ledger:       d.Ledger,
		requirements: d.Requirements,
		assignments:  d.Assignments,
		states:       d.States,
		now:          d.Now,
		log:          obs.Logger(),
	}, nil
}

// LoginURL returns the authority authorize URL bound to a fresh login state.
func (s *Service) LoginURL() (string, error) {
	state, err := s.states.Issue()
	if err != nil {
		return "", err
	}
	return s.remote.AuthCodeURL(state), nil
}

// Authenticate completes the SSO callback: it exchanges the code, identifies the
// character, refreshes its affiliation and stores the credential.
func (s *Service) Authenticate(ctx context.Context, code, state string) (auth.Principal, error) {
	if err := s.states.Consume(state); err != nil {
		return auth.Principal{}, err
	}
	grant, err := s.remote.ExchangeCode(ctx, code)
	if err != nil {
		return auth.Principal{}, err
	}
	identity, err := s.verifier.Identify(ctx, grant.AccessToken)
	if err != nil {
		return auth.Principal{}, err
	}

	p, err := s.principals.Principal(ctx, identity.CharacterID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return auth.Principal{}, err
	}
	p.CharacterID = identity.CharacterID
	p.CharacterName = identity.Name
	s.enrich(ctx, &p, grant.AccessToken)

	if err := s.principals.UpsertPrincipal(ctx, &p); err != nil {
		return auth.Principal{}, err
	}
	if !p.IsActive {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	if err := s.credentials.Save(ctx, p.CharacterID, grant); err != nil {
		return auth.Principal{}, err
	}
	s.log.WithFields(logrus.Fields{
		"character_id":   p.CharacterID,
		"corporation_id": p.Corporation(),
	}).Info("principal authenticated")
	return p, nil
}

// enrich refreshes the corporation affiliation. Lookup failures keep what is stored.
func (s *Service) enrich(ctx context.Context, p *auth.Principal, accessToken string) {
	entry := s.log.WithField("character_id", p.CharacterID)
	ch, err := s.remote.Character(ctx, accessToken, p.CharacterID)
	if err != nil {
		entry.WithError(err).Warn("character lookup failed")
		return
	}
	if ch.CorporationID == 0 {
		p.CorporationID, p.CorporationName = nil, nil
		return
	}
	if p.Corporation() != ch.CorporationID {
		corp := ch.CorporationID
		p.CorporationID, p.CorporationName = &corp, nil
	}
	info, err := s.remote.Corporation(ctx, ch.CorporationID)
	if err != nil {
		entry.WithError(err).Warn("corporation lookup failed")
		return
	}
	name := info.Name
	p.CorporationName = &name
}

// ValidCredential returns an access token usable for a remote call right now.
func (s *Service) ValidCredential(ctx context.Context, p auth.Principal) (string, error) {
	return s.credentials.GetValid(ctx, p.CharacterID)
}

// Sync fetches the principal's character and corporation jobs and reconciles
// them into the ledger. It returns the number of snapshots processed.
func (s *Service) Sync(ctx context.Context, p auth.Principal) (int, error) {
	token, err := s.ValidCredential(ctx, p)
	if err != nil {
		return 0, err
	}
	character, err := s.remote.CharacterJobs(ctx, token, p.CharacterID)
	if err != nil {
		obs.ObserveSync("remote_unavailable")
		return 0, err
	}
	var corporation []industry.Snapshot
	if p.HasCorporation() {
		corporation, err = s.remote.CorporationJobs(ctx, token, p.Corporation())
		if err != nil {
			obs.ObserveSync("remote_unavailable")
			return 0, err
		}
	}
	return s.reconciler.Reconcile(ctx, p, character, corporation)
}

// ListRequirements returns the corporation's active requirements, highest
// priority first, then earliest deadline, undated last.
func (s *Service) ListRequirements(ctx context.Context, corporationID int64) ([]industry.Requirement, error) {
	reqs, err := s.requirements.ListActiveRequirements(ctx, corporationID)
	if err != nil {
		return nil, err
	}
	industry.SortRequirements(reqs)
	return reqs, nil
}

// RequirementInput is what an administrator submits for a new requirement.
type RequirementInput struct {
	TypeID           int64             `json:"type_id"`
	TypeName         string            `json:"type_name"`
	Activity         industry.Activity `json:"activity_id"`
	QuantityRequired int               `json:"quantity_required"`
	Priority         industry.Priority `json:"priority"`
	Deadline         string            `json:"deadline"` // YYYY-MM-DD, optional
	Notes            string            `json:"notes"`
}

const deadlineLayout = "2006-01-02"

// CreateRequirement declares a requirement for the administrator's corporation.
// A blank type name is looked up from the remote authority.
func (s *Service) CreateRequirement(ctx context.Context, admin auth.Principal, in RequirementInput) (industry.Requirement, error) {
	if err := auth.RequireAdmin(admin); err != nil {
		return industry.Requirement{}, err
	}
	if !admin.HasCorporation() {
		return industry.Requirement{}, fmt.Errorf("%w: administrator has no corporation", industry.ErrInvalidRequirement)
	}
	r := industry.Requirement{
		ID:               ids.New(),
		CorporationID:    admin.Corporation(),
		TypeID:           in.TypeID,
		TypeName:         strings.TrimSpace(in.TypeName),
		Activity:         in.Activity,
		QuantityRequired: in.QuantityRequired,
		Priority:         in.Priority,
		CreatedBy:        admin.CharacterID,
		CreatedAt:        s.now().UTC(),
		IsActive:         true,
		Notes:            strings.TrimSpace(in.Notes),
	}
	if r.Priority == 0 {
		r.Priority = industry.PriorityMedium
	}
	if d := strings.TrimSpace(in.Deadline); d != "" {
		t, err := time.Parse(deadlineLayout, d)
		if err != nil {
			return industry.Requirement{}, fmt.Errorf("%w: deadline must be YYYY-MM-DD", industry.ErrInvalidRequirement)
		}
		r.Deadline = &t
	}
	if r.TypeName == "" && r.TypeID > 0 {
		typ, err := s.remote.ItemType(ctx, r.TypeID)
		if err != nil {
			return industry.Requirement{}, fmt.Errorf("%w: type %d: %w", industry.ErrInvalidRequirement, r.TypeID, err)
		}
		r.TypeName = typ.Name
	}
	if err := r.Validate(); err != nil {
		return industry.Requirement{}, err
	}
	if err := s.requirements.CreateRequirement(ctx, r); err != nil {
		return industry.Requirement{}, err
	}
	_ = audit.LogEvent(ctx, "requirement.created", map[string]any{
		"requirement_id": r.ID,
		"type_id":        r.TypeID,
		"priority":       r.Priority.String(),
	})
	return r, nil
}

// DeactivateRequirement retires a requirement of the administrator's corporation.
func (s *Service) DeactivateRequirement(ctx context.Context, admin auth.Principal, id string) error {
	if err := auth.RequireAdmin(admin); err != nil {
		return err
	}
	if _, err := s.corporationRequirement(ctx, admin, id); err != nil {
		return err
	}
	if err := s.requirements.DeactivateRequirement(ctx, id); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "requirement.deactivated", map[string]any{"requirement_id": id})
	return nil
}

// AssignJob records that quantity of a job's output goes to a requirement.
func (s *Service) AssignJob(ctx context.Context, admin auth.Principal, requirementID string, jobID int64, quantity int) (industry.Assignment, error) {
	if err := auth.RequireAdmin(admin); err != nil {
		return industry.Assignment{}, err
	}
	if quantity <= 0 {
		return industry.Assignment{}, fmt.Errorf("%w: quantity must be positive", industry.ErrInvalidAssignment)
	}
	req, err := s.corporationRequirement(ctx, admin, requirementID)
	if err != nil {
		return industry.Assignment{}, err
	}
	job, err := s.ledger.Job(ctx, jobID)
	if err != nil {
		return industry.Assignment{}, err
	}
	if job.Corporation() != req.CorporationID {
		return industry.Assignment{}, fmt.Errorf("%w: job %d belongs to another corporation", industry.ErrInvalidAssignment, jobID)
	}
	a := industry.Assignment{
		ID:               ids.New(),
		RequirementID:    requirementID,
		JobID:            jobID,
		QuantityAssigned: quantity,
		AssignedBy:       admin.CharacterID,
		AssignedAt:       s.now().UTC(),
	}
	if err := s.assignments.CreateAssignment(ctx, a); err != nil {
		return industry.Assignment{}, err
	}
	_ = audit.LogEvent(ctx, "assignment.created", map[string]any{
		"assignment_id":  a.ID,
		"requirement_id": requirementID,
		"job_id":         jobID,
		"quantity":       quantity,
	})
	return a, nil
}

// Assignments lists the assignments of a requirement in the principal's corporation.
func (s *Service) Assignments(ctx context.Context, p auth.Principal, requirementID string) ([]industry.Assignment, error) {
	if _, err := s.corporationRequirement(ctx, p, requirementID); err != nil {
		return nil, err
	}
	return s.assignments.ListAssignments(ctx, requirementID)
}

func (s *Service) corporationRequirement(ctx context.Context, p auth.Principal, id string) (industry.Requirement, error) {
	if !ids.Valid(id) {
		return industry.Requirement{}, industry.ErrNotFound
	}
	req, err := s.requirements.Requirement(ctx, id)
	if err != nil {
		return industry.Requirement{}, err
	}
	if !p.HasCorporation() || req.CorporationID != p.Corporation() {
		return industry.Requirement{}, industry.ErrNotFound
	}
	return req, nil
}

// Jobs returns the principal's corporation jobs, most recently updated first.
// Principals without a corporation see none.
func (s *Service) Jobs(ctx context.Context, p auth.Principal, limit int) ([]industry.Job, error) {
	if !p.HasCorporation() {
		return []industry.Job{}, nil
	}
	return s.ledger.ListJobs(ctx, p.Corporation(), limit)
}

// Stats summarises the administrator's corporation.
type Stats struct {
	Members            int `json:"members"`
	ActiveRequirements int `json:"active_requirements"`
	ActiveJobs         int `json:"active_jobs"`
}

func (s *Service) Stats(ctx context.Context, admin auth.Principal) (Stats, error) {
	if err := auth.RequireAdmin(admin); err != nil {
		return Stats{}, err
	}
	if !admin.HasCorporation() {
		return Stats{}, nil
	}
	corp := admin.Corporation()
	members, err := s.principals.ListMembers(ctx, corp)
	if err != nil {
		return Stats{}, err
	}
	reqs, err := s.requirements.CountActiveRequirements(ctx, corp)
	if err != nil {
		return Stats{}, err
	}
	jobs, err := s.ledger.CountActiveJobs(ctx, corp)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Members: len(members), ActiveRequirements: reqs, ActiveJobs: jobs}, nil
}

// Members lists the principals of the administrator's corporation.
func (s *Service) Members(ctx context.Context, admin auth.Principal) ([]auth.Principal, error) {
	if err := auth.RequireAdmin(admin); err != nil {
		return nil, err
	}
	if !admin.HasCorporation() {
		return []auth.Principal{}, nil
	}
	return s.principals.ListMembers(ctx, admin.Corporation())
}

// SetAdmin grants or revokes the administrator flag of a corporation member.
func (s *Service) SetAdmin(ctx context.Context, admin auth.Principal, characterID int64, isAdmin bool) error {
	if err := s.member(ctx, admin, characterID); err != nil {
		return err
	}
	if err := s.principals.SetAdmin(ctx, characterID, isAdmin); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "member.admin_changed", map[string]any{"target": characterID, "is_admin": isAdmin})
	return nil
}

// Deactivate disables a corporation member. Principals are never deleted.
func (s *Service) Deactivate(ctx context.Context, admin auth.Principal, characterID int64) error {
	if err := s.member(ctx, admin, characterID); err != nil {
		return err
	}
	if err := s.principals.SetActive(ctx, characterID, false); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "member.deactivated", map[string]any{"target": characterID})
	return nil
}

func (s *Service) member(ctx context.Context, admin auth.Principal, characterID int64) error {
	if err := auth.RequireAdmin(admin); err != nil {
		return err
	}
	target, err := s.principals.Principal(ctx, characterID)
	if err != nil {
		return err
	}
	if !admin.HasCorporation() || target.Corporation() != admin.Corporation() {
		return auth.ErrNotFound
	}
	return nil
}

// Principal reloads a principal, e.g. after a session token is presented.
func (s *Service) Principal(ctx context.Context, characterID int64) (auth.Principal, error) {
	return s.principals.Principal(ctx, characterID)
}
