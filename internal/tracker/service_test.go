package tracker

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"indytrack.org/internal/auth"
	"indytrack.org/internal/credential"
	"indytrack.org/internal/esi"
	"indytrack.org/internal/industry"
)

const (
	pilotID = int64(90000001)
	corpID  = int64(98000001)
)

type fakeRemote struct {
	mu            sync.Mutex
	grant         credential.Grant
	exchangeErr   error
	character     esi.Character
	characterErr  error
	corporation   esi.Corporation
	charJobs      []industry.Snapshot
	corpJobs      []industry.Snapshot
	jobsErr       error
	corpJobCalls  int
	tokensSeen    []string
	itemTypeNames map[int64]string
}

func (f *fakeRemote) AuthCodeURL(state string) string {
	return "https://login.example/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeRemote) ExchangeCode(ctx context.Context, code string) (credential.Grant, error) {
	return f.grant, f.exchangeErr
}

func (f *fakeRemote) CharacterJobs(ctx context.Context, token string, id int64) ([]industry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokensSeen = append(f.tokensSeen, token)
	return f.charJobs, f.jobsErr
}

func (f *fakeRemote) CorporationJobs(ctx context.Context, token string, id int64) ([]industry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corpJobCalls++
	return f.corpJobs, f.jobsErr
}

func (f *fakeRemote) Character(ctx context.Context, token string, id int64) (esi.Character, error) {
	return f.character, f.characterErr
}

func (f *fakeRemote) Corporation(ctx context.Context, id int64) (esi.Corporation, error) {
	return f.corporation, nil
}

func (f *fakeRemote) ItemType(ctx context.Context, id int64) (esi.ItemType, error) {
	name, ok := f.itemTypeNames[id]
	if !ok {
		return esi.ItemType{}, esi.ErrRemoteUnavailable
	}
	return esi.ItemType{TypeID: id, Name: name}, nil
}

type fakeVerifier struct{ identity esi.Identity }

func (f fakeVerifier) Identify(ctx context.Context, token string) (esi.Identity, error) {
	if token == "" {
		return esi.Identity{}, esi.ErrInvalidIdentity
	}
	return f.identity, nil
}

type fixture struct {
	svc        *Service
	remote     *fakeRemote
	principals *auth.InMemory
	creds      *credential.InMemory
	ledger     *industry.InMemory
	renewer    *stubRenewer
	now        time.Time
}

type stubRenewer struct {
	calls int
	grant credential.Grant
}

func (r *stubRenewer) Renew(ctx context.Context, refresh string) (credential.Grant, error) {
	r.calls++
	return r.grant, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := &fixture{
		remote: &fakeRemote{
			grant:         credential.Grant{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: now.Add(20 * time.Minute)},
			character:     esi.Character{Name: "Pilot", CorporationID: corpID},
			corporation:   esi.Corporation{Name: "Builders Inc"},
			itemTypeNames: map[int64]string{34: "Tritanium"},
		},
		principals: auth.NewInMemory(),
		creds:      credential.NewInMemory(),
		ledger:     industry.NewInMemory(),
		renewer:    &stubRenewer{},
		now:        now,
	}
	svc, err := NewService(Deps{
		Remote:       f.remote,
		Verifier:     fakeVerifier{identity: esi.Identity{CharacterID: pilotID, Name: "Pilot"}},
		Principals:   f.principals,
		Credentials:  credential.NewManager(f.creds, f.renewer, credential.WithClock(clock)),
		Reconciler:   industry.NewReconciler(f.ledger, industry.WithClock(clock)),
		Ledger:       f.ledger,
		Requirements: f.ledger,
		Assignments:  f.ledger,
		Now:          clock,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) login(t *testing.T) auth.Principal {
	t.Helper()
	loginURL, err := f.svc.LoginURL()
	if err != nil {
		t.Fatalf("LoginURL: %v", err)
	}
	u, _ := url.Parse(loginURL)
	p, err := f.svc.Authenticate(context.Background(), "code", u.Query().Get("state"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return p
}

func snap(id int64, status string) industry.Snapshot {
	return industry.Snapshot{
		JobID:      id,
		ActivityID: int(industry.ActivityManufacturing),
		Status:     status,
		Runs:       1,
		StartDate:  "2024-01-01T00:00:00Z",
		EndDate:    "2024-01-02T00:00:00Z",
	}
}

func TestAuthenticateCreatesPrincipalAndCredential(t *testing.T) {
	f := newFixture(t)
	p := f.login(t)

	if p.CharacterID != pilotID || p.Corporation() != corpID || p.CorporationName == nil || *p.CorporationName != "Builders Inc" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.IsActive || p.IsAdmin {
		t.Fatalf("unexpected flags: %+v", p)
	}
	cred, err := f.creds.Credential(context.Background(), pilotID)
	if err != nil || cred.AccessToken != "access-1" || cred.RefreshToken != "refresh-1" {
		t.Fatalf("credential=%+v err=%v", cred, err)
	}
}

func TestAuthenticateRejectsReplayedState(t *testing.T) {
	f := newFixture(t)
	loginURL, _ := f.svc.LoginURL()
	u, _ := url.Parse(loginURL)
	state := u.Query().Get("state")

	if _, err := f.svc.Authenticate(context.Background(), "code", state); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := f.svc.Authenticate(context.Background(), "code", state); !errors.Is(err, auth.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAuthenticateKeepsAffiliationWhenLookupFails(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	f.remote.characterErr = esi.ErrRemoteUnavailable
	p := f.login(t)
	if p.Corporation() != corpID || p.CorporationName == nil {
		t.Fatalf("affiliation lost: %+v", p)
	}
}

func TestAuthenticateExchangeFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.exchangeErr = esi.ErrAuthExchangeFailed
	loginURL, _ := f.svc.LoginURL()
	u, _ := url.Parse(loginURL)
	if _, err := f.svc.Authenticate(context.Background(), "code", u.Query().Get("state")); !errors.Is(err, esi.ErrAuthExchangeFailed) {
		t.Fatalf("expected ErrAuthExchangeFailed, got %v", err)
	}
	if _, err := f.principals.Principal(context.Background(), pilotID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("principal must not be created, got %v", err)
	}
}

func TestAuthenticateDeactivatedPrincipal(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	_ = f.principals.SetActive(context.Background(), pilotID, false)

	loginURL, _ := f.svc.LoginURL()
	u, _ := url.Parse(loginURL)
	if _, err := f.svc.Authenticate(context.Background(), "code", u.Query().Get("state")); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSyncReconcilesBothScopes(t *testing.T) {
	f := newFixture(t)
	p := f.login(t)
	f.remote.charJobs = []industry.Snapshot{snap(1, "active")}
	f.remote.corpJobs = []industry.Snapshot{snap(2, "ready"), snap(1, "active")}

	n, err := f.svc.Sync(context.Background(), p)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 processed, got %d", n)
	}
	jobs, _ := f.svc.Jobs(context.Background(), p, 10)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestSyncWithoutCorporationSkipsCorporationScope(t *testing.T) {
	f := newFixture(t)
	f.remote.character = esi.Character{Name: "Pilot"}
	p := f.login(t)
	f.remote.charJobs = []industry.Snapshot{snap(1, "active")}

	n, err := f.svc.Sync(context.Background(), p)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if f.remote.corpJobCalls != 0 {
		t.Fatalf("corporation scope fetched %d times", f.remote.corpJobCalls)
	}
}

func TestSyncRenewsExpiredCredential(t *testing.T) {
	f := newFixture(t)
	p := f.login(t)
	_ = f.creds.SaveCredential(context.Background(), pilotID, credential.Credential{AccessToken: "old", RefreshToken: "r", ExpiresAt: f.now.Add(-time.Minute)})
	f.renewer.grant = credential.Grant{AccessToken: "renewed", RefreshToken: "r2", Expiry: f.now.Add(time.Hour)}

	if _, err := f.svc.Sync(context.Background(), p); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if f.renewer.calls != 1 {
		t.Fatalf("expected one renewal, got %d", f.renewer.calls)
	}
	if got := f.remote.tokensSeen[len(f.remote.tokensSeen)-1]; got != "renewed" {
		t.Fatalf("stale token used for remote call: %q", got)
	}
}

func TestSyncWithoutCredential(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Sync(context.Background(), auth.Principal{CharacterID: 5, IsActive: true}); !errors.Is(err, credential.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestSyncRemoteFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	p := f.login(t)
	f.remote.charJobs = []industry.Snapshot{snap(1, "active")}
	f.remote.jobsErr = esi.ErrRemoteUnavailable

	if _, err := f.svc.Sync(context.Background(), p); !errors.Is(err, esi.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if jobs, _ := f.svc.Jobs(context.Background(), p, 10); len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(jobs))
	}
}

func makeAdmin(t *testing.T, f *fixture) auth.Principal {
	t.Helper()
	f.login(t)
	if err := f.principals.SetAdmin(context.Background(), pilotID, true); err != nil {
		t.Fatalf("SetAdmin: %v", err)
	}
	p, _ := f.principals.Principal(context.Background(), pilotID)
	return p
}

func TestCreateRequirement(t *testing.T) {
	f := newFixture(t)
	member := f.login(t)
	in := RequirementInput{TypeID: 34, Activity: industry.ActivityManufacturing, QuantityRequired: 1000, Priority: industry.PriorityHigh, Deadline: "2024-03-01"}

	if _, err := f.svc.CreateRequirement(context.Background(), member, in); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for member, got %v", err)
	}

	admin := makeAdmin(t, f)
	r, err := f.svc.CreateRequirement(context.Background(), admin, in)
	if err != nil {
		t.Fatalf("CreateRequirement: %v", err)
	}
	if r.TypeName != "Tritanium" || r.CorporationID != corpID || r.Deadline == nil || r.Deadline.Format("2006-01-02") != "2024-03-01" {
		t.Fatalf("unexpected requirement: %+v", r)
	}

	in.Deadline = "March 1st"
	if _, err := f.svc.CreateRequirement(context.Background(), admin, in); !errors.Is(err, industry.ErrInvalidRequirement) {
		t.Fatalf("expected ErrInvalidRequirement, got %v", err)
	}
}

func TestListRequirementsOrdering(t *testing.T) {
	f := newFixture(t)
	admin := makeAdmin(t, f)
	for _, in := range []RequirementInput{
		{TypeID: 34, Activity: 1, QuantityRequired: 1, Priority: industry.PriorityLow, Deadline: "2024-03-01"},
		{TypeID: 34, Activity: 1, QuantityRequired: 1, Priority: industry.PriorityCritical},
		{TypeID: 34, Activity: 1, QuantityRequired: 1, Priority: industry.PriorityMedium, Deadline: "2024-01-01"},
	} {
		if _, err := f.svc.CreateRequirement(context.Background(), admin, in); err != nil {
			t.Fatalf("CreateRequirement: %v", err)
		}
	}
	reqs, err := f.svc.ListRequirements(context.Background(), corpID)
	if err != nil {
		t.Fatalf("ListRequirements: %v", err)
	}
	var got []string
	for _, r := range reqs {
		got = append(got, r.Priority.String())
	}
	if strings.Join(got, ",") != "critical,medium,low" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestAssignJobAndStats(t *testing.T) {
	f := newFixture(t)
	admin := makeAdmin(t, f)
	f.remote.corpJobs = []industry.Snapshot{snap(77, "active")}
	if _, err := f.svc.Sync(context.Background(), admin); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	req, err := f.svc.CreateRequirement(context.Background(), admin, RequirementInput{TypeID: 34, Activity: 1, QuantityRequired: 10, Priority: industry.PriorityHigh})
	if err != nil {
		t.Fatalf("CreateRequirement: %v", err)
	}

	if _, err := f.svc.AssignJob(context.Background(), admin, req.ID, 77, 0); !errors.Is(err, industry.ErrInvalidAssignment) {
		t.Fatalf("expected ErrInvalidAssignment, got %v", err)
	}
	if _, err := f.svc.AssignJob(context.Background(), admin, req.ID, 404, 1); !errors.Is(err, industry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	a, err := f.svc.AssignJob(context.Background(), admin, req.ID, 77, 5)
	if err != nil {
		t.Fatalf("AssignJob: %v", err)
	}
	list, err := f.svc.Assignments(context.Background(), admin, req.ID)
	if err != nil || len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("assignments=%+v err=%v", list, err)
	}

	stats, err := f.svc.Stats(context.Background(), admin)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Members != 1 || stats.ActiveRequirements != 1 || stats.ActiveJobs != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := f.svc.DeactivateRequirement(context.Background(), admin, req.ID); err != nil {
		t.Fatalf("DeactivateRequirement: %v", err)
	}
	if reqs, _ := f.svc.ListRequirements(context.Background(), corpID); len(reqs) != 0 {
		t.Fatalf("deactivated requirement still listed: %+v", reqs)
	}
}

func TestMemberAdministration(t *testing.T) {
	f := newFixture(t)
	admin := makeAdmin(t, f)
	other := auth.Principal{CharacterID: 90000002, CharacterName: "Other"}
	foreignCorp := int64(1)
	other.CorporationID = &foreignCorp
	_ = f.principals.UpsertPrincipal(context.Background(), &other)

	if err := f.svc.SetAdmin(context.Background(), admin, other.CharacterID, true); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign member, got %v", err)
	}
	members, err := f.svc.Members(context.Background(), admin)
	if err != nil || len(members) != 1 {
		t.Fatalf("members=%+v err=%v", members, err)
	}
	if err := f.svc.Deactivate(context.Background(), admin, admin.CharacterID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	p, _ := f.principals.Principal(context.Background(), admin.CharacterID)
	if p.IsActive {
		t.Fatal("principal still active")
	}
}
