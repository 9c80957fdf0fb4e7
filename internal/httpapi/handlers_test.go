package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"indytrack.org/internal/auth"
	"indytrack.org/internal/credential"
	"indytrack.org/internal/esi"
	"indytrack.org/internal/events"
	"indytrack.org/internal/industry"
	"indytrack.org/internal/tracker"
)

const (
	pilotID = int64(90000001)
	wingID  = int64(90000002)
	corpID  = int64(98000001)
)

type fakeRemote struct {
	mu       sync.Mutex
	charJobs []industry.Snapshot
	jobsErr  error
}

func (f *fakeRemote) AuthCodeURL(state string) string {
	return "https://login.example/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeRemote) ExchangeCode(ctx context.Context, code string) (credential.Grant, error) {
	if code != "good-code" {
		return credential.Grant{}, esi.ErrAuthExchangeFailed
	}
	return credential.Grant{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(20 * time.Minute)}, nil
}

func (f *fakeRemote) CharacterJobs(ctx context.Context, token string, id int64) ([]industry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.charJobs, f.jobsErr
}

func (f *fakeRemote) CorporationJobs(ctx context.Context, token string, id int64) ([]industry.Snapshot, error) {
	return nil, nil
}

func (f *fakeRemote) Character(ctx context.Context, token string, id int64) (esi.Character, error) {
	return esi.Character{Name: "Pilot", CorporationID: corpID}, nil
}

func (f *fakeRemote) Corporation(ctx context.Context, id int64) (esi.Corporation, error) {
	return esi.Corporation{Name: "Builders Inc", Ticker: "BLD"}, nil
}

func (f *fakeRemote) ItemType(ctx context.Context, id int64) (esi.ItemType, error) {
	return esi.ItemType{TypeID: id, Name: "Rifter"}, nil
}

func (f *fakeRemote) setJobs(jobs []industry.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charJobs, f.jobsErr = jobs, err
}

type fakeVerifier struct{}

func (fakeVerifier) Identify(ctx context.Context, token string) (esi.Identity, error) {
	return esi.Identity{CharacterID: pilotID, Name: "Pilot"}, nil
}

type noRenewal struct{}

func (noRenewal) Renew(ctx context.Context, refresh string) (credential.Grant, error) {
	return credential.Grant{}, esi.ErrAuthExchangeFailed
}

type testEnv struct {
	t          *testing.T
	srv        *httptest.Server
	client     *http.Client
	remote     *fakeRemote
	principals *auth.InMemory
	sessions   *auth.Sessions
	hub        *events.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	remote := &fakeRemote{}
	principals := auth.NewInMemory()
	ledger := industry.NewInMemory()
	hub := events.NewHub()
	svc, err := tracker.NewService(tracker.Deps{
		Remote:       remote,
		Verifier:     fakeVerifier{},
		Principals:   principals,
		Credentials:  credential.NewManager(credential.NewInMemory(), noRenewal{}),
		Reconciler:   industry.NewReconciler(ledger, industry.WithNotifier(hub)),
		Ledger:       ledger,
		Requirements: ledger,
		Assignments:  ledger,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	sessions, err := auth.NewSessions("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	api, err := New(Deps{
		Service:    svc,
		Sessions:   sessions,
		Hub:        hub,
		Version:    "test",
		RateBurst:  1000,
		RatePerSec: 1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &testEnv{t: t, srv: srv, client: client, remote: remote, principals: principals, sessions: sessions, hub: hub}
}

func (e *testEnv) do(method, path, token string, body any) *http.Response {
	e.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) expectStatus(resp *http.Response, code int) {
	e.t.Helper()
	if resp.StatusCode != code {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		e.t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, code, resp.StatusCode, raw)
	}
}

// login walks the SSO redirect and callback and returns the session token.
func (e *testEnv) login() string {
	e.t.Helper()
	resp := e.do(http.MethodGet, "/v1/sso/login", "", nil)
	resp.Body.Close()
	e.expectStatus(resp, http.StatusFound)
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		e.t.Fatalf("parse location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		e.t.Fatalf("login redirect carries no state: %s", loc)
	}

	resp = e.do(http.MethodGet, "/v1/sso/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	e.expectStatus(resp, http.StatusOK)
	session := decode[sessionResponse](e.t, resp)
	if session.Token == "" || session.Principal.CharacterID != pilotID {
		e.t.Fatalf("unexpected session: %+v", session)
	}
	return session.Token
}

func (e *testEnv) promote(id int64) {
	e.t.Helper()
	if err := e.principals.SetAdmin(context.Background(), id, true); err != nil {
		e.t.Fatalf("SetAdmin: %v", err)
	}
}

// seedMember stores a corporation member and returns a session token for it.
func (e *testEnv) seedMember(id int64) string {
	e.t.Helper()
	corp := corpID
	p := auth.Principal{CharacterID: id, CharacterName: "Wingman", CorporationID: &corp}
	if err := e.principals.UpsertPrincipal(context.Background(), &p); err != nil {
		e.t.Fatalf("UpsertPrincipal: %v", err)
	}
	token, _, err := e.sessions.Issue(p)
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func snapshot(jobID int64, status string) industry.Snapshot {
	return industry.Snapshot{
		JobID:               jobID,
		InstallerID:         pilotID,
		FacilityID:          60003760,
		ActivityID:          int(industry.ActivityManufacturing),
		BlueprintID:         1020000000001,
		BlueprintTypeID:     688,
		BlueprintLocationID: 60003760,
		OutputLocationID:    60003760,
		Runs:                10,
		Status:              status,
		Duration:            3600,
		StartDate:           "2024-02-01T10:00:00Z",
		EndDate:             "2024-02-01T11:00:00Z",
	}
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/healthz", "", nil)
	env.expectStatus(resp, http.StatusOK)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
	health := decode[map[string]any](t, resp)
	if health["service"] != serviceName || health["version"] != "test" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	resp = env.do(http.MethodGet, "/readyz", "", nil)
	env.expectStatus(resp, http.StatusOK)
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/info", "", nil)
	env.expectStatus(resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if _, err := time.Parse(time.RFC3339, info["time"].(string)); err != nil {
		t.Fatalf("invalid time: %v", err)
	}

	resp = env.do(http.MethodGet, "/nope", "", nil)
	env.expectStatus(resp, http.StatusNotFound)
	body := decode[map[string]any](t, resp)
	if body["error"] == "" || body["request_id"] == nil {
		t.Fatalf("expected JSON error with request id, got %v", body)
	}
}

func TestLoginCallbackIssuesSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.login()

	resp := env.do(http.MethodGet, "/v1/me", token, nil)
	env.expectStatus(resp, http.StatusOK)
	me := decode[auth.Principal](t, resp)
	if me.CharacterID != pilotID || me.Corporation() != corpID {
		t.Fatalf("unexpected principal: %+v", me)
	}
	if me.CorporationName == nil || *me.CorporationName != "Builders Inc" {
		t.Fatalf("corporation name not enriched: %+v", me)
	}
}

func TestCallbackRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v1/sso/callback?code=good-code", "", nil)
	env.expectStatus(resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/sso/callback?code=good-code&state=forged", "", nil)
	env.expectStatus(resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/sso/login", "", nil)
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	resp = env.do(http.MethodGet, "/v1/sso/callback?code=bad-code&state="+url.QueryEscape(loc.Query().Get("state")), "", nil)
	env.expectStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/sso/callback?error=access_denied", "", nil)
	env.expectStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v1/me", "", nil)
	env.expectStatus(resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/jobs", "not-a-token", nil)
	env.expectStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	token := env.seedMember(wingID)
	if err := env.principals.SetActive(context.Background(), wingID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	resp = env.do(http.MethodGet, "/v1/me", token, nil)
	env.expectStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestSyncAndListJobs(t *testing.T) {
	env := newTestEnv(t)
	token := env.login()
	env.remote.setJobs([]industry.Snapshot{snapshot(1001, "active"), snapshot(1002, "delivered")}, nil)

	resp := env.do(http.MethodPost, "/v1/jobs/sync", token, nil)
	env.expectStatus(resp, http.StatusOK)
	if got := decode[syncResponse](t, resp); got.Synced != 2 {
		t.Fatalf("expected 2 synced, got %d", got.Synced)
	}

	resp = env.do(http.MethodGet, "/v1/jobs?limit=10", token, nil)
	env.expectStatus(resp, http.StatusOK)
	jobs := decode[listJobsResponse](t, resp)
	if len(jobs.Items) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs.Items))
	}
	for _, j := range jobs.Items {
		if j.InstallerID != pilotID || j.Corporation() != corpID {
			t.Fatalf("job not attributed to principal: %+v", j)
		}
	}

	resp = env.do(http.MethodGet, "/v1/jobs?limit=0", token, nil)
	env.expectStatus(resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestSyncErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	token := env.login()

	env.remote.setJobs([]industry.Snapshot{snapshot(1001, "exploded")}, nil)
	resp := env.do(http.MethodPost, "/v1/jobs/sync", token, nil)
	env.expectStatus(resp, http.StatusBadGateway)
	resp.Body.Close()

	env.remote.setJobs(nil, esi.ErrRemoteUnavailable)
	resp = env.do(http.MethodPost, "/v1/jobs/sync", token, nil)
	env.expectStatus(resp, http.StatusBadGateway)
	resp.Body.Close()

	// member without a stored credential
	wing := env.seedMember(wingID)
	resp = env.do(http.MethodPost, "/v1/jobs/sync", wing, nil)
	env.expectStatus(resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["error"] != reloginHint {
		t.Fatalf("expected re-login hint, got %v", body)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	token := env.login()

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/admin/requirements"},
		{http.MethodGet, "/v1/admin/stats"},
		{http.MethodGet, "/v1/admin/members"},
		{http.MethodPut, "/v1/admin/members/90000002/admin"},
	} {
		resp := env.do(tc.method, tc.path, token, map[string]any{})
		env.expectStatus(resp, http.StatusForbidden)
		resp.Body.Close()
	}
}

func TestRequirementAdministration(t *testing.T) {
	env := newTestEnv(t)
	token := env.login()
	env.promote(pilotID)
	env.remote.setJobs([]industry.Snapshot{snapshot(1001, "active")}, nil)
	resp := env.do(http.MethodPost, "/v1/jobs/sync", token, nil)
	env.expectStatus(resp, http.StatusOK)
	resp.Body.Close()

	resp = env.do(http.MethodPost, "/v1/admin/requirements", token, map[string]any{
		"type_id":           587,
		"activity_id":       1,
		"quantity_required": 20,
		"priority":          "high",
		"deadline":          "2024-03-01",
	})
	env.expectStatus(resp, http.StatusCreated)
	req := decode[industry.Requirement](t, resp)
	if req.TypeName != "Rifter" || req.Priority != industry.PriorityHigh || req.CorporationID != corpID {
		t.Fatalf("unexpected requirement: %+v", req)
	}

	resp = env.do(http.MethodPost, "/v1/admin/requirements", token, map[string]any{
		"type_id": 587, "type_name": "Rifter", "activity_id": 1, "quantity_required": 5, "deadline": "March",
	})
	env.expectStatus(resp, http.StatusBadRequest)
	resp.Body.Close()

	member := env.seedMember(wingID)
	resp = env.do(http.MethodGet, "/v1/requirements", member, nil)
	env.expectStatus(resp, http.StatusOK)
	if list := decode[listRequirementsResponse](t, resp); len(list.Items) != 1 || list.Items[0].ID != req.ID {
		t.Fatalf("unexpected requirements: %+v", list.Items)
	}

	resp = env.do(http.MethodPost, "/v1/admin/assignments", token, map[string]any{
		"requirement_id": req.ID, "job_id": 1001, "quantity": 10,
	})
	env.expectStatus(resp, http.StatusCreated)
	resp.Body.Close()

	resp = env.do(http.MethodPost, "/v1/admin/assignments", token, map[string]any{
		"requirement_id": req.ID, "job_id": 4040, "quantity": 1,
	})
	env.expectStatus(resp, http.StatusNotFound)
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/requirements/"+req.ID+"/assignments", member, nil)
	env.expectStatus(resp, http.StatusOK)
	if list := decode[listAssignmentsResponse](t, resp); len(list.Items) != 1 || list.Items[0].QuantityAssigned != 10 {
		t.Fatalf("unexpected assignments: %+v", list.Items)
	}

	resp = env.do(http.MethodGet, "/v1/admin/stats", token, nil)
	env.expectStatus(resp, http.StatusOK)
	stats := decode[tracker.Stats](t, resp)
	if stats.Members != 2 || stats.ActiveRequirements != 1 || stats.ActiveJobs != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	resp = env.do(http.MethodDelete, "/v1/admin/requirements/"+req.ID, token, nil)
	env.expectStatus(resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/requirements", member, nil)
	env.expectStatus(resp, http.StatusOK)
	if list := decode[listRequirementsResponse](t, resp); len(list.Items) != 0 {
		t.Fatalf("deactivated requirement still listed: %+v", list.Items)
	}
}

func TestMemberAdministration(t *testing.T) {
	env := newTestEnv(t)
	token := env.login()
	env.promote(pilotID)
	member := env.seedMember(wingID)

	resp := env.do(http.MethodGet, "/v1/admin/members", token, nil)
	env.expectStatus(resp, http.StatusOK)
	if list := decode[listMembersResponse](t, resp); len(list.Items) != 2 {
		t.Fatalf("expected 2 members, got %d", len(list.Items))
	}

	resp = env.do(http.MethodPut, "/v1/admin/members/90000002/admin", token, setAdminRequest{IsAdmin: true})
	env.expectStatus(resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/admin/stats", member, nil)
	env.expectStatus(resp, http.StatusOK)
	resp.Body.Close()

	resp = env.do(http.MethodDelete, "/v1/admin/members/90000001", token, nil)
	env.expectStatus(resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.do(http.MethodDelete, "/v1/admin/members/90000002", token, nil)
	env.expectStatus(resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.do(http.MethodGet, "/v1/me", member, nil)
	env.expectStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.do(http.MethodDelete, "/v1/admin/members/123", token, nil)
	env.expectStatus(resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestJobStreamDeliversReconciledChanges(t *testing.T) {
	env := newTestEnv(t)
	token := env.login()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/jobs/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		return strings.TrimRight(line, "\n")
	}
	if line := readLine(); line != ": stream started" {
		t.Fatalf("unexpected preamble: %q", line)
	}
	_ = readLine()

	env.remote.setJobs([]industry.Snapshot{snapshot(1001, "active")}, nil)
	syncResp := env.do(http.MethodPost, "/v1/jobs/sync", token, nil)
	env.expectStatus(syncResp, http.StatusOK)
	syncResp.Body.Close()

	if line := readLine(); line != "event: created" {
		t.Fatalf("unexpected event line: %q", line)
	}
	data := strings.TrimPrefix(readLine(), "data: ")
	var evt events.JobEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Job.JobID != 1001 || evt.Kind != industry.ChangeCreated {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
