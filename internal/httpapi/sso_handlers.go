package httpapi

import (
	"net/http"
	"time"

	"indytrack.org/internal/audit"
	"indytrack.org/internal/auth"
)

type sessionResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Principal auth.Principal `json:"principal"`
}

// handleLogin redirects the browser to the authority authorize page.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	url, err := a.svc.LoginURL()
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if msg := q.Get("error"); msg != "" {
		writeError(w, r, http.StatusUnauthorized, "authorization denied: "+msg)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if isBlank(code) || isBlank(state) {
		writeError(w, r, http.StatusBadRequest, "code and state are required")
		return
	}

	principal, err := a.svc.Authenticate(r.Context(), code, state)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	token, exp, err := a.sessions.Issue(principal)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	_ = audit.LogEvent(ctx, "session.issued", map[string]any{
		"expires_at": exp.Format(time.RFC3339),
		"roles":      principal.Roles(),
	})
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: exp, Principal: principal})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, principalFrom(r))
}
