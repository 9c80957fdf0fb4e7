package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"indytrack.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer session token to a current, active principal.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.sessions.Parse(token)
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}
		characterID, err := claims.CharacterID()
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}

		principal, err := a.svc.Principal(r.Context(), characterID)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				unauthorized(w, r, "unknown principal")
				return
			}
			handleServiceError(w, r, err)
			return
		}
		if !principal.IsActive {
			unauthorized(w, r, "principal is deactivated")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin checks the stored admin flag, not the token roles.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			unauthorized(w, r, "authentication required")
			return
		}
		if err := auth.RequireAdmin(principal); err != nil {
			writeError(w, r, http.StatusForbidden, "administrator privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="indytrack"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
