package httpapi

import (
	"errors"
	"net/http"

	"indytrack.org/internal/auth"
	"indytrack.org/internal/credential"
	"indytrack.org/internal/esi"
	"indytrack.org/internal/industry"
	"indytrack.org/internal/obs"
)

const reloginHint = "credential unavailable, sign in again"

// handleServiceError maps service errors onto HTTP statuses. The request is
// already authenticated here, so ErrUnauthorized means a missing privilege.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidState):
		writeError(w, r, http.StatusBadRequest, "invalid or expired login state")
	case errors.Is(err, esi.ErrAuthExchangeFailed), errors.Is(err, esi.ErrInvalidIdentity), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, credential.ErrNoCredential), errors.Is(err, credential.ErrRenewalFailed):
		writeError(w, r, http.StatusUnauthorized, reloginHint)
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, industry.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, industry.ErrInvalidRequirement), errors.Is(err, industry.ErrInvalidAssignment):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, esi.ErrRemoteUnavailable), errors.Is(err, industry.ErrMalformedSnapshot):
		writeError(w, r, http.StatusBadGateway, "remote authority unavailable")
	default:
		obs.Logger().WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
