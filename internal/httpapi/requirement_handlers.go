package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"indytrack.org/internal/auth"
	"indytrack.org/internal/industry"
	"indytrack.org/internal/tracker"
)

type listRequirementsResponse struct {
	Items []industry.Requirement `json:"items"`
}

type listAssignmentsResponse struct {
	Items []industry.Assignment `json:"items"`
}

type listMembersResponse struct {
	Items []auth.Principal `json:"items"`
}

type assignJobRequest struct {
	RequirementID string `json:"requirement_id"`
	JobID         int64  `json:"job_id"`
	Quantity      int    `json:"quantity"`
}

type setAdminRequest struct {
	IsAdmin bool `json:"is_admin"`
}

func (a *API) handleListRequirements(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	items := []industry.Requirement{}
	if p.HasCorporation() {
		reqs, err := a.svc.ListRequirements(r.Context(), p.Corporation())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		items = append(items, reqs...)
	}
	writeJSON(w, http.StatusOK, listRequirementsResponse{Items: items})
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.Assignments(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []industry.Assignment{}
	}
	writeJSON(w, http.StatusOK, listAssignmentsResponse{Items: items})
}

func (a *API) handleCreateRequirement(w http.ResponseWriter, r *http.Request) {
	var in tracker.RequirementInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := a.svc.CreateRequirement(r.Context(), principalFrom(r), in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) handleDeactivateRequirement(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeactivateRequirement(r.Context(), principalFrom(r), mux.Vars(r)["id"]); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignJob(w http.ResponseWriter, r *http.Request) {
	var in assignJobRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if isBlank(in.RequirementID) || in.JobID <= 0 {
		writeError(w, r, http.StatusBadRequest, "requirement_id and job_id are required")
		return
	}
	assignment, err := a.svc.AssignJob(r.Context(), principalFrom(r), in.RequirementID, in.JobID, in.Quantity)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context(), principalFrom(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.svc.Members(r.Context(), principalFrom(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if members == nil {
		members = []auth.Principal{}
	}
	writeJSON(w, http.StatusOK, listMembersResponse{Items: members})
}

func (a *API) handleSetAdmin(w http.ResponseWriter, r *http.Request) {
	characterID, ok := characterIDVar(w, r)
	if !ok {
		return
	}
	var in setAdminRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetAdmin(r.Context(), principalFrom(r), characterID, in.IsAdmin); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeactivateMember(w http.ResponseWriter, r *http.Request) {
	characterID, ok := characterIDVar(w, r)
	if !ok {
		return
	}
	if characterID == principalFrom(r).CharacterID {
		writeError(w, r, http.StatusBadRequest, "cannot deactivate yourself")
		return
	}
	if err := a.svc.Deactivate(r.Context(), principalFrom(r), characterID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func characterIDVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid character id")
		return 0, false
	}
	return id, true
}
