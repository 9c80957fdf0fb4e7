package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"indytrack.org/internal/industry"
)

type syncResponse struct {
	Synced int `json:"synced"`
}

type listJobsResponse struct {
	Items []industry.Job `json:"items"`
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.Sync(r.Context(), principalFrom(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Synced: n})
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), industry.DefaultListLimit, 1, industry.MaxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := a.svc.Jobs(r.Context(), principalFrom(r), limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []industry.Job{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Items: jobs})
}

// handleStream serves the caller's corporation job changes as Server-Sent Events.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if !p.HasCorporation() {
		writeError(w, r, http.StatusBadRequest, "principal has no corporation")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.hub.Subscribe(r.Context(), p.Corporation())

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(event.Kind) + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
