package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"indytrack.org/internal/audit"
	"indytrack.org/internal/auth"
	"indytrack.org/internal/events"
	"indytrack.org/internal/obs"
	"indytrack.org/internal/tracker"
)

const serviceName = "indytrack-api"

// ReadyProbe: простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps: зависимости HTTP слоя.
type Deps struct {
	Service    *tracker.Service
	Sessions   *auth.Sessions
	Hub        *events.Hub
	Ready      readinessChecker
	Version    string
	RateBurst  int
	RatePerSec int
}

// API: HTTP слой.
type API struct {
	router     *mux.Router
	svc        *tracker.Service
	sessions   *auth.Sessions
	hub        *events.Hub
	readyProbe readinessChecker
	version    string
	rateBurst  int
	ratePerSec int
}

func New(d Deps) (*API, error) {
	if d.Service == nil || d.Sessions == nil {
		return nil, errors.New("httpapi: service and sessions are required")
	}
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	if d.Hub == nil {
		d.Hub = events.NewHub()
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 20
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 10
	}
	a := &API{
		router:     mux.NewRouter(),
		svc:        d.Service,
		sessions:   d.Sessions,
		hub:        d.Hub,
		readyProbe: d.Ready,
		version:    d.Version,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSec,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/info
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)

	// Prometheus metrics
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	// SSO
	r.HandleFunc("/v1/sso/login", a.handleLogin).Methods(http.MethodGet)
	r.HandleFunc("/v1/sso/callback", a.handleCallback).Methods(http.MethodGet)

	// администрирование корпорации
	admin := r.PathPrefix("/v1/admin").Subrouter()
	admin.Use(a.withAuth, requireAdmin)
	admin.HandleFunc("/requirements", a.handleCreateRequirement).Methods(http.MethodPost)
	admin.HandleFunc("/requirements/{id}", a.handleDeactivateRequirement).Methods(http.MethodDelete)
	admin.HandleFunc("/assignments", a.handleAssignJob).Methods(http.MethodPost)
	admin.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/members", a.handleMembers).Methods(http.MethodGet)
	admin.HandleFunc("/members/{id}", a.handleDeactivateMember).Methods(http.MethodDelete)
	admin.HandleFunc("/members/{id}/admin", a.handleSetAdmin).Methods(http.MethodPut)

	// участники корпорации
	member := r.PathPrefix("/v1").Subrouter()
	member.Use(a.withAuth)
	member.HandleFunc("/me", a.handleMe).Methods(http.MethodGet)
	member.HandleFunc("/jobs", a.handleListJobs).Methods(http.MethodGet)
	member.HandleFunc("/jobs/sync", a.handleSync).Methods(http.MethodPost)
	member.HandleFunc("/jobs/stream", a.handleStream).Methods(http.MethodGet)
	member.HandleFunc("/requirements", a.handleListRequirements).Methods(http.MethodGet)
	member.HandleFunc("/requirements/{id}/assignments", a.handleAssignments).Methods(http.MethodGet)
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.router)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = Recoverer(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
