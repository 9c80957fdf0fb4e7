package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	credentialRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_renewals_total",
			Help: "Access credential renewals by result.",
		},
		[]string{"result"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Job ledger reconciliation runs by result.",
		},
		[]string{"result"},
	)

	jobsReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_reconciled_total",
			Help: "Jobs written to the ledger by change kind.",
		},
		[]string{"change"},
	)

	esiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "esi_request_duration_seconds",
			Help:    "Remote authority request latencies in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"scope", "status"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			credentialRenewals, syncRuns, jobsReconciled, esiRequestDuration,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRenewal counts a credential renewal attempt ("ok", "failed", "reused").
func ObserveRenewal(result string) {
	credentialRenewals.WithLabelValues(result).Inc()
}

// ObserveSync counts a reconciliation run.
func ObserveSync(result string) {
	syncRuns.WithLabelValues(result).Inc()
}

// ObserveJobs adds n ledger writes of the given change kind ("created", "updated").
func ObserveJobs(change string, n int) {
	if n <= 0 {
		return
	}
	jobsReconciled.WithLabelValues(change).Add(float64(n))
}

// ObserveESI records the latency of one remote authority call.
func ObserveESI(scope string, status int, d time.Duration) {
	esiRequestDuration.WithLabelValues(scope, strconv.Itoa(status)).Observe(d.Seconds())
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "requirements":
		return "/v1/admin/requirements/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "members":
		return "/v1/admin/members/:id"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "members" && parts[4] == "admin":
		return "/v1/admin/members/:id/admin"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "requirements" && parts[3] == "assignments":
		return "/v1/requirements/:id/assignments"
	}
	return p
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
