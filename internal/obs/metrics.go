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

// HTTP metrics.
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "formaos_ready",
		Help: "1 when the service passed its last readiness probe.",
	})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter.",
	})
)

// Automation metrics.
var (
	TriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formaos_automation_triggers_total",
			Help: "Processed automation triggers by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formaos_automation_tasks_created_total",
			Help: "Tasks created by automation triggers.",
		},
		[]string{"type"},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formaos_automation_notifications_sent_total",
			Help: "Notifications inserted by automation triggers.",
		},
		[]string{"type"},
	)

	ScheduledCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formaos_scheduled_check_duration_seconds",
			Help:    "Duration of scheduled automation checks.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"check"},
	)

	ScheduledTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formaos_scheduled_triggers_total",
			Help: "Triggers fired by scheduled checks.",
		},
		[]string{"check"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formaos_automation_dead_letters_total",
			Help: "Automation failures routed to the dead-letter queue.",
		},
		[]string{"source"},
	)

	ComplianceScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "formaos_compliance_score",
		Help:    "Distribution of computed overall compliance scores.",
		Buckets: []float64{20, 40, 60, 80, 90, 100},
	})
)

// Control-plane metrics.
var (
	AdminJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formaos_admin_jobs_total",
			Help: "Admin jobs finished by type and final status.",
		},
		[]string{"type", "status"},
	)

	RuntimeVersionBumps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formaos_runtime_version_bumps_total",
			Help: "Runtime version changes per environment.",
		},
		[]string{"environment"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge, RateLimited,
			TriggersTotal, TasksCreatedTotal, NotificationsSentTotal,
			ScheduledCheckDuration, ScheduledTriggersTotal, DeadLettersTotal,
			ComplianceScores, AdminJobsTotal, RuntimeVersionBumps,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

var knownPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/token",
	"/v1/compliance/score",
	"/v1/compliance/score/recalculate",
	"/v1/compliance/summary",
	"/v1/automation/triggers",
	"/v1/automation/events",
	"/v1/onboarding/checklist",
	"/api/cron/automation",
	"/api/admin/control-plane",
	"/api/admin/control-plane/stream",
}

// CanonicalPath folds request paths into a bounded label set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return "/"
	}
	path = strings.TrimSuffix(path, "/")
	for _, p := range knownPaths {
		if path == p {
			return p
		}
	}
	return "/other"
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
