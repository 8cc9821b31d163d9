// Package httpapi exposes the compliance, automation, onboarding and
// control-plane services over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"formaos.app/internal/auth"
	"formaos.app/internal/automation"
	"formaos.app/internal/compliance"
	"formaos.app/internal/controlplane"
	"formaos.app/internal/obs"
	"formaos.app/internal/onboarding"
)

const serviceName = "formaos-api"

// Pinger is satisfied by both store implementations.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports whether the backing database answers.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Deps are the services the API routes to. Nil services disable their routes
// with 503.
type Deps struct {
	Compliance   *compliance.Engine
	Automation   *automation.Engine
	Hooks        *automation.Hooks
	Scheduler    *automation.Scheduler
	Onboarding   onboarding.CountsSource
	ControlPlane *controlplane.Service
	Signer       *auth.Signer

	// CronSecret guards /api/cron/automation. Empty disables the endpoint.
	CronSecret  string
	Environment controlplane.Environment
	// DevTokens enables POST /v1/auth/token for local development.
	DevTokens bool
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	deps       Deps

	rateBurst  int
	ratePerSec float64
}

// New wires the routes. Rate limiting defaults to 20 requests per second
// with a burst of 40 per client.
func New(rp ReadyProbe, version string, deps Deps) *API {
	if deps.Environment == "" {
		deps.Environment = controlplane.DefaultEnvironment
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		deps:       deps,
		rateBurst:  40,
		ratePerSec: 20,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/api/cron/automation", a.handleCron)

	a.mux.HandleFunc("/v1/compliance/score", a.handleScore)
	a.mux.HandleFunc("/v1/compliance/score/recalculate", a.handleRecalculate)
	a.mux.HandleFunc("/v1/compliance/summary", a.handleSummary)

	a.mux.HandleFunc("/v1/automation/triggers", a.handleTrigger)
	a.mux.HandleFunc("/v1/automation/events", a.handleEvent)

	a.mux.HandleFunc("/v1/onboarding/checklist", a.handleChecklist)

	founder := RequireRole(auth.RoleFounder)
	a.mux.Handle("/api/admin/control-plane", founder(http.HandlerFunc(a.handleControlPlane)))
	a.mux.Handle("/api/admin/control-plane/stream", founder(http.HandlerFunc(a.handleControlPlaneStream)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// SetRateLimit overrides the per-client token bucket. Call before Handler.
func (a *API) SetRateLimit(perSecond float64, burst int) {
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
	if burst > 0 {
		a.rateBurst = burst
	}
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
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
		"name":        serviceName,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"version":     a.version,
		"environment": a.deps.Environment,
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
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, r, http.StatusServiceUnavailable, what+" is not configured")
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

// orgFromRequest resolves the organization a request acts on: the token's
// org_id, or the org query parameter for founders.
func orgFromRequest(r *http.Request) (string, bool) {
	if auth.HasRole(r.Context(), auth.RoleFounder) {
		if org := strings.TrimSpace(r.URL.Query().Get("org")); org != "" {
			return org, true
		}
	}
	return auth.OrgIDFromContext(r.Context())
}

// requireOrg writes 403 and returns false when the caller is not bound to an
// organization or lacks perm.
func requireOrg(w http.ResponseWriter, r *http.Request, perm string) (string, bool) {
	if err := auth.Authorize(r.Context(), perm); err != nil {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return "", false
	}
	orgID, ok := orgFromRequest(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, "organization required")
		return "", false
	}
	return orgID, true
}
