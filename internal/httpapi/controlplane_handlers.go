package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"formaos.app/internal/auth"
	"formaos.app/internal/controlplane"
	"formaos.app/internal/obs"
)

const streamKeepAlive = 25 * time.Second

func (a *API) handleControlPlane(w http.ResponseWriter, r *http.Request) {
	if a.deps.ControlPlane == nil {
		unavailable(w, r, "control plane")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.controlPlaneSnapshot(w, r)
	case http.MethodPost:
		a.controlPlaneAction(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) environment(r *http.Request, override string) controlplane.Environment {
	if override = strings.TrimSpace(override); override != "" {
		return controlplane.ResolveEnvironment(override)
	}
	if q := strings.TrimSpace(r.URL.Query().Get("env")); q != "" {
		return controlplane.ResolveEnvironment(q)
	}
	return a.deps.Environment
}

// controlPlaneSnapshot returns the admin snapshot, or with view=runtime the
// evaluated runtime config for the calling founder.
func (a *API) controlPlaneSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	env := a.environment(r, "")

	if q.Get("view") == "runtime" {
		userID, _ := auth.UserIDFromContext(r.Context())
		orgID, _ := auth.OrgIDFromContext(r.Context())
		snap, err := a.deps.ControlPlane.Runtime(r.Context(), env, controlplane.FlagContext{UserID: userID, OrgID: orgID}, true)
		if err != nil {
			handleControlPlaneError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	auditLimit, err := parsePositiveInt(q.Get("audit_limit"), 0, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	jobsLimit, err := parsePositiveInt(q.Get("jobs_limit"), 0, 1, 300)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := a.deps.ControlPlane.Snapshot(r.Context(), env, auditLimit, jobsLimit)
	if err != nil {
		handleControlPlaneError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// controlPlaneAction accepts a flat body: action and environment select the
// operation and every other field is its payload.
func (a *API) controlPlaneAction(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	var body map[string]any
	if err := json.NewDecoder(reader).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	action, _ := body["action"].(string)
	envRaw, _ := body["environment"].(string)
	delete(body, "action")
	delete(body, "environment")

	actor, _ := auth.UserIDFromContext(r.Context())
	res, err := a.deps.ControlPlane.Apply(r.Context(), actor, a.environment(r, envRaw), action, body)
	if err != nil {
		handleControlPlaneError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleControlPlaneStream pushes runtime version changes as Server-Sent Events.
func (a *API) handleControlPlaneStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.ControlPlane == nil || a.deps.ControlPlane.Hub() == nil {
		unavailable(w, r, "control plane stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	env := a.environment(r, "")
	ch := a.deps.ControlPlane.Hub().Subscribe(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if version, err := a.deps.ControlPlane.RuntimeVersion(ctx, env); err == nil {
		writeEvent(w, controlplane.VersionEvent{Environment: env, Version: version, At: time.Now().UTC()})
	} else {
		obs.Warn("control_plane_stream_version_failed", map[string]any{"err": err})
		_, _ = w.Write([]byte(": stream started\n\n"))
	}
	flusher.Flush()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Environment != env {
				continue
			}
			writeEvent(w, evt)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt controlplane.VersionEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: runtime_version\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

func handleControlPlaneError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, controlplane.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, controlplane.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		obs.Error("control_plane_request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"err":        err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
