package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"formaos.app/internal/auth"
	"formaos.app/internal/automation"
	"formaos.app/internal/obs"
)

// automationRequest is the body of both the trigger and event endpoints.
type automationRequest struct {
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityType string         `json:"entity_type"`
	Metadata   map[string]any `json:"metadata"`
}

type eventResponse struct {
	Triggered    bool               `json:"triggered"`
	Result       *automation.Result `json:"result,omitempty"`
	DeadLettered bool               `json:"deadLettered,omitempty"`
	Error        string             `json:"error,omitempty"`
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Automation == nil {
		unavailable(w, r, "automation")
		return
	}
	orgID, ok := requireOrg(w, r, auth.PermAutomationTrigger)
	if !ok {
		return
	}

	var req automationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	typ, err := automation.ParseTriggerType(req.Type)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res := a.deps.Automation.Process(r.Context(), automation.TriggerEvent{
		Type:           typ,
		OrganizationID: orgID,
		EntityID:       strings.TrimSpace(req.EntityID),
		EntityType:     strings.TrimSpace(req.EntityType),
		Metadata:       req.Metadata,
		TriggeredAt:    time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Hooks == nil {
		unavailable(w, r, "automation")
		return
	}
	orgID, ok := requireOrg(w, r, auth.PermAutomationTrigger)
	if !ok {
		return
	}

	var req automationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	typ, err := automation.ParseEventType(req.Type)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out := a.deps.Hooks.Emit(r.Context(), automation.DatabaseEvent{
		Type:           typ,
		OrganizationID: orgID,
		EntityID:       strings.TrimSpace(req.EntityID),
		EntityType:     strings.TrimSpace(req.EntityType),
		Metadata:       req.Metadata,
		Timestamp:      time.Now().UTC(),
	})
	resp := eventResponse{Triggered: out.Triggered, Result: out.Result}
	if out.Err != nil {
		resp.DeadLettered = true
		resp.Error = out.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCron runs the scheduled checks. Hosted cron schedulers call it with
// GET, so both GET and POST are accepted.
func (a *API) handleCron(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	if a.deps.Scheduler == nil || a.deps.CronSecret == "" {
		unavailable(w, r, "scheduled automation")
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(a.deps.CronSecret)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if check := strings.TrimSpace(r.URL.Query().Get("check")); check != "" {
		kind, err := automation.ParseCheckKind(check)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		res, err := a.deps.Scheduler.RunCheck(r.Context(), kind)
		if err != nil {
			handleCronError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, automation.RunReport{
			ChecksRun:        1,
			TriggersExecuted: res.TriggersExecuted,
			Errors:           res.Errors,
		})
		return
	}

	report, err := a.deps.Scheduler.Run(r.Context())
	if err != nil {
		handleCronError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func handleCronError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, automation.ErrRunInProgress) {
		writeError(w, r, http.StatusConflict, err.Error())
		return
	}
	obs.Error("scheduled_run_failed", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"err":        err,
	})
	writeError(w, r, http.StatusInternalServerError, "scheduled run failed")
}
