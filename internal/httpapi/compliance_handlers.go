package httpapi

import (
	"errors"
	"net/http"

	"formaos.app/internal/auth"
	"formaos.app/internal/compliance"
	"formaos.app/internal/obs"
)

func (a *API) handleScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Compliance == nil {
		unavailable(w, r, "compliance scoring")
		return
	}
	orgID, ok := requireOrg(w, r, auth.PermComplianceRead)
	if !ok {
		return
	}
	ev, err := a.deps.Compliance.Current(r.Context(), orgID)
	if err != nil {
		handleComplianceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Compliance == nil {
		unavailable(w, r, "compliance scoring")
		return
	}
	orgID, ok := requireOrg(w, r, auth.PermComplianceRecompute)
	if !ok {
		return
	}
	score, err := a.deps.Compliance.Update(r.Context(), orgID)
	if err != nil {
		handleComplianceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Compliance == nil {
		unavailable(w, r, "compliance scoring")
		return
	}
	orgID, ok := requireOrg(w, r, auth.PermComplianceRead)
	if !ok {
		return
	}
	summary, err := a.deps.Compliance.Summary(r.Context(), orgID)
	if err != nil {
		handleComplianceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func handleComplianceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, compliance.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "no compliance evaluation for organization")
	case errors.Is(err, compliance.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, "score is being recalculated, retry shortly")
	default:
		obs.Error("compliance_request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"err":        err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
