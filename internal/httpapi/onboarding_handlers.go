package httpapi

import (
	"net/http"

	"formaos.app/internal/auth"
	"formaos.app/internal/obs"
	"formaos.app/internal/onboarding"
)

func (a *API) handleChecklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Onboarding == nil {
		unavailable(w, r, "onboarding")
		return
	}
	orgID, ok := requireOrg(w, r, auth.PermOnboardingRead)
	if !ok {
		return
	}
	rep, err := onboarding.BuildReport(r.Context(), a.deps.Onboarding, orgID, r.URL.Query().Get("industry"))
	if err != nil {
		obs.Error("onboarding_checklist_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"org_id":     orgID,
			"err":        err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
