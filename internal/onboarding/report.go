package onboarding

import (
	"context"
	"fmt"
	"strings"
)

// CountsSource reads the per-organization counters the checklist is scored against.
type CountsSource interface {
	OnboardingCounts(ctx context.Context, orgID string) (Counts, error)
}

// Report is the checklist view returned to a member of an organization.
type Report struct {
	Industry         string            `json:"industry"`
	Items            []Item            `json:"items"`
	Progress         Progress          `json:"progress"`
	Summary          CompletionSummary `json:"summary"`
	NextAction       *Item             `json:"nextAction,omitempty"`
	MinutesRemaining int               `json:"minutesRemaining"`
	Counts           Counts            `json:"counts"`
}

// BuildReport scores the industry checklist, or the generic one when industry
// is blank, against the organization's current counters.
func BuildReport(ctx context.Context, src CountsSource, orgID, industry string) (Report, error) {
	counts, err := src.OnboardingCounts(ctx, orgID)
	if err != nil {
		return Report{}, fmt.Errorf("load onboarding counts: %w", err)
	}
	industry = strings.TrimSpace(industry)
	items := GenericChecklist()
	if industry != "" {
		industry = RoadmapFor(industry).IndustryID
		items = GenerateChecklist(industry)
	}
	rep := Report{
		Industry:         industry,
		Items:            items,
		Progress:         ChecklistProgress(items, counts),
		Summary:          Summary(items, counts),
		MinutesRemaining: EstimateMinutesRemaining(items, counts),
		Counts:           counts,
	}
	if next, ok := NextAction(items, counts); ok {
		rep.NextAction = &next
	}
	return rep, nil
}
