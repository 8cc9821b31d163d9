package onboarding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestRoadmapsLoad(t *testing.T) {
	all := Industries()
	require.NotEmpty(t, all)

	seen := map[string]bool{}
	for _, r := range all {
		seen[r.IndustryID] = true
		assert.NotEmpty(t, r.Phases, r.IndustryID)
	}
	for _, id := range []string{"ndis", "healthcare", "financial_services", "saas_technology", "aged_care", "other"} {
		assert.True(t, seen[id], "missing industry %s", id)
	}
}

func TestRoadmapForFallsBackToDefault(t *testing.T) {
	assert.Equal(t, DefaultIndustry, RoadmapFor("space_mining").IndustryID)
	assert.Equal(t, "ndis", RoadmapFor("ndis").IndustryID)
}

func TestGenerateChecklistOrdersCriticalThenHigh(t *testing.T) {
	items := GenerateChecklist("ndis")
	assert.Equal(t, []string{
		"provider-details", "staff-setup", "participant-onboarding", "location-setup",
		"framework-provision", "credential-register", "incident-system", "policy-library",
	}, ids(items))
	assert.Equal(t, KeyOrgProfile, items[0].CompletionKey)
	assert.Equal(t, KeyRegisters, items[3].CompletionKey)
	assert.Equal(t, KeyPolicies, items[7].CompletionKey)
}

func TestGenerateChecklistCapsAtEight(t *testing.T) {
	for _, r := range Industries() {
		items := GenerateChecklist(r.IndustryID)
		assert.LessOrEqual(t, len(items), maxChecklistItems, r.IndustryID)
		for _, it := range items {
			assert.Contains(t, []string{"critical", "high"}, it.Priority)
		}
	}
}

func TestCompletionThresholds(t *testing.T) {
	cases := []struct {
		key  string
		miss Counts
		hit  Counts
	}{
		{KeyOrgProfile, Counts{}, Counts{OrgProfileComplete: true}},
		{KeyMembers, Counts{Members: 1}, Counts{Members: 2}},
		{KeyPolicies, Counts{Policies: 2}, Counts{Policies: 3}},
		{KeyTasks, Counts{Tasks: 2}, Counts{Tasks: 3}},
		{KeyEvidence, Counts{}, Counts{Evidence: 1}},
		{KeyPatients, Counts{}, Counts{Patients: 1}},
		{KeyReports, Counts{}, Counts{Reports: 1}},
	}
	for _, tc := range cases {
		it := Item{CompletionKey: tc.key}
		assert.False(t, it.Complete(tc.miss), "%s should be incomplete", tc.key)
		assert.True(t, it.Complete(tc.hit), "%s should be complete", tc.key)
	}
}

func TestGenericChecklistOverrides(t *testing.T) {
	items := GenericChecklist()
	require.Len(t, items, 7)

	c := Counts{Tasks: 1, Policies: 1}
	byID := map[string]Item{}
	for _, it := range items {
		byID[it.ID] = it
	}
	assert.True(t, byID["first-task"].Complete(c))
	assert.True(t, byID["policy-review"].Complete(c))
	assert.False(t, byID["team-invite"].Complete(c))
}

func TestProgressAndNextAction(t *testing.T) {
	items := GenericChecklist()
	c := Counts{Members: 2, Frameworks: 1}

	p := ChecklistProgress(items, c)
	assert.Equal(t, 2, p.CompletedCount)
	assert.Equal(t, 7, p.TotalCount)
	assert.Equal(t, 29, p.Percent)
	assert.Equal(t, []string{"team-invite", "framework-selection"}, p.CompletedItems)

	next, ok := NextAction(items, c)
	require.True(t, ok)
	assert.Equal(t, "first-task", next.ID)

	assert.Equal(t, 10+10+30+10+5, EstimateMinutesRemaining(items, c))

	all := Counts{Members: 2, Frameworks: 1, Tasks: 1, Evidence: 1, Policies: 1, ComplianceChecks: 1, Reports: 1}
	_, ok = NextAction(items, all)
	assert.False(t, ok)
	assert.Equal(t, 100, ChecklistProgress(items, all).Percent)
	assert.Equal(t, 0, ChecklistProgress(nil, all).Percent)
}

func TestSummaryAndFilters(t *testing.T) {
	items := GenericChecklist()
	s := Summary(items, Counts{Reports: 1})

	assert.Equal(t, Tally{Completed: 1, Total: 2}, s.ByCategory["readiness"])
	assert.Equal(t, Tally{Completed: 0, Total: 1}, s.ByPriority["critical"])
	assert.Equal(t, Tally{}, s.ByPriority["low"])
	assert.Equal(t, 14, s.OverallProgress)

	assert.Len(t, ItemsByCategory(items, "compliance"), 2)
	assert.Len(t, ItemsByPriority(items, "medium"), 2)
}

func TestCompletedRoadmapSteps(t *testing.T) {
	r := RoadmapFor("ndis")
	done := CompletedRoadmapSteps(r, Counts{OrgProfileComplete: true})
	assert.Contains(t, done, "provider-details")
	assert.NotContains(t, done, "staff-setup")
	assert.Greater(t, r.TotalSteps(), len(done))
	assert.Positive(t, r.TotalEstimatedDays())
}
