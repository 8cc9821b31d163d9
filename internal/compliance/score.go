package compliance

import "math"

// Sub-score weights.
const (
	weightCompliant    = 1.0
	weightAtRisk       = 0.5
	weightNonCompliant = 0.0

	weightVerified = 1.0
	weightPending  = 0.3
	weightRejected = 0.0

	overdueTaskPenalty = 20.0
)

// Overall score weights. They sum to 1.
const (
	WeightControls = 0.4
	WeightEvidence = 0.3
	WeightTasks    = 0.2
	WeightPolicies = 0.1
)

func ControlsScore(c ControlCounts) int {
	if c.Total <= 0 {
		return 100
	}
	weighted := (float64(c.Compliant)*weightCompliant +
		float64(c.AtRisk)*weightAtRisk +
		float64(c.NonCompliant)*weightNonCompliant) / float64(c.Total)
	return clamp(round(weighted * 100))
}

// EvidenceScore is neutral (50) when nothing has been uploaded.
func EvidenceScore(e EvidenceCounts) int {
	if e.Total <= 0 {
		return 50
	}
	weighted := (float64(e.Verified)*weightVerified +
		float64(e.Pending)*weightPending +
		float64(e.Rejected)*weightRejected) / float64(e.Total)
	return clamp(round(weighted * 100))
}

func TasksScore(t TaskCounts) int {
	if t.Total <= 0 {
		return 100
	}
	completion := float64(t.Completed) / float64(t.Total)
	overdue := float64(t.Overdue) / float64(t.Total)
	return clamp(round(completion*100 - overdue*overdueTaskPenalty))
}

func PoliciesScore(p PolicyCounts) int {
	if p.Total <= 0 {
		return 50
	}
	return clamp(round(float64(p.Approved) / float64(p.Total) * 100))
}

func OverallScore(controls, evidence, tasks, policies int) int {
	return round(float64(controls)*WeightControls +
		float64(evidence)*WeightEvidence +
		float64(tasks)*WeightTasks +
		float64(policies)*WeightPolicies)
}

// DetermineRiskLevel applies the cascading tier rules. The first match wins.
func DetermineRiskLevel(score int, controls ControlCounts, evidence EvidenceCounts, tasks TaskCounts) RiskLevel {
	switch {
	case score < 40 || controls.NonCompliant > 5 || (tasks.Overdue > 10 && evidence.Rejected > 3):
		return RiskCritical
	case score < 60 || controls.NonCompliant > 2 || tasks.Overdue > 5:
		return RiskHigh
	case score < 80 || tasks.Overdue > 2:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Compute builds a Score from raw counters.
func Compute(orgID string, c ControlCounts, e EvidenceCounts, t TaskCounts, p PolicyCounts) Score {
	cs, es, ts, ps := ControlsScore(c), EvidenceScore(e), TasksScore(t), PoliciesScore(p)
	overall := OverallScore(cs, es, ts, ps)
	risk := DetermineRiskLevel(overall, c, e, t)
	return Score{
		OrganizationID: orgID,
		Overall:        overall,
		Controls:       cs,
		Evidence:       es,
		Tasks:          ts,
		Policies:       ps,
		RiskLevel:      risk,
		Details: Details{
			ControlsScore:        cs,
			EvidenceScore:        es,
			TasksScore:           ts,
			PoliciesScore:        ps,
			RiskLevel:            risk,
			TotalControls:        c.Total,
			CompliantControls:    c.Compliant,
			AtRiskControls:       c.AtRisk,
			NonCompliantControls: c.NonCompliant,
			TotalEvidence:        e.Total,
			VerifiedEvidence:     e.Verified,
			PendingEvidence:      e.Pending,
			RejectedEvidence:     e.Rejected,
			TotalTasks:           t.Total,
			CompletedTasks:       t.Completed,
			OverdueTasks:         t.Overdue,
			TotalPolicies:        p.Total,
			ApprovedPolicies:     p.Approved,
			DraftPolicies:        p.Draft,
		},
	}
}

func round(v float64) int { return int(math.Round(v)) }

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
