package compliance

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("evaluation not found")
	ErrVersionConflict = errors.New("evaluation version conflict")
)

// RiskLevel is the discrete risk tier derived from a score and raw counters.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from low (0) to critical (3). Unknown values rank -1.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

func (r RiskLevel) Valid() bool { return r.Rank() >= 0 }

// Status maps a risk tier to the evaluation status column.
func (r RiskLevel) Status() string {
	switch r {
	case RiskLow:
		return "compliant"
	case RiskCritical:
		return "non_compliant"
	default:
		return "at_risk"
	}
}

type ControlCounts struct {
	Total        int
	Compliant    int
	AtRisk       int
	NonCompliant int
}

type EvidenceCounts struct {
	Total    int
	Verified int
	Pending  int
	Rejected int
}

type TaskCounts struct {
	Total     int
	Completed int
	Overdue   int
}

type PolicyCounts struct {
	Total    int
	Approved int
	Draft    int
}

// Details is the breakdown persisted alongside the evaluation row.
type Details struct {
	ControlsScore        int       `json:"controlsScore"`
	EvidenceScore        int       `json:"evidenceScore"`
	TasksScore           int       `json:"tasksScore"`
	PoliciesScore        int       `json:"policiesScore"`
	RiskLevel            RiskLevel `json:"riskLevel"`
	TotalControls        int       `json:"totalControls"`
	CompliantControls    int       `json:"compliantControls"`
	AtRiskControls       int       `json:"atRiskControls"`
	NonCompliantControls int       `json:"nonCompliantControls"`
	TotalEvidence        int       `json:"totalEvidence"`
	VerifiedEvidence     int       `json:"verifiedEvidence"`
	PendingEvidence      int       `json:"pendingEvidence"`
	RejectedEvidence     int       `json:"rejectedEvidence"`
	TotalTasks           int       `json:"totalTasks"`
	CompletedTasks       int       `json:"completedTasks"`
	OverdueTasks         int       `json:"overdueTasks"`
	TotalPolicies        int       `json:"totalPolicies"`
	ApprovedPolicies     int       `json:"approvedPolicies"`
	DraftPolicies        int       `json:"draftPolicies"`
}

type Score struct {
	OrganizationID string    `json:"organizationId"`
	Overall        int       `json:"overallScore"`
	Controls       int       `json:"controlsScore"`
	Evidence       int       `json:"evidenceScore"`
	Tasks          int       `json:"tasksScore"`
	Policies       int       `json:"policiesScore"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	Details        Details   `json:"details"`
	CalculatedAt   time.Time `json:"calculatedAt"`
}

// Evaluation is the single live evaluation row kept per organization.
type Evaluation struct {
	OrganizationID    string    `json:"organizationId"`
	Score             int       `json:"complianceScore"`
	Status            string    `json:"status"`
	TotalControls     int       `json:"totalControls"`
	SatisfiedControls int       `json:"satisfiedControls"`
	MissingControls   int       `json:"missingControls"`
	Details           Details   `json:"details"`
	LastEvaluatedAt   time.Time `json:"lastEvaluatedAt"`
	Version           int64     `json:"version"`
}

// RiskLevel returns the stored risk tier, falling back to medium when the
// row predates the riskLevel field.
func (e Evaluation) RiskLevel() RiskLevel {
	if e.Details.RiskLevel.Valid() {
		return e.Details.RiskLevel
	}
	return RiskMedium
}

type Breakdown struct {
	Controls int `json:"controls"`
	Evidence int `json:"evidence"`
	Tasks    int `json:"tasks"`
	Policies int `json:"policies"`
}

// Summary is the dashboard view of the current evaluation.
type Summary struct {
	Score       int       `json:"score"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	LastUpdated time.Time `json:"lastUpdated"`
	Breakdown   Breakdown `json:"breakdown"`
}
