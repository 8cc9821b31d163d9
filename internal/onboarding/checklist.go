package onboarding

import "math"

// Counts are the organization totals checklist items are completed against.
type Counts struct {
	Tasks              int  `json:"tasks"`
	Evidence           int  `json:"evidence"`
	Members            int  `json:"members"`
	ComplianceChecks   int  `json:"complianceChecks"`
	Reports            int  `json:"reports"`
	Frameworks         int  `json:"frameworks"`
	Policies           int  `json:"policies"`
	Incidents          int  `json:"incidents"`
	Registers          int  `json:"registers"`
	Workflows          int  `json:"workflows"`
	Patients           int  `json:"patients"`
	OrgProfileComplete bool `json:"orgProfileComplete"`
}

// Completion keys.
const (
	KeyOrgProfile       = "orgProfile"
	KeyMembers          = "members"
	KeyPatients         = "patients"
	KeyFrameworks       = "frameworks"
	KeyPolicies         = "policies"
	KeyEvidence         = "evidence"
	KeyIncidents        = "incidents"
	KeyRegisters        = "registers"
	KeyComplianceChecks = "complianceChecks"
	KeyReports          = "reports"
	KeyWorkflows        = "workflows"
	KeyTasks            = "tasks"
)

var stepKeys = map[string]string{
	"provider-details":          KeyOrgProfile,
	"practice-details":          KeyOrgProfile,
	"service-details":           KeyOrgProfile,
	"organization-details":      KeyOrgProfile,
	"org-details":               KeyOrgProfile,
	"multi-site-governance":     KeyOrgProfile,
	"department-creation":       KeyMembers,
	"business-unit-linking":     KeyMembers,
	"staff-setup":               KeyMembers,
	"team-setup":                KeyMembers,
	"clinician-setup":           KeyMembers,
	"educator-setup":            KeyMembers,
	"participant-onboarding":    KeyPatients,
	"resident-system":           KeyPatients,
	"child-enrollment":          KeyPatients,
	"client-system":             KeyPatients,
	"location-setup":            KeyRegisters,
	"framework-provision":       KeyFrameworks,
	"framework-activation":      KeyFrameworks,
	"racgp-framework":           KeyFrameworks,
	"soc2-activation":           KeyFrameworks,
	"iso27001-activation":       KeyFrameworks,
	"iso27001-framework":        KeyFrameworks,
	"soc2-framework":            KeyFrameworks,
	"nqf-framework":             KeyFrameworks,
	"quality-framework":         KeyFrameworks,
	"shared-controls":           KeyFrameworks,
	"policy-library":            KeyPolicies,
	"policy-lifecycle":          KeyPolicies,
	"evidence-capture":          KeyEvidence,
	"evidence-vault":            KeyEvidence,
	"consolidated-evidence":     KeyEvidence,
	"incident-system":           KeyIncidents,
	"incident-logging":          KeyIncidents,
	"sirs-reporting":            KeyIncidents,
	"credential-register":       KeyRegisters,
	"wwcc-tracking":             KeyRegisters,
	"ahpra-tracking":            KeyRegisters,
	"clearance-tracking":        KeyRegisters,
	"risk-registers":            KeyRegisters,
	"vendor-risk":               KeyRegisters,
	"vendor-security":           KeyRegisters,
	"compliance-scoring":        KeyComplianceChecks,
	"compliance-dashboard":      KeyComplianceChecks,
	"compliance-review":         KeyComplianceChecks,
	"compliance-dashboards":     KeyComplianceChecks,
	"compliance-intelligence":   KeyComplianceChecks,
	"multi-site-dashboards":     KeyComplianceChecks,
	"cross-site-scoring":        KeyComplianceChecks,
	"risk-intelligence":         KeyComplianceChecks,
	"executive-dashboard":       KeyComplianceChecks,
	"control-deduplication":     KeyComplianceChecks,
	"audit-export":              KeyReports,
	"accreditation-export":      KeyReports,
	"enterprise-audit-export":   KeyReports,
	"auditor-sharing":           KeyReports,
	"auditor-portal":            KeyReports,
	"board-reporting":           KeyReports,
	"trust-reporting":           KeyReports,
	"security-posture":          KeyReports,
	"qip-review":                KeyReports,
	"audit-readiness":           KeyReports,
	"staff-credential-tracking": KeyWorkflows,
	"credential-tracking":       KeyWorkflows,
	"participant-workflows":     KeyWorkflows,
	"quality-improvement":       KeyWorkflows,
	"evidence-expiry":           KeyWorkflows,
	"control-monitoring":        KeyWorkflows,
	"devops-workflows":          KeyWorkflows,
	"change-management":         KeyWorkflows,
	"access-control":            KeyWorkflows,
	"staff-rosters":             KeyWorkflows,
	"food-safety":               KeyWorkflows,
	"evacuation-plans":          KeyWorkflows,
	"program-monitoring":        KeyWorkflows,
	"automation-setup":          KeyWorkflows,
}

// CompletionKey maps a roadmap step to the counter that completes it.
func CompletionKey(stepID string) string {
	if k, ok := stepKeys[stepID]; ok {
		return k
	}
	return KeyTasks
}

// Item is one onboarding checklist entry.
type Item struct {
	ID                string `json:"id"`
	Label             string `json:"label"`
	Description       string `json:"description"`
	Href              string `json:"href"`
	Category          string `json:"category"`
	Priority          string `json:"priority"`
	EstimatedMinutes  int    `json:"estimatedMinutes"`
	AutomationTrigger string `json:"automationTrigger,omitempty"`
	CompletionKey     string `json:"completionKey"`
	// MinCount overrides the key's default threshold when positive.
	MinCount int `json:"-"`
}

// Complete reports whether counts satisfy the item.
func (it Item) Complete(c Counts) bool {
	if it.MinCount > 0 {
		return counter(c, it.CompletionKey) >= it.MinCount
	}
	switch it.CompletionKey {
	case KeyOrgProfile:
		return c.OrgProfileComplete
	case KeyMembers:
		return c.Members > 1
	case KeyPolicies:
		return c.Policies >= 3
	case KeyTasks:
		return c.Tasks >= 3
	default:
		return counter(c, it.CompletionKey) >= 1
	}
}

func counter(c Counts, key string) int {
	switch key {
	case KeyOrgProfile:
		if c.OrgProfileComplete {
			return 1
		}
		return 0
	case KeyMembers:
		return c.Members
	case KeyPatients:
		return c.Patients
	case KeyFrameworks:
		return c.Frameworks
	case KeyPolicies:
		return c.Policies
	case KeyEvidence:
		return c.Evidence
	case KeyIncidents:
		return c.Incidents
	case KeyRegisters:
		return c.Registers
	case KeyComplianceChecks:
		return c.ComplianceChecks
	case KeyReports:
		return c.Reports
	case KeyWorkflows:
		return c.Workflows
	default:
		return c.Tasks
	}
}

const maxChecklistItems = 8

// GenerateChecklist picks the critical then high steps of the first two
// phases of the industry roadmap, keeping at most eight.
func GenerateChecklist(industry string) []Item {
	r := RoadmapFor(industry)
	phases := r.Phases
	if len(phases) > 2 {
		phases = phases[:2]
	}
	var steps []Step
	for _, p := range phases {
		for _, prio := range []string{"critical", "high"} {
			for _, s := range p.Steps {
				if s.Priority == prio {
					steps = append(steps, s)
				}
			}
		}
	}
	if len(steps) > maxChecklistItems {
		steps = steps[:maxChecklistItems]
	}
	items := make([]Item, 0, len(steps))
	for _, s := range steps {
		items = append(items, Item{
			ID:                s.ID,
			Label:             s.Title,
			Description:       s.Description,
			Href:              s.Href,
			Category:          s.Category,
			Priority:          s.Priority,
			EstimatedMinutes:  s.EstimatedMinutes,
			AutomationTrigger: s.AutomationTrigger,
			CompletionKey:     CompletionKey(s.ID),
		})
	}
	return items
}

// GenericChecklist is used when no industry has been chosen.
func GenericChecklist() []Item {
	return []Item{
		{ID: "team-invite", Label: "Invite your first team member", Description: "Bring your compliance team into FormaOS", Href: "/app/team", Category: "setup", Priority: "high", EstimatedMinutes: 5, CompletionKey: KeyMembers},
		{ID: "framework-selection", Label: "Activate a compliance framework", Description: "Choose ISO 27001, SOC 2, GDPR, or another framework", Href: "/app/compliance/frameworks", Category: "compliance", Priority: "critical", EstimatedMinutes: 10, CompletionKey: KeyFrameworks, AutomationTrigger: "framework_activated"},
		{ID: "first-task", Label: "Create your first compliance task", Description: "Add a compliance requirement and assign an owner", Href: "/app/tasks", Category: "operational", Priority: "high", EstimatedMinutes: 10, CompletionKey: KeyTasks, MinCount: 1},
		{ID: "first-evidence", Label: "Upload first compliance evidence", Description: "Store a compliance artifact in the evidence vault", Href: "/app/vault", Category: "operational", Priority: "high", EstimatedMinutes: 10, CompletionKey: KeyEvidence, AutomationTrigger: "evidence_uploaded"},
		{ID: "policy-review", Label: "Review pre-loaded policies", Description: "Customize and approve policies from your template library", Href: "/app/policies", Category: "compliance", Priority: "medium", EstimatedMinutes: 30, CompletionKey: KeyPolicies, MinCount: 1},
		{ID: "compliance-check", Label: "Review compliance dashboard", Description: "Check live compliance scores and identify gaps", Href: "/app", Category: "readiness", Priority: "high", EstimatedMinutes: 10, CompletionKey: KeyComplianceChecks},
		{ID: "first-report", Label: "Generate your first audit report", Description: "Export a compliance snapshot for stakeholders", Href: "/app/reports", Category: "readiness", Priority: "medium", EstimatedMinutes: 5, CompletionKey: KeyReports},
	}
}

type Progress struct {
	CompletedCount int      `json:"completedCount"`
	TotalCount     int      `json:"totalCount"`
	Percent        int      `json:"progress"`
	CompletedItems []string `json:"completedItems"`
	PendingItems   []string `json:"pendingItems"`
}

func ChecklistProgress(items []Item, c Counts) Progress {
	p := Progress{TotalCount: len(items), CompletedItems: []string{}, PendingItems: []string{}}
	for _, it := range items {
		if it.Complete(c) {
			p.CompletedItems = append(p.CompletedItems, it.ID)
		} else {
			p.PendingItems = append(p.PendingItems, it.ID)
		}
	}
	p.CompletedCount = len(p.CompletedItems)
	if p.TotalCount > 0 {
		p.Percent = int(math.Round(float64(p.CompletedCount) / float64(p.TotalCount) * 100))
	}
	return p
}

// NextAction returns the first incomplete item, if any.
func NextAction(items []Item, c Counts) (Item, bool) {
	for _, it := range items {
		if !it.Complete(c) {
			return it, true
		}
	}
	return Item{}, false
}

func ItemsByCategory(items []Item, category string) []Item {
	var out []Item
	for _, it := range items {
		if it.Category == category {
			out = append(out, it)
		}
	}
	return out
}

func ItemsByPriority(items []Item, priority string) []Item {
	var out []Item
	for _, it := range items {
		if it.Priority == priority {
			out = append(out, it)
		}
	}
	return out
}

// EstimateMinutesRemaining sums the minutes of incomplete items.
func EstimateMinutesRemaining(items []Item, c Counts) int {
	total := 0
	for _, it := range items {
		if !it.Complete(c) {
			total += it.EstimatedMinutes
		}
	}
	return total
}

type Tally struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type CompletionSummary struct {
	ByCategory      map[string]Tally `json:"byCategory"`
	ByPriority      map[string]Tally `json:"byPriority"`
	OverallProgress int              `json:"overallProgress"`
}

func Summary(items []Item, c Counts) CompletionSummary {
	s := CompletionSummary{
		ByCategory: map[string]Tally{"setup": {}, "compliance": {}, "operational": {}, "readiness": {}},
		ByPriority: map[string]Tally{"critical": {}, "high": {}, "medium": {}, "low": {}},
	}
	for _, it := range items {
		done := it.Complete(c)
		cat := s.ByCategory[it.Category]
		prio := s.ByPriority[it.Priority]
		cat.Total++
		prio.Total++
		if done {
			cat.Completed++
			prio.Completed++
		}
		s.ByCategory[it.Category] = cat
		s.ByPriority[it.Priority] = prio
	}
	s.OverallProgress = ChecklistProgress(items, c).Percent
	return s
}

// CompletedRoadmapSteps lists every roadmap step the counts already satisfy.
func CompletedRoadmapSteps(r Roadmap, c Counts) []string {
	var done []string
	for _, p := range r.Phases {
		for _, s := range p.Steps {
			if (Item{CompletionKey: CompletionKey(s.ID)}).Complete(c) {
				done = append(done, s.ID)
			}
		}
	}
	return done
}
