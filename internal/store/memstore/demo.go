package memstore

import (
	"time"

	"formaos.app/internal/automation"
)

// DemoOrgID is the organization created by SeedDemo.
const DemoOrgID = "org-demo"

// SeedDemo loads a small NDIS provider with a mix of healthy and stale
// records so every scheduled check has something to find.
func (s *Store) SeedDemo(now time.Time) {
	now = now.UTC()
	day := 24 * time.Hour

	s.AddOrganization(Organization{
		ID:              DemoOrgID,
		Name:            "Harbour Care Services",
		Industry:        "ndis",
		Onboarded:       true,
		ProfileComplete: true,
		CreatedAt:       now.Add(-400 * day),
	})
	s.AddMember(DemoOrgID, "user-owner", automation.RoleOwner)
	s.AddMember(DemoOrgID, "user-admin", automation.RoleAdmin)
	s.AddMember(DemoOrgID, "user-officer", automation.RoleComplianceOfficer)

	controls := []struct {
		id, code, title, status string
	}{
		{"ctl-incident", "NDIS-1.1", "Incident management", "compliant"},
		{"ctl-worker-screening", "NDIS-2.3", "Worker screening", "compliant"},
		{"ctl-complaints", "NDIS-3.2", "Complaints handling", "at_risk"},
		{"ctl-restrictive", "NDIS-4.1", "Restrictive practices", "non_compliant"},
	}
	for _, c := range controls {
		s.AddControl(automation.Control{ID: c.id, Code: c.code, Title: c.title})
		s.SetControlStatus(DemoOrgID, c.id, c.status)
	}

	s.AddEvidence(automation.Evidence{
		ID:                 "ev-insurance",
		OrganizationID:     DemoOrgID,
		FileName:           "public-liability-2025.pdf",
		VerificationStatus: "verified",
		UploadedBy:         "user-admin",
		CreatedAt:          now.Add(-100 * day),
	})
	s.AddEvidence(automation.Evidence{
		ID:             "ev-training",
		OrganizationID: DemoOrgID,
		FileName:       "staff-training-register.xlsx",
		UploadedBy:     "user-officer",
		CreatedAt:      now.Add(-5 * day),
	})

	stale := now.Add(-400 * day)
	s.AddPolicy(automation.Policy{
		ID:             "pol-privacy",
		OrganizationID: DemoOrgID,
		Title:          "Privacy and Confidentiality",
		Status:         "published",
		LastUpdatedAt:  &stale,
	})

	overdue := now.Add(-3 * day)
	s.AddTask(automation.Task{
		ID:             "task-audit-prep",
		OrganizationID: DemoOrgID,
		Title:          "Prepare mid-term audit pack",
		Priority:       automation.PriorityHigh,
		Status:         automation.TaskPending,
		DueDate:        &overdue,
		CreatedAt:      now.Add(-30 * day),
	})

	s.AddCertification(automation.Certification{
		ID:             "cert-ndis",
		OrganizationID: DemoOrgID,
		FrameworkID:    "ndis",
		Status:         "issued",
		IssuedAt:       now.Add(-340 * day),
	})

	s.SetCounter(DemoOrgID, "frameworks", 1)
	s.SetCounter(DemoOrgID, "incidents", 2)
	s.SetCounter(DemoOrgID, "patients", 12)
}
