package memstore

import (
	"context"
	"time"

	"formaos.app/internal/automation"
	"formaos.app/internal/compliance"
	"formaos.app/internal/onboarding"
)

func (s *Store) ControlCounts(_ context.Context, orgID string) (compliance.ControlCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ControlCounts"); err != nil {
		return compliance.ControlCounts{}, err
	}
	var c compliance.ControlCounts
	for _, status := range s.orgControls[orgID] {
		c.Total++
		switch status {
		case "compliant":
			c.Compliant++
		case "at_risk":
			c.AtRisk++
		case "non_compliant":
			c.NonCompliant++
		}
	}
	return c, nil
}

func (s *Store) EvidenceCounts(_ context.Context, orgID string) (compliance.EvidenceCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("EvidenceCounts"); err != nil {
		return compliance.EvidenceCounts{}, err
	}
	var c compliance.EvidenceCounts
	for _, e := range s.evidence {
		if e.OrganizationID != orgID {
			continue
		}
		c.Total++
		switch e.VerificationStatus {
		case "verified":
			c.Verified++
		case "", "pending":
			c.Pending++
		case "rejected":
			c.Rejected++
		}
	}
	return c, nil
}

func (s *Store) TaskCounts(_ context.Context, orgID string, now time.Time) (compliance.TaskCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("TaskCounts"); err != nil {
		return compliance.TaskCounts{}, err
	}
	var c compliance.TaskCounts
	for _, t := range s.tasks {
		if t.OrganizationID != orgID {
			continue
		}
		c.Total++
		if t.Status == automation.TaskCompleted {
			c.Completed++
			continue
		}
		if t.DueDate != nil && t.DueDate.Before(now) {
			c.Overdue++
		}
	}
	return c, nil
}

func (s *Store) PolicyCounts(_ context.Context, orgID string) (compliance.PolicyCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("PolicyCounts"); err != nil {
		return compliance.PolicyCounts{}, err
	}
	var c compliance.PolicyCounts
	for _, p := range s.policies {
		if p.OrganizationID != orgID {
			continue
		}
		c.Total++
		switch p.Status {
		case "approved", "published":
			c.Approved++
		case "draft":
			c.Draft++
		}
	}
	return c, nil
}

func (s *Store) LoadEvaluation(_ context.Context, orgID string) (compliance.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("LoadEvaluation"); err != nil {
		return compliance.Evaluation{}, err
	}
	ev, ok := s.evals[orgID]
	if !ok {
		return compliance.Evaluation{}, compliance.ErrNotFound
	}
	return ev, nil
}

// StoreEvaluation inserts when expected is zero and no row exists, otherwise
// replaces the row only if its version still equals expected.
func (s *Store) StoreEvaluation(_ context.Context, ev compliance.Evaluation, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("StoreEvaluation"); err != nil {
		return err
	}
	cur, exists := s.evals[ev.OrganizationID]
	switch {
	case expected == 0 && exists:
		return compliance.ErrVersionConflict
	case expected != 0 && (!exists || cur.Version != expected):
		return compliance.ErrVersionConflict
	}
	ev.Version = expected + 1
	s.evals[ev.OrganizationID] = ev
	return nil
}

// SetEvaluation seeds a stored evaluation, bypassing version checks.
func (s *Store) SetEvaluation(ev compliance.Evaluation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Version == 0 {
		ev.Version = 1
	}
	s.evals[ev.OrganizationID] = ev
}

func (s *Store) OnboardingCounts(_ context.Context, orgID string) (onboarding.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("OnboardingCounts"); err != nil {
		return onboarding.Counts{}, err
	}
	extra := s.counters[orgID]
	c := onboarding.Counts{
		Members:            len(s.members[orgID]),
		Frameworks:         extra[onboarding.KeyFrameworks],
		Incidents:          extra[onboarding.KeyIncidents],
		Registers:          extra[onboarding.KeyRegisters],
		ComplianceChecks:   extra[onboarding.KeyComplianceChecks],
		Reports:            extra[onboarding.KeyReports],
		Workflows:          extra[onboarding.KeyWorkflows],
		Patients:           extra[onboarding.KeyPatients],
		OrgProfileComplete: s.orgs[orgID].ProfileComplete,
	}
	for _, t := range s.tasks {
		if t.OrganizationID == orgID {
			c.Tasks++
		}
	}
	for _, e := range s.evidence {
		if e.OrganizationID == orgID {
			c.Evidence++
		}
	}
	for _, p := range s.policies {
		if p.OrganizationID == orgID {
			c.Policies++
		}
	}
	return c, nil
}
