package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"formaos.app/internal/automation"
	"formaos.app/internal/ids"
)

func (s *Store) Evidence(_ context.Context, orgID, id string) (automation.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("Evidence"); err != nil {
		return automation.Evidence{}, err
	}
	e, ok := s.evidence[id]
	if !ok || e.OrganizationID != orgID {
		return automation.Evidence{}, automation.ErrNotFound
	}
	return e, nil
}

func (s *Store) Policy(_ context.Context, orgID, id string) (automation.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("Policy"); err != nil {
		return automation.Policy{}, err
	}
	p, ok := s.policies[id]
	if !ok || p.OrganizationID != orgID {
		return automation.Policy{}, automation.ErrNotFound
	}
	return p, nil
}

// Control resolves a catalog control only when orgID tracks a status for it.
func (s *Store) Control(_ context.Context, orgID, id string) (automation.Control, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("Control"); err != nil {
		return automation.Control{}, err
	}
	c, ok := s.controls[id]
	if _, tracked := s.orgControls[orgID][id]; !ok || !tracked {
		return automation.Control{}, automation.ErrNotFound
	}
	return c, nil
}

func (s *Store) Task(_ context.Context, orgID, id string) (automation.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("Task"); err != nil {
		return automation.Task{}, err
	}
	t, ok := s.tasks[id]
	if !ok || t.OrganizationID != orgID {
		return automation.Task{}, automation.ErrNotFound
	}
	return t, nil
}

func (s *Store) Certification(_ context.Context, orgID, id string) (automation.Certification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("Certification"); err != nil {
		return automation.Certification{}, err
	}
	c, ok := s.certs[id]
	if !ok || c.OrganizationID != orgID {
		return automation.Certification{}, automation.ErrNotFound
	}
	return c, nil
}

func (s *Store) MembersByRole(_ context.Context, orgID string, roles ...string) ([]automation.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("MembersByRole"); err != nil {
		return nil, err
	}
	var out []automation.Member
	for _, m := range s.members[orgID] {
		if slices.Contains(roles, m.Role) {
			out = append(out, m)
		}
	}
	return out, nil
}

// insertTask must be called with s.mu held.
func (s *Store) insertTask(t automation.Task) automation.Task {
	if t.ID == "" {
		t.ID = ids.NewAt(s.now())
	}
	if t.Status == "" {
		t.Status = automation.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	s.tasks[t.ID] = t
	return t
}

func (s *Store) CreateTask(_ context.Context, t automation.Task) (automation.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateTask"); err != nil {
		return automation.Task{}, err
	}
	return s.insertTask(t), nil
}

func (s *Store) CreateNotification(_ context.Context, n automation.Notification) (automation.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateNotification"); err != nil {
		return automation.Notification{}, err
	}
	if n.ID == "" {
		n.ID = ids.NewAt(s.now())
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.Metadata = maps.Clone(n.Metadata)
	s.notes = append(s.notes, n)
	return n, nil
}

func (s *Store) CompleteTask(_ context.Context, orgID, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CompleteTask"); err != nil {
		return err
	}
	t, ok := s.tasks[taskID]
	if !ok || t.OrganizationID != orgID {
		return automation.ErrNotFound
	}
	t.Status = automation.TaskCompleted
	t.CompletedAt = &at
	s.tasks[taskID] = t
	return nil
}

func (s *Store) TouchPolicy(_ context.Context, orgID, policyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TouchPolicy"); err != nil {
		return err
	}
	p, ok := s.policies[policyID]
	if !ok || p.OrganizationID != orgID {
		return automation.ErrNotFound
	}
	p.LastUpdatedAt = &at
	s.policies[policyID] = p
	return nil
}

func (s *Store) SetControlEvidenceApproval(_ context.Context, orgID, evidenceID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SetControlEvidenceApproval"); err != nil {
		return err
	}
	if e, ok := s.evidence[evidenceID]; !ok || e.OrganizationID != orgID {
		return automation.ErrNotFound
	}
	s.approvals[evidenceID] = status
	return nil
}

func (s *Store) AddAuditEvent(_ context.Context, ev automation.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AddAuditEvent"); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = ids.NewAt(s.now())
	}
	s.auditEvents = append(s.auditEvents, ev)
	return nil
}

func (s *Store) ExpiringEvidence(_ context.Context, createdBefore time.Time) ([]automation.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ExpiringEvidence"); err != nil {
		return nil, err
	}
	var out []automation.Evidence
	for _, e := range s.evidence {
		if e.VerificationStatus == "verified" && e.CreatedAt.Before(createdBefore) && !e.RenewalTaskCreated {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PoliciesDueReview(_ context.Context, updatedBefore time.Time) ([]automation.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("PoliciesDueReview"); err != nil {
		return nil, err
	}
	var out []automation.Policy
	for _, p := range s.policies {
		if p.Status != "approved" && p.Status != "published" {
			continue
		}
		if p.ReviewTaskCreated {
			continue
		}
		if p.LastUpdatedAt == nil || p.LastUpdatedAt.Before(updatedBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) OverdueTasks(_ context.Context, now time.Time) ([]automation.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("OverdueTasks"); err != nil {
		return nil, err
	}
	var out []automation.Task
	for _, t := range s.tasks {
		if t.Status == automation.TaskPending && t.DueDate != nil && t.DueDate.Before(now) && !t.EscalationSent {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) IssuedCertifications(context.Context) ([]automation.Certification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("IssuedCertifications"); err != nil {
		return nil, err
	}
	var out []automation.Certification
	for _, c := range s.certs {
		if c.Status == "issued" && !c.RenewalTaskCreated {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) OnboardedOrganizations(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("OnboardedOrganizations"); err != nil {
		return nil, err
	}
	var out []string
	for id, o := range s.orgs {
		if o.Onboarded {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Claim flips the kind's flag only when it is unset, mirroring a conditional
// update that must affect exactly one row.
func (s *Store) Claim(_ context.Context, kind automation.ClaimKind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Claim"); err != nil {
		return false, err
	}
	switch kind {
	case automation.ClaimEvidenceRenewal:
		e, ok := s.evidence[id]
		if !ok || e.RenewalTaskCreated {
			return false, nil
		}
		e.RenewalTaskCreated = true
		s.evidence[id] = e
	case automation.ClaimPolicyReview:
		p, ok := s.policies[id]
		if !ok || p.ReviewTaskCreated {
			return false, nil
		}
		p.ReviewTaskCreated = true
		s.policies[id] = p
	case automation.ClaimTaskEscalation:
		t, ok := s.tasks[id]
		if !ok || t.EscalationSent {
			return false, nil
		}
		t.EscalationSent = true
		s.tasks[id] = t
	case automation.ClaimCertificationRenewal:
		c, ok := s.certs[id]
		if !ok || c.RenewalTaskCreated {
			return false, nil
		}
		c.RenewalTaskCreated = true
		s.certs[id] = c
	default:
		return false, fmt.Errorf("unknown claim kind %q", kind)
	}
	return true, nil
}

func (s *Store) AddDeadLetter(_ context.Context, dl automation.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AddDeadLetter"); err != nil {
		return err
	}
	if dl.ID == "" {
		dl.ID = ids.NewAt(s.now())
	}
	dl.Payload = slices.Clone(dl.Payload)
	s.deadLetters[dl.ID] = dl
	return nil
}

func (s *Store) PendingDeadLetters(_ context.Context, limit int) ([]automation.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("PendingDeadLetters"); err != nil {
		return nil, err
	}
	var out []automation.DeadLetter
	for _, dl := range s.deadLetters {
		if dl.ResolvedAt == nil {
			dl.Payload = slices.Clone(dl.Payload)
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ResolveDeadLetter(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return automation.ErrNotFound
	}
	dl.ResolvedAt = &at
	s.deadLetters[id] = dl
	return nil
}

func (s *Store) RetryFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return automation.ErrNotFound
	}
	dl.Attempts++
	dl.Error = errMsg
	s.deadLetters[id] = dl
	return nil
}
