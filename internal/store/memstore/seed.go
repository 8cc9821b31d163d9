package memstore

import (
	"maps"
	"slices"
	"sort"

	"formaos.app/internal/automation"
	"formaos.app/internal/ids"
)

func (s *Store) AddOrganization(o Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.orgs[o.ID] = o
}

func (s *Store) AddMember(orgID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[orgID] = append(s.members[orgID], automation.Member{UserID: userID, Role: role})
}

// AddControl registers a catalog control.
func (s *Store) AddControl(c automation.Control) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls[c.ID] = c
}

// SetControlStatus records an organization's status for a catalog control.
func (s *Store) SetControlStatus(orgID, controlID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orgControls[orgID] == nil {
		s.orgControls[orgID] = map[string]string{}
	}
	s.orgControls[orgID][controlID] = status
}

func (s *Store) AddEvidence(e automation.Evidence) automation.Evidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.evidence[e.ID] = e
	return e
}

func (s *Store) AddPolicy(p automation.Policy) automation.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.New()
	}
	s.policies[p.ID] = p
	return p
}

func (s *Store) AddTask(t automation.Task) automation.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTask(t)
}

func (s *Store) AddCertification(c automation.Certification) automation.Certification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	s.certs[c.ID] = c
	return c
}

// SetCounter sets an onboarding counter (frameworks, incidents, registers,
// complianceChecks, reports, workflows or patients) for an organization.
func (s *Store) SetCounter(orgID, key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[orgID] == nil {
		s.counters[orgID] = map[string]int{}
	}
	s.counters[orgID][key] = n
}

// Tasks returns the organization's tasks ordered by id.
func (s *Store) Tasks(orgID string) []automation.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []automation.Task
	for _, t := range s.tasks {
		if t.OrganizationID == orgID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Notifications returns the organization's notifications in insertion order.
func (s *Store) Notifications(orgID string) []automation.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []automation.Notification
	for _, n := range s.notes {
		if n.OrganizationID == orgID {
			n.Metadata = maps.Clone(n.Metadata)
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) AuditEvents(orgID string) []automation.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []automation.AuditEvent
	for _, e := range s.auditEvents {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	return out
}

// ControlEvidenceApproval returns the approval status recorded for evidence.
func (s *Store) ControlEvidenceApproval(evidenceID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvals[evidenceID]
}

// DeadLetters returns every dead letter, resolved or not, ordered by id.
func (s *Store) DeadLetters() []automation.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]automation.DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		dl.Payload = slices.Clone(dl.Payload)
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
