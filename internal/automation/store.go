package automation

import (
	"context"
	"time"

	"formaos.app/internal/compliance"
)

// EntityStore is what trigger handlers read and write. Every lookup is
// scoped to an organization: a row that is missing or belongs to another
// organization yields ErrNotFound. Control resolves only catalog controls
// the organization tracks.
type EntityStore interface {
	Evidence(ctx context.Context, orgID, id string) (Evidence, error)
	Policy(ctx context.Context, orgID, id string) (Policy, error)
	Control(ctx context.Context, orgID, id string) (Control, error)
	Task(ctx context.Context, orgID, id string) (Task, error)
	Certification(ctx context.Context, orgID, id string) (Certification, error)
	MembersByRole(ctx context.Context, orgID string, roles ...string) ([]Member, error)

	CreateTask(ctx context.Context, t Task) (Task, error)
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
}

// EventStore adds the writes performed by the event processor. Writes are
// org-scoped like the lookups and return ErrNotFound on a mismatch.
type EventStore interface {
	EntityStore
	CompleteTask(ctx context.Context, orgID, taskID string, at time.Time) error
	TouchPolicy(ctx context.Context, orgID, policyID string, at time.Time) error
	SetControlEvidenceApproval(ctx context.Context, orgID, evidenceID, status string) error
	AddAuditEvent(ctx context.Context, ev AuditEvent) error
}

// ClaimKind names the idempotency flag a scheduled check claims.
type ClaimKind string

const (
	ClaimEvidenceRenewal      ClaimKind = "evidence_renewal"
	ClaimPolicyReview         ClaimKind = "policy_review"
	ClaimTaskEscalation       ClaimKind = "task_escalation"
	ClaimCertificationRenewal ClaimKind = "certification_renewal"
)

// ScanStore lists scheduled-check candidates. Claim sets the kind's flag
// only if it is still unset and reports whether this caller won it.
type ScanStore interface {
	ExpiringEvidence(ctx context.Context, createdBefore time.Time) ([]Evidence, error)
	PoliciesDueReview(ctx context.Context, updatedBefore time.Time) ([]Policy, error)
	OverdueTasks(ctx context.Context, now time.Time) ([]Task, error)
	IssuedCertifications(ctx context.Context) ([]Certification, error)
	OnboardedOrganizations(ctx context.Context) ([]string, error)
	Claim(ctx context.Context, kind ClaimKind, id string) (bool, error)
}

type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, dl DeadLetter) error
	PendingDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id string, at time.Time) error
	RetryFailed(ctx context.Context, id string, errMsg string) error
}

// Store is the full persistence surface of the package.
type Store interface {
	EventStore
	ScanStore
	DeadLetterStore
}

// Scorer recomputes and reads compliance evaluations.
type Scorer interface {
	Update(ctx context.Context, orgID string) (compliance.Score, error)
	Current(ctx context.Context, orgID string) (compliance.Evaluation, error)
}

var _ Scorer = (*compliance.Engine)(nil)
