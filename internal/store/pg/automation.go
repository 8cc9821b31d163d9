package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"formaos.app/internal/automation"
	"formaos.app/internal/ids"
)

const taskColumns = `id, organization_id, title, coalesce(description, ''), priority, status,
	due_date, coalesce(assigned_to, ''), coalesce(linked_policy_id, ''), coalesce(linked_asset_id, ''),
	is_recurring, coalesce(recurrence_days, 0), coalesce(entity_id, ''), completed_at,
	escalation_sent, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (automation.Task, error) {
	var (
		t         automation.Task
		due, done sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.Title, &t.Description, &t.Priority, &t.Status,
		&due, &t.AssignedTo, &t.LinkedPolicyID, &t.LinkedAssetID,
		&t.IsRecurring, &t.RecurrenceDays, &t.EntityID, &done,
		&t.EscalationSent, &t.CreatedAt); err != nil {
		return automation.Task{}, err
	}
	t.DueDate = timePtr(due)
	t.CompletedAt = timePtr(done)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (s *Store) Evidence(ctx context.Context, orgID, id string) (automation.Evidence, error) {
	if s.db == nil {
		return automation.Evidence{}, errNoDB
	}
	var e automation.Evidence
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, file_name, coalesce(verification_status, ''),
		       coalesce(task_id, ''), coalesce(uploaded_by, ''), renewal_task_created, created_at
		from org_evidence
		where id = $1 and organization_id = $2
	`, id, orgID).Scan(&e.ID, &e.OrganizationID, &e.FileName, &e.VerificationStatus,
		&e.TaskID, &e.UploadedBy, &e.RenewalTaskCreated, &e.CreatedAt)
	if err != nil {
		return automation.Evidence{}, mapNotFound(err, automation.ErrNotFound)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (s *Store) Policy(ctx context.Context, orgID, id string) (automation.Policy, error) {
	if s.db == nil {
		return automation.Policy{}, errNoDB
	}
	var (
		p       automation.Policy
		updated sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, title, status, last_updated_at, review_task_created
		from org_policies
		where id = $1 and organization_id = $2
	`, id, orgID).Scan(&p.ID, &p.OrganizationID, &p.Title, &p.Status, &updated, &p.ReviewTaskCreated)
	if err != nil {
		return automation.Policy{}, mapNotFound(err, automation.ErrNotFound)
	}
	p.LastUpdatedAt = timePtr(updated)
	return p, nil
}

// Control resolves a catalog control the organization has an evaluation for.
func (s *Store) Control(ctx context.Context, orgID, id string) (automation.Control, error) {
	if s.db == nil {
		return automation.Control{}, errNoDB
	}
	var c automation.Control
	err := s.db.QueryRowContext(ctx, `
		select c.id, coalesce(c.code, ''), c.title
		from compliance_controls c
		join org_control_evaluations oce on oce.control_id = c.id
		where c.id = $1 and oce.organization_id = $2
	`, id, orgID).Scan(&c.ID, &c.Code, &c.Title)
	if err != nil {
		return automation.Control{}, mapNotFound(err, automation.ErrNotFound)
	}
	return c, nil
}

func (s *Store) Task(ctx context.Context, orgID, id string) (automation.Task, error) {
	if s.db == nil {
		return automation.Task{}, errNoDB
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		select `+taskColumns+`
		from org_tasks
		where id = $1 and organization_id = $2
	`, id, orgID))
	if err != nil {
		return automation.Task{}, mapNotFound(err, automation.ErrNotFound)
	}
	return t, nil
}

func (s *Store) Certification(ctx context.Context, orgID, id string) (automation.Certification, error) {
	if s.db == nil {
		return automation.Certification{}, errNoDB
	}
	var c automation.Certification
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, coalesce(framework_id, ''), status, issued_at, renewal_task_created
		from org_certifications
		where id = $1 and organization_id = $2
	`, id, orgID).Scan(&c.ID, &c.OrganizationID, &c.FrameworkID, &c.Status, &c.IssuedAt, &c.RenewalTaskCreated)
	if err != nil {
		return automation.Certification{}, mapNotFound(err, automation.ErrNotFound)
	}
	c.IssuedAt = c.IssuedAt.UTC()
	return c, nil
}

func (s *Store) MembersByRole(ctx context.Context, orgID string, roles ...string) ([]automation.Member, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if len(roles) == 0 {
		return nil, nil
	}
	args := []any{orgID}
	placeholders := make([]string, 0, len(roles))
	for _, r := range roles {
		args = append(args, r)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role
		from org_members
		where organization_id = $1 and role in (`+strings.Join(placeholders, ", ")+`)
		order by created_at, user_id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Member
	for rows.Next() {
		var m automation.Member
		if err := rows.Scan(&m.UserID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateTask(ctx context.Context, t automation.Task) (automation.Task, error) {
	if s.db == nil {
		return automation.Task{}, errNoDB
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.Status == "" {
		t.Status = automation.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into org_tasks (
			id, organization_id, title, description, priority, status, due_date,
			assigned_to, linked_policy_id, linked_asset_id, is_recurring, recurrence_days,
			entity_id, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, t.ID, t.OrganizationID, t.Title, t.Description, t.Priority, t.Status, nullTime(t.DueDate),
		nullIfEmpty(t.AssignedTo), nullIfEmpty(t.LinkedPolicyID), nullIfEmpty(t.LinkedAssetID),
		t.IsRecurring, t.RecurrenceDays, nullIfEmpty(t.EntityID), t.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return automation.Task{}, fmt.Errorf("create task for %s: %w", t.OrganizationID, automation.ErrNotFound)
		}
		return automation.Task{}, err
	}
	return t, nil
}

func (s *Store) CreateNotification(ctx context.Context, n automation.Notification) (automation.Notification, error) {
	if s.db == nil {
		return automation.Notification{}, errNoDB
	}
	if n.ID == "" {
		n.ID = ids.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	meta, err := encodeJSON(n.Metadata, "{}")
	if err != nil {
		return automation.Notification{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into org_notifications (id, organization_id, user_id, type, title, message, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.OrganizationID, n.UserID, n.Type, n.Title, n.Message, meta, n.CreatedAt)
	if err != nil {
		return automation.Notification{}, err
	}
	return n, nil
}

// execOne runs a statement that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return automation.ErrNotFound
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, orgID, taskID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	return s.execOne(ctx, `
		update org_tasks set status = 'completed', completed_at = $3
		where id = $1 and organization_id = $2
	`, taskID, orgID, at.UTC())
}

func (s *Store) TouchPolicy(ctx context.Context, orgID, policyID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	return s.execOne(ctx, `
		update org_policies set last_updated_at = $3
		where id = $1 and organization_id = $2
	`, policyID, orgID, at.UTC())
}

// SetControlEvidenceApproval updates every control link of the evidence.
// Evidence with no links is not an error; evidence outside orgID is.
func (s *Store) SetControlEvidenceApproval(ctx context.Context, orgID, evidenceID, status string) error {
	if s.db == nil {
		return errNoDB
	}
	var owned bool
	err := s.db.QueryRowContext(ctx, `
		select exists (select 1 from org_evidence where id = $1 and organization_id = $2)
	`, evidenceID, orgID).Scan(&owned)
	if err != nil {
		return err
	}
	if !owned {
		return automation.ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `
		update control_evidence set approval_status = $2 where evidence_id = $1
	`, evidenceID, status)
	return err
}

func (s *Store) AddAuditEvent(ctx context.Context, ev automation.AuditEvent) error {
	if s.db == nil {
		return errNoDB
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	after, err := encodeJSON(ev.AfterState, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into org_audit_events (
			id, organization_id, actor_user_id, entity_type, entity_id, action_type, after_state, reason, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.OrganizationID, nullIfEmpty(ev.ActorUserID), ev.EntityType, ev.EntityID, ev.ActionType,
		after, nullIfEmpty(ev.Reason), ev.CreatedAt.UTC())
	return err
}

func (s *Store) ExpiringEvidence(ctx context.Context, createdBefore time.Time) ([]automation.Evidence, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, file_name, coalesce(verification_status, ''),
		       coalesce(task_id, ''), coalesce(uploaded_by, ''), renewal_task_created, created_at
		from org_evidence
		where verification_status = 'verified'
		  and created_at < $1
		  and renewal_task_created is not true
		order by id
	`, createdBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Evidence
	for rows.Next() {
		var e automation.Evidence
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.FileName, &e.VerificationStatus,
			&e.TaskID, &e.UploadedBy, &e.RenewalTaskCreated, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PoliciesDueReview(ctx context.Context, updatedBefore time.Time) ([]automation.Policy, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, title, status, last_updated_at, review_task_created
		from org_policies
		where status in ('approved', 'published')
		  and (last_updated_at is null or last_updated_at < $1)
		  and review_task_created is not true
		order by id
	`, updatedBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Policy
	for rows.Next() {
		var (
			p       automation.Policy
			updated sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Title, &p.Status, &updated, &p.ReviewTaskCreated); err != nil {
			return nil, err
		}
		p.LastUpdatedAt = timePtr(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) OverdueTasks(ctx context.Context, now time.Time) ([]automation.Task, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+taskColumns+`
		from org_tasks
		where status = 'pending'
		  and due_date < $1
		  and escalation_sent is not true
		order by id
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) IssuedCertifications(ctx context.Context) ([]automation.Certification, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, coalesce(framework_id, ''), status, issued_at, renewal_task_created
		from org_certifications
		where status = 'issued' and renewal_task_created is not true
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Certification
	for rows.Next() {
		var c automation.Certification
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.FrameworkID, &c.Status, &c.IssuedAt, &c.RenewalTaskCreated); err != nil {
			return nil, err
		}
		c.IssuedAt = c.IssuedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) OnboardedOrganizations(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id from organizations where onboarding_completed = true order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var claimStatements = map[automation.ClaimKind]string{
	automation.ClaimEvidenceRenewal: `
		update org_evidence set renewal_task_created = true
		where id = $1 and renewal_task_created is not true`,
	automation.ClaimPolicyReview: `
		update org_policies set review_task_created = true
		where id = $1 and review_task_created is not true`,
	automation.ClaimTaskEscalation: `
		update org_tasks set escalation_sent = true
		where id = $1 and escalation_sent is not true`,
	automation.ClaimCertificationRenewal: `
		update org_certifications set renewal_task_created = true
		where id = $1 and renewal_task_created is not true`,
}

// Claim flips the idempotency flag with a conditional update; the caller
// won only if exactly one row changed.
func (s *Store) Claim(ctx context.Context, kind automation.ClaimKind, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	stmt, ok := claimStatements[kind]
	if !ok {
		return false, fmt.Errorf("unknown claim kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) AddDeadLetter(ctx context.Context, dl automation.DeadLetter) error {
	if s.db == nil {
		return errNoDB
	}
	if dl.ID == "" {
		dl.ID = ids.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	payload := []byte(dl.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into automation_dead_letters (
			id, organization_id, source, kind, payload, error, attempts, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, dl.ID, nullIfEmpty(dl.OrganizationID), string(dl.Source), dl.Kind, payload, dl.Error, dl.Attempts, dl.CreatedAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("dead letter %s already recorded", dl.ID)
		}
		return err
	}
	return nil
}

func (s *Store) PendingDeadLetters(ctx context.Context, limit int) ([]automation.DeadLetter, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(organization_id, ''), source, kind, payload, error, attempts, created_at
		from automation_dead_letters
		where resolved_at is null
		order by created_at, id
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.DeadLetter
	for rows.Next() {
		var (
			dl      automation.DeadLetter
			source  string
			payload []byte
		)
		if err := rows.Scan(&dl.ID, &dl.OrganizationID, &source, &dl.Kind, &payload, &dl.Error, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, err
		}
		dl.Source = automation.DeadLetterSource(source)
		dl.Payload = payload
		dl.CreatedAt = dl.CreatedAt.UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *Store) ResolveDeadLetter(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	return s.execOne(ctx, `update automation_dead_letters set resolved_at = $2 where id = $1`, id, at.UTC())
}

func (s *Store) RetryFailed(ctx context.Context, id string, errMsg string) error {
	if s.db == nil {
		return errNoDB
	}
	return s.execOne(ctx, `
		update automation_dead_letters set attempts = attempts + 1, error = $2 where id = $1
	`, id, errMsg)
}
