package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"formaos.app/internal/compliance"
	"formaos.app/internal/onboarding"
)

func (s *Store) ControlCounts(ctx context.Context, orgID string) (compliance.ControlCounts, error) {
	if s.db == nil {
		return compliance.ControlCounts{}, errNoDB
	}
	var c compliance.ControlCounts
	err := s.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where status = 'compliant'),
		       count(*) filter (where status = 'at_risk'),
		       count(*) filter (where status = 'non_compliant')
		from org_control_evaluations
		where organization_id = $1
	`, orgID).Scan(&c.Total, &c.Compliant, &c.AtRisk, &c.NonCompliant)
	if err != nil {
		return compliance.ControlCounts{}, err
	}
	return c, nil
}

func (s *Store) EvidenceCounts(ctx context.Context, orgID string) (compliance.EvidenceCounts, error) {
	if s.db == nil {
		return compliance.EvidenceCounts{}, errNoDB
	}
	var c compliance.EvidenceCounts
	err := s.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where verification_status = 'verified'),
		       count(*) filter (where verification_status is null or verification_status = 'pending'),
		       count(*) filter (where verification_status = 'rejected')
		from org_evidence
		where organization_id = $1
	`, orgID).Scan(&c.Total, &c.Verified, &c.Pending, &c.Rejected)
	if err != nil {
		return compliance.EvidenceCounts{}, err
	}
	return c, nil
}

func (s *Store) TaskCounts(ctx context.Context, orgID string, now time.Time) (compliance.TaskCounts, error) {
	if s.db == nil {
		return compliance.TaskCounts{}, errNoDB
	}
	var c compliance.TaskCounts
	err := s.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where status = 'completed'),
		       count(*) filter (where status <> 'completed' and due_date is not null and due_date < $2)
		from org_tasks
		where organization_id = $1
	`, orgID, now.UTC()).Scan(&c.Total, &c.Completed, &c.Overdue)
	if err != nil {
		return compliance.TaskCounts{}, err
	}
	return c, nil
}

func (s *Store) PolicyCounts(ctx context.Context, orgID string) (compliance.PolicyCounts, error) {
	if s.db == nil {
		return compliance.PolicyCounts{}, errNoDB
	}
	var c compliance.PolicyCounts
	err := s.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where status in ('approved', 'published')),
		       count(*) filter (where status = 'draft')
		from org_policies
		where organization_id = $1
	`, orgID).Scan(&c.Total, &c.Approved, &c.Draft)
	if err != nil {
		return compliance.PolicyCounts{}, err
	}
	return c, nil
}

func (s *Store) LoadEvaluation(ctx context.Context, orgID string) (compliance.Evaluation, error) {
	if s.db == nil {
		return compliance.Evaluation{}, errNoDB
	}
	var (
		ev         compliance.Evaluation
		rawDetails []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select organization_id, compliance_score, status, total_controls,
		       satisfied_controls, missing_controls, details, last_evaluated_at, version
		from org_compliance_evaluations
		where organization_id = $1
	`, orgID).Scan(&ev.OrganizationID, &ev.Score, &ev.Status, &ev.TotalControls,
		&ev.SatisfiedControls, &ev.MissingControls, &rawDetails, &ev.LastEvaluatedAt, &ev.Version)
	if err != nil {
		return compliance.Evaluation{}, mapNotFound(err, compliance.ErrNotFound)
	}
	if err := decodeJSON(rawDetails, &ev.Details); err != nil {
		return compliance.Evaluation{}, err
	}
	ev.LastEvaluatedAt = ev.LastEvaluatedAt.UTC()
	return ev, nil
}

// StoreEvaluation inserts the first row with version 1, or replaces the row
// only while its version still equals expected.
func (s *Store) StoreEvaluation(ctx context.Context, ev compliance.Evaluation, expected int64) error {
	if s.db == nil {
		return errNoDB
	}
	details, err := encodeJSON(ev.Details, "{}")
	if err != nil {
		return err
	}
	next := expected + 1

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			insert into org_compliance_evaluations (
				organization_id, compliance_score, status, total_controls,
				satisfied_controls, missing_controls, details, last_evaluated_at, version
			) values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			on conflict (organization_id) do nothing
		`, ev.OrganizationID, ev.Score, ev.Status, ev.TotalControls,
			ev.SatisfiedControls, ev.MissingControls, details, ev.LastEvaluatedAt.UTC(), next)
	} else {
		res, err = s.db.ExecContext(ctx, `
			update org_compliance_evaluations
			set compliance_score = $2, status = $3, total_controls = $4,
			    satisfied_controls = $5, missing_controls = $6, details = $7,
			    last_evaluated_at = $8, version = $9
			where organization_id = $1 and version = $10
		`, ev.OrganizationID, ev.Score, ev.Status, ev.TotalControls,
			ev.SatisfiedControls, ev.MissingControls, details, ev.LastEvaluatedAt.UTC(), next, expected)
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("organization %s: %w", ev.OrganizationID, compliance.ErrNotFound)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return compliance.ErrVersionConflict
	}
	return nil
}

func (s *Store) OnboardingCounts(ctx context.Context, orgID string) (onboarding.Counts, error) {
	if s.db == nil {
		return onboarding.Counts{}, errNoDB
	}
	var c onboarding.Counts
	err := s.db.QueryRowContext(ctx, `
		select
			(select count(*) from org_tasks where organization_id = $1),
			(select count(*) from org_evidence where organization_id = $1),
			(select count(*) from org_members where organization_id = $1),
			(select count(*) from org_compliance_checks where organization_id = $1),
			(select count(*) from org_reports where organization_id = $1),
			(select count(*) from org_frameworks where organization_id = $1),
			(select count(*) from org_policies where organization_id = $1),
			(select count(*) from org_incidents where organization_id = $1),
			(select count(*) from org_registers where organization_id = $1),
			(select count(*) from org_workflows where organization_id = $1),
			(select count(*) from org_patients where organization_id = $1),
			coalesce((select profile_complete from organizations where id = $1), false)
	`, orgID).Scan(&c.Tasks, &c.Evidence, &c.Members, &c.ComplianceChecks, &c.Reports,
		&c.Frameworks, &c.Policies, &c.Incidents, &c.Registers, &c.Workflows, &c.Patients,
		&c.OrgProfileComplete)
	if errors.Is(err, sql.ErrNoRows) {
		return onboarding.Counts{}, nil
	}
	if err != nil {
		return onboarding.Counts{}, err
	}
	return c, nil
}
