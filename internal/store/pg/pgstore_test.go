package pg

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"formaos.app/internal/automation"
	"formaos.app/internal/compliance"
	"formaos.app/internal/controlplane"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

var fixedTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestStoreEvaluationInsertsFirstVersion(t *testing.T) {
	s, mock := newMock(t)
	ev := compliance.Evaluation{
		OrganizationID:  "org-1",
		Score:           81,
		Status:          "at_risk",
		Details:         compliance.Details{RiskLevel: compliance.RiskMedium},
		LastEvaluatedAt: fixedTime,
	}
	mock.ExpectExec("insert into org_compliance_evaluations").
		WithArgs("org-1", 81, "at_risk", 0, 0, 0, sqlmock.AnyArg(), fixedTime, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.StoreEvaluation(context.Background(), ev, 0); err != nil {
		t.Fatalf("StoreEvaluation: %v", err)
	}
}

func TestStoreEvaluationReportsLostRace(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into org_compliance_evaluations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update org_compliance_evaluations").
		WithArgs("org-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(4), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ev := compliance.Evaluation{OrganizationID: "org-1", LastEvaluatedAt: fixedTime}
	if err := s.StoreEvaluation(context.Background(), ev, 0); !errors.Is(err, compliance.ErrVersionConflict) {
		t.Fatalf("insert race: expected ErrVersionConflict, got %v", err)
	}
	if err := s.StoreEvaluation(context.Background(), ev, 3); !errors.Is(err, compliance.ErrVersionConflict) {
		t.Fatalf("update race: expected ErrVersionConflict, got %v", err)
	}
}

func TestStoreEvaluationUnknownOrganization(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into org_compliance_evaluations").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := s.StoreEvaluation(context.Background(), compliance.Evaluation{OrganizationID: "ghost"}, 0)
	if !errors.Is(err, compliance.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadEvaluation(t *testing.T) {
	s, mock := newMock(t)
	details, _ := json.Marshal(compliance.Details{RiskLevel: compliance.RiskHigh, TotalControls: 12})
	cols := []string{"organization_id", "compliance_score", "status", "total_controls",
		"satisfied_controls", "missing_controls", "details", "last_evaluated_at", "version"}
	mock.ExpectQuery("from org_compliance_evaluations").WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("org-1", 64, "at_risk", 12, 7, 3, details, fixedTime, int64(5)))
	mock.ExpectQuery("from org_compliance_evaluations").WithArgs("org-2").
		WillReturnRows(sqlmock.NewRows(cols))

	ev, err := s.LoadEvaluation(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("LoadEvaluation: %v", err)
	}
	if ev.Version != 5 || ev.Score != 64 || ev.RiskLevel() != compliance.RiskHigh || ev.Details.TotalControls != 12 {
		t.Fatalf("unexpected evaluation: %+v", ev)
	}
	if _, err := s.LoadEvaluation(context.Background(), "org-2"); !errors.Is(err, compliance.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestControlCounts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from org_control_evaluations").WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "compliant", "at_risk", "non_compliant"}).AddRow(10, 6, 3, 1))

	c, err := s.ControlCounts(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("ControlCounts: %v", err)
	}
	want := compliance.ControlCounts{Total: 10, Compliant: 6, AtRisk: 3, NonCompliant: 1}
	if c != want {
		t.Fatalf("got %+v want %+v", c, want)
	}
}

func TestClaim(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update org_evidence set renewal_task_created = true").WithArgs("ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update org_tasks set escalation_sent = true").WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := s.Claim(context.Background(), automation.ClaimEvidenceRenewal, "ev-1")
	if err != nil || !won {
		t.Fatalf("expected claim won, got %v %v", won, err)
	}
	won, err = s.Claim(context.Background(), automation.ClaimTaskEscalation, "task-1")
	if err != nil || won {
		t.Fatalf("expected claim lost, got %v %v", won, err)
	}
	if _, err := s.Claim(context.Background(), automation.ClaimKind("backup"), "x"); err == nil {
		t.Fatal("expected error for unknown claim kind")
	}
}

func TestMembersByRoleExpandsPlaceholders(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`role in \(\$2, \$3\)`).WithArgs("org-1", "owner", "admin").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role"}).
			AddRow("u-1", "owner").
			AddRow("u-2", "admin"))

	members, err := s.MembersByRole(context.Background(), "org-1", automation.RoleOwner, automation.RoleAdmin)
	if err != nil {
		t.Fatalf("MembersByRole: %v", err)
	}
	if len(members) != 2 || members[1].UserID != "u-2" {
		t.Fatalf("unexpected members: %+v", members)
	}

	members, err = s.MembersByRole(context.Background(), "org-1")
	if err != nil || members != nil {
		t.Fatalf("expected no query for empty roles, got %v %v", members, err)
	}
}

func TestCreateTask(t *testing.T) {
	s, mock := newMock(t)
	due := fixedTime.Add(48 * time.Hour)
	mock.ExpectExec("insert into org_tasks").
		WithArgs(sqlmock.AnyArg(), "org-1", "Fix Failed Control: MFA", "", automation.PriorityCritical,
			automation.TaskPending, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			false, 0, sqlmock.AnyArg(), fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into org_tasks").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	task, err := s.CreateTask(context.Background(), automation.Task{
		OrganizationID: "org-1",
		Title:          "Fix Failed Control: MFA",
		Priority:       automation.PriorityCritical,
		DueDate:        &due,
		CreatedAt:      fixedTime,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" || task.Status != automation.TaskPending {
		t.Fatalf("expected generated id and pending status, got %+v", task)
	}

	_, err = s.CreateTask(context.Background(), automation.Task{OrganizationID: "ghost", CreatedAt: fixedTime})
	if !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from org_tasks\\s+where id = \\$1 and organization_id = \\$2").WithArgs("nope", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.Task(context.Background(), "org-1", "nope"); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteTaskMissingRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update org_tasks set status = 'completed'").WithArgs("gone", "org-1", fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.CompleteTask(context.Background(), "org-1", "gone", fixedTime); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLookupsAreScopedToOrganization(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	empty := func() *sqlmock.Rows { return sqlmock.NewRows([]string{"id"}) }

	mock.ExpectQuery("from org_evidence\\s+where id = \\$1 and organization_id = \\$2").WithArgs("ev-b", "org-a").WillReturnRows(empty())
	mock.ExpectQuery("from org_policies\\s+where id = \\$1 and organization_id = \\$2").WithArgs("pol-b", "org-a").WillReturnRows(empty())
	mock.ExpectQuery("join org_control_evaluations oce on oce.control_id = c.id\\s+where c.id = \\$1 and oce.organization_id = \\$2").
		WithArgs("ctl-1", "org-a").WillReturnRows(empty())
	mock.ExpectQuery("from org_certifications\\s+where id = \\$1 and organization_id = \\$2").WithArgs("cert-b", "org-a").WillReturnRows(empty())

	if _, err := s.Evidence(ctx, "org-a", "ev-b"); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("Evidence: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Policy(ctx, "org-a", "pol-b"); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("Policy: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Control(ctx, "org-a", "ctl-1"); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("Control: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Certification(ctx, "org-a", "cert-b"); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("Certification: expected ErrNotFound, got %v", err)
	}
}

func TestWritesAreScopedToOrganization(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("update org_policies set last_updated_at = \\$3\\s+where id = \\$1 and organization_id = \\$2").
		WithArgs("pol-b", "org-a", fixedTime).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from org_evidence where id = \\$1 and organization_id = \\$2").WithArgs("ev-b", "org-a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("from org_evidence where id = \\$1 and organization_id = \\$2").WithArgs("ev-a", "org-a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("update control_evidence set approval_status").WithArgs("ev-a", "approved").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.TouchPolicy(ctx, "org-a", "pol-b", fixedTime); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("TouchPolicy: expected ErrNotFound, got %v", err)
	}
	if err := s.SetControlEvidenceApproval(ctx, "org-a", "ev-b", "approved"); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("SetControlEvidenceApproval foreign: expected ErrNotFound, got %v", err)
	}
	if err := s.SetControlEvidenceApproval(ctx, "org-a", "ev-a", "approved"); err != nil {
		t.Fatalf("SetControlEvidenceApproval: %v", err)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s, mock := newMock(t)
	payload := json.RawMessage(`{"type":"evidence_expiry"}`)
	mock.ExpectExec("insert into automation_dead_letters").
		WithArgs("dl-1", sqlmock.AnyArg(), "trigger", "evidence_expiry", []byte(payload), "boom", 1, fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from automation_dead_letters").WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "source", "kind", "payload", "error", "attempts", "created_at"}).
			AddRow("dl-1", "org-1", "trigger", "evidence_expiry", []byte(payload), "boom", 1, fixedTime))
	mock.ExpectExec("update automation_dead_letters set attempts = attempts \\+ 1").WithArgs("dl-1", "still broken").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update automation_dead_letters set resolved_at").WithArgs("dl-1", fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	err := s.AddDeadLetter(ctx, automation.DeadLetter{
		ID:             "dl-1",
		OrganizationID: "org-1",
		Source:         automation.SourceTrigger,
		Kind:           "evidence_expiry",
		Payload:        payload,
		Error:          "boom",
		Attempts:       1,
		CreatedAt:      fixedTime,
	})
	if err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}
	pending, err := s.PendingDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("PendingDeadLetters: %v", err)
	}
	if len(pending) != 1 || pending[0].Source != automation.SourceTrigger || string(pending[0].Payload) != string(payload) {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	if err := s.RetryFailed(ctx, "dl-1", "still broken"); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if err := s.ResolveDeadLetter(ctx, "dl-1", fixedTime); err != nil {
		t.Fatalf("ResolveDeadLetter: %v", err)
	}
}

func flagRow(f controlplane.FeatureFlag) []driver.Value {
	variants, _ := json.Marshal(f.Variants)
	return []driver.Value{f.ID, f.FlagKey, f.Description, string(f.Environment), string(f.ScopeType), f.ScopeID, f.Enabled,
		f.KillSwitch, f.RolloutPercentage, variants, f.DefaultVariant, nil, nil, f.IsPublic,
		f.CreatedBy, f.UpdatedBy, f.CreatedAt, f.UpdatedAt}
}

var flagCols = []string{"id", "flag_key", "description", "environment", "scope_type", "scope_id", "enabled",
	"kill_switch", "rollout_percentage", "variants", "default_variant", "start_at", "end_at", "is_public",
	"created_by", "updated_by", "created_at", "updated_at"}

func TestUpsertFeatureFlagReturnsStoredRow(t *testing.T) {
	s, mock := newMock(t)
	stored := controlplane.FeatureFlag{
		ID:                "flag-original",
		FlagKey:           "new_dashboard",
		Environment:       controlplane.Production,
		ScopeType:         controlplane.ScopeGlobal,
		Enabled:           true,
		RolloutPercentage: 40,
		Variants:          map[string]int{"a": 50, "b": 50},
		CreatedBy:         "founder-1",
		UpdatedBy:         "founder-2",
		CreatedAt:         fixedTime.Add(-time.Hour),
		UpdatedAt:         fixedTime,
	}
	mock.ExpectQuery("insert into feature_flags").
		WillReturnRows(sqlmock.NewRows(flagCols).AddRow(flagRow(stored)...))

	in := stored
	in.ID, in.CreatedBy, in.CreatedAt = "flag-new", "founder-2", fixedTime
	got, err := s.UpsertFeatureFlag(context.Background(), in)
	if err != nil {
		t.Fatalf("UpsertFeatureFlag: %v", err)
	}
	if got.ID != "flag-original" || got.CreatedBy != "founder-1" || got.Variants["b"] != 50 {
		t.Fatalf("expected stored identity to win, got %+v", got)
	}
}

func TestGetSystemSetting(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "environment", "category", "setting_key", "value", "description",
		"created_by", "updated_by", "created_at", "updated_at"}
	mock.ExpectQuery("from system_settings").WithArgs("production", "runtime", "version").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("st-1", "production", "runtime", "version", []byte(`{"value":"1772442000000"}`), "", "", "", fixedTime, fixedTime))
	mock.ExpectQuery("from system_settings").WithArgs("preview", "runtime", "version").
		WillReturnRows(sqlmock.NewRows(cols))

	st, err := s.GetSystemSetting(context.Background(), controlplane.Production, "runtime", "version")
	if err != nil {
		t.Fatalf("GetSystemSetting: %v", err)
	}
	obj, ok := st.Value.(map[string]any)
	if !ok || obj["value"] != "1772442000000" {
		t.Fatalf("unexpected value: %#v", st.Value)
	}
	_, err = s.GetSystemSetting(context.Background(), controlplane.Preview, "runtime", "version")
	if !errors.Is(err, controlplane.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueCounts(t *testing.T) {
	s, mock := newMock(t)
	since := fixedTime.Add(-24 * time.Hour)
	mock.ExpectQuery("from admin_jobs").WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"queued", "running", "failed", "succeeded"}).AddRow(1, 2, 3, 40))

	c, err := s.QueueCounts(context.Background(), since)
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if c != (controlplane.QueueCounts{Queued: 1, Running: 2, Failed: 3, SucceededLast24h: 40}) {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestUpdateJobMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update admin_jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateJob(context.Background(), controlplane.AdminJob{ID: "job-x", UpdatedAt: fixedTime})
	if !errors.Is(err, controlplane.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimJobComparesStatus(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update admin_jobs\\s+set status = 'running'.*where id = \\$1 and status = \\$2").
		WithArgs("job-1", "queued", fixedTime).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update admin_jobs\\s+set status = 'running'.*where id = \\$1 and status = \\$2").
		WithArgs("job-1", "queued", fixedTime).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ClaimJob(context.Background(), "job-1", controlplane.JobQueued, fixedTime)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimJob(context.Background(), "job-1", controlplane.JobQueued, fixedTime)
	if err != nil || ok {
		t.Fatalf("second claim should lose: ok=%v err=%v", ok, err)
	}
}

func TestNilDatabaseGuard(t *testing.T) {
	s := &Store{}
	if err := s.Ping(context.Background()); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
	if _, err := s.OverdueTasks(context.Background(), fixedTime); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(Migrations, "migrations/*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Migrations, down); err != nil {
			t.Fatalf("missing %s: %v", down, err)
		}
	}
}
