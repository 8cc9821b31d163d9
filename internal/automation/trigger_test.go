package automation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formaos.app/internal/automation"
	"formaos.app/internal/compliance"
	"formaos.app/internal/store/memstore"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memstore.Store
	scorer    *compliance.Engine
	engine    *automation.Engine
	processor *automation.Processor
}

func clock() time.Time { return testNow }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	st.SetClock(clock)
	scorer := compliance.NewEngine(st, compliance.WithClock(clock))
	engine := automation.NewEngine(st, scorer, automation.WithEngineClock(clock))
	return &fixture{
		store:     st,
		scorer:    scorer,
		engine:    engine,
		processor: automation.NewProcessor(st, engine, scorer),
	}
}

// seedTeam adds one member per role to org.
func (f *fixture) seedTeam(org string) {
	f.store.AddOrganization(memstore.Organization{ID: org, Name: "Acme Health"})
	f.store.AddMember(org, "u-owner", automation.RoleOwner)
	f.store.AddMember(org, "u-admin", automation.RoleAdmin)
	f.store.AddMember(org, "u-co", automation.RoleComplianceOfficer)
	f.store.AddMember(org, "u-staff", "member")
}

func recipients(ns []automation.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.UserID)
	}
	return out
}

func TestProcessAtDepthStopsAtLimit(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")

	res := f.engine.ProcessAtDepth(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerOrgOnboarding,
		OrganizationID: "org-1",
	}, automation.MaxTriggerDepth)

	assert.Equal(t, []string{"Max trigger recursion depth reached (5)"}, res.Errors)
	assert.Zero(t, res.TasksCreated)
	assert.Zero(t, res.WorkflowsExecuted)
	assert.Empty(t, f.store.Tasks("org-1"))
}

func TestEvidenceExpiryCreatesRenewalTask(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	ev := f.store.AddEvidence(automation.Evidence{OrganizationID: "org-1", FileName: "pentest.pdf"})

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerEvidenceExpiry,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"evidenceId": ev.ID},
	})

	require.Empty(t, res.Errors)
	assert.Equal(t, 1, res.TasksCreated)
	assert.Equal(t, 3, res.NotificationsSent)
	assert.Equal(t, 1, res.WorkflowsExecuted)

	tasks := f.store.Tasks("org-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Renew Evidence: pentest.pdf", tasks[0].Title)
	assert.Equal(t, automation.PriorityHigh, tasks[0].Priority)
	require.NotNil(t, tasks[0].DueDate)
	assert.Equal(t, testNow.Add(7*24*time.Hour), *tasks[0].DueDate)

	notes := f.store.Notifications("org-1")
	assert.ElementsMatch(t, []string{"u-owner", "u-admin", "u-co"}, recipients(notes))
	assert.Equal(t, "EVIDENCE_EXPIRED", notes[0].Type)
	assert.Equal(t, tasks[0].ID, notes[0].Metadata["taskId"])

	_, err := f.scorer.Current(context.Background(), "org-1")
	assert.NoError(t, err, "trigger should refresh the score")
}

func TestEvidenceExpiryMetadataErrors(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerEvidenceExpiry,
		OrganizationID: "org-1",
	})
	assert.Equal(t, []string{"Evidence ID missing in metadata"}, res.Errors)
	assert.Zero(t, res.WorkflowsExecuted)

	res = f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerEvidenceExpiry,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"evidenceId": "missing"},
	})
	assert.Equal(t, []string{"Evidence not found"}, res.Errors)
	assert.Empty(t, f.store.Tasks("org-1"))
}

func TestControlFailedEscalatesToOwnersAndAdmins(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	f.store.AddControl(automation.Control{ID: "ctl-1", Code: "AC-2", Title: "Access reviews"})
	f.store.SetControlStatus("org-1", "ctl-1", "non_compliant")

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerControlFailed,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"controlId": "ctl-1", "status": "non_compliant"},
	})

	require.Empty(t, res.Errors)
	tasks := f.store.Tasks("org-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Fix Failed Control: Access reviews", tasks[0].Title)
	assert.Equal(t, automation.PriorityCritical, tasks[0].Priority)
	assert.Equal(t, testNow.Add(2*24*time.Hour), *tasks[0].DueDate)

	notes := f.store.Notifications("org-1")
	assert.ElementsMatch(t, []string{"u-owner", "u-admin"}, recipients(notes))
	assert.Equal(t, "CONTROL_FAILED", notes[0].Type)
}

func TestControlIncompleteNotifiesComplianceTeam(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	f.store.AddControl(automation.Control{ID: "ctl-1", Title: "Backups"})
	f.store.SetControlStatus("org-1", "ctl-1", "at_risk")

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerControlIncomplete,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"controlId": "ctl-1"},
	})

	require.Empty(t, res.Errors)
	assert.Equal(t, 3, res.NotificationsSent)
	tasks := f.store.Tasks("org-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Complete Control: Backups", tasks[0].Title)
	assert.Equal(t, automation.PriorityHigh, tasks[0].Priority)
}

func TestRiskScoreChangeOnlyActsOnIncrease(t *testing.T) {
	cases := []struct {
		name          string
		prev, next    compliance.RiskLevel
		wantTitle     string
		wantPriority  string
		wantNotified  int
		wantTaskCount int
	}{
		{name: "decrease", prev: compliance.RiskHigh, next: compliance.RiskLow},
		{name: "unchanged", prev: compliance.RiskMedium, next: compliance.RiskMedium},
		{name: "to medium", prev: compliance.RiskLow, next: compliance.RiskMedium, wantNotified: 2},
		{name: "to high", prev: compliance.RiskLow, next: compliance.RiskHigh, wantTitle: "Address Compliance Risk", wantPriority: automation.PriorityHigh, wantNotified: 2, wantTaskCount: 1},
		{name: "to critical", prev: compliance.RiskMedium, next: compliance.RiskCritical, wantTitle: "URGENT: Address Compliance Risk", wantPriority: automation.PriorityCritical, wantNotified: 2, wantTaskCount: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedTeam("org-1")

			res := f.engine.Process(context.Background(), automation.TriggerEvent{
				Type:           automation.TriggerRiskScoreChange,
				OrganizationID: "org-1",
				Metadata: map[string]any{
					"previousRisk": string(tc.prev),
					"newRisk":      string(tc.next),
					"score":        55,
				},
			})

			require.Empty(t, res.Errors)
			assert.Equal(t, tc.wantNotified, res.NotificationsSent)
			tasks := f.store.Tasks("org-1")
			require.Len(t, tasks, tc.wantTaskCount)
			if tc.wantTaskCount > 0 {
				assert.Equal(t, tc.wantTitle, tasks[0].Title)
				assert.Equal(t, tc.wantPriority, tasks[0].Priority)
			}
		})
	}
}

func TestRiskScoreChangeRequiresBothLevels(t *testing.T) {
	f := newFixture(t)
	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerRiskScoreChange,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"newRisk": "high"},
	})
	assert.Equal(t, []string{"Risk level data missing in metadata"}, res.Errors)
}

func TestNotificationFailureDoesNotAbortTrigger(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	p := f.store.AddPolicy(automation.Policy{OrganizationID: "org-1", Title: "Access Control", Status: "approved"})
	f.store.SetFault("CreateNotification", errors.New("smtp down"))

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerPolicyReviewDue,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"policyId": p.ID},
	})

	assert.Equal(t, 1, res.TasksCreated)
	assert.Zero(t, res.NotificationsSent)
	assert.Equal(t, 1, res.WorkflowsExecuted)
	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], "smtp down")

	tasks := f.store.Tasks("org-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Review Policy: Access Control", tasks[0].Title)
	assert.Equal(t, p.ID, tasks[0].LinkedPolicyID)
	assert.Equal(t, testNow.Add(14*24*time.Hour), *tasks[0].DueDate)
}

func TestTaskOverdueRouting(t *testing.T) {
	due := func(days int) *time.Time {
		d := testNow.Add(-time.Duration(days) * 24 * time.Hour)
		return &d
	}
	cases := []struct {
		name  string
		task  automation.Task
		types map[string]int
	}{
		{
			name:  "assigned recently overdue",
			task:  automation.Task{Title: "Rotate keys", AssignedTo: "u-staff", DueDate: due(1), Priority: automation.PriorityStandard},
			types: map[string]int{"TASK_OVERDUE": 1},
		},
		{
			name:  "assigned long overdue escalates",
			task:  automation.Task{Title: "Rotate keys", AssignedTo: "u-staff", DueDate: due(4), Priority: automation.PriorityStandard},
			types: map[string]int{"TASK_OVERDUE": 1, "TASK_OVERDUE_ESCALATED": 2},
		},
		{
			name:  "unassigned goes to compliance team",
			task:  automation.Task{Title: "Rotate keys", DueDate: due(1), Priority: automation.PriorityStandard},
			types: map[string]int{"TASK_OVERDUE": 3},
		},
		{
			name:  "critical unassigned escalates only",
			task:  automation.Task{Title: "Rotate keys", DueDate: due(1), Priority: automation.PriorityCritical},
			types: map[string]int{"TASK_OVERDUE_ESCALATED": 2},
		},
		{
			name:  "completed is ignored",
			task:  automation.Task{Title: "Rotate keys", DueDate: due(9), Status: automation.TaskCompleted},
			types: map[string]int{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedTeam("org-1")
			tc.task.OrganizationID = "org-1"
			task := f.store.AddTask(tc.task)

			res := f.engine.Process(context.Background(), automation.TriggerEvent{
				Type:           automation.TriggerTaskOverdue,
				OrganizationID: "org-1",
				Metadata:       map[string]any{"taskId": task.ID},
			})
			require.Empty(t, res.Errors)

			got := map[string]int{}
			for _, n := range f.store.Notifications("org-1") {
				got[n.Type]++
			}
			assert.Equal(t, tc.types, got)
		})
	}
}

func TestTaskOverdueMissingTaskIsNotAnError(t *testing.T) {
	f := newFixture(t)
	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerTaskOverdue,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"taskId": "gone"},
	})
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.WorkflowsExecuted)
}

func TestCertificationExpiringPriority(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	cert := f.store.AddCertification(automation.Certification{OrganizationID: "org-1", Status: "issued"})

	// JSON decoding yields float64 for numbers
	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerCertificationExpiring,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"certificationId": cert.ID, "daysUntilExpiry": float64(5)},
	})

	require.Empty(t, res.Errors)
	tasks := f.store.Tasks("org-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Renew Certification", tasks[0].Title)
	assert.Equal(t, automation.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, testNow.Add(24*time.Hour), *tasks[0].DueDate)
	assert.Equal(t, "Certification expires in 5 days. Begin renewal process.", tasks[0].Description)
}

func TestCertificationExpiringDefaultsToThirtyDays(t *testing.T) {
	f := newFixture(t)
	cert := f.store.AddCertification(automation.Certification{OrganizationID: "org-1", Status: "issued"})

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerCertificationExpiring,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"certificationId": cert.ID},
	})

	require.Empty(t, res.Errors)
	tasks := f.store.Tasks("org-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, automation.PriorityStandard, tasks[0].Priority)
	assert.Equal(t, testNow.Add(23*24*time.Hour), *tasks[0].DueDate)
}

func TestOrgOnboardingSeedsTasksAndWelcomesOwner(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerOrgOnboarding,
		OrganizationID: "org-1",
	})

	require.Empty(t, res.Errors)
	assert.Equal(t, 4, res.TasksCreated)
	assert.Equal(t, 1, res.NotificationsSent)

	notes := f.store.Notifications("org-1")
	require.Len(t, notes, 1)
	assert.Equal(t, "u-owner", notes[0].UserID)
	assert.Equal(t, "ONBOARDING_STARTED", notes[0].Type)
	assert.Equal(t, 4, notes[0].Metadata["tasksCreated"])
}

func TestUnsupportedTriggerType(t *testing.T) {
	f := newFixture(t)
	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerType("bogus"),
		OrganizationID: "org-1",
	})
	assert.Equal(t, []string{`unsupported trigger type: "bogus"`}, res.Errors)
}

func TestScoreRefreshFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.store.SetFault("ControlCounts", errors.New("db offline"))

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerOrgOnboarding,
		OrganizationID: "org-1",
	})

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Failed to update compliance score")
	assert.Equal(t, 4, res.TasksCreated)
}

func TestParseTriggerType(t *testing.T) {
	got, err := automation.ParseTriggerType(" task_overdue ")
	require.NoError(t, err)
	assert.Equal(t, automation.TriggerTaskOverdue, got)

	_, err = automation.ParseTriggerType("nope")
	assert.ErrorIs(t, err, automation.ErrUnknownTrigger)
}

// seedForTrigger adds the entity typ acts on to org and returns metadata
// that references it.
func (f *fixture) seedForTrigger(org string, typ automation.TriggerType) map[string]any {
	switch typ {
	case automation.TriggerEvidenceExpiry:
		ev := f.store.AddEvidence(automation.Evidence{OrganizationID: org, FileName: "soc2.pdf"})
		return map[string]any{"evidenceId": ev.ID}
	case automation.TriggerPolicyReviewDue:
		p := f.store.AddPolicy(automation.Policy{OrganizationID: org, Title: "Access Control", Status: "approved"})
		return map[string]any{"policyId": p.ID}
	case automation.TriggerControlFailed, automation.TriggerControlIncomplete:
		f.store.AddControl(automation.Control{ID: "ctl-1", Title: "Backups"})
		f.store.SetControlStatus(org, "ctl-1", "non_compliant")
		return map[string]any{"controlId": "ctl-1"}
	case automation.TriggerRiskScoreChange:
		return map[string]any{"previousRisk": "low", "newRisk": "high", "score": 55}
	case automation.TriggerTaskOverdue:
		due := testNow.Add(-48 * time.Hour)
		task := f.store.AddTask(automation.Task{OrganizationID: org, Title: "Rotate keys", DueDate: &due})
		return map[string]any{"taskId": task.ID}
	case automation.TriggerCertificationExpiring:
		cert := f.store.AddCertification(automation.Certification{OrganizationID: org, Status: "issued"})
		return map[string]any{"certificationId": cert.ID, "daysUntilExpiry": 10}
	}
	return nil
}

func TestEveryTriggerTypeIsDispatched(t *testing.T) {
	for _, typ := range automation.AllTriggerTypes {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			f.seedTeam("org-1")

			res := f.engine.Process(context.Background(), automation.TriggerEvent{
				Type:           typ,
				OrganizationID: "org-1",
				Metadata:       f.seedForTrigger("org-1", typ),
			})

			for _, msg := range res.Errors {
				assert.NotContains(t, msg, "unsupported trigger type")
			}
			assert.Empty(t, res.Errors)
			assert.Equal(t, 1, res.WorkflowsExecuted)
		})
	}
}

func TestTriggersDoNotReachOtherOrganizations(t *testing.T) {
	cases := []struct {
		typ     automation.TriggerType
		wantErr []string
	}{
		{typ: automation.TriggerEvidenceExpiry, wantErr: []string{"Evidence not found"}},
		{typ: automation.TriggerPolicyReviewDue, wantErr: []string{"Policy not found"}},
		{typ: automation.TriggerControlFailed, wantErr: []string{"Control not found"}},
		{typ: automation.TriggerControlIncomplete, wantErr: []string{"Control not found"}},
		{typ: automation.TriggerCertificationExpiring, wantErr: []string{"Certification not found"}},
		{typ: automation.TriggerTaskOverdue, wantErr: []string{}},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			f := newFixture(t)
			f.seedTeam("org-a")
			f.seedTeam("org-b")
			meta := f.seedForTrigger("org-b", tc.typ)
			before := f.store.Tasks("org-b")

			res := f.engine.Process(context.Background(), automation.TriggerEvent{
				Type:           tc.typ,
				OrganizationID: "org-a",
				Metadata:       meta,
			})

			assert.Equal(t, tc.wantErr, res.Errors)
			assert.Zero(t, res.TasksCreated)
			assert.Zero(t, res.NotificationsSent)
			assert.Empty(t, f.store.Tasks("org-a"))
			assert.Empty(t, f.store.Notifications("org-a"))
			assert.Equal(t, before, f.store.Tasks("org-b"))
			assert.Empty(t, f.store.Notifications("org-b"))
		})
	}
}

func TestEvidenceExpiryIgnoresTaskFromAnotherOrganization(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-a")
	foreign := f.store.AddTask(automation.Task{OrganizationID: "org-b", Title: "Upload policy", LinkedPolicyID: "pol-b"})
	ev := f.store.AddEvidence(automation.Evidence{OrganizationID: "org-a", FileName: "backup.pdf", TaskID: foreign.ID})

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerEvidenceExpiry,
		OrganizationID: "org-a",
		Metadata:       map[string]any{"evidenceId": ev.ID},
	})

	require.Empty(t, res.Errors)
	tasks := f.store.Tasks("org-a")
	require.Len(t, tasks, 1)
	assert.Empty(t, tasks[0].LinkedPolicyID)
}

func TestTaskOverdueCountsWholeElapsedDays(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	due := testNow.Add(-36 * time.Hour)
	task := f.store.AddTask(automation.Task{OrganizationID: "org-1", Title: "Rotate keys", AssignedTo: "u-staff", DueDate: &due})

	res := f.engine.Process(context.Background(), automation.TriggerEvent{
		Type:           automation.TriggerTaskOverdue,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"taskId": task.ID},
	})

	require.Empty(t, res.Errors)
	notes := f.store.Notifications("org-1")
	require.Len(t, notes, 1)
	assert.Equal(t, 1, notes[0].Metadata["daysOverdue"])
	assert.Equal(t, `Task "Rotate keys" is 1 day(s) overdue.`, notes[0].Message)
}
