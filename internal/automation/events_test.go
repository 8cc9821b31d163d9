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
)

func TestEvidenceUploadedCompletesLinkedTask(t *testing.T) {
	f := newFixture(t)
	task := f.store.AddTask(automation.Task{OrganizationID: "org-1", Title: "Upload SOC 2 report"})
	ev := f.store.AddEvidence(automation.Evidence{OrganizationID: "org-1", FileName: "soc2.pdf", TaskID: task.ID, UploadedBy: "u-1"})

	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventEvidenceUploaded,
		OrganizationID: "org-1",
		EntityID:       ev.ID,
	})

	require.NoError(t, err)
	assert.True(t, out.Triggered)
	tasks := f.store.Tasks("org-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, automation.TaskCompleted, tasks[0].Status)
	require.NotNil(t, tasks[0].CompletedAt)
	assert.Equal(t, testNow, *tasks[0].CompletedAt)

	audit := f.store.AuditEvents("org-1")
	require.Len(t, audit, 1)
	assert.Equal(t, "u-1", audit[0].ActorUserID)
	assert.Equal(t, "Evidence uploaded - task auto-completed", audit[0].Reason)
}

func TestEvidenceUploadedWithoutTaskOnlyRefreshes(t *testing.T) {
	f := newFixture(t)
	ev := f.store.AddEvidence(automation.Evidence{OrganizationID: "org-1", FileName: "a.pdf"})

	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventEvidenceUploaded,
		OrganizationID: "org-1",
		EntityID:       ev.ID,
	})

	require.NoError(t, err)
	assert.True(t, out.Triggered)
	assert.Empty(t, f.store.AuditEvents("org-1"))
	_, err = f.scorer.Current(context.Background(), "org-1")
	assert.NoError(t, err)
}

func TestEvidenceReviewed(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	ev := f.store.AddEvidence(automation.Evidence{OrganizationID: "org-1", FileName: "dr-test.pdf"})

	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventEvidenceVerified,
		OrganizationID: "org-1",
		EntityID:       ev.ID,
	})
	require.NoError(t, err)
	assert.Nil(t, out.Result)
	assert.Equal(t, "approved", f.store.ControlEvidenceApproval(ev.ID))

	out, err = f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventEvidenceRejected,
		OrganizationID: "org-1",
		EntityID:       ev.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "rejected", f.store.ControlEvidenceApproval(ev.ID))
	require.NotNil(t, out.Result)
	assert.Equal(t, 1, out.Result.TasksCreated)
	assert.Equal(t, "Renew Evidence: dr-test.pdf", f.store.Tasks("org-1")[0].Title)
}

func TestControlStatusUpdated(t *testing.T) {
	cases := []struct {
		name      string
		prev      string
		next      string
		triggered bool
		wantTitle string
	}{
		{name: "unchanged", prev: "at_risk", next: "at_risk"},
		{name: "recovered", prev: "non_compliant", next: "compliant"},
		{name: "failed", prev: "compliant", next: "non_compliant", triggered: true, wantTitle: "Fix Failed Control: Encryption"},
		{name: "at risk", prev: "compliant", next: "at_risk", triggered: true, wantTitle: "Complete Control: Encryption"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedTeam("org-1")
			f.store.AddControl(automation.Control{ID: "ctl-9", Title: "Encryption"})
			f.store.SetControlStatus("org-1", "ctl-9", tc.next)

			out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
				Type:           automation.EventControlStatusUpdated,
				OrganizationID: "org-1",
				EntityID:       "ctl-9",
				Metadata:       map[string]any{"newStatus": tc.next, "previousStatus": tc.prev},
			})

			require.NoError(t, err)
			assert.Equal(t, tc.triggered, out.Triggered)
			tasks := f.store.Tasks("org-1")
			if !tc.triggered {
				assert.Empty(t, tasks)
				return
			}
			require.NotNil(t, out.Result)
			require.Len(t, tasks, 1)
			assert.Equal(t, tc.wantTitle, tasks[0].Title)
		})
	}
}

func TestTaskCompletedSchedulesNextOccurrence(t *testing.T) {
	f := newFixture(t)
	due := testNow.Add(-24 * time.Hour)
	task := f.store.AddTask(automation.Task{
		OrganizationID: "org-1",
		Title:          "Quarterly access review",
		Priority:       automation.PriorityHigh,
		DueDate:        &due,
		AssignedTo:     "u-9",
		IsRecurring:    true,
		RecurrenceDays: 90,
	})
	require.NoError(t, f.store.CompleteTask(context.Background(), "org-1", task.ID, testNow))

	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventTaskCompleted,
		OrganizationID: "org-1",
		EntityID:       task.ID,
	})

	require.NoError(t, err)
	assert.True(t, out.Triggered)

	var next *automation.Task
	for _, tk := range f.store.Tasks("org-1") {
		if tk.ID != task.ID {
			next = &tk
		}
	}
	require.NotNil(t, next, "expected a follow-up occurrence")
	assert.Equal(t, automation.TaskPending, next.Status)
	assert.Equal(t, "u-9", next.AssignedTo)
	assert.True(t, next.IsRecurring)
	require.NotNil(t, next.DueDate)
	assert.Equal(t, due.Add(90*24*time.Hour), *next.DueDate)
}

func TestTaskCompletedTouchesReviewedPolicy(t *testing.T) {
	f := newFixture(t)
	p := f.store.AddPolicy(automation.Policy{OrganizationID: "org-1", Title: "Incident Response", Status: "approved"})
	task := f.store.AddTask(automation.Task{
		OrganizationID: "org-1",
		Title:          "Review Policy: Incident Response",
		LinkedPolicyID: p.ID,
	})

	_, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventTaskCompleted,
		OrganizationID: "org-1",
		EntityID:       task.ID,
	})
	require.NoError(t, err)

	got, err := f.store.Policy(context.Background(), "org-1", p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUpdatedAt)
	assert.Equal(t, testNow, *got.LastUpdatedAt)
}

func TestTaskCompletedForMissingTask(t *testing.T) {
	f := newFixture(t)
	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventTaskCompleted,
		OrganizationID: "org-1",
		EntityID:       "gone",
	})
	require.NoError(t, err)
	assert.False(t, out.Triggered)
}

func TestOnboardingCompletedRunsOnboardingTrigger(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")

	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventOnboardingCompleted,
		OrganizationID: "org-1",
	})

	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 4, out.Result.TasksCreated)
}

func TestSubscriptionActivatedIsIgnored(t *testing.T) {
	f := newFixture(t)
	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventSubscriptionActivated,
		OrganizationID: "org-1",
	})
	require.NoError(t, err)
	assert.False(t, out.Triggered)
	_, err = f.scorer.Current(context.Background(), "org-1")
	assert.ErrorIs(t, err, compliance.ErrNotFound)
}

func TestProcessorErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventType("bogus"),
		OrganizationID: "org-1",
	})
	assert.ErrorIs(t, err, automation.ErrUnknownEvent)

	boom := errors.New("connection reset")
	f.store.SetFault("PolicyCounts", boom)
	_, err = f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventTaskCreated,
		OrganizationID: "org-1",
	})
	assert.ErrorIs(t, err, boom)
}

func TestMonitorScoreChange(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	ctx := context.Background()

	res, err := f.processor.MonitorScoreChange(ctx, "org-1", "")
	require.NoError(t, err)
	assert.Nil(t, res, "no previous tier")

	res, err = f.processor.MonitorScoreChange(ctx, "org-1", compliance.RiskLow)
	require.NoError(t, err)
	assert.Nil(t, res, "no stored evaluation")

	f.store.SetEvaluation(compliance.Evaluation{
		OrganizationID: "org-1",
		Score:          35,
		Details:        compliance.Details{RiskLevel: compliance.RiskCritical},
	})

	res, err = f.processor.MonitorScoreChange(ctx, "org-1", compliance.RiskCritical)
	require.NoError(t, err)
	assert.Nil(t, res, "tier unchanged")

	res, err = f.processor.MonitorScoreChange(ctx, "org-1", compliance.RiskLow)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.TasksCreated)
	tasks := f.store.Tasks("org-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "URGENT: Address Compliance Risk", tasks[0].Title)
	assert.Contains(t, tasks[0].Description, "(score: 35)")
}

func TestParseEventType(t *testing.T) {
	got, err := automation.ParseEventType("evidence_uploaded")
	require.NoError(t, err)
	assert.Equal(t, automation.EventEvidenceUploaded, got)

	_, err = automation.ParseEventType("evidence_deleted")
	assert.ErrorIs(t, err, automation.ErrUnknownEvent)
}

// seedForEvent adds the entity typ refers to and returns its id and metadata.
func (f *fixture) seedForEvent(org string, typ automation.EventType) (string, map[string]any) {
	switch typ {
	case automation.EventEvidenceUploaded, automation.EventEvidenceVerified, automation.EventEvidenceRejected:
		ev := f.store.AddEvidence(automation.Evidence{OrganizationID: org, FileName: "soc2.pdf"})
		return ev.ID, nil
	case automation.EventControlStatusUpdated:
		f.store.AddControl(automation.Control{ID: "ctl-1", Title: "Encryption"})
		f.store.SetControlStatus(org, "ctl-1", "non_compliant")
		return "ctl-1", map[string]any{"newStatus": "non_compliant", "previousStatus": "compliant"}
	case automation.EventTaskCompleted:
		task := f.store.AddTask(automation.Task{OrganizationID: org, Title: "Rotate keys", Status: automation.TaskCompleted})
		return task.ID, nil
	}
	return "", nil
}

func TestEveryEventTypeIsHandled(t *testing.T) {
	for _, typ := range automation.AllEventTypes {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			f.seedTeam("org-1")
			id, meta := f.seedForEvent("org-1", typ)

			out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
				Type:           typ,
				OrganizationID: "org-1",
				EntityID:       id,
				Metadata:       meta,
			})

			require.NoError(t, err)
			if out.Result != nil {
				assert.Empty(t, out.Result.Errors)
			}
		})
	}
}

func TestEvidenceUploadedLeavesOtherOrganizationsTasks(t *testing.T) {
	f := newFixture(t)
	task := f.store.AddTask(automation.Task{OrganizationID: "org-b", Title: "Upload SOC 2 report"})
	foreign := f.store.AddEvidence(automation.Evidence{OrganizationID: "org-b", FileName: "b-confidential-soc2.pdf", TaskID: task.ID})
	own := f.store.AddEvidence(automation.Evidence{OrganizationID: "org-a", FileName: "a.pdf", TaskID: task.ID})

	for _, id := range []string{foreign.ID, own.ID} {
		out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
			Type:           automation.EventEvidenceUploaded,
			OrganizationID: "org-a",
			EntityID:       id,
		})
		require.NoError(t, err)
		assert.True(t, out.Triggered)
	}

	tasks := f.store.Tasks("org-b")
	require.Len(t, tasks, 1)
	assert.Equal(t, automation.TaskPending, tasks[0].Status)
	assert.Nil(t, tasks[0].CompletedAt)
	assert.Empty(t, f.store.AuditEvents("org-a"))
	assert.Empty(t, f.store.AuditEvents("org-b"))
}

func TestEvidenceReviewedForAnotherOrganizationIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-a")
	f.seedTeam("org-b")
	foreign := f.store.AddEvidence(automation.Evidence{OrganizationID: "org-b", FileName: "b-confidential-soc2.pdf"})

	for _, typ := range []automation.EventType{automation.EventEvidenceVerified, automation.EventEvidenceRejected} {
		out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
			Type:           typ,
			OrganizationID: "org-a",
			EntityID:       foreign.ID,
		})
		require.NoError(t, err)
		assert.True(t, out.Triggered)
		assert.Nil(t, out.Result)
	}

	assert.Empty(t, f.store.ControlEvidenceApproval(foreign.ID))
	assert.Empty(t, f.store.Tasks("org-a"))
	assert.Empty(t, f.store.Tasks("org-b"))
	assert.Empty(t, f.store.Notifications("org-b"))
}

func TestTaskCompletedForAnotherOrganizationIsIgnored(t *testing.T) {
	f := newFixture(t)
	due := testNow.Add(-24 * time.Hour)
	foreign := f.store.AddTask(automation.Task{
		OrganizationID: "org-b",
		Title:          "Quarterly access review",
		DueDate:        &due,
		IsRecurring:    true,
		RecurrenceDays: 90,
	})

	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventTaskCompleted,
		OrganizationID: "org-a",
		EntityID:       foreign.ID,
	})

	require.NoError(t, err)
	assert.False(t, out.Triggered)
	assert.Empty(t, f.store.Tasks("org-a"))
	assert.Len(t, f.store.Tasks("org-b"), 1)
}

func TestTaskCompletedDoesNotTouchAnotherOrganizationsPolicy(t *testing.T) {
	f := newFixture(t)
	foreign := f.store.AddPolicy(automation.Policy{OrganizationID: "org-b", Title: "Incident Response", Status: "approved"})
	task := f.store.AddTask(automation.Task{
		OrganizationID: "org-a",
		Title:          "Review Policy: Incident Response",
		LinkedPolicyID: foreign.ID,
	})

	out, err := f.processor.Process(context.Background(), automation.DatabaseEvent{
		Type:           automation.EventTaskCompleted,
		OrganizationID: "org-a",
		EntityID:       task.ID,
	})
	require.NoError(t, err)
	assert.True(t, out.Triggered)

	got, err := f.store.Policy(context.Background(), "org-b", foreign.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastUpdatedAt)

	_, err = f.store.Policy(context.Background(), "org-a", foreign.ID)
	assert.ErrorIs(t, err, automation.ErrNotFound)
}
