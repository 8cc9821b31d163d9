package automation_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formaos.app/internal/automation"
)

func (f *fixture) sink() automation.StoreSink {
	return automation.StoreSink{Store: f.store, Now: clock}
}

func TestHookFailureIsDeadLetteredAndReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hooks := automation.NewHooks(f.processor, f.sink())
	f.store.SetFault("ControlCounts", errors.New("db offline"))

	out := hooks.TaskCreated(ctx, "org-1", "task-1")
	require.Error(t, out.Err)
	assert.False(t, out.Triggered)

	dls := f.store.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, automation.SourceEvent, dls[0].Source)
	assert.Equal(t, "task_created", dls[0].Kind)
	assert.Equal(t, 1, dls[0].Attempts)
	assert.Equal(t, testNow, dls[0].CreatedAt)
	assert.Contains(t, dls[0].Error, "db offline")

	f.store.SetFault("ControlCounts", nil)
	replayer := automation.NewReplayer(f.store, f.engine, f.processor)
	report, err := replayer.Replay(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, automation.ReplayReport{Attempted: 1, Resolved: 1, Errors: []string{}}, report)

	dls = f.store.DeadLetters()
	require.NotNil(t, dls[0].ResolvedAt)
	assert.Equal(t, testNow, *dls[0].ResolvedAt)

	report, err = replayer.Replay(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestReplayFailureBumpsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dl, err := automation.TriggerDeadLetter(automation.TriggerEvent{
		Type:           automation.TriggerEvidenceExpiry,
		OrganizationID: "org-1",
		Metadata:       map[string]any{"evidenceId": "gone"},
	}, []string{"Evidence not found"})
	require.NoError(t, err)
	require.NoError(t, f.sink().Record(ctx, dl))

	report, err := automation.NewReplayer(f.store, f.engine, f.processor).Replay(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "Evidence not found")

	dls := f.store.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, 2, dls[0].Attempts)
	assert.Nil(t, dls[0].ResolvedAt)
}

func TestReplayUnknownSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddDeadLetter(ctx, automation.DeadLetter{
		ID:       "dl-1",
		Source:   automation.DeadLetterSource("webhook"),
		Payload:  json.RawMessage(`{}`),
		Attempts: 1,
	}))

	report, err := automation.NewReplayer(f.store, f.engine, f.processor).Replay(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Errors[0], "unknown dead letter source")
}

func TestHooksRecoverFromPanics(t *testing.T) {
	f := newFixture(t)
	// a processor without a scorer panics on the first refresh
	broken := automation.NewProcessor(f.store, f.engine, nil)
	hooks := automation.NewHooks(broken, f.sink())

	var out automation.Outcome
	require.NotPanics(t, func() {
		out = hooks.PolicyStatusChanged(context.Background(), "org-1", "pol-1", "approved")
	})
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "automation hook panic")
	assert.Len(t, f.store.DeadLetters(), 1)
}

func TestEmitAsyncOutlivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	hooks := automation.NewHooks(f.processor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := hooks.EmitAsync(ctx, automation.DatabaseEvent{
		Type:           automation.EventOnboardingCompleted,
		OrganizationID: "org-1",
	})
	cancel()

	out := <-done
	require.NoError(t, out.Err)
	assert.True(t, out.Triggered)
	require.NotNil(t, out.Result)
	assert.Equal(t, 4, out.Result.TasksCreated)
}

func TestHooksControlStatusChanged(t *testing.T) {
	f := newFixture(t)
	f.seedTeam("org-1")
	f.store.AddControl(automation.Control{ID: "ctl-1", Title: "MFA"})
	f.store.SetControlStatus("org-1", "ctl-1", "compliant")
	hooks := automation.NewHooks(f.processor, f.sink())

	out := hooks.ControlStatusChanged(context.Background(), "org-1", "ctl-1", "non_compliant", "compliant")

	require.NoError(t, out.Err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 1, out.Result.TasksCreated)
	assert.Empty(t, f.store.DeadLetters())
}
