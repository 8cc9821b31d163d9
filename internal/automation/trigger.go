package automation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"formaos.app/internal/obs"
)

var tracer = otel.Tracer("formaos.automation")

// failure is a constant error whose text is surfaced verbatim in Result.Errors.
type failure string

func (f failure) Error() string { return string(f) }

const (
	errEvidenceIDMissing      failure = "Evidence ID missing in metadata"
	errEvidenceNotFound       failure = "Evidence not found"
	errPolicyIDMissing        failure = "Policy ID missing in metadata"
	errPolicyNotFound         failure = "Policy not found"
	errControlIDMissing       failure = "Control ID missing in metadata"
	errControlNotFound        failure = "Control not found"
	errRiskDataMissing        failure = "Risk level data missing in metadata"
	errTaskIDMissing          failure = "Task ID missing in metadata"
	errCertificationIDMissing failure = "Certification ID missing in metadata"
	errCertificationNotFound  failure = "Certification not found"
)

type Option func(*Engine)

func WithEngineClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine dispatches trigger events to their handlers and refreshes the
// organization's compliance score afterwards.
type Engine struct {
	store  EntityStore
	scorer Scorer
	now    func() time.Time
}

func NewEngine(store EntityStore, scorer Scorer, opts ...Option) *Engine {
	e := &Engine{store: store, scorer: scorer, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process handles a top-level trigger.
func (e *Engine) Process(ctx context.Context, ev TriggerEvent) Result {
	return e.ProcessAtDepth(ctx, ev, 0)
}

// ProcessAtDepth handles a trigger reached through depth chained calls.
// Handlers never return errors to the caller; everything lands in Result.Errors.
func (e *Engine) ProcessAtDepth(ctx context.Context, ev TriggerEvent, depth int) (res Result) {
	res.Errors = []string{}
	if ev.TriggeredAt.IsZero() {
		ev.TriggeredAt = e.now().UTC()
	}

	ctx, span := tracer.Start(ctx, "automation.ProcessTrigger",
		trace.WithAttributes(
			attribute.String("trigger.type", string(ev.Type)),
			attribute.String("trigger.org_id", ev.OrganizationID),
			attribute.Int("trigger.depth", depth),
		),
	)
	defer span.End()

	if depth >= MaxTriggerDepth {
		obs.Warn("trigger_recursion_limit", map[string]any{
			"event_type": ev.Type,
			"org_id":     ev.OrganizationID,
			"depth":      depth,
		})
		res.addErrorf("Max trigger recursion depth reached (%d)", MaxTriggerDepth)
		obs.TriggersTotal.WithLabelValues(string(ev.Type), "recursion_limit").Inc()
		span.SetStatus(codes.Error, "recursion limit")
		return res
	}

	start := time.Now()
	defer func() {
		outcome := "ok"
		if res.Failed() {
			outcome = "error"
			span.SetStatus(codes.Error, res.Errors[0])
		}
		obs.TriggersTotal.WithLabelValues(string(ev.Type), outcome).Inc()
		obs.Info("automation_trigger", map[string]any{
			"event_type":         ev.Type,
			"org_id":             ev.OrganizationID,
			"entity_id":          ev.EntityID,
			"depth":              depth,
			"tasks_created":      res.TasksCreated,
			"notifications_sent": res.NotificationsSent,
			"errors":             len(res.Errors),
			"duration_ms":        time.Since(start).Milliseconds(),
		})
	}()

	if err := e.dispatch(ctx, ev, &res); err != nil {
		span.RecordError(err)
		res.addError(err)
	} else {
		res.WorkflowsExecuted++
	}

	if e.scorer != nil {
		if _, err := e.scorer.Update(ctx, ev.OrganizationID); err != nil {
			span.RecordError(err)
			res.addErrorf("Failed to update compliance score: %v", err)
		}
	}
	return res
}

func (e *Engine) dispatch(ctx context.Context, ev TriggerEvent, res *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger handler panic: %v", r)
		}
	}()

	switch ev.Type {
	case TriggerEvidenceExpiry:
		return e.handleEvidenceExpiry(ctx, ev, res)
	case TriggerPolicyReviewDue:
		return e.handlePolicyReviewDue(ctx, ev, res)
	case TriggerControlFailed, TriggerControlIncomplete:
		return e.handleControlIssue(ctx, ev, res)
	case TriggerOrgOnboarding:
		return e.handleOrgOnboarding(ctx, ev, res)
	case TriggerRiskScoreChange:
		return e.handleRiskScoreChange(ctx, ev, res)
	case TriggerTaskOverdue:
		return e.handleTaskOverdue(ctx, ev, res)
	case TriggerCertificationExpiring:
		return e.handleCertificationExpiring(ctx, ev, res)
	default:
		return fmt.Errorf("unsupported trigger type: %q", ev.Type)
	}
}

// createTask inserts t for the event's organization and counts it.
func (e *Engine) createTask(ctx context.Context, ev TriggerEvent, res *Result, t Task) (Task, error) {
	t.OrganizationID = ev.OrganizationID
	if t.Status == "" {
		t.Status = TaskPending
	}
	created, err := e.store.CreateTask(ctx, t)
	if err != nil {
		return Task{}, err
	}
	res.TasksCreated++
	obs.TasksCreatedTotal.WithLabelValues(string(ev.Type)).Inc()
	return created, nil
}

// notifyRoles sends one notification per member holding any of roles.
// A failed insert is recorded and the loop moves on to the next member.
func (e *Engine) notifyRoles(ctx context.Context, ev TriggerEvent, res *Result, roles []string, n Notification) {
	members, err := e.store.MembersByRole(ctx, ev.OrganizationID, roles...)
	if err != nil {
		res.addErrorf("Failed to load members: %v", err)
		return
	}
	for _, m := range members {
		e.notifyUser(ctx, ev, res, m.UserID, n)
	}
}

func (e *Engine) notifyUser(ctx context.Context, ev TriggerEvent, res *Result, userID string, n Notification) {
	n.OrganizationID = ev.OrganizationID
	n.UserID = userID
	if _, err := e.store.CreateNotification(ctx, n); err != nil {
		res.addErrorf("Failed to notify user %s: %v", userID, err)
		return
	}
	res.NotificationsSent++
	obs.NotificationsSentTotal.WithLabelValues(n.Type).Inc()
}

func (e *Engine) dueIn(days int) *time.Time {
	t := e.now().UTC().Add(time.Duration(days) * 24 * time.Hour)
	return &t
}
