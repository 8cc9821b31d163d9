package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"formaos.app/internal/compliance"
	"formaos.app/internal/obs"
)

// Processor maps raw CRUD outcomes onto score refreshes and trigger dispatch.
type Processor struct {
	store  EventStore
	engine *Engine
	scorer Scorer
	now    func() time.Time
}

func NewProcessor(store EventStore, engine *Engine, scorer Scorer) *Processor {
	return &Processor{store: store, engine: engine, scorer: scorer, now: engine.now}
}

// Process handles one database event. Store and scoring failures are returned
// so callers can route them to the dead-letter queue.
func (p *Processor) Process(ctx context.Context, ev DatabaseEvent) (EventOutcome, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	obs.Info("automation_event", map[string]any{
		"event_type": ev.Type,
		"org_id":     ev.OrganizationID,
		"entity_id":  ev.EntityID,
	})

	switch ev.Type {
	case EventEvidenceUploaded:
		return p.evidenceUploaded(ctx, ev)
	case EventEvidenceVerified, EventEvidenceRejected:
		return p.evidenceReviewed(ctx, ev)
	case EventControlStatusUpdated:
		return p.controlStatusUpdated(ctx, ev)
	case EventTaskCompleted:
		return p.taskCompleted(ctx, ev)
	case EventTaskCreated, EventPolicyStatusUpdated:
		if err := p.refresh(ctx, ev.OrganizationID); err != nil {
			return EventOutcome{}, err
		}
		return EventOutcome{Triggered: true}, nil
	case EventOnboardingCompleted:
		res := p.engine.Process(ctx, TriggerEvent{
			Type:           TriggerOrgOnboarding,
			OrganizationID: ev.OrganizationID,
			TriggeredAt:    p.now().UTC(),
		})
		return EventOutcome{Triggered: true, Result: &res}, nil
	case EventSubscriptionActivated:
		return EventOutcome{Triggered: false}, nil
	default:
		return EventOutcome{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

func (p *Processor) refresh(ctx context.Context, orgID string) error {
	if _, err := p.scorer.Update(ctx, orgID); err != nil {
		return fmt.Errorf("refresh score: %w", err)
	}
	return nil
}

func (p *Processor) evidenceUploaded(ctx context.Context, ev DatabaseEvent) (EventOutcome, error) {
	if err := p.refresh(ctx, ev.OrganizationID); err != nil {
		return EventOutcome{}, err
	}

	evidence, err := p.store.Evidence(ctx, ev.OrganizationID, ev.EntityID)
	if errors.Is(err, ErrNotFound) || (err == nil && evidence.TaskID == "") {
		return EventOutcome{Triggered: true}, nil
	}
	if err != nil {
		return EventOutcome{}, fmt.Errorf("load evidence: %w", err)
	}

	task, err := p.store.Task(ctx, ev.OrganizationID, evidence.TaskID)
	if errors.Is(err, ErrNotFound) {
		return EventOutcome{Triggered: true}, nil
	}
	if err != nil {
		return EventOutcome{}, fmt.Errorf("load linked task: %w", err)
	}
	if task.Status == TaskCompleted {
		return EventOutcome{Triggered: true}, nil
	}

	now := p.now().UTC()
	if err := p.store.CompleteTask(ctx, ev.OrganizationID, task.ID, now); err != nil {
		return EventOutcome{}, fmt.Errorf("complete linked task: %w", err)
	}
	if err := p.store.AddAuditEvent(ctx, AuditEvent{
		OrganizationID: ev.OrganizationID,
		ActorUserID:    evidence.UploadedBy,
		EntityType:     "task",
		EntityID:       task.ID,
		ActionType:     "UPDATE",
		AfterState:     map[string]any{"status": TaskCompleted},
		Reason:         "Evidence uploaded - task auto-completed",
		CreatedAt:      now,
	}); err != nil {
		return EventOutcome{}, fmt.Errorf("audit task completion: %w", err)
	}
	return EventOutcome{Triggered: true}, nil
}

func (p *Processor) evidenceReviewed(ctx context.Context, ev DatabaseEvent) (EventOutcome, error) {
	verified := ev.Type == EventEvidenceVerified
	if err := p.refresh(ctx, ev.OrganizationID); err != nil {
		return EventOutcome{}, err
	}

	approval := "approved"
	if !verified {
		approval = "rejected"
	}
	err := p.store.SetControlEvidenceApproval(ctx, ev.OrganizationID, ev.EntityID, approval)
	if errors.Is(err, ErrNotFound) {
		return EventOutcome{Triggered: true}, nil
	}
	if err != nil {
		return EventOutcome{}, fmt.Errorf("update control evidence: %w", err)
	}
	if verified {
		return EventOutcome{Triggered: true}, nil
	}

	evidence, err := p.store.Evidence(ctx, ev.OrganizationID, ev.EntityID)
	if errors.Is(err, ErrNotFound) {
		return EventOutcome{Triggered: true}, nil
	}
	if err != nil {
		return EventOutcome{}, fmt.Errorf("load evidence: %w", err)
	}
	res := p.engine.Process(ctx, TriggerEvent{
		Type:           TriggerEvidenceExpiry,
		OrganizationID: ev.OrganizationID,
		EntityID:       ev.EntityID,
		EntityType:     "evidence",
		Metadata: map[string]any{
			"evidenceId": ev.EntityID,
			"fileName":   evidence.FileName,
			"reason":     "Evidence rejected - replacement required",
		},
		TriggeredAt: p.now().UTC(),
	})
	return EventOutcome{Triggered: true, Result: &res}, nil
}

// controlStatusUpdated dispatches only when the status actually changed
// into a failing or at-risk state.
func (p *Processor) controlStatusUpdated(ctx context.Context, ev DatabaseEvent) (EventOutcome, error) {
	next := metaString(ev.Metadata, "newStatus")
	prev := metaString(ev.Metadata, "previousStatus")
	if err := p.refresh(ctx, ev.OrganizationID); err != nil {
		return EventOutcome{}, err
	}
	if next == prev {
		return EventOutcome{Triggered: false}, nil
	}

	var typ TriggerType
	switch next {
	case "non_compliant":
		typ = TriggerControlFailed
	case "at_risk":
		typ = TriggerControlIncomplete
	default:
		return EventOutcome{Triggered: false}, nil
	}
	res := p.engine.Process(ctx, TriggerEvent{
		Type:           typ,
		OrganizationID: ev.OrganizationID,
		EntityID:       ev.EntityID,
		EntityType:     "control",
		Metadata: map[string]any{
			"controlId":      ev.EntityID,
			"status":         next,
			"previousStatus": prev,
		},
		TriggeredAt: p.now().UTC(),
	})
	return EventOutcome{Triggered: true, Result: &res}, nil
}

func (p *Processor) taskCompleted(ctx context.Context, ev DatabaseEvent) (EventOutcome, error) {
	if err := p.refresh(ctx, ev.OrganizationID); err != nil {
		return EventOutcome{}, err
	}
	task, err := p.store.Task(ctx, ev.OrganizationID, ev.EntityID)
	if errors.Is(err, ErrNotFound) {
		return EventOutcome{Triggered: false}, nil
	}
	if err != nil {
		return EventOutcome{}, fmt.Errorf("load task: %w", err)
	}

	if task.IsRecurring && task.RecurrenceDays > 0 {
		base := p.now().UTC()
		if task.DueDate != nil {
			base = *task.DueDate
		}
		next := base.Add(time.Duration(task.RecurrenceDays) * 24 * time.Hour)
		if _, err := p.store.CreateTask(ctx, Task{
			OrganizationID: ev.OrganizationID,
			Title:          task.Title,
			Description:    task.Description,
			Priority:       task.Priority,
			Status:         TaskPending,
			DueDate:        &next,
			AssignedTo:     task.AssignedTo,
			LinkedPolicyID: task.LinkedPolicyID,
			LinkedAssetID:  task.LinkedAssetID,
			IsRecurring:    true,
			RecurrenceDays: task.RecurrenceDays,
			EntityID:       task.EntityID,
		}); err != nil {
			return EventOutcome{}, fmt.Errorf("create next occurrence: %w", err)
		}
		obs.Info("recurring_task_generated", map[string]any{"org_id": ev.OrganizationID, "title": task.Title})
	}

	if task.LinkedPolicyID != "" && strings.Contains(task.Title, "Review Policy") {
		policy, err := p.store.Policy(ctx, ev.OrganizationID, task.LinkedPolicyID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return EventOutcome{}, fmt.Errorf("load linked policy: %w", err)
		default:
			if err := p.store.TouchPolicy(ctx, ev.OrganizationID, policy.ID, p.now().UTC()); err != nil {
				return EventOutcome{}, fmt.Errorf("touch policy: %w", err)
			}
		}
	}
	return EventOutcome{Triggered: true}, nil
}

// MonitorScoreChange fires risk_score_change when the stored risk tier
// differs from previous. It is a no-op without a previous tier or a stored row.
func (p *Processor) MonitorScoreChange(ctx context.Context, orgID string, previous compliance.RiskLevel) (*Result, error) {
	if previous == "" {
		return nil, nil
	}
	current, err := p.scorer.Current(ctx, orgID)
	if errors.Is(err, compliance.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	risk := current.RiskLevel()
	if risk == previous {
		return nil, nil
	}
	res := p.engine.Process(ctx, TriggerEvent{
		Type:           TriggerRiskScoreChange,
		OrganizationID: orgID,
		Metadata: map[string]any{
			"previousRisk": string(previous),
			"newRisk":      string(risk),
			"score":        current.Score,
		},
		TriggeredAt: p.now().UTC(),
	})
	return &res, nil
}
