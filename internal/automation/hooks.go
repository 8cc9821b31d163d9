package automation

import (
	"context"
	"fmt"
	"time"

	"formaos.app/internal/obs"
)

// Outcome is what a hook reports back to the code that performed the
// primary write. Err is informational; the primary action already succeeded.
type Outcome struct {
	Triggered bool
	Result    *Result
	Err       error
}

// Hooks are the entry points application code calls after a write.
type Hooks struct {
	processor *Processor
	sink      DeadLetterSink
	timeout   time.Duration
}

func NewHooks(processor *Processor, sink DeadLetterSink) *Hooks {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Hooks{processor: processor, sink: sink, timeout: 30 * time.Second}
}

// Emit processes ev and never panics. Failures are logged and recorded in the
// dead-letter sink.
func (h *Hooks) Emit(ctx context.Context, ev DatabaseEvent) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("automation hook panic: %v", r)}
			h.deadLetter(ctx, ev, out.Err)
		}
	}()

	res, err := h.processor.Process(ctx, ev)
	if err != nil {
		h.deadLetter(ctx, ev, err)
		return Outcome{Err: err}
	}
	if res.Result != nil && res.Result.Failed() {
		obs.Warn("automation_hook_partial", map[string]any{
			"event_type": ev.Type,
			"org_id":     ev.OrganizationID,
			"errors":     res.Result.Errors,
		})
	}
	return Outcome{Triggered: res.Triggered, Result: res.Result}
}

// EmitAsync runs Emit in the background, detached from the caller's
// cancellation, so the request that made the write can return immediately.
func (h *Hooks) EmitAsync(ctx context.Context, ev DatabaseEvent) <-chan Outcome {
	done := make(chan Outcome, 1)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	go func() {
		defer cancel()
		done <- h.Emit(bg, ev)
	}()
	return done
}

func (h *Hooks) deadLetter(ctx context.Context, ev DatabaseEvent, cause error) {
	obs.Error("automation_hook_failed", map[string]any{
		"event_type": ev.Type,
		"org_id":     ev.OrganizationID,
		"entity_id":  ev.EntityID,
		"err":        cause,
	})
	dl, err := EventDeadLetter(ev, cause)
	if err == nil {
		err = h.sink.Record(ctx, dl)
	}
	if err != nil {
		obs.Error("automation_dead_letter_failed", map[string]any{"org_id": ev.OrganizationID, "err": err})
	}
}

func (h *Hooks) EvidenceUploaded(ctx context.Context, orgID, evidenceID string) Outcome {
	return h.Emit(ctx, DatabaseEvent{
		Type:           EventEvidenceUploaded,
		OrganizationID: orgID,
		EntityID:       evidenceID,
		EntityType:     "evidence",
	})
}

func (h *Hooks) EvidenceReviewed(ctx context.Context, orgID, evidenceID string, verified bool) Outcome {
	typ := EventEvidenceRejected
	if verified {
		typ = EventEvidenceVerified
	}
	return h.Emit(ctx, DatabaseEvent{
		Type:           typ,
		OrganizationID: orgID,
		EntityID:       evidenceID,
		EntityType:     "evidence",
	})
}

func (h *Hooks) ControlStatusChanged(ctx context.Context, orgID, controlID, newStatus, previousStatus string) Outcome {
	return h.Emit(ctx, DatabaseEvent{
		Type:           EventControlStatusUpdated,
		OrganizationID: orgID,
		EntityID:       controlID,
		EntityType:     "control",
		Metadata: map[string]any{
			"newStatus":      newStatus,
			"previousStatus": previousStatus,
		},
	})
}

func (h *Hooks) TaskCompleted(ctx context.Context, orgID, taskID string) Outcome {
	return h.Emit(ctx, DatabaseEvent{
		Type:           EventTaskCompleted,
		OrganizationID: orgID,
		EntityID:       taskID,
		EntityType:     "task",
	})
}

func (h *Hooks) TaskCreated(ctx context.Context, orgID, taskID string) Outcome {
	return h.Emit(ctx, DatabaseEvent{
		Type:           EventTaskCreated,
		OrganizationID: orgID,
		EntityID:       taskID,
		EntityType:     "task",
	})
}

func (h *Hooks) OnboardingCompleted(ctx context.Context, orgID string) Outcome {
	return h.Emit(ctx, DatabaseEvent{
		Type:           EventOnboardingCompleted,
		OrganizationID: orgID,
		EntityID:       orgID,
		EntityType:     "organization",
	})
}

func (h *Hooks) PolicyStatusChanged(ctx context.Context, orgID, policyID, status string) Outcome {
	return h.Emit(ctx, DatabaseEvent{
		Type:           EventPolicyStatusUpdated,
		OrganizationID: orgID,
		EntityID:       policyID,
		EntityType:     "policy",
		Metadata:       map[string]any{"status": status},
	})
}
