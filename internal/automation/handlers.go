package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"formaos.app/internal/compliance"
)

var (
	rolesCompliance = []string{RoleOwner, RoleAdmin, RoleComplianceOfficer}
	rolesEscalation = []string{RoleOwner, RoleAdmin}
)

func lookupErr(err error, missing failure) error {
	if errors.Is(err, ErrNotFound) {
		return missing
	}
	return err
}

func (e *Engine) handleEvidenceExpiry(ctx context.Context, ev TriggerEvent, res *Result) error {
	evidenceID := metaString(ev.Metadata, "evidenceId")
	if evidenceID == "" {
		return errEvidenceIDMissing
	}
	evidence, err := e.store.Evidence(ctx, ev.OrganizationID, evidenceID)
	if err != nil {
		return lookupErr(err, errEvidenceNotFound)
	}

	var linkedPolicy string
	if evidence.TaskID != "" {
		if linked, err := e.store.Task(ctx, ev.OrganizationID, evidence.TaskID); err == nil {
			linkedPolicy = linked.LinkedPolicyID
		}
	}

	task, err := e.createTask(ctx, ev, res, Task{
		Title:          "Renew Evidence: " + evidence.FileName,
		Description:    fmt.Sprintf("Evidence %q has expired and needs to be renewed.", evidence.FileName),
		Priority:       PriorityHigh,
		DueDate:        e.dueIn(7),
		LinkedPolicyID: linkedPolicy,
	})
	if err != nil {
		return fmt.Errorf("Failed to create renewal task: %w", err)
	}

	e.notifyRoles(ctx, ev, res, rolesCompliance, Notification{
		Type:     "EVIDENCE_EXPIRED",
		Title:    "Evidence Renewal Required",
		Message:  fmt.Sprintf("Evidence %q has expired. A renewal task has been created.", evidence.FileName),
		Metadata: map[string]any{"evidenceId": evidenceID, "taskId": task.ID},
	})
	return nil
}

func (e *Engine) handlePolicyReviewDue(ctx context.Context, ev TriggerEvent, res *Result) error {
	policyID := metaString(ev.Metadata, "policyId")
	if policyID == "" {
		return errPolicyIDMissing
	}
	policy, err := e.store.Policy(ctx, ev.OrganizationID, policyID)
	if err != nil {
		return lookupErr(err, errPolicyNotFound)
	}

	task, err := e.createTask(ctx, ev, res, Task{
		Title:          "Review Policy: " + policy.Title,
		Description:    fmt.Sprintf("Policy %q is due for scheduled review.", policy.Title),
		Priority:       PriorityStandard,
		DueDate:        e.dueIn(14),
		LinkedPolicyID: policyID,
	})
	if err != nil {
		return fmt.Errorf("Failed to create review task: %w", err)
	}

	e.notifyRoles(ctx, ev, res, rolesCompliance, Notification{
		Type:     "POLICY_REVIEW_DUE",
		Title:    "Policy Review Required",
		Message:  fmt.Sprintf("Policy %q is due for review. A review task has been created.", policy.Title),
		Metadata: map[string]any{"policyId": policyID, "taskId": task.ID},
	})
	return nil
}

func (e *Engine) handleControlIssue(ctx context.Context, ev TriggerEvent, res *Result) error {
	controlID := metaString(ev.Metadata, "controlId")
	if controlID == "" {
		return errControlIDMissing
	}
	control, err := e.store.Control(ctx, ev.OrganizationID, controlID)
	if err != nil {
		return lookupErr(err, errControlNotFound)
	}

	failed := ev.Type == TriggerControlFailed
	plan := struct {
		prefix, describe, short, notifType, notifTitle, priority string
		days                                                     int
		roles                                                    []string
	}{
		prefix:     "Complete Control",
		describe:   "is incomplete and needs to be addressed",
		short:      "is incomplete",
		notifType:  "CONTROL_INCOMPLETE",
		notifTitle: "Control Incomplete",
		priority:   PriorityHigh,
		days:       7,
		roles:      rolesCompliance,
	}
	if failed {
		plan.prefix = "Fix Failed Control"
		plan.describe = "has failed and requires immediate attention"
		plan.short = "has failed"
		plan.notifType = "CONTROL_FAILED"
		plan.notifTitle = "Critical Control Failure"
		plan.priority = PriorityCritical
		plan.days = 2
		plan.roles = rolesEscalation
	}

	task, err := e.createTask(ctx, ev, res, Task{
		Title:       fmt.Sprintf("%s: %s", plan.prefix, control.Title),
		Description: fmt.Sprintf("Control %q %s.", control.Title, plan.describe),
		Priority:    plan.priority,
		DueDate:     e.dueIn(plan.days),
	})
	if err != nil {
		return fmt.Errorf("Failed to create remediation task: %w", err)
	}

	e.notifyRoles(ctx, ev, res, plan.roles, Notification{
		Type:    plan.notifType,
		Title:   plan.notifTitle,
		Message: fmt.Sprintf("Control %q %s. A remediation task has been created.", control.Title, plan.short),
		Metadata: map[string]any{
			"controlId": controlID,
			"taskId":    task.ID,
			"status":    metaString(ev.Metadata, "status"),
		},
	})
	return nil
}

type onboardingTask struct {
	title, description, priority string
	days                         int
}

var onboardingTasks = []onboardingTask{
	{"Complete Organization Profile", "Fill in your organization details including industry, team size, and frameworks.", PriorityHigh, 3},
	{"Review Pre-loaded Policies", "Review and approve the policies that were pre-loaded for your industry.", PriorityStandard, 7},
	{"Invite Team Members", "Invite your compliance and operations team members to collaborate.", PriorityStandard, 5},
	{"Upload Initial Evidence", "Upload your existing compliance evidence and documentation.", PriorityStandard, 14},
}

func (e *Engine) handleOrgOnboarding(ctx context.Context, ev TriggerEvent, res *Result) error {
	for _, ot := range onboardingTasks {
		if _, err := e.createTask(ctx, ev, res, Task{
			Title:       ot.title,
			Description: ot.description,
			Priority:    ot.priority,
			DueDate:     e.dueIn(ot.days),
		}); err != nil {
			res.addErrorf("Failed to create onboarding task: %v", err)
		}
	}

	owners, err := e.store.MembersByRole(ctx, ev.OrganizationID, RoleOwner)
	if err != nil {
		res.addErrorf("Failed to load members: %v", err)
		return nil
	}
	if len(owners) == 0 {
		return nil
	}
	e.notifyUser(ctx, ev, res, owners[0].UserID, Notification{
		Type:     "ONBOARDING_STARTED",
		Title:    "Welcome to FormaOS!",
		Message:  "Your onboarding tasks are ready. Complete them to get started with compliance automation.",
		Metadata: map[string]any{"tasksCreated": res.TasksCreated},
	})
	return nil
}

// handleRiskScoreChange alerts only when the risk tier got worse.
func (e *Engine) handleRiskScoreChange(ctx context.Context, ev TriggerEvent, res *Result) error {
	prev := compliance.RiskLevel(metaString(ev.Metadata, "previousRisk"))
	next := compliance.RiskLevel(metaString(ev.Metadata, "newRisk"))
	if !prev.Valid() || !next.Valid() {
		return errRiskDataMissing
	}
	if next.Rank() <= prev.Rank() {
		return nil
	}
	score := metaString(ev.Metadata, "score")
	upper := strings.ToUpper(string(next))

	if next == compliance.RiskHigh || next == compliance.RiskCritical {
		title, priority, days := "Address Compliance Risk", PriorityHigh, 3
		if next == compliance.RiskCritical {
			title, priority, days = "URGENT: Address Compliance Risk", PriorityCritical, 1
		}
		if _, err := e.createTask(ctx, ev, res, Task{
			Title:       title,
			Description: fmt.Sprintf("Your compliance risk level has increased to %s (score: %s). Immediate action is required to address compliance gaps.", upper, score),
			Priority:    priority,
			DueDate:     e.dueIn(days),
		}); err != nil {
			res.addErrorf("Failed to create risk escalation task: %v", err)
		}
	}

	e.notifyRoles(ctx, ev, res, rolesEscalation, Notification{
		Type:    "RISK_SCORE_CHANGE",
		Title:   "Compliance Risk Elevated to " + upper,
		Message: fmt.Sprintf("Your organization's compliance risk level has increased from %s to %s. Score: %s", prev, next, score),
		Metadata: map[string]any{
			"previousRisk": string(prev),
			"newRisk":      string(next),
			"score":        ev.Metadata["score"],
		},
	})
	return nil
}

func (e *Engine) handleTaskOverdue(ctx context.Context, ev TriggerEvent, res *Result) error {
	taskID := metaString(ev.Metadata, "taskId")
	if taskID == "" {
		return errTaskIDMissing
	}
	task, err := e.store.Task(ctx, ev.OrganizationID, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status == TaskCompleted {
		return nil
	}

	daysOverdue := 0
	if task.DueDate != nil {
		daysOverdue = floorDays(e.now().Sub(*task.DueDate))
	}
	escalate := daysOverdue >= 3 || task.Priority == PriorityCritical

	overdue := Notification{
		Type:     "TASK_OVERDUE",
		Title:    "Task Overdue",
		Message:  fmt.Sprintf("Task %q is %d day(s) overdue.", task.Title, daysOverdue),
		Metadata: map[string]any{"taskId": taskID, "daysOverdue": daysOverdue},
	}
	switch {
	case task.AssignedTo != "":
		e.notifyUser(ctx, ev, res, task.AssignedTo, overdue)
	case !escalate:
		// nobody owns the task, so the compliance team hears about it
		e.notifyRoles(ctx, ev, res, rolesCompliance, overdue)
	}

	if escalate {
		e.notifyRoles(ctx, ev, res, rolesEscalation, Notification{
			Type:    "TASK_OVERDUE_ESCALATED",
			Title:   "Overdue Task Escalation",
			Message: fmt.Sprintf("Critical task %q is %d day(s) overdue and requires immediate attention.", task.Title, daysOverdue),
			Metadata: map[string]any{
				"taskId":      taskID,
				"daysOverdue": daysOverdue,
				"priority":    task.Priority,
			},
		})
	}
	return nil
}

func (e *Engine) handleCertificationExpiring(ctx context.Context, ev TriggerEvent, res *Result) error {
	certID := metaString(ev.Metadata, "certificationId")
	if certID == "" {
		return errCertificationIDMissing
	}
	days, ok := metaInt(ev.Metadata, "daysUntilExpiry")
	if !ok {
		days = 30
	}
	if _, err := e.store.Certification(ctx, ev.OrganizationID, certID); err != nil {
		return lookupErr(err, errCertificationNotFound)
	}

	priority := PriorityStandard
	if days <= 7 {
		priority = PriorityHigh
	}
	task, err := e.createTask(ctx, ev, res, Task{
		Title:       "Renew Certification",
		Description: fmt.Sprintf("Certification expires in %d days. Begin renewal process.", days),
		Priority:    priority,
		DueDate:     e.dueIn(max(days-7, 1)),
	})
	if err != nil {
		return fmt.Errorf("Failed to create renewal task: %w", err)
	}

	e.notifyRoles(ctx, ev, res, rolesCompliance, Notification{
		Type:    "CERTIFICATION_EXPIRING",
		Title:   "Certification Renewal Required",
		Message: fmt.Sprintf("A certification expires in %d days. Renewal task has been created.", days),
		Metadata: map[string]any{
			"certificationId": certID,
			"taskId":          task.ID,
			"daysUntilExpiry": days,
		},
	})
	return nil
}
