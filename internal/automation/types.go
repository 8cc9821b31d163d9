// Package automation turns compliance events into remediation tasks and
// notifications and keeps the organization's compliance score current.
package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownTrigger    = errors.New("unknown trigger type")
	ErrUnknownEvent      = errors.New("unknown event type")
	ErrUnknownCheck      = errors.New("unknown check type")
	ErrRunInProgress     = errors.New("scheduled run already in progress")
	ErrUnknownDeadLetter = errors.New("unknown dead letter source")
)

// MaxTriggerDepth caps chained trigger processing.
const MaxTriggerDepth = 5

type TriggerType string

const (
	TriggerEvidenceExpiry        TriggerType = "evidence_expiry"
	TriggerPolicyReviewDue       TriggerType = "policy_review_due"
	TriggerControlFailed         TriggerType = "control_failed"
	TriggerControlIncomplete     TriggerType = "control_incomplete"
	TriggerOrgOnboarding         TriggerType = "org_onboarding"
	TriggerRiskScoreChange       TriggerType = "risk_score_change"
	TriggerTaskOverdue           TriggerType = "task_overdue"
	TriggerCertificationExpiring TriggerType = "certification_expiring"
)

// AllTriggerTypes lists every trigger the engine dispatches.
var AllTriggerTypes = []TriggerType{
	TriggerEvidenceExpiry,
	TriggerPolicyReviewDue,
	TriggerControlFailed,
	TriggerControlIncomplete,
	TriggerOrgOnboarding,
	TriggerRiskScoreChange,
	TriggerTaskOverdue,
	TriggerCertificationExpiring,
}

func (t TriggerType) Valid() bool {
	for _, v := range AllTriggerTypes {
		if v == t {
			return true
		}
	}
	return false
}

func ParseTriggerType(s string) (TriggerType, error) {
	t := TriggerType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrigger, s)
	}
	return t, nil
}

type TriggerEvent struct {
	Type           TriggerType    `json:"type"`
	OrganizationID string         `json:"organizationId"`
	EntityID       string         `json:"entityId,omitempty"`
	EntityType     string         `json:"entityType,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	TriggeredAt    time.Time      `json:"triggeredAt"`
}

// Result summarizes what one trigger did. Failures never escape as errors;
// they are collected in Errors.
type Result struct {
	TasksCreated      int      `json:"tasksCreated"`
	NotificationsSent int      `json:"notificationsSent"`
	WorkflowsExecuted int      `json:"workflowsExecuted"`
	Errors            []string `json:"errors"`
}

func (r *Result) addError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

func (r *Result) addErrorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Failed reports whether any step of the trigger recorded an error.
func (r Result) Failed() bool { return len(r.Errors) > 0 }

// Merge folds another result into r.
func (r *Result) Merge(o Result) {
	r.TasksCreated += o.TasksCreated
	r.NotificationsSent += o.NotificationsSent
	r.WorkflowsExecuted += o.WorkflowsExecuted
	r.Errors = append(r.Errors, o.Errors...)
}

type EventType string

const (
	EventEvidenceUploaded      EventType = "evidence_uploaded"
	EventEvidenceVerified      EventType = "evidence_verified"
	EventEvidenceRejected      EventType = "evidence_rejected"
	EventControlStatusUpdated  EventType = "control_status_updated"
	EventTaskCompleted         EventType = "task_completed"
	EventTaskCreated           EventType = "task_created"
	EventSubscriptionActivated EventType = "subscription_activated"
	EventOnboardingCompleted   EventType = "onboarding_completed"
	EventPolicyStatusUpdated   EventType = "policy_status_updated"
)

var AllEventTypes = []EventType{
	EventEvidenceUploaded,
	EventEvidenceVerified,
	EventEvidenceRejected,
	EventControlStatusUpdated,
	EventTaskCompleted,
	EventTaskCreated,
	EventSubscriptionActivated,
	EventOnboardingCompleted,
	EventPolicyStatusUpdated,
}

func (t EventType) Valid() bool {
	for _, v := range AllEventTypes {
		if v == t {
			return true
		}
	}
	return false
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return t, nil
}

type DatabaseEvent struct {
	Type           EventType      `json:"type"`
	OrganizationID string         `json:"organizationId"`
	EntityID       string         `json:"entityId"`
	EntityType     string         `json:"entityType"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

type EventOutcome struct {
	Triggered bool    `json:"triggered"`
	Result    *Result `json:"result,omitempty"`
}

// Member roles used for notification fan-out.
const (
	RoleOwner             = "owner"
	RoleAdmin             = "admin"
	RoleComplianceOfficer = "compliance_officer"
)

// Task priorities and statuses.
const (
	PriorityStandard = "standard"
	PriorityHigh     = "high"
	PriorityCritical = "critical"

	TaskPending   = "pending"
	TaskCompleted = "completed"
)

type Task struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	AssignedTo     string     `json:"assignedTo,omitempty"`
	LinkedPolicyID string     `json:"linkedPolicyId,omitempty"`
	LinkedAssetID  string     `json:"linkedAssetId,omitempty"`
	IsRecurring    bool       `json:"isRecurring"`
	RecurrenceDays int        `json:"recurrenceDays,omitempty"`
	EntityID       string     `json:"entityId,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	EscalationSent bool       `json:"escalationSent"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type Notification struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	UserID         string         `json:"userId"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type Evidence struct {
	ID                 string    `json:"id"`
	OrganizationID     string    `json:"organizationId"`
	FileName           string    `json:"fileName"`
	VerificationStatus string    `json:"verificationStatus,omitempty"`
	TaskID             string    `json:"taskId,omitempty"`
	UploadedBy         string    `json:"uploadedBy,omitempty"`
	RenewalTaskCreated bool      `json:"renewalTaskCreated"`
	CreatedAt          time.Time `json:"createdAt"`
}

type Policy struct {
	ID                string     `json:"id"`
	OrganizationID    string     `json:"organizationId"`
	Title             string     `json:"title"`
	Status            string     `json:"status"`
	LastUpdatedAt     *time.Time `json:"lastUpdatedAt,omitempty"`
	ReviewTaskCreated bool       `json:"reviewTaskCreated"`
}

type Control struct {
	ID    string `json:"id"`
	Code  string `json:"code,omitempty"`
	Title string `json:"title"`
}

type Certification struct {
	ID                 string    `json:"id"`
	OrganizationID     string    `json:"organizationId"`
	FrameworkID        string    `json:"frameworkId,omitempty"`
	Status             string    `json:"status"`
	IssuedAt           time.Time `json:"issuedAt"`
	RenewalTaskCreated bool      `json:"renewalTaskCreated"`
}

type Member struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type AuditEvent struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	ActorUserID    string         `json:"actorUserId,omitempty"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	ActionType     string         `json:"actionType"`
	AfterState     map[string]any `json:"afterState,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
