package controlplane

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// InputError carries a user-facing validation message and matches ErrInvalidInput.
type InputError struct {
	Message string
}

func (e *InputError) Error() string        { return e.Message }
func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

func invalid(msg string) error { return &InputError{Message: msg} }

type Environment string

const (
	Production  Environment = "production"
	Preview     Environment = "preview"
	Development Environment = "development"

	DefaultEnvironment = Production
)

// ResolveEnvironment maps unknown or empty values to DefaultEnvironment.
func ResolveEnvironment(v string) Environment {
	switch e := Environment(v); e {
	case Production, Preview, Development:
		return e
	}
	return DefaultEnvironment
}

type ScopeType string

const (
	ScopeGlobal       ScopeType = "global"
	ScopeOrganization ScopeType = "organization"
	ScopeUser         ScopeType = "user"
)

type FeatureFlag struct {
	ID                string         `json:"id"`
	FlagKey           string         `json:"flag_key"`
	Description       string         `json:"description,omitempty"`
	Environment       Environment    `json:"environment"`
	ScopeType         ScopeType      `json:"scope_type"`
	ScopeID           string         `json:"scope_id,omitempty"`
	Enabled           bool           `json:"enabled"`
	KillSwitch        bool           `json:"kill_switch"`
	RolloutPercentage int            `json:"rollout_percentage"`
	Variants          map[string]int `json:"variants"`
	DefaultVariant    string         `json:"default_variant,omitempty"`
	StartAt           *time.Time     `json:"start_at,omitempty"`
	EndAt             *time.Time     `json:"end_at,omitempty"`
	IsPublic          bool           `json:"is_public"`
	CreatedBy         string         `json:"created_by,omitempty"`
	UpdatedBy         string         `json:"updated_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type MarketingConfig struct {
	ID          string      `json:"id"`
	Environment Environment `json:"environment"`
	Section     string      `json:"section"`
	ConfigKey   string      `json:"config_key"`
	Value       any         `json:"value"`
	Description string      `json:"description,omitempty"`
	CreatedBy   string      `json:"created_by,omitempty"`
	UpdatedBy   string      `json:"updated_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type SystemSetting struct {
	ID          string      `json:"id"`
	Environment Environment `json:"environment"`
	Category    string      `json:"category"`
	SettingKey  string      `json:"setting_key"`
	Value       any         `json:"value"`
	Description string      `json:"description,omitempty"`
	CreatedBy   string      `json:"created_by,omitempty"`
	UpdatedBy   string      `json:"updated_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type IntegrationLog struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// IntegrationControl is materialized from system settings in the integrations category.
type IntegrationControl struct {
	Enabled          bool             `json:"enabled"`
	ConnectionStatus string           `json:"connection_status"`
	LastSyncAt       *time.Time       `json:"last_sync_at"`
	LastError        *string          `json:"last_error"`
	ErrorLogs        []IntegrationLog `json:"error_logs"`
	Scopes           []string         `json:"scopes"`
	EnabledScopes    []string         `json:"enabled_scopes"`
	RetryRequestedAt *time.Time       `json:"retry_requested_at"`
}

type Integration struct {
	Key   string             `json:"key"`
	Value IntegrationControl `json:"value"`
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type JobType string

const (
	JobRunCleanup            JobType = "run_cleanup"
	JobRebuildSearchIndex    JobType = "rebuild_search_index"
	JobRecomputeScores       JobType = "recompute_scores"
	JobFlushCache            JobType = "flush_cache"
	JobRegenerateTrustPacket JobType = "regenerate_trust_packet"
	JobReplayDeadLetters     JobType = "replay_dead_letters"
)

var AllJobTypes = []JobType{
	JobRunCleanup,
	JobRebuildSearchIndex,
	JobRecomputeScores,
	JobFlushCache,
	JobRegenerateTrustPacket,
	JobReplayDeadLetters,
}

func (t JobType) Valid() bool {
	for _, v := range AllJobTypes {
		if v == t {
			return true
		}
	}
	return false
}

type JobLog struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

type AdminJob struct {
	ID           string         `json:"id"`
	JobType      JobType        `json:"job_type"`
	Status       JobStatus      `json:"status"`
	Payload      map[string]any `json:"payload"`
	Progress     int            `json:"progress"`
	Logs         []JobLog       `json:"logs"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RequestedBy  string         `json:"requested_by,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type AuditRecord struct {
	ID          string         `json:"id"`
	ActorUserID string         `json:"actor_user_id,omitempty"`
	EventType   string         `json:"event_type"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id,omitempty"`
	Environment Environment    `json:"environment"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

type QueueCounts struct {
	Queued           int `json:"queued"`
	Running          int `json:"running"`
	Failed           int `json:"failed"`
	SucceededLast24h int `json:"succeededLast24h"`
}

type Health struct {
	DatabaseLatencyMs int64       `json:"databaseLatencyMs"`
	APIHealthy        bool        `json:"apiHealthy"`
	Queue             QueueCounts `json:"queue"`
}

type AdminSnapshot struct {
	Environment     Environment       `json:"environment"`
	RuntimeVersion  string            `json:"runtimeVersion"`
	FeatureFlags    []FeatureFlag     `json:"featureFlags"`
	MarketingConfig []MarketingConfig `json:"marketingConfig"`
	SystemSettings  []SystemSetting   `json:"systemSettings"`
	Integrations    []Integration     `json:"integrations"`
	Jobs            []AdminJob        `json:"jobs"`
	Audit           []AuditRecord     `json:"audit"`
	Health          Health            `json:"health"`
}

type OpsConfig struct {
	MaintenanceMode     bool    `json:"maintenanceMode"`
	ReadOnlyMode        bool    `json:"readOnlyMode"`
	EmergencyLockdown   bool    `json:"emergencyLockdown"`
	RateLimitMultiplier float64 `json:"rateLimitMultiplier"`
}

// FlagContext identifies the subject a flag is evaluated for.
type FlagContext struct {
	UserID string
	OrgID  string
}

type FlagDecision struct {
	Enabled bool      `json:"enabled"`
	Variant string    `json:"variant,omitempty"`
	Reason  string    `json:"reason"`
	Source  ScopeType `json:"source,omitempty"`
}

type RuntimeSnapshot struct {
	Version        string                  `json:"version"`
	Environment    Environment             `json:"environment"`
	EvaluationMode ScopeType               `json:"evaluationMode"`
	Ops            OpsConfig               `json:"ops"`
	Marketing      map[string]any          `json:"marketing"`
	FeatureFlags   map[string]FlagDecision `json:"featureFlags"`
	GeneratedAt    time.Time               `json:"generatedAt"`
}

// VersionEvent is published whenever an environment's runtime version changes.
type VersionEvent struct {
	Environment Environment `json:"environment"`
	Version     string      `json:"version"`
	At          time.Time   `json:"at"`
}

// ActionResult mirrors the JSON body returned for a successful action.
type ActionResult struct {
	OK                 bool             `json:"ok"`
	FeatureFlag        *FeatureFlag     `json:"featureFlag,omitempty"`
	MarketingConfig    *MarketingConfig `json:"marketingConfig,omitempty"`
	SystemSetting      *SystemSetting   `json:"systemSetting,omitempty"`
	IntegrationSetting *SystemSetting   `json:"integrationSetting,omitempty"`
	Job                *AdminJob        `json:"job,omitempty"`
}
