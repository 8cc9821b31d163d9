package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"formaos.app/internal/ids"
)

const (
	ActionSetFeatureFlag        = "set_feature_flag"
	ActionSetMarketingConfig    = "set_marketing_config"
	ActionSetSystemSetting      = "set_system_setting"
	ActionSetIntegrationControl = "set_integration_control"
	ActionRetryIntegration      = "retry_integration"
	ActionEnqueueJob            = "enqueue_job"
	ActionRunJob                = "run_job"

	maxIntegrationLogs = 20
	retryLogMessage    = "Manual retry requested from Admin Control Plane"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type featureFlagInput struct {
	FlagKey           string         `json:"flagKey" validate:"required"`
	ScopeType         string         `json:"scopeType" validate:"oneof=global organization user"`
	ScopeID           string         `json:"scopeId" validate:"required_unless=ScopeType global"`
	Enabled           bool           `json:"enabled"`
	KillSwitch        bool           `json:"killSwitch"`
	RolloutPercentage *float64       `json:"rolloutPercentage"`
	Variants          map[string]int `json:"variants"`
	DefaultVariant    string         `json:"defaultVariant"`
	Description       string         `json:"description"`
	IsPublic          *bool          `json:"isPublic"`
	StartAt           *time.Time     `json:"startAt"`
	EndAt             *time.Time     `json:"endAt"`
}

type marketingInput struct {
	Section     string `json:"section" validate:"required"`
	ConfigKey   string `json:"configKey" validate:"required"`
	Value       any    `json:"value"`
	Description string `json:"description"`
}

type systemSettingInput struct {
	Category    string `json:"category" validate:"required"`
	SettingKey  string `json:"settingKey" validate:"required"`
	Value       any    `json:"value"`
	Description string `json:"description"`
	EventType   string `json:"eventType"`
}

type integrationInput struct {
	IntegrationKey string         `json:"integrationKey" validate:"required"`
	Value          map[string]any `json:"value"`
}

type enqueueJobInput struct {
	JobType string         `json:"jobType" validate:"required"`
	Payload map[string]any `json:"payload"`
}

type runJobInput struct {
	JobID string `json:"jobId" validate:"required"`
}

// fieldMessages maps a failing struct field to the message returned to callers.
var fieldMessages = map[string]string{
	"FlagKey":        "flagKey is required",
	"ScopeType":      "scopeType must be global, organization, or user",
	"ScopeID":        "scopeId is required for organization and user scopes",
	"Section":        "section and configKey are required",
	"ConfigKey":      "section and configKey are required",
	"Category":       "category and settingKey are required",
	"SettingKey":     "category and settingKey are required",
	"IntegrationKey": "integrationKey is required",
	"JobType":        "jobType is required",
	"JobID":          "jobId is required",
}

// bind decodes a loosely typed payload into dst, trims its strings and validates it.
func bind(payload map[string]any, dst any, trim func()) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return invalid("invalid payload")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return invalid(fmt.Sprintf("invalid payload: %v", err))
	}
	if trim != nil {
		trim()
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			if msg, ok := fieldMessages[verrs[0].StructField()]; ok {
				return invalid(msg)
			}
			return invalid(verrs[0].Error())
		}
		return invalid(err.Error())
	}
	return nil
}

// withoutBlank copies payload without the named keys when they hold blank strings.
func withoutBlank(payload map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, k := range keys {
		if s, ok := out[k].(string); ok && strings.TrimSpace(s) == "" {
			delete(out, k)
		}
	}
	return out
}

// Apply runs one control-plane action on behalf of actor. Validation failures
// match ErrInvalidInput. Every successful action is recorded as a
// control_plane.action audit row.
func (s *Service) Apply(ctx context.Context, actor string, env Environment, action string, payload map[string]any) (ActionResult, error) {
	env = ResolveEnvironment(string(env))
	action = strings.TrimSpace(action)
	if action == "" {
		return ActionResult{}, invalid("action is required")
	}

	var (
		res ActionResult
		err error
	)
	switch action {
	case ActionSetFeatureFlag:
		res, err = s.applyFeatureFlag(ctx, actor, env, payload)
	case ActionSetMarketingConfig:
		res, err = s.applyMarketingConfig(ctx, actor, env, payload)
	case ActionSetSystemSetting:
		res, err = s.applySystemSetting(ctx, actor, env, payload)
	case ActionSetIntegrationControl:
		res, err = s.applyIntegrationControl(ctx, actor, env, payload)
	case ActionRetryIntegration:
		res, err = s.applyRetryIntegration(ctx, actor, env, payload)
	case ActionEnqueueJob:
		res, err = s.applyEnqueueJob(ctx, actor, env, payload)
	case ActionRunJob:
		res, err = s.applyRunJob(ctx, env, payload)
	default:
		return ActionResult{}, invalid("Unknown action: " + action)
	}
	if err != nil {
		return ActionResult{}, err
	}

	if err := s.writeAudit(ctx, AuditRecord{
		ActorUserID: actor,
		Environment: env,
		EventType:   "control_plane.action",
		TargetType:  "control_plane",
		TargetID:    action,
		Metadata:    map[string]any{"action": action},
	}); err != nil {
		return ActionResult{}, err
	}
	res.OK = true
	return res, nil
}

func (s *Service) applyFeatureFlag(ctx context.Context, actor string, env Environment, payload map[string]any) (ActionResult, error) {
	var in featureFlagInput
	err := bind(withoutBlank(payload, "startAt", "endAt"), &in, func() {
		in.FlagKey = strings.TrimSpace(in.FlagKey)
		in.ScopeID = strings.TrimSpace(in.ScopeID)
		in.DefaultVariant = strings.TrimSpace(in.DefaultVariant)
		in.Description = strings.TrimSpace(in.Description)
		if in.ScopeType == "" {
			in.ScopeType = string(ScopeGlobal)
		}
	})
	if err != nil {
		return ActionResult{}, err
	}

	rollout := 100.0
	if in.RolloutPercentage != nil {
		rollout = *in.RolloutPercentage
	}
	flag := FeatureFlag{
		FlagKey:           in.FlagKey,
		Description:       in.Description,
		Environment:       env,
		ScopeType:         ScopeType(in.ScopeType),
		ScopeID:           in.ScopeID,
		Enabled:           in.Enabled,
		KillSwitch:        in.KillSwitch,
		RolloutPercentage: clampRollout(rollout),
		Variants:          in.Variants,
		DefaultVariant:    in.DefaultVariant,
		StartAt:           in.StartAt,
		EndAt:             in.EndAt,
		IsPublic:          in.IsPublic == nil || *in.IsPublic,
	}
	saved, err := s.SetFeatureFlag(ctx, actor, flag)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{FeatureFlag: &saved}, nil
}

// SetFeatureFlag upserts a flag row, audits it and bumps the runtime version.
func (s *Service) SetFeatureFlag(ctx context.Context, actor string, flag FeatureFlag) (FeatureFlag, error) {
	now := s.now()
	if flag.ScopeType == ScopeGlobal {
		flag.ScopeID = ""
	}
	if flag.Variants == nil {
		flag.Variants = map[string]int{}
	}
	flag.ID = ids.NewAt(now)
	flag.CreatedBy, flag.UpdatedBy = actor, actor
	flag.CreatedAt, flag.UpdatedAt = now, now

	saved, err := s.store.UpsertFeatureFlag(ctx, flag)
	if err != nil {
		return FeatureFlag{}, fmt.Errorf("upsert feature flag: %w", err)
	}
	if err := s.writeAudit(ctx, AuditRecord{
		ActorUserID: actor,
		Environment: flag.Environment,
		EventType:   "feature_flag.upsert",
		TargetType:  "feature_flag",
		TargetID:    saved.ID,
		Metadata: map[string]any{
			"flag_key":           flag.FlagKey,
			"scope_type":         string(flag.ScopeType),
			"scope_id":           flag.ScopeID,
			"enabled":            flag.Enabled,
			"kill_switch":        flag.KillSwitch,
			"rollout_percentage": flag.RolloutPercentage,
		},
	}); err != nil {
		return FeatureFlag{}, err
	}
	if _, err := s.touchVersion(ctx, flag.Environment, actor); err != nil {
		return FeatureFlag{}, err
	}
	return saved, nil
}

func (s *Service) applyMarketingConfig(ctx context.Context, actor string, env Environment, payload map[string]any) (ActionResult, error) {
	var in marketingInput
	err := bind(payload, &in, func() {
		in.Section = strings.TrimSpace(in.Section)
		in.ConfigKey = strings.TrimSpace(in.ConfigKey)
		in.Description = strings.TrimSpace(in.Description)
	})
	if err != nil {
		return ActionResult{}, err
	}

	now := s.now()
	saved, err := s.store.UpsertMarketingConfig(ctx, MarketingConfig{
		ID:          ids.NewAt(now),
		Environment: env,
		Section:     in.Section,
		ConfigKey:   in.ConfigKey,
		Value:       in.Value,
		Description: in.Description,
		CreatedBy:   actor,
		UpdatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("upsert marketing config: %w", err)
	}
	if err := s.writeAudit(ctx, AuditRecord{
		ActorUserID: actor,
		Environment: env,
		EventType:   "marketing_config.upsert",
		TargetType:  "marketing_config",
		TargetID:    saved.ID,
		Metadata:    map[string]any{"section": in.Section, "config_key": in.ConfigKey},
	}); err != nil {
		return ActionResult{}, err
	}
	if _, err := s.touchVersion(ctx, env, actor); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{MarketingConfig: &saved}, nil
}

func (s *Service) applySystemSetting(ctx context.Context, actor string, env Environment, payload map[string]any) (ActionResult, error) {
	var in systemSettingInput
	err := bind(payload, &in, func() {
		in.Category = strings.TrimSpace(in.Category)
		in.SettingKey = strings.TrimSpace(in.SettingKey)
		in.Description = strings.TrimSpace(in.Description)
		in.EventType = strings.TrimSpace(in.EventType)
	})
	if err != nil {
		return ActionResult{}, err
	}
	saved, err := s.SetSystemSetting(ctx, actor, env, in.Category, in.SettingKey, in.Value, in.Description, in.EventType)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{SystemSetting: &saved}, nil
}

// SetSystemSetting upserts a setting, audits it under eventType (default
// system_setting.upsert) and bumps the runtime version.
func (s *Service) SetSystemSetting(ctx context.Context, actor string, env Environment, category, key string, value any, description, eventType string) (SystemSetting, error) {
	now := s.now()
	saved, err := s.store.UpsertSystemSetting(ctx, SystemSetting{
		ID:          ids.NewAt(now),
		Environment: env,
		Category:    category,
		SettingKey:  key,
		Value:       value,
		Description: description,
		CreatedBy:   actor,
		UpdatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return SystemSetting{}, fmt.Errorf("upsert system setting: %w", err)
	}
	if eventType == "" {
		eventType = "system_setting.upsert"
	}
	if err := s.writeAudit(ctx, AuditRecord{
		ActorUserID: actor,
		Environment: env,
		EventType:   eventType,
		TargetType:  category + "_setting",
		TargetID:    saved.ID,
		Metadata:    map[string]any{"category": category, "setting_key": key},
	}); err != nil {
		return SystemSetting{}, err
	}
	if _, err := s.touchVersion(ctx, env, actor); err != nil {
		return SystemSetting{}, err
	}
	return saved, nil
}

func (s *Service) integration(ctx context.Context, env Environment, key string) (IntegrationControl, error) {
	setting, err := s.store.GetSystemSetting(ctx, env, CategoryIntegrations, key)
	if errors.Is(err, ErrNotFound) {
		return DefaultIntegration(), nil
	}
	if err != nil {
		return IntegrationControl{}, fmt.Errorf("load integration %s: %w", key, err)
	}
	return materializeIntegration(setting.Value), nil
}

func (s *Service) applyIntegrationControl(ctx context.Context, actor string, env Environment, payload map[string]any) (ActionResult, error) {
	var in integrationInput
	err := bind(payload, &in, func() { in.IntegrationKey = strings.TrimSpace(in.IntegrationKey) })
	if err != nil {
		return ActionResult{}, err
	}
	existing, err := s.integration(ctx, env, in.IntegrationKey)
	if err != nil {
		return ActionResult{}, err
	}
	next, err := integrationValue(existing)
	if err != nil {
		return ActionResult{}, err
	}
	for k, v := range in.Value {
		if k == "error_logs" {
			if _, ok := v.([]any); !ok {
				continue
			}
		}
		next[k] = v
	}
	saved, err := s.SetSystemSetting(ctx, actor, env, CategoryIntegrations, in.IntegrationKey, next, "", "integration_control.updated")
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{IntegrationSetting: &saved}, nil
}

func (s *Service) applyRetryIntegration(ctx context.Context, actor string, env Environment, payload map[string]any) (ActionResult, error) {
	var in integrationInput
	err := bind(payload, &in, func() { in.IntegrationKey = strings.TrimSpace(in.IntegrationKey) })
	if err != nil {
		return ActionResult{}, err
	}
	existing, err := s.integration(ctx, env, in.IntegrationKey)
	if err != nil {
		return ActionResult{}, err
	}
	now := s.now()
	logs := append([]IntegrationLog{{At: now, Message: retryLogMessage}}, existing.ErrorLogs...)
	existing.ErrorLogs = logs[:min(len(logs), maxIntegrationLogs)]
	existing.ConnectionStatus = "syncing"
	existing.RetryRequestedAt = &now

	value, err := integrationValue(existing)
	if err != nil {
		return ActionResult{}, err
	}
	saved, err := s.SetSystemSetting(ctx, actor, env, CategoryIntegrations, in.IntegrationKey, value, "", "integration_control.retry_requested")
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{IntegrationSetting: &saved}, nil
}

func (s *Service) applyEnqueueJob(ctx context.Context, actor string, env Environment, payload map[string]any) (ActionResult, error) {
	var in enqueueJobInput
	err := bind(payload, &in, func() { in.JobType = strings.TrimSpace(in.JobType) })
	if err != nil {
		return ActionResult{}, err
	}
	job, err := s.EnqueueJob(ctx, actor, env, JobType(in.JobType), in.Payload)
	if err != nil {
		return ActionResult{}, err
	}
	s.startJob(ctx, env, job.ID)
	return ActionResult{Job: &job}, nil
}

func (s *Service) applyRunJob(ctx context.Context, env Environment, payload map[string]any) (ActionResult, error) {
	var in runJobInput
	err := bind(payload, &in, func() { in.JobID = strings.TrimSpace(in.JobID) })
	if err != nil {
		return ActionResult{}, err
	}
	job, err := s.RunJob(ctx, env, in.JobID)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Job: &job}, nil
}
