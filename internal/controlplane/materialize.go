package controlplane

import (
	"encoding/json"
	"math"
	"time"
)

const (
	CategoryOps          = "ops"
	CategoryIntegrations = "integrations"
	CategoryRuntime      = "runtime"

	runtimeVersionKey     = "version"
	DefaultRuntimeVersion = "0"
)

var integrationStatuses = map[string]bool{
	"connected":    true,
	"disconnected": true,
	"error":        true,
	"syncing":      true,
}

func DefaultOps() OpsConfig {
	return OpsConfig{RateLimitMultiplier: 1}
}

func DefaultIntegration() IntegrationControl {
	return IntegrationControl{
		Enabled:          true,
		ConnectionStatus: "disconnected",
		ErrorLogs:        []IntegrationLog{},
		Scopes:           []string{},
		EnabledScopes:    []string{},
	}
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func numberOr(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		if !math.IsNaN(n) && !math.IsInf(n, 0) {
			return n
		}
	case int:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func timeOrNil(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func stringList(v any) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// materializeOps folds ops settings over the defaults.
func materializeOps(rows []SystemSetting) OpsConfig {
	ops := DefaultOps()
	byKey := make(map[string]any, len(rows))
	for _, r := range rows {
		if r.Category == CategoryOps {
			byKey[r.SettingKey] = r.Value
		}
	}
	ops.MaintenanceMode = boolOr(asObject(byKey["maintenance_mode"])["enabled"], ops.MaintenanceMode)
	ops.ReadOnlyMode = boolOr(asObject(byKey["read_only_mode"])["enabled"], ops.ReadOnlyMode)
	ops.EmergencyLockdown = boolOr(asObject(byKey["emergency_lockdown"])["enabled"], ops.EmergencyLockdown)
	ops.RateLimitMultiplier = math.Max(0.1, numberOr(asObject(byKey["rate_limit_mode"])["multiplier"], ops.RateLimitMultiplier))
	return ops
}

func materializeIntegration(v any) IntegrationControl {
	obj := asObject(v)
	ic := DefaultIntegration()
	ic.Enabled = boolOr(obj["enabled"], true)
	if s, ok := obj["connection_status"].(string); ok && integrationStatuses[s] {
		ic.ConnectionStatus = s
	}
	ic.LastSyncAt = timeOrNil(obj["last_sync_at"])
	if s, ok := obj["last_error"].(string); ok {
		ic.LastError = &s
	}
	if logs, ok := obj["error_logs"].([]any); ok {
		for _, raw := range logs {
			entry := asObject(raw)
			msg := stringOr(entry["message"], "")
			if msg == "" {
				continue
			}
			at := time.Now().UTC()
			if t := timeOrNil(entry["at"]); t != nil {
				at = *t
			}
			ic.ErrorLogs = append(ic.ErrorLogs, IntegrationLog{At: at, Message: msg})
		}
	}
	ic.Scopes = stringList(obj["scopes"])
	ic.EnabledScopes = stringList(obj["enabled_scopes"])
	ic.RetryRequestedAt = timeOrNil(obj["retry_requested_at"])
	return ic
}

func materializeIntegrations(rows []SystemSetting) []Integration {
	out := []Integration{}
	for _, r := range rows {
		if r.Category != CategoryIntegrations {
			continue
		}
		out = append(out, Integration{Key: r.SettingKey, Value: materializeIntegration(r.Value)})
	}
	return out
}

// materializeMarketing groups marketing values by section then config key.
func materializeMarketing(rows []MarketingConfig) map[string]any {
	out := make(map[string]any)
	for _, r := range rows {
		section, ok := out[r.Section].(map[string]any)
		if !ok {
			section = make(map[string]any)
			out[r.Section] = section
		}
		section[r.ConfigKey] = r.Value
	}
	return out
}

// integrationValue converts a control back into the generic JSON shape stored
// in system settings.
func integrationValue(ic IntegrationControl) (map[string]any, error) {
	data, err := json.Marshal(ic)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
