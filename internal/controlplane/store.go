package controlplane

import (
	"context"
	"time"
)

// Store persists control-plane records. Lookups that miss return ErrNotFound.
type Store interface {
	Ping(ctx context.Context) error

	ListFeatureFlags(ctx context.Context, env Environment) ([]FeatureFlag, error)
	// UpsertFeatureFlag matches on environment, flag key, scope type and scope id.
	UpsertFeatureFlag(ctx context.Context, flag FeatureFlag) (FeatureFlag, error)

	ListMarketingConfig(ctx context.Context, env Environment) ([]MarketingConfig, error)
	UpsertMarketingConfig(ctx context.Context, cfg MarketingConfig) (MarketingConfig, error)

	ListSystemSettings(ctx context.Context, env Environment) ([]SystemSetting, error)
	GetSystemSetting(ctx context.Context, env Environment, category, key string) (SystemSetting, error)
	UpsertSystemSetting(ctx context.Context, setting SystemSetting) (SystemSetting, error)

	InsertJob(ctx context.Context, job AdminJob) (AdminJob, error)
	GetJob(ctx context.Context, id string) (AdminJob, error)
	UpdateJob(ctx context.Context, job AdminJob) error
	// ClaimJob moves a job from status from to running and reports whether
	// this caller made the transition.
	ClaimJob(ctx context.Context, id string, from JobStatus, at time.Time) (bool, error)
	ListJobs(ctx context.Context, limit int) ([]AdminJob, error)
	QueueCounts(ctx context.Context, succeededSince time.Time) (QueueCounts, error)
	// DeleteFailedJobs removes up to limit failed jobs created before the cutoff.
	DeleteFailedJobs(ctx context.Context, createdBefore time.Time, limit int) (int, error)

	InsertAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, env Environment, limit int) ([]AuditRecord, error)

	CountOrganizations(ctx context.Context) (int, error)
	CountUsers(ctx context.Context) (int, error)
}
