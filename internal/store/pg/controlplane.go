package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"formaos.app/internal/controlplane"
)

const flagColumns = `id, flag_key, description, environment, scope_type, scope_id, enabled,
	kill_switch, rollout_percentage, variants, default_variant, start_at, end_at, is_public,
	created_by, updated_by, created_at, updated_at`

func scanFlag(row rowScanner) (controlplane.FeatureFlag, error) {
	var (
		f           controlplane.FeatureFlag
		env, scope  string
		rawVariants []byte
		start, end  sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.FlagKey, &f.Description, &env, &scope, &f.ScopeID, &f.Enabled,
		&f.KillSwitch, &f.RolloutPercentage, &rawVariants, &f.DefaultVariant, &start, &end, &f.IsPublic,
		&f.CreatedBy, &f.UpdatedBy, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return controlplane.FeatureFlag{}, err
	}
	f.Environment = controlplane.Environment(env)
	f.ScopeType = controlplane.ScopeType(scope)
	f.StartAt = timePtr(start)
	f.EndAt = timePtr(end)
	f.CreatedAt, f.UpdatedAt = f.CreatedAt.UTC(), f.UpdatedAt.UTC()
	if err := decodeJSON(rawVariants, &f.Variants); err != nil {
		return controlplane.FeatureFlag{}, err
	}
	return f, nil
}

func (s *Store) ListFeatureFlags(ctx context.Context, env controlplane.Environment) ([]controlplane.FeatureFlag, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+flagColumns+`
		from feature_flags
		where environment = $1
		order by updated_at desc
	`, string(env))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controlplane.FeatureFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertFeatureFlag keeps id, created_by and created_at of an existing row.
func (s *Store) UpsertFeatureFlag(ctx context.Context, flag controlplane.FeatureFlag) (controlplane.FeatureFlag, error) {
	if s.db == nil {
		return controlplane.FeatureFlag{}, errNoDB
	}
	variants, err := encodeJSON(flag.Variants, "{}")
	if err != nil {
		return controlplane.FeatureFlag{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into feature_flags (
			id, flag_key, description, environment, scope_type, scope_id, enabled,
			kill_switch, rollout_percentage, variants, default_variant, start_at, end_at, is_public,
			created_by, updated_by, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		on conflict (environment, flag_key, scope_type, scope_id) do update set
			description = excluded.description,
			enabled = excluded.enabled,
			kill_switch = excluded.kill_switch,
			rollout_percentage = excluded.rollout_percentage,
			variants = excluded.variants,
			default_variant = excluded.default_variant,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			is_public = excluded.is_public,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
		returning `+flagColumns,
		flag.ID, flag.FlagKey, flag.Description, string(flag.Environment), string(flag.ScopeType), flag.ScopeID,
		flag.Enabled, flag.KillSwitch, flag.RolloutPercentage, variants, flag.DefaultVariant,
		nullTime(flag.StartAt), nullTime(flag.EndAt), flag.IsPublic,
		flag.CreatedBy, flag.UpdatedBy, flag.CreatedAt.UTC(), flag.UpdatedAt.UTC())
	return scanFlag(row)
}

func (s *Store) ListMarketingConfig(ctx context.Context, env controlplane.Environment) ([]controlplane.MarketingConfig, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, environment, section, config_key, value, description,
		       created_by, updated_by, created_at, updated_at
		from marketing_config
		where environment = $1
		order by section, config_key
	`, string(env))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controlplane.MarketingConfig
	for rows.Next() {
		m, err := scanMarketing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMarketing(row rowScanner) (controlplane.MarketingConfig, error) {
	var (
		m        controlplane.MarketingConfig
		env      string
		rawValue []byte
	)
	if err := row.Scan(&m.ID, &env, &m.Section, &m.ConfigKey, &rawValue, &m.Description,
		&m.CreatedBy, &m.UpdatedBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return controlplane.MarketingConfig{}, err
	}
	m.Environment = controlplane.Environment(env)
	m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
	if err := decodeJSON(rawValue, &m.Value); err != nil {
		return controlplane.MarketingConfig{}, err
	}
	return m, nil
}

func (s *Store) UpsertMarketingConfig(ctx context.Context, cfg controlplane.MarketingConfig) (controlplane.MarketingConfig, error) {
	if s.db == nil {
		return controlplane.MarketingConfig{}, errNoDB
	}
	value, err := encodeJSON(cfg.Value, "null")
	if err != nil {
		return controlplane.MarketingConfig{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into marketing_config (
			id, environment, section, config_key, value, description,
			created_by, updated_by, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (environment, section, config_key) do update set
			value = excluded.value,
			description = excluded.description,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
		returning id, environment, section, config_key, value, description,
		          created_by, updated_by, created_at, updated_at
	`, cfg.ID, string(cfg.Environment), cfg.Section, cfg.ConfigKey, value, cfg.Description,
		cfg.CreatedBy, cfg.UpdatedBy, cfg.CreatedAt.UTC(), cfg.UpdatedAt.UTC())
	return scanMarketing(row)
}

const settingColumns = `id, environment, category, setting_key, value, description,
	created_by, updated_by, created_at, updated_at`

func scanSetting(row rowScanner) (controlplane.SystemSetting, error) {
	var (
		st       controlplane.SystemSetting
		env      string
		rawValue []byte
	)
	if err := row.Scan(&st.ID, &env, &st.Category, &st.SettingKey, &rawValue, &st.Description,
		&st.CreatedBy, &st.UpdatedBy, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return controlplane.SystemSetting{}, err
	}
	st.Environment = controlplane.Environment(env)
	st.CreatedAt, st.UpdatedAt = st.CreatedAt.UTC(), st.UpdatedAt.UTC()
	if err := decodeJSON(rawValue, &st.Value); err != nil {
		return controlplane.SystemSetting{}, err
	}
	return st, nil
}

func (s *Store) ListSystemSettings(ctx context.Context, env controlplane.Environment) ([]controlplane.SystemSetting, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+settingColumns+`
		from system_settings
		where environment = $1
		order by category, setting_key
	`, string(env))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controlplane.SystemSetting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetSystemSetting(ctx context.Context, env controlplane.Environment, category, key string) (controlplane.SystemSetting, error) {
	if s.db == nil {
		return controlplane.SystemSetting{}, errNoDB
	}
	st, err := scanSetting(s.db.QueryRowContext(ctx, `
		select `+settingColumns+`
		from system_settings
		where environment = $1 and category = $2 and setting_key = $3
	`, string(env), category, key))
	if err != nil {
		return controlplane.SystemSetting{}, mapNotFound(err, controlplane.ErrNotFound)
	}
	return st, nil
}

func (s *Store) UpsertSystemSetting(ctx context.Context, setting controlplane.SystemSetting) (controlplane.SystemSetting, error) {
	if s.db == nil {
		return controlplane.SystemSetting{}, errNoDB
	}
	value, err := encodeJSON(setting.Value, "null")
	if err != nil {
		return controlplane.SystemSetting{}, err
	}
	return scanSetting(s.db.QueryRowContext(ctx, `
		insert into system_settings (`+settingColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (environment, category, setting_key) do update set
			value = excluded.value,
			description = excluded.description,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
		returning `+settingColumns,
		setting.ID, string(setting.Environment), setting.Category, setting.SettingKey, value, setting.Description,
		setting.CreatedBy, setting.UpdatedBy, setting.CreatedAt.UTC(), setting.UpdatedAt.UTC()))
}

const jobColumns = `id, job_type, status, payload, progress, logs, result, error_message,
	requested_by, started_at, completed_at, created_at, updated_at`

func scanJob(row rowScanner) (controlplane.AdminJob, error) {
	var (
		j                     controlplane.AdminJob
		jobType, status       string
		payload, logs, result []byte
		started, completed    sql.NullTime
	)
	if err := row.Scan(&j.ID, &jobType, &status, &payload, &j.Progress, &logs, &result, &j.ErrorMessage,
		&j.RequestedBy, &started, &completed, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return controlplane.AdminJob{}, err
	}
	j.JobType = controlplane.JobType(jobType)
	j.Status = controlplane.JobStatus(status)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.CreatedAt, j.UpdatedAt = j.CreatedAt.UTC(), j.UpdatedAt.UTC()
	for _, dec := range []struct {
		raw []byte
		dst any
	}{{payload, &j.Payload}, {logs, &j.Logs}, {result, &j.Result}} {
		if err := decodeJSON(dec.raw, dec.dst); err != nil {
			return controlplane.AdminJob{}, err
		}
	}
	return j, nil
}

type jobDocs struct {
	payload, logs, result []byte
}

func encodeJobDocs(j controlplane.AdminJob) (jobDocs, error) {
	var (
		d   jobDocs
		err error
	)
	if d.payload, err = encodeJSON(j.Payload, "{}"); err != nil {
		return jobDocs{}, err
	}
	if d.logs, err = encodeJSON(j.Logs, "[]"); err != nil {
		return jobDocs{}, err
	}
	if d.result, err = encodeJSON(j.Result, "{}"); err != nil {
		return jobDocs{}, err
	}
	return d, nil
}

func (s *Store) InsertJob(ctx context.Context, job controlplane.AdminJob) (controlplane.AdminJob, error) {
	if s.db == nil {
		return controlplane.AdminJob{}, errNoDB
	}
	docs, err := encodeJobDocs(job)
	if err != nil {
		return controlplane.AdminJob{}, err
	}
	saved, err := scanJob(s.db.QueryRowContext(ctx, `
		insert into admin_jobs (`+jobColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		returning `+jobColumns,
		job.ID, string(job.JobType), string(job.Status), docs.payload, job.Progress, docs.logs, docs.result,
		job.ErrorMessage, job.RequestedBy, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.CreatedAt.UTC(), job.UpdatedAt.UTC()))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return controlplane.AdminJob{}, fmt.Errorf("admin job %s already exists", job.ID)
		}
		return controlplane.AdminJob{}, err
	}
	return saved, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (controlplane.AdminJob, error) {
	if s.db == nil {
		return controlplane.AdminJob{}, errNoDB
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, `select `+jobColumns+` from admin_jobs where id = $1`, id))
	if err != nil {
		return controlplane.AdminJob{}, mapNotFound(err, controlplane.ErrNotFound)
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, job controlplane.AdminJob) error {
	if s.db == nil {
		return errNoDB
	}
	docs, err := encodeJobDocs(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update admin_jobs
		set status = $2, payload = $3, progress = $4, logs = $5, result = $6,
		    error_message = $7, started_at = $8, completed_at = $9, updated_at = $10
		where id = $1
	`, job.ID, string(job.Status), docs.payload, job.Progress, docs.logs, docs.result,
		job.ErrorMessage, nullTime(job.StartedAt), nullTime(job.CompletedAt), job.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return controlplane.ErrNotFound
	}
	return nil
}

// ClaimJob is a compare-and-set on status so two runners cannot both start
// the same job.
func (s *Store) ClaimJob(ctx context.Context, id string, from controlplane.JobStatus, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update admin_jobs
		set status = 'running', started_at = $3, completed_at = null, updated_at = $3
		where id = $1 and status = $2
	`, id, string(from), at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]controlplane.AdminJob, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+jobColumns+`
		from admin_jobs
		order by created_at desc, id desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controlplane.AdminJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) QueueCounts(ctx context.Context, succeededSince time.Time) (controlplane.QueueCounts, error) {
	if s.db == nil {
		return controlplane.QueueCounts{}, errNoDB
	}
	var c controlplane.QueueCounts
	err := s.db.QueryRowContext(ctx, `
		select count(*) filter (where status = 'queued'),
		       count(*) filter (where status = 'running'),
		       count(*) filter (where status = 'failed'),
		       count(*) filter (where status = 'succeeded' and updated_at >= $1)
		from admin_jobs
	`, succeededSince.UTC()).Scan(&c.Queued, &c.Running, &c.Failed, &c.SucceededLast24h)
	if err != nil {
		return controlplane.QueueCounts{}, err
	}
	return c, nil
}

func (s *Store) DeleteFailedJobs(ctx context.Context, createdBefore time.Time, limit int) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from admin_jobs
		where id in (
			select id from admin_jobs
			where status = 'failed' and created_at < $1
			order by id
			limit $2
		)
	`, createdBefore.UTC(), limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) InsertAudit(ctx context.Context, rec controlplane.AuditRecord) error {
	if s.db == nil {
		return errNoDB
	}
	meta, err := encodeJSON(rec.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into admin_audit_log (
			id, actor_user_id, event_type, target_type, target_id, environment, metadata, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, nullIfEmpty(rec.ActorUserID), rec.EventType, rec.TargetType, nullIfEmpty(rec.TargetID),
		string(rec.Environment), meta, rec.CreatedAt.UTC())
	return err
}

// ListAudit returns the newest rows first.
func (s *Store) ListAudit(ctx context.Context, env controlplane.Environment, limit int) ([]controlplane.AuditRecord, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(actor_user_id, ''), event_type, target_type, coalesce(target_id, ''),
		       environment, metadata, created_at
		from admin_audit_log
		where environment = $1
		order by created_at desc, id desc
		limit $2
	`, string(env), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controlplane.AuditRecord
	for rows.Next() {
		var (
			rec     controlplane.AuditRecord
			envName string
			rawMeta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ActorUserID, &rec.EventType, &rec.TargetType, &rec.TargetID,
			&envName, &rawMeta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Environment = controlplane.Environment(envName)
		rec.CreatedAt = rec.CreatedAt.UTC()
		if err := decodeJSON(rawMeta, &rec.Metadata); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountOrganizations(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from organizations`).Scan(&n)
	return n, err
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `select count(distinct user_id) from org_members`).Scan(&n)
	return n, err
}
