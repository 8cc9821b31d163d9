package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"time"

	"formaos.app/internal/controlplane"
)

func cloneJob(j controlplane.AdminJob) controlplane.AdminJob {
	j.Payload = maps.Clone(j.Payload)
	j.Result = maps.Clone(j.Result)
	j.Logs = slices.Clone(j.Logs)
	return j
}

func (s *Store) ListFeatureFlags(_ context.Context, env controlplane.Environment) ([]controlplane.FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListFeatureFlags"); err != nil {
		return nil, err
	}
	var out []controlplane.FeatureFlag
	for _, f := range s.flags {
		if f.Environment == env {
			f.Variants = maps.Clone(f.Variants)
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) UpsertFeatureFlag(_ context.Context, flag controlplane.FeatureFlag) (controlplane.FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpsertFeatureFlag"); err != nil {
		return controlplane.FeatureFlag{}, err
	}
	flag.Variants = maps.Clone(flag.Variants)
	for i, f := range s.flags {
		if f.Environment == flag.Environment && f.FlagKey == flag.FlagKey && f.ScopeType == flag.ScopeType && f.ScopeID == flag.ScopeID {
			flag.ID, flag.CreatedAt, flag.CreatedBy = f.ID, f.CreatedAt, f.CreatedBy
			s.flags[i] = flag
			return flag, nil
		}
	}
	s.flags = append(s.flags, flag)
	return flag, nil
}

func (s *Store) ListMarketingConfig(_ context.Context, env controlplane.Environment) ([]controlplane.MarketingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListMarketingConfig"); err != nil {
		return nil, err
	}
	var out []controlplane.MarketingConfig
	for _, m := range s.marketing {
		if m.Environment == env {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Section < out[j].Section })
	return out, nil
}

func (s *Store) UpsertMarketingConfig(_ context.Context, cfg controlplane.MarketingConfig) (controlplane.MarketingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpsertMarketingConfig"); err != nil {
		return controlplane.MarketingConfig{}, err
	}
	for i, m := range s.marketing {
		if m.Environment == cfg.Environment && m.Section == cfg.Section && m.ConfigKey == cfg.ConfigKey {
			cfg.ID, cfg.CreatedAt, cfg.CreatedBy = m.ID, m.CreatedAt, m.CreatedBy
			s.marketing[i] = cfg
			return cfg, nil
		}
	}
	s.marketing = append(s.marketing, cfg)
	return cfg, nil
}

func (s *Store) ListSystemSettings(_ context.Context, env controlplane.Environment) ([]controlplane.SystemSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListSystemSettings"); err != nil {
		return nil, err
	}
	var out []controlplane.SystemSetting
	for _, st := range s.settings {
		if st.Environment == env {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *Store) GetSystemSetting(_ context.Context, env controlplane.Environment, category, key string) (controlplane.SystemSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetSystemSetting"); err != nil {
		return controlplane.SystemSetting{}, err
	}
	for _, st := range s.settings {
		if st.Environment == env && st.Category == category && st.SettingKey == key {
			return st, nil
		}
	}
	return controlplane.SystemSetting{}, controlplane.ErrNotFound
}

func (s *Store) UpsertSystemSetting(_ context.Context, setting controlplane.SystemSetting) (controlplane.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpsertSystemSetting"); err != nil {
		return controlplane.SystemSetting{}, err
	}
	for i, st := range s.settings {
		if st.Environment == setting.Environment && st.Category == setting.Category && st.SettingKey == setting.SettingKey {
			setting.ID, setting.CreatedAt, setting.CreatedBy = st.ID, st.CreatedAt, st.CreatedBy
			s.settings[i] = setting
			return setting, nil
		}
	}
	s.settings = append(s.settings, setting)
	return setting, nil
}

func (s *Store) InsertJob(_ context.Context, job controlplane.AdminJob) (controlplane.AdminJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertJob"); err != nil {
		return controlplane.AdminJob{}, err
	}
	s.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), nil
}

func (s *Store) GetJob(_ context.Context, id string) (controlplane.AdminJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetJob"); err != nil {
		return controlplane.AdminJob{}, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return controlplane.AdminJob{}, controlplane.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) UpdateJob(_ context.Context, job controlplane.AdminJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpdateJob"); err != nil {
		return err
	}
	if _, ok := s.jobs[job.ID]; !ok {
		return controlplane.ErrNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) ClaimJob(_ context.Context, id string, from controlplane.JobStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ClaimJob"); err != nil {
		return false, err
	}
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = controlplane.JobRunning
	j.StartedAt = &at
	j.CompletedAt = nil
	j.UpdatedAt = at
	s.jobs[id] = j
	return true, nil
}

func (s *Store) ListJobs(_ context.Context, limit int) ([]controlplane.AdminJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListJobs"); err != nil {
		return nil, err
	}
	out := make([]controlplane.AdminJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) QueueCounts(_ context.Context, succeededSince time.Time) (controlplane.QueueCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("QueueCounts"); err != nil {
		return controlplane.QueueCounts{}, err
	}
	var c controlplane.QueueCounts
	for _, j := range s.jobs {
		switch j.Status {
		case controlplane.JobQueued:
			c.Queued++
		case controlplane.JobRunning:
			c.Running++
		case controlplane.JobFailed:
			c.Failed++
		case controlplane.JobSucceeded:
			if !j.UpdatedAt.Before(succeededSince) {
				c.SucceededLast24h++
			}
		}
	}
	return c, nil
}

func (s *Store) DeleteFailedJobs(_ context.Context, createdBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeleteFailedJobs"); err != nil {
		return 0, err
	}
	var stale []string
	for id, j := range s.jobs {
		if j.Status == controlplane.JobFailed && j.CreatedAt.Before(createdBefore) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for _, id := range stale {
		delete(s.jobs, id)
	}
	return len(stale), nil
}

func (s *Store) InsertAudit(_ context.Context, rec controlplane.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertAudit"); err != nil {
		return err
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	s.audit = append(s.audit, rec)
	return nil
}

// ListAudit returns the newest rows first.
func (s *Store) ListAudit(_ context.Context, env controlplane.Environment, limit int) ([]controlplane.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListAudit"); err != nil {
		return nil, err
	}
	var out []controlplane.AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].Environment != env {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountOrganizations(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orgs), s.fault("CountOrganizations")
}

func (s *Store) CountUsers(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	for _, ms := range s.members {
		for _, m := range ms {
			seen[m.UserID] = true
		}
	}
	return len(seen), s.fault("CountUsers")
}

// AddJob seeds an admin job as is.
func (s *Store) AddJob(job controlplane.AdminJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
}
