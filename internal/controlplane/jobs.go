package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"formaos.app/internal/automation"
	"formaos.app/internal/ids"
	"formaos.app/internal/obs"
)

const (
	maxJobLogs            = 120
	staleJobAge           = 14 * 24 * time.Hour
	staleJobBatch         = 200
	defaultReplayLimit    = 50
	trustPacketSettingKey = "trust_packet_last_regenerated_at"
)

// EnqueueJob records a queued admin job. Unknown job types match ErrInvalidInput.
func (s *Service) EnqueueJob(ctx context.Context, actor string, env Environment, jobType JobType, payload map[string]any) (AdminJob, error) {
	if !jobType.Valid() {
		return AdminJob{}, invalid("Unsupported job type")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	now := s.now()
	job, err := s.store.InsertJob(ctx, AdminJob{
		ID:          ids.NewAt(now),
		JobType:     jobType,
		Status:      JobQueued,
		Payload:     payload,
		Logs:        []JobLog{{At: now, Level: "info", Message: "Job queued"}},
		Result:      map[string]any{},
		RequestedBy: actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return AdminJob{}, fmt.Errorf("insert admin job: %w", err)
	}
	if err := s.writeAudit(ctx, AuditRecord{
		ActorUserID: actor,
		Environment: env,
		EventType:   "admin_job.queued",
		TargetType:  "admin_job",
		TargetID:    job.ID,
		Metadata:    map[string]any{"job_type": string(jobType)},
	}); err != nil {
		return AdminJob{}, err
	}
	return job, nil
}

// startJob runs a queued job in the background, detached from the caller's
// cancellation but bounded by the job timeout.
func (s *Service) startJob(ctx context.Context, env Environment, id string) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.jobTimeout)
		defer cancel()
		if _, err := s.RunJob(jctx, env, id); err != nil {
			obs.Error("admin_job_runner_failed", map[string]any{"job_id": id, "error": err})
		}
	}()
}

// jobRun tracks one execution and persists every state change.
type jobRun struct {
	s   *Service
	job AdminJob
}

func (r *jobRun) save(ctx context.Context) error {
	r.job.UpdatedAt = r.s.now()
	if err := r.s.store.UpdateJob(ctx, r.job); err != nil {
		return fmt.Errorf("update admin job %s: %w", r.job.ID, err)
	}
	return nil
}

func (r *jobRun) log(ctx context.Context, level, msg string) error {
	r.job.Logs = append(r.job.Logs, JobLog{At: r.s.now(), Level: level, Message: msg})
	if n := len(r.job.Logs); n > maxJobLogs {
		r.job.Logs = r.job.Logs[n-maxJobLogs:]
	}
	return r.save(ctx)
}

func (r *jobRun) progress(ctx context.Context, p int) error {
	r.job.Progress = p
	return r.save(ctx)
}

// RunJob executes a job synchronously. A job already running, or claimed by
// another runner after it was loaded, is returned as is. Failures inside the
// job mark it failed; only load and persistence errors are returned.
func (s *Service) RunJob(ctx context.Context, env Environment, id string) (AdminJob, error) {
	env = ResolveEnvironment(string(env))
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return AdminJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return AdminJob{}, fmt.Errorf("load admin job: %w", err)
	}
	if job.Status == JobRunning {
		return job, nil
	}

	started := s.now()
	claimed, err := s.store.ClaimJob(ctx, id, job.Status, started)
	if err != nil {
		return AdminJob{}, fmt.Errorf("claim admin job: %w", err)
	}
	if !claimed {
		obs.Info("admin_job_claim_lost", map[string]any{"job_id": id})
		current, err := s.store.GetJob(ctx, id)
		if err != nil {
			return AdminJob{}, fmt.Errorf("load admin job: %w", err)
		}
		return current, nil
	}

	r := &jobRun{s: s, job: job}
	r.job.Status = JobRunning
	r.job.StartedAt = &started
	r.job.CompletedAt = nil
	r.job.Progress = max(r.job.Progress, 10)
	r.job.ErrorMessage = ""
	if err := r.log(ctx, "info", "Starting "+string(job.JobType)); err != nil {
		return AdminJob{}, err
	}

	result, runErr := s.execute(ctx, env, r)
	completed := s.now()
	r.job.CompletedAt = &completed

	rec := AuditRecord{
		ActorUserID: job.RequestedBy,
		Environment: env,
		TargetType:  "admin_job",
		TargetID:    job.ID,
		Metadata:    map[string]any{"job_type": string(job.JobType)},
	}
	if runErr == nil {
		r.job.Status = JobSucceeded
		r.job.Progress = 100
		r.job.Result = result
		if err := r.log(ctx, "info", "Job completed successfully"); err != nil {
			return AdminJob{}, err
		}
		rec.EventType = "admin_job.succeeded"
	} else {
		r.job.Status = JobFailed
		r.job.ErrorMessage = runErr.Error()
		if err := r.log(ctx, "error", runErr.Error()); err != nil {
			return AdminJob{}, err
		}
		rec.EventType = "admin_job.failed"
		rec.Metadata["error"] = runErr.Error()
	}
	obs.AdminJobsTotal.WithLabelValues(string(job.JobType), string(r.job.Status)).Inc()
	if err := s.writeAudit(ctx, rec); err != nil {
		return AdminJob{}, err
	}
	return r.job, nil
}

func (s *Service) execute(ctx context.Context, env Environment, r *jobRun) (map[string]any, error) {
	if err := r.progress(ctx, 25); err != nil {
		return nil, err
	}
	switch r.job.JobType {
	case JobRunCleanup:
		return s.runCleanup(ctx, r)
	case JobRebuildSearchIndex:
		return s.rebuildSearchIndex(ctx, r)
	case JobRecomputeScores:
		return s.recomputeScores(ctx, r)
	case JobFlushCache:
		return s.flushCache(ctx, r)
	case JobRegenerateTrustPacket:
		return s.regenerateTrustPacket(ctx, env, r)
	case JobReplayDeadLetters:
		return s.replayDeadLetters(ctx, r)
	}
	return nil, fmt.Errorf("unsupported job_type: %s", r.job.JobType)
}

func (s *Service) runCleanup(ctx context.Context, r *jobRun) (map[string]any, error) {
	if err := r.log(ctx, "info", "Scanning stale failed jobs older than 14 days"); err != nil {
		return nil, err
	}
	removed, err := s.store.DeleteFailedJobs(ctx, s.now().Add(-staleJobAge), staleJobBatch)
	if err != nil {
		return nil, fmt.Errorf("delete stale jobs: %w", err)
	}
	if err := r.progress(ctx, 45); err != nil {
		return nil, err
	}
	if err := r.log(ctx, "info", fmt.Sprintf("Cleanup removed %d stale failed jobs", removed)); err != nil {
		return nil, err
	}
	return map[string]any{"removedJobs": removed}, nil
}

func (s *Service) rebuildSearchIndex(ctx context.Context, r *jobRun) (map[string]any, error) {
	if err := r.log(ctx, "info", "Re-indexing organizations + users tables"); err != nil {
		return nil, err
	}
	var orgs, users int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		orgs, err = s.store.CountOrganizations(gctx)
		return err
	})
	g.Go(func() (err error) {
		users, err = s.store.CountUsers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("count index sources: %w", err)
	}
	if err := r.progress(ctx, 60); err != nil {
		return nil, err
	}
	if err := r.log(ctx, "info", "Search index shards rebuilt"); err != nil {
		return nil, err
	}
	return map[string]any{"indexedOrganizations": orgs, "indexedUsers": users}, nil
}

func (s *Service) recomputeScores(ctx context.Context, r *jobRun) (map[string]any, error) {
	if s.scores == nil {
		return nil, errors.New("score refresher not configured")
	}
	if err := r.log(ctx, "info", "Recomputing compliance score snapshots"); err != nil {
		return nil, err
	}
	res, err := s.scores.RunCheck(ctx, automation.CheckScores)
	if err != nil {
		return nil, fmt.Errorf("refresh scores: %w", err)
	}
	if err := r.progress(ctx, 55); err != nil {
		return nil, err
	}
	for _, msg := range res.Errors {
		if err := r.log(ctx, "warn", msg); err != nil {
			return nil, err
		}
	}
	if err := r.log(ctx, "info", "Compliance scores refreshed"); err != nil {
		return nil, err
	}
	return map[string]any{"triggersExecuted": res.TriggersExecuted, "errors": len(res.Errors)}, nil
}

func (s *Service) flushCache(ctx context.Context, r *jobRun) (map[string]any, error) {
	if err := r.log(ctx, "info", "Flushing in-memory runtime cache"); err != nil {
		return nil, err
	}
	removed := s.cache.clear()
	if err := r.progress(ctx, 70); err != nil {
		return nil, err
	}
	if err := r.log(ctx, "info", "Cache flush complete"); err != nil {
		return nil, err
	}
	return map[string]any{"cacheEntriesRemoved": removed}, nil
}

func (s *Service) regenerateTrustPacket(ctx context.Context, env Environment, r *jobRun) (map[string]any, error) {
	if err := r.log(ctx, "info", "Regenerating trust-packet readiness marker"); err != nil {
		return nil, err
	}
	if err := r.progress(ctx, 40); err != nil {
		return nil, err
	}
	now := s.now()
	stamp := now.Format(time.RFC3339Nano)
	if _, err := s.store.UpsertSystemSetting(ctx, SystemSetting{
		ID:          ids.NewAt(now),
		Environment: env,
		Category:    CategoryOps,
		SettingKey:  trustPacketSettingKey,
		Value:       map[string]any{"at": stamp},
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("store trust packet marker: %w", err)
	}
	if err := r.log(ctx, "info", "Trust packet marker updated at "+stamp); err != nil {
		return nil, err
	}
	return map[string]any{"regeneratedAt": stamp}, nil
}

func (s *Service) replayDeadLetters(ctx context.Context, r *jobRun) (map[string]any, error) {
	if s.replayer == nil {
		return nil, errors.New("dead letter replayer not configured")
	}
	if err := r.log(ctx, "info", "Replaying unresolved automation dead letters"); err != nil {
		return nil, err
	}
	limit := int(numberOr(r.job.Payload["limit"], defaultReplayLimit))
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	report, err := s.replayer.Replay(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("replay dead letters: %w", err)
	}
	if err := r.progress(ctx, 80); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Replayed %d dead letters: %d resolved, %d failed", report.Attempted, report.Resolved, report.Failed)
	if err := r.log(ctx, "info", msg); err != nil {
		return nil, err
	}
	return map[string]any{
		"attempted": report.Attempted,
		"resolved":  report.Resolved,
		"failed":    report.Failed,
	}, nil
}
