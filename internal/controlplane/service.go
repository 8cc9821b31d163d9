package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"formaos.app/internal/audit"
	"formaos.app/internal/automation"
	"formaos.app/internal/ids"
	"formaos.app/internal/obs"
)

const (
	defaultListLimit  = 120
	minListLimit      = 20
	maxAuditLimit     = 500
	maxJobsLimit      = 300
	defaultJobTimeout = 5 * time.Minute
)

// ScoreRefresher re-runs one scheduled automation check. *automation.Scheduler satisfies it.
type ScoreRefresher interface {
	RunCheck(ctx context.Context, kind automation.CheckKind) (automation.CheckResult, error)
}

// DeadLetterReplayer re-dispatches failed automation work. *automation.Replayer satisfies it.
type DeadLetterReplayer interface {
	Replay(ctx context.Context, limit int) (automation.ReplayReport, error)
}

var (
	_ ScoreRefresher     = (*automation.Scheduler)(nil)
	_ DeadLetterReplayer = (*automation.Replayer)(nil)
)

type Option func(*Service)

func WithScoreRefresher(r ScoreRefresher) Option {
	return func(s *Service) { s.scores = r }
}

func WithReplayer(r DeadLetterReplayer) Option {
	return func(s *Service) { s.replayer = r }
}

func WithHub(h *Hub) Option {
	return func(s *Service) { s.hub = h }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithJobTimeout(d time.Duration) Option {
	return func(s *Service) { s.jobTimeout = d }
}

// Service implements the admin control plane: runtime configuration records,
// audited actions, background admin jobs and the evaluated runtime snapshot.
type Service struct {
	store      Store
	hub        *Hub
	cache      *runtimeCache
	scores     ScoreRefresher
	replayer   DeadLetterReplayer
	now        func() time.Time
	jobTimeout time.Duration

	versionMu sync.Mutex
	jobs      sync.WaitGroup
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		cache:      newRuntimeCache(),
		now:        func() time.Time { return time.Now().UTC() },
		jobTimeout: defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	return s
}

// Hub returns the fan-out used for runtime version events.
func (s *Service) Hub() *Hub { return s.hub }

// Wait blocks until background jobs started by enqueue_job finish.
func (s *Service) Wait() { s.jobs.Wait() }

// RuntimeVersion returns the stored runtime version for env or DefaultRuntimeVersion.
func (s *Service) RuntimeVersion(ctx context.Context, env Environment) (string, error) {
	setting, err := s.store.GetSystemSetting(ctx, env, CategoryRuntime, runtimeVersionKey)
	if errors.Is(err, ErrNotFound) {
		return DefaultRuntimeVersion, nil
	}
	if err != nil {
		return "", fmt.Errorf("read runtime version: %w", err)
	}
	return stringOr(asObject(setting.Value)["value"], DefaultRuntimeVersion), nil
}

// touchVersion stores a new millisecond version, drops cached snapshots for the
// environment and notifies subscribers. Versions are strictly increasing.
func (s *Service) touchVersion(ctx context.Context, env Environment, actor string) (string, error) {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()

	current, err := s.RuntimeVersion(ctx, env)
	if err != nil {
		return "", err
	}
	now := s.now()
	next := formatVersion(now)
	if prev, err := strconv.ParseInt(current, 10, 64); err == nil {
		if n, _ := strconv.ParseInt(next, 10, 64); n <= prev {
			next = strconv.FormatInt(prev+1, 10)
		}
	}
	if _, err := s.store.UpsertSystemSetting(ctx, SystemSetting{
		ID:          ids.NewAt(now),
		Environment: env,
		Category:    CategoryRuntime,
		SettingKey:  runtimeVersionKey,
		Value:       map[string]any{"value": next},
		CreatedBy:   actor,
		UpdatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return "", fmt.Errorf("touch runtime version: %w", err)
	}
	s.cache.invalidate(env)
	obs.RuntimeVersionBumps.WithLabelValues(string(env)).Inc()
	s.hub.Publish(VersionEvent{Environment: env, Version: next, At: now})
	return next, nil
}

// writeAudit persists an audit row and mirrors it to the audit log stream.
func (s *Service) writeAudit(ctx context.Context, rec AuditRecord) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	if err := s.store.InsertAudit(ctx, rec); err != nil {
		return fmt.Errorf("write audit %s: %w", rec.EventType, err)
	}
	fields := map[string]any{
		"environment": string(rec.Environment),
		"target_type": rec.TargetType,
		"target_id":   rec.TargetID,
		"actor":       rec.ActorUserID,
	}
	for k, v := range rec.Metadata {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, rec.EventType, fields)
	return nil
}

func clampLimit(v, upper int) int {
	if v <= 0 {
		v = defaultListLimit
	}
	return max(minListLimit, min(v, upper))
}

// Snapshot loads everything the admin console renders for env. A non-positive
// limit selects the default of 120 before clamping.
func (s *Service) Snapshot(ctx context.Context, env Environment, auditLimit, jobsLimit int) (AdminSnapshot, error) {
	env = ResolveEnvironment(string(env))
	auditLimit = clampLimit(auditLimit, maxAuditLimit)
	jobsLimit = clampLimit(jobsLimit, maxJobsLimit)

	started := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		return AdminSnapshot{}, fmt.Errorf("database probe: %w", err)
	}
	latency := max(1, time.Since(started).Milliseconds())

	snap := AdminSnapshot{Environment: env}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.FeatureFlags, err = s.store.ListFeatureFlags(gctx, env)
		return err
	})
	g.Go(func() (err error) {
		snap.MarketingConfig, err = s.store.ListMarketingConfig(gctx, env)
		return err
	})
	g.Go(func() (err error) {
		snap.SystemSettings, err = s.store.ListSystemSettings(gctx, env)
		return err
	})
	g.Go(func() (err error) {
		snap.Audit, err = s.store.ListAudit(gctx, env, auditLimit)
		return err
	})
	g.Go(func() (err error) {
		snap.Jobs, err = s.store.ListJobs(gctx, jobsLimit)
		return err
	})
	g.Go(func() (err error) {
		snap.Health.Queue, err = s.store.QueueCounts(gctx, s.now().Add(-24*time.Hour))
		return err
	})
	g.Go(func() (err error) {
		snap.RuntimeVersion, err = s.RuntimeVersion(gctx, env)
		return err
	})
	if err := g.Wait(); err != nil {
		return AdminSnapshot{}, fmt.Errorf("load control plane snapshot: %w", err)
	}

	snap.Integrations = materializeIntegrations(snap.SystemSettings)
	snap.Health.DatabaseLatencyMs = latency
	snap.Health.APIHealthy = true
	return snap, nil
}

// Runtime returns the evaluated runtime configuration for a subject. Results are
// cached for RuntimeCacheTTL and dropped as soon as the runtime version moves.
func (s *Service) Runtime(ctx context.Context, env Environment, fc FlagContext, includePrivate bool) (RuntimeSnapshot, error) {
	env = ResolveEnvironment(string(env))
	version, err := s.RuntimeVersion(ctx, env)
	if err != nil {
		return RuntimeSnapshot{}, err
	}
	key := cacheKey(env, fc, includePrivate)
	now := s.now()
	if snap, ok := s.cache.get(key, version, now); ok {
		return snap, nil
	}

	var (
		flags     []FeatureFlag
		marketing []MarketingConfig
		settings  []SystemSetting
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		flags, err = s.store.ListFeatureFlags(gctx, env)
		return err
	})
	g.Go(func() (err error) {
		marketing, err = s.store.ListMarketingConfig(gctx, env)
		return err
	})
	g.Go(func() (err error) {
		settings, err = s.store.ListSystemSettings(gctx, env)
		return err
	})
	if err := g.Wait(); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("load runtime config: %w", err)
	}

	grouped := make(map[string][]FeatureFlag)
	for _, f := range flags {
		if !includePrivate && !f.IsPublic {
			continue
		}
		grouped[f.FlagKey] = append(grouped[f.FlagKey], f)
	}
	decisions := make(map[string]FlagDecision, len(grouped))
	for key, rows := range grouped {
		decisions[key] = EvaluateFlag(key, rows, fc, now)
	}

	snap := RuntimeSnapshot{
		Version:        version,
		Environment:    env,
		EvaluationMode: evaluationMode(fc),
		Ops:            materializeOps(settings),
		Marketing:      materializeMarketing(marketing),
		FeatureFlags:   decisions,
		GeneratedAt:    now,
	}
	s.cache.put(key, snap, now)
	return snap, nil
}
