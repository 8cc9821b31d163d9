package automation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"formaos.app/internal/compliance"
	"formaos.app/internal/obs"
)

type CheckKind string

const (
	CheckEvidence       CheckKind = "evidence"
	CheckPolicies       CheckKind = "policies"
	CheckTasks          CheckKind = "tasks"
	CheckCertifications CheckKind = "certifications"
	CheckScores         CheckKind = "scores"
)

var AllChecks = []CheckKind{CheckEvidence, CheckPolicies, CheckTasks, CheckCertifications, CheckScores}

func ParseCheckKind(s string) (CheckKind, error) {
	for _, k := range AllChecks {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCheck, s)
}

// Scan windows.
const (
	evidenceMaxAge       = 90 * 24 * time.Hour
	policyReviewInterval = 180 * 24 * time.Hour
	certificationWarning = 30 * 24 * time.Hour
	scoreBatchSize       = 10
	runLockKey           = "scheduled-automation"
)

type CheckResult struct {
	Check            CheckKind `json:"check"`
	TriggersExecuted int       `json:"triggersExecuted"`
	Errors           []string  `json:"errors"`
}

func (c *CheckResult) addErrorf(format string, args ...any) {
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
}

type RunReport struct {
	ChecksRun        int      `json:"checksRun"`
	TriggersExecuted int      `json:"triggersExecuted"`
	Errors           []string `json:"errors"`
}

type SchedulerOption func(*Scheduler)

func WithRunLock(lock RunLock, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.lock = lock
		s.lockTTL = ttl
	}
}

func WithDeadLetters(sink DeadLetterSink) SchedulerOption {
	return func(s *Scheduler) { s.deadLetters = sink }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs the periodic sweeps invoked by the cron endpoint.
type Scheduler struct {
	store       ScanStore
	engine      *Engine
	scorer      Scorer
	deadLetters DeadLetterSink
	lock        RunLock
	lockTTL     time.Duration
	now         func() time.Time
}

func NewScheduler(store ScanStore, engine *Engine, scorer Scorer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:       store,
		engine:      engine,
		scorer:      scorer,
		deadLetters: DiscardSink{},
		lock:        NoopLock{},
		lockTTL:     10 * time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes every check concurrently. One check failing never stops the
// others; each failure is reported in RunReport.Errors.
func (s *Scheduler) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{Errors: []string{}}

	release, ok, err := s.lock.Acquire(ctx, runLockKey, s.lockTTL)
	if err != nil {
		return report, err
	}
	if !ok {
		return report, ErrRunInProgress
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			obs.Warn("scheduled_lock_release_failed", map[string]any{"err": err})
		}
	}()

	obs.Info("scheduled_run_started", nil)
	results := make([]CheckResult, len(AllChecks))
	var g errgroup.Group
	for i, kind := range AllChecks {
		g.Go(func() error {
			results[i] = s.safeCheck(ctx, kind)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		report.ChecksRun++
		report.TriggersExecuted += r.TriggersExecuted
		report.Errors = append(report.Errors, r.Errors...)
	}
	obs.Info("scheduled_run_completed", map[string]any{
		"checks_run":        report.ChecksRun,
		"triggers_executed": report.TriggersExecuted,
		"errors":            len(report.Errors),
	})
	return report, nil
}

// RunCheck executes one check by kind.
func (s *Scheduler) RunCheck(ctx context.Context, kind CheckKind) (CheckResult, error) {
	if _, err := ParseCheckKind(string(kind)); err != nil {
		return CheckResult{}, err
	}
	return s.safeCheck(ctx, kind), nil
}

func (s *Scheduler) safeCheck(ctx context.Context, kind CheckKind) (res CheckResult) {
	res = CheckResult{Check: kind, Errors: []string{}}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.addErrorf("check %s panicked: %v", kind, r)
		}
		obs.ScheduledCheckDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		obs.ScheduledTriggersTotal.WithLabelValues(string(kind)).Add(float64(res.TriggersExecuted))
	}()

	switch kind {
	case CheckEvidence:
		s.checkExpiringEvidence(ctx, &res)
	case CheckPolicies:
		s.checkPolicyReviews(ctx, &res)
	case CheckTasks:
		s.checkOverdueTasks(ctx, &res)
	case CheckCertifications:
		s.checkExpiringCertifications(ctx, &res)
	case CheckScores:
		s.refreshAllScores(ctx, &res)
	default:
		res.addErrorf("%v: %s", ErrUnknownCheck, kind)
	}
	return res
}

// claimAndFire claims the candidate, then runs its trigger. A lost claim
// means another run owns the item. A claimed item whose trigger fails is
// dead-lettered because its flag stays set.
func (s *Scheduler) claimAndFire(ctx context.Context, res *CheckResult, claim ClaimKind, label, id string, ev TriggerEvent) {
	won, err := s.store.Claim(ctx, claim, id)
	if err != nil {
		res.addErrorf("Failed to process %s %s: %v", label, id, err)
		return
	}
	if !won {
		return
	}
	out := s.engine.Process(ctx, ev)
	res.TriggersExecuted++
	if out.Failed() {
		s.deadLetter(ctx, res, ev, out.Errors)
	}
}

func (s *Scheduler) deadLetter(ctx context.Context, res *CheckResult, ev TriggerEvent, errs []string) {
	dl, err := TriggerDeadLetter(ev, errs)
	if err == nil {
		err = s.deadLetters.Record(ctx, dl)
	}
	if err != nil {
		res.addErrorf("Failed to dead-letter %s %s: %v", ev.Type, ev.EntityID, err)
	}
}

func (s *Scheduler) checkExpiringEvidence(ctx context.Context, res *CheckResult) {
	now := s.now().UTC()
	items, err := s.store.ExpiringEvidence(ctx, now.Add(-evidenceMaxAge))
	if err != nil {
		res.addErrorf("Error fetching expiring evidence: %v", err)
		return
	}
	for _, ev := range items {
		s.claimAndFire(ctx, res, ClaimEvidenceRenewal, "evidence", ev.ID, TriggerEvent{
			Type:           TriggerEvidenceExpiry,
			OrganizationID: ev.OrganizationID,
			EntityID:       ev.ID,
			EntityType:     "evidence",
			Metadata: map[string]any{
				"evidenceId": ev.ID,
				"fileName":   ev.FileName,
				"createdAt":  ev.CreatedAt,
			},
			TriggeredAt: now,
		})
	}
}

func (s *Scheduler) checkPolicyReviews(ctx context.Context, res *CheckResult) {
	now := s.now().UTC()
	items, err := s.store.PoliciesDueReview(ctx, now.Add(-policyReviewInterval))
	if err != nil {
		res.addErrorf("Error fetching policies for review: %v", err)
		return
	}
	for _, p := range items {
		meta := map[string]any{"policyId": p.ID, "title": p.Title}
		if p.LastUpdatedAt != nil {
			meta["lastUpdated"] = *p.LastUpdatedAt
		}
		s.claimAndFire(ctx, res, ClaimPolicyReview, "policy", p.ID, TriggerEvent{
			Type:           TriggerPolicyReviewDue,
			OrganizationID: p.OrganizationID,
			EntityID:       p.ID,
			EntityType:     "policy",
			Metadata:       meta,
			TriggeredAt:    now,
		})
	}
}

func (s *Scheduler) checkOverdueTasks(ctx context.Context, res *CheckResult) {
	now := s.now().UTC()
	items, err := s.store.OverdueTasks(ctx, now)
	if err != nil {
		res.addErrorf("Error fetching overdue tasks: %v", err)
		return
	}
	for _, t := range items {
		daysOverdue := 0
		if t.DueDate != nil {
			daysOverdue = floorDays(now.Sub(*t.DueDate))
		}
		s.claimAndFire(ctx, res, ClaimTaskEscalation, "task", t.ID, TriggerEvent{
			Type:           TriggerTaskOverdue,
			OrganizationID: t.OrganizationID,
			EntityID:       t.ID,
			EntityType:     "task",
			Metadata: map[string]any{
				"taskId":      t.ID,
				"title":       t.Title,
				"daysOverdue": daysOverdue,
				"priority":    t.Priority,
				"assignedTo":  t.AssignedTo,
			},
			TriggeredAt: now,
		})
	}
}

// floorDays rounds toward negative infinity: 36 hours past a deadline is one
// day overdue, while an expiry 36 hours ago is -2 days away.
func floorDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}

// checkExpiringCertifications assumes a one-year validity from issued_at.
func (s *Scheduler) checkExpiringCertifications(ctx context.Context, res *CheckResult) {
	now := s.now().UTC()
	certs, err := s.store.IssuedCertifications(ctx)
	if err != nil {
		res.addErrorf("Error fetching certifications: %v", err)
		return
	}
	threshold := now.Add(certificationWarning)
	for _, c := range certs {
		expiry := c.IssuedAt.AddDate(1, 0, 0)
		if expiry.After(threshold) {
			continue
		}
		days := floorDays(expiry.Sub(now))
		s.claimAndFire(ctx, res, ClaimCertificationRenewal, "certification", c.ID, TriggerEvent{
			Type:           TriggerCertificationExpiring,
			OrganizationID: c.OrganizationID,
			EntityID:       c.ID,
			EntityType:     "certification",
			Metadata: map[string]any{
				"certificationId": c.ID,
				"frameworkId":     c.FrameworkID,
				"daysUntilExpiry": days,
			},
			TriggeredAt: now,
		})
	}
}

// refreshAllScores recomputes every onboarded organization in chunks and
// fires risk_score_change when a previously stored tier moved.
func (s *Scheduler) refreshAllScores(ctx context.Context, res *CheckResult) {
	orgs, err := s.store.OnboardedOrganizations(ctx)
	if err != nil {
		res.addErrorf("Error fetching organizations: %v", err)
		return
	}
	if len(orgs) == 0 {
		return
	}
	obs.Info("scheduled_score_refresh", map[string]any{"organizations": len(orgs)})

	var mu sync.Mutex
	for start := 0; start < len(orgs); start += scoreBatchSize {
		batch := orgs[start:min(start+scoreBatchSize, len(orgs))]
		var g errgroup.Group
		g.SetLimit(scoreBatchSize)
		for _, orgID := range batch {
			g.Go(func() error {
				executed, errMsg := s.refreshOne(ctx, orgID)
				mu.Lock()
				defer mu.Unlock()
				res.TriggersExecuted += executed
				if errMsg != "" {
					res.Errors = append(res.Errors, errMsg)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (s *Scheduler) refreshOne(ctx context.Context, orgID string) (int, string) {
	var prevRisk compliance.RiskLevel
	prev, err := s.scorer.Current(ctx, orgID)
	switch {
	case errors.Is(err, compliance.ErrNotFound):
	case err != nil:
		return 0, fmt.Sprintf("Failed to update score for org %s: %v", orgID, err)
	default:
		if prev.Details.RiskLevel.Valid() {
			prevRisk = prev.Details.RiskLevel
		}
	}

	score, err := s.scorer.Update(ctx, orgID)
	if err != nil {
		return 0, fmt.Sprintf("Failed to update score for org %s: %v", orgID, err)
	}
	if prevRisk == "" || prevRisk == score.RiskLevel {
		return 1, ""
	}

	ev := TriggerEvent{
		Type:           TriggerRiskScoreChange,
		OrganizationID: orgID,
		Metadata: map[string]any{
			"previousRisk": string(prevRisk),
			"newRisk":      string(score.RiskLevel),
			"score":        score.Overall,
		},
		TriggeredAt: s.now().UTC(),
	}
	if out := s.engine.Process(ctx, ev); out.Failed() {
		var tmp CheckResult
		s.deadLetter(ctx, &tmp, ev, out.Errors)
		if len(tmp.Errors) > 0 {
			return 1, tmp.Errors[0]
		}
	}
	return 1, ""
}
