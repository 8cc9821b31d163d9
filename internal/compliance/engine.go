package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"formaos.app/internal/obs"
)

// Store reads the counters a score is computed from and persists the
// per-organization evaluation row.
type Store interface {
	ControlCounts(ctx context.Context, orgID string) (ControlCounts, error)
	EvidenceCounts(ctx context.Context, orgID string) (EvidenceCounts, error)
	TaskCounts(ctx context.Context, orgID string, now time.Time) (TaskCounts, error)
	PolicyCounts(ctx context.Context, orgID string) (PolicyCounts, error)

	// LoadEvaluation returns ErrNotFound when the organization has no row yet.
	LoadEvaluation(ctx context.Context, orgID string) (Evaluation, error)
	// StoreEvaluation writes ev when the stored version equals expected
	// (0 means no row yet) and returns ErrVersionConflict otherwise.
	// ev.Version carries the new version.
	StoreEvaluation(ctx context.Context, ev Evaluation, expected int64) error
}

// MaxSaveAttempts bounds how many times Update recomputes after losing a race.
const MaxSaveAttempts = 3

type Option func(*Engine)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	store Store
	now   func() time.Time
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Calculate reads the four counters concurrently and derives the score.
func (e *Engine) Calculate(ctx context.Context, orgID string) (Score, error) {
	if orgID == "" {
		return Score{}, errors.New("organization id is required")
	}
	now := e.now().UTC()

	var (
		controls ControlCounts
		evidence EvidenceCounts
		tasks    TaskCounts
		policies PolicyCounts
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		controls, err = e.store.ControlCounts(gctx, orgID)
		return wrap("controls", err)
	})
	g.Go(func() (err error) {
		evidence, err = e.store.EvidenceCounts(gctx, orgID)
		return wrap("evidence", err)
	})
	g.Go(func() (err error) {
		tasks, err = e.store.TaskCounts(gctx, orgID, now)
		return wrap("tasks", err)
	})
	g.Go(func() (err error) {
		policies, err = e.store.PolicyCounts(gctx, orgID)
		return wrap("policies", err)
	})
	if err := g.Wait(); err != nil {
		return Score{}, err
	}

	score := Compute(orgID, controls, evidence, tasks, policies)
	score.CalculatedAt = now
	return score, nil
}

// Save persists score against whatever version is stored right now.
func (e *Engine) Save(ctx context.Context, score Score) error {
	expected, err := e.currentVersion(ctx, score.OrganizationID)
	if err != nil {
		return err
	}
	return e.saveAt(ctx, score, expected)
}

// Update recomputes and saves the score. A write that loses a race with a
// concurrent recomputation is retried from a fresh read, so the row never
// regresses to an older computation.
func (e *Engine) Update(ctx context.Context, orgID string) (Score, error) {
	var lastErr error
	for attempt := 0; attempt < MaxSaveAttempts; attempt++ {
		expected, err := e.currentVersion(ctx, orgID)
		if err != nil {
			return Score{}, err
		}
		score, err := e.Calculate(ctx, orgID)
		if err != nil {
			return Score{}, err
		}
		err = e.saveAt(ctx, score, expected)
		if err == nil {
			obs.ComplianceScores.Observe(float64(score.Overall))
			return score, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Score{}, err
		}
		lastErr = err
	}
	return Score{}, fmt.Errorf("update score for %s: %w", orgID, lastErr)
}

// Current returns the stored evaluation or ErrNotFound.
func (e *Engine) Current(ctx context.Context, orgID string) (Evaluation, error) {
	return e.store.LoadEvaluation(ctx, orgID)
}

// Summary returns the dashboard summary, computing a first evaluation when
// none exists.
func (e *Engine) Summary(ctx context.Context, orgID string) (Summary, error) {
	ev, err := e.store.LoadEvaluation(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		score, err := e.Update(ctx, orgID)
		if err != nil {
			return Summary{}, err
		}
		return Summary{
			Score:       score.Overall,
			RiskLevel:   score.RiskLevel,
			LastUpdated: score.CalculatedAt,
			Breakdown: Breakdown{
				Controls: score.Controls,
				Evidence: score.Evidence,
				Tasks:    score.Tasks,
				Policies: score.Policies,
			},
		}, nil
	}
	if err != nil {
		return Summary{}, err
	}
	last := ev.LastEvaluatedAt
	if last.IsZero() {
		last = e.now().UTC()
	}
	return Summary{
		Score:       ev.Score,
		RiskLevel:   ev.RiskLevel(),
		LastUpdated: last,
		Breakdown: Breakdown{
			Controls: ev.Details.ControlsScore,
			Evidence: ev.Details.EvidenceScore,
			Tasks:    ev.Details.TasksScore,
			Policies: ev.Details.PoliciesScore,
		},
	}, nil
}

func (e *Engine) currentVersion(ctx context.Context, orgID string) (int64, error) {
	ev, err := e.store.LoadEvaluation(ctx, orgID)
	switch {
	case errors.Is(err, ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("load evaluation: %w", err)
	}
	return ev.Version, nil
}

func (e *Engine) saveAt(ctx context.Context, score Score, expected int64) error {
	ev := Evaluation{
		OrganizationID:    score.OrganizationID,
		Score:             score.Overall,
		Status:            score.RiskLevel.Status(),
		TotalControls:     score.Details.TotalControls,
		SatisfiedControls: score.Details.CompliantControls,
		MissingControls:   score.Details.NonCompliantControls,
		Details:           score.Details,
		LastEvaluatedAt:   score.CalculatedAt,
		Version:           expected + 1,
	}
	return e.store.StoreEvaluation(ctx, ev, expected)
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("read %s: %w", what, err)
}
