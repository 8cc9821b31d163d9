package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"formaos.app/internal/ids"
	"formaos.app/internal/obs"
)

type DeadLetterSource string

const (
	SourceEvent   DeadLetterSource = "event"
	SourceTrigger DeadLetterSource = "trigger"
)

// DeadLetter is an automation step that failed and can be replayed.
type DeadLetter struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organizationId"`
	Source         DeadLetterSource `json:"source"`
	Kind           string           `json:"kind"`
	Payload        json.RawMessage  `json:"payload"`
	Error          string           `json:"error"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"createdAt"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
}

// DeadLetterSink receives failed automation work.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

// TriggerDeadLetter captures a trigger whose result reported errors.
func TriggerDeadLetter(ev TriggerEvent, errs []string) (DeadLetter, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("encode trigger: %w", err)
	}
	return DeadLetter{
		OrganizationID: ev.OrganizationID,
		Source:         SourceTrigger,
		Kind:           string(ev.Type),
		Payload:        payload,
		Error:          strings.Join(errs, "; "),
	}, nil
}

// EventDeadLetter captures an event the processor could not finish.
func EventDeadLetter(ev DatabaseEvent, cause error) (DeadLetter, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("encode event: %w", err)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return DeadLetter{
		OrganizationID: ev.OrganizationID,
		Source:         SourceEvent,
		Kind:           string(ev.Type),
		Payload:        payload,
		Error:          msg,
	}, nil
}

// StoreSink persists dead letters through a DeadLetterStore.
type StoreSink struct {
	Store DeadLetterStore
	Now   func() time.Time
}

func (s StoreSink) Record(ctx context.Context, dl DeadLetter) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if dl.ID == "" {
		dl.ID = ids.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = now().UTC()
	}
	if dl.Attempts == 0 {
		dl.Attempts = 1
	}
	if err := s.Store.AddDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	obs.DeadLettersTotal.WithLabelValues(string(dl.Source)).Inc()
	obs.Warn("automation_dead_letter", map[string]any{
		"id":     dl.ID,
		"org_id": dl.OrganizationID,
		"source": dl.Source,
		"kind":   dl.Kind,
		"error":  dl.Error,
	})
	return nil
}

// DiscardSink drops dead letters after logging them.
type DiscardSink struct{}

func (DiscardSink) Record(_ context.Context, dl DeadLetter) error {
	obs.Warn("automation_dead_letter_discarded", map[string]any{
		"org_id": dl.OrganizationID,
		"source": dl.Source,
		"kind":   dl.Kind,
		"error":  dl.Error,
	})
	return nil
}

type ReplayReport struct {
	Attempted int      `json:"attempted"`
	Resolved  int      `json:"resolved"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Replayer re-runs unresolved dead letters.
type Replayer struct {
	store     DeadLetterStore
	engine    *Engine
	processor *Processor
	now       func() time.Time
}

func NewReplayer(store DeadLetterStore, engine *Engine, processor *Processor) *Replayer {
	return &Replayer{store: store, engine: engine, processor: processor, now: engine.now}
}

// Replay re-dispatches up to limit pending dead letters, oldest first.
// Successes are resolved; failures get their attempt counter bumped.
func (r *Replayer) Replay(ctx context.Context, limit int) (ReplayReport, error) {
	report := ReplayReport{Errors: []string{}}
	if limit <= 0 {
		limit = 50
	}
	pending, err := r.store.PendingDeadLetters(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list dead letters: %w", err)
	}
	for _, dl := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		msg := r.replayOne(ctx, dl)
		if msg == "" {
			if err := r.store.ResolveDeadLetter(ctx, dl.ID, r.now().UTC()); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("resolve %s: %v", dl.ID, err))
				continue
			}
			report.Resolved++
			continue
		}
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", dl.ID, msg))
		if err := r.store.RetryFailed(ctx, dl.ID, msg); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("bump %s: %v", dl.ID, err))
		}
	}
	return report, nil
}

func (r *Replayer) replayOne(ctx context.Context, dl DeadLetter) string {
	switch dl.Source {
	case SourceTrigger:
		var ev TriggerEvent
		if err := json.Unmarshal(dl.Payload, &ev); err != nil {
			return fmt.Sprintf("decode trigger: %v", err)
		}
		res := r.engine.Process(ctx, ev)
		if res.Failed() {
			return strings.Join(res.Errors, "; ")
		}
		return ""
	case SourceEvent:
		var ev DatabaseEvent
		if err := json.Unmarshal(dl.Payload, &ev); err != nil {
			return fmt.Sprintf("decode event: %v", err)
		}
		out, err := r.processor.Process(ctx, ev)
		if err != nil {
			return err.Error()
		}
		if out.Result != nil && out.Result.Failed() {
			return strings.Join(out.Result.Errors, "; ")
		}
		return ""
	default:
		return fmt.Sprintf("%v: %q", ErrUnknownDeadLetter, dl.Source)
	}
}
