// Package memstore is a mutex-guarded in-process implementation of the
// compliance, automation and control-plane stores. It backs the test suites
// and the CLI demo mode.
package memstore

import (
	"context"
	"sync"
	"time"

	"formaos.app/internal/automation"
	"formaos.app/internal/compliance"
	"formaos.app/internal/controlplane"
	"formaos.app/internal/onboarding"
)

var (
	_ compliance.Store        = (*Store)(nil)
	_ automation.Store        = (*Store)(nil)
	_ controlplane.Store      = (*Store)(nil)
	_ onboarding.CountsSource = (*Store)(nil)
)

// Organization is the seed shape for an organization row.
type Organization struct {
	ID              string
	Name            string
	Industry        string
	Onboarded       bool
	ProfileComplete bool
	CreatedAt       time.Time
}

type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	orgs        map[string]Organization
	members     map[string][]automation.Member
	controls    map[string]automation.Control
	orgControls map[string]map[string]string
	evidence    map[string]automation.Evidence
	approvals   map[string]string
	policies    map[string]automation.Policy
	tasks       map[string]automation.Task
	certs       map[string]automation.Certification
	notes       []automation.Notification
	auditEvents []automation.AuditEvent
	counters    map[string]map[string]int
	evals       map[string]compliance.Evaluation
	deadLetters map[string]automation.DeadLetter

	flags     []controlplane.FeatureFlag
	marketing []controlplane.MarketingConfig
	settings  []controlplane.SystemSetting
	jobs      map[string]controlplane.AdminJob
	audit     []controlplane.AuditRecord

	faults map[string]error
}

func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		orgs:        map[string]Organization{},
		members:     map[string][]automation.Member{},
		controls:    map[string]automation.Control{},
		orgControls: map[string]map[string]string{},
		evidence:    map[string]automation.Evidence{},
		approvals:   map[string]string{},
		policies:    map[string]automation.Policy{},
		tasks:       map[string]automation.Task{},
		certs:       map[string]automation.Certification{},
		counters:    map[string]map[string]int{},
		evals:       map[string]compliance.Evaluation{},
		deadLetters: map[string]automation.DeadLetter{},
		jobs:        map[string]controlplane.AdminJob{},
		faults:      map[string]error{},
	}
}

// SetClock overrides the clock used for generated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetFault makes every call of the named method fail with err until cleared
// with a nil err.
func (s *Store) SetFault(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

// fault must be called with s.mu held.
func (s *Store) fault(method string) error {
	return s.faults[method]
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault("Ping")
}
