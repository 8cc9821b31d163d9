// Package app wires the domain services on top of a single store. The API
// server and formactl share it so both run the same graph.
package app

import (
	"time"

	"formaos.app/internal/automation"
	"formaos.app/internal/compliance"
	"formaos.app/internal/controlplane"
	"formaos.app/internal/onboarding"
)

// Backend is the persistence surface every service needs. Both pg.Store and
// memstore.Store implement it.
type Backend interface {
	compliance.Store
	automation.Store
	controlplane.Store
	onboarding.CountsSource
}

type Options struct {
	// Lock serializes scheduled runs across replicas. Nil means NoopLock.
	Lock    automation.RunLock
	LockTTL time.Duration
}

type Services struct {
	Compliance   *compliance.Engine
	Automation   *automation.Engine
	Processor    *automation.Processor
	Hooks        *automation.Hooks
	Scheduler    *automation.Scheduler
	Replayer     *automation.Replayer
	ControlPlane *controlplane.Service
	Onboarding   onboarding.CountsSource
}

func Wire(store Backend, opts Options) *Services {
	lock := opts.Lock
	if lock == nil {
		lock = automation.NoopLock{}
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	scores := compliance.NewEngine(store)
	engine := automation.NewEngine(store, scores)
	processor := automation.NewProcessor(store, engine, scores)
	sink := automation.StoreSink{Store: store}
	scheduler := automation.NewScheduler(store, engine, scores,
		automation.WithRunLock(lock, ttl),
		automation.WithDeadLetters(sink),
	)
	replayer := automation.NewReplayer(store, engine, processor)
	cp := controlplane.NewService(store,
		controlplane.WithScoreRefresher(scheduler),
		controlplane.WithReplayer(replayer),
	)

	return &Services{
		Compliance:   scores,
		Automation:   engine,
		Processor:    processor,
		Hooks:        automation.NewHooks(processor, sink),
		Scheduler:    scheduler,
		Replayer:     replayer,
		ControlPlane: cp,
		Onboarding:   store,
	}
}
