package asynctrainer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sandeepkv93/async-rl-tuning/sharedoptimizer"
	"github.com/sandeepkv93/async-rl-tuning/supervisedpool"
	"github.com/sandeepkv93/async-rl-tuning/trainmonitor"
	"github.com/sandeepkv93/async-rl-tuning/unrealmodel"
)

// modelSeed fixes the shared model's initialization for reproducible trials.
const modelSeed = 42

// Supervisor runs one trial: it owns the shared model, optimizer, counters
// and stop signal, spawns the worker cohort, and enforces the wall-clock
// budget and prune checks.
type Supervisor struct {
	// EnvFactory builds one environment per worker, seeded per rank.
	EnvFactory func(seed int64) Environment

	// Monitor, when set, receives one snapshot per poll tick.
	Monitor *trainmonitor.Hub

	// TrialID labels log lines and monitor snapshots.
	TrialID string

	// PollInterval overrides the one-second supervising poll, mainly for
	// tests. Zero means one second.
	PollInterval time.Duration
}

// RunTrial executes a full training session under hp and returns the trial
// score: cumulative shared reward divided by cumulative shared steps. A trial
// that never stepped fails with ErrNoSteps rather than reporting a score.
func (s *Supervisor) RunTrial(ctx context.Context, trial Trial, hp Hyperparameters) (float64, error) {
	if s.EnvFactory == nil {
		return 0, ErrMissingFactory
	}
	if err := hp.Validate(); err != nil {
		return 0, err
	}

	// Probe one environment for the model's input/action shapes.
	probe := s.EnvFactory(workerSeedBase - 1)
	obs, _ := probe.Reset()
	modelCfg := unrealmodel.Config{
		InputSize:   len(obs),
		ActionCount: probe.ActionCount(),
		HiddenSize:  hp.HiddenSize,
		Beta:        hp.Beta,
		Gamma:       hp.Gamma,
		Seed:        modelSeed,
	}
	if err := probe.Close(); err != nil {
		log.Printf("trial %s: closing probe environment: %v", s.TrialID, err)
	}

	// The shared model and optimizer exist before any worker starts, so
	// every worker observes the same shared instances.
	global, err := unrealmodel.New(modelCfg)
	if err != nil {
		return 0, fmt.Errorf("building shared model: %w", err)
	}
	opt, err := s.buildOptimizer(global, hp)
	if err != nil {
		return 0, err
	}

	counters := NewSharedCounters()
	stop := &StopSignal{}
	pool := supervisedpool.New(ctx)

	for rank := 0; rank < hp.NumAgents; rank++ {
		w := &worker{
			rank:     rank,
			hp:       hp,
			modelCfg: modelCfg,
			env:      s.EnvFactory(workerSeedBase + int64(rank)),
			global:   global,
			opt:      opt,
			counters: counters,
			stop:     stop,
			trial:    trial,
		}
		if err := pool.Spawn(w.run); err != nil {
			stop.Set()
			pool.Stop()
			pool.Join(hp.JoinTimeout)
			return 0, fmt.Errorf("spawning worker %d: %w", rank, err)
		}
	}

	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()

poll:
	for time.Since(start) < hp.TrainTime {
		select {
		case <-ctx.Done():
			stop.Set()
			pool.Stop()
			pool.Join(hp.JoinTimeout)
			return 0, ctx.Err()
		case <-ticker.C:
			if pool.AllDone() {
				break poll
			}
			if trial.ShouldPrune() {
				log.Printf("trial %s: pruned after %s", s.TrialID, time.Since(start).Round(time.Second))
				stop.Set()
				break poll
			}
			s.publish(counters, pool, start)
		}
	}

	stop.Set()
	joined, leaked := pool.Join(hp.JoinTimeout)
	if leaked > 0 {
		// Forced-termination fallback: abandoned workers get a hard cancel.
		pool.Stop()
		log.Printf("trial %s: force-terminated %d stuck workers (%d joined)",
			s.TrialID, leaked, joined)
	}

	steps := counters.Steps()
	if steps == 0 {
		return 0, ErrNoSteps
	}
	return counters.Rewards() / float64(steps), nil
}

func (s *Supervisor) buildOptimizer(global *unrealmodel.Model, hp Hyperparameters) (sharedoptimizer.Optimizer, error) {
	switch hp.Optimizer {
	case OptimizerMomentum:
		return sharedoptimizer.NewMomentum(global, hp.LearningRate)
	case OptimizerRMSProp:
		return sharedoptimizer.NewRMSProp(global, hp.LearningRate)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, hp.Optimizer)
	}
}

func (s *Supervisor) publish(counters *SharedCounters, pool *supervisedpool.Pool, start time.Time) {
	if s.Monitor == nil {
		return
	}
	s.Monitor.Publish(trainmonitor.Snapshot{
		TrialID:      s.TrialID,
		Steps:        counters.Steps(),
		Rewards:      counters.Rewards(),
		MeanReward:   counters.MeanReward(),
		AliveWorkers: pool.AliveCount(),
		Elapsed:      time.Since(start),
	})
}
