package asynctrainer

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandeepkv93/async-rl-tuning/sharedoptimizer"
	"github.com/sandeepkv93/async-rl-tuning/unrealmodel"
)

// stubEnv is a scriptable environment for trainer tests.
type stubEnv struct {
	mu      sync.Mutex
	steps   int
	closes  int32
	obsSize int
	actions int
	lines   float64
	stepFn  func(step int) (reward float64, lines float64, done bool, err error)
	onStep  func(step int)
}

func (e *stubEnv) Reset() ([]float64, map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines = 0
	return make([]float64, e.obsSize), map[string]float64{ProgressKey: 0}
}

func (e *stubEnv) Step(action int) ([]float64, float64, bool, bool, map[string]float64, error) {
	e.mu.Lock()
	e.steps++
	step := e.steps
	e.mu.Unlock()

	if e.onStep != nil {
		e.onStep(step)
	}

	reward, lines, done := 0.0, 0.0, false
	var err error
	if e.stepFn != nil {
		reward, lines, done, err = e.stepFn(step)
	}
	if err != nil {
		return nil, 0, false, false, nil, err
	}

	e.mu.Lock()
	if lines > e.lines {
		e.lines = lines
	}
	info := map[string]float64{ProgressKey: e.lines}
	e.mu.Unlock()

	return make([]float64, e.obsSize), reward, done, false, info, nil
}

func (e *stubEnv) ActionCount() int { return e.actions }

func (e *stubEnv) Close() error {
	atomic.AddInt32(&e.closes, 1)
	return nil
}

// stubTrial records reports and prunes on demand.
type stubTrial struct {
	mu          sync.Mutex
	reports     []float64
	pruneAfter  int
	pruneCalls  int
	neverPrunes bool
}

func (t *stubTrial) Report(value float64, step int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, value)
}

func (t *stubTrial) ShouldPrune() bool {
	if t.neverPrunes {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneCalls++
	return t.pruneAfter > 0 && t.pruneCalls >= t.pruneAfter
}

func testWorkerSetup(t *testing.T, hp Hyperparameters, env *stubEnv, trial Trial) (*worker, *SharedCounters, *StopSignal) {
	t.Helper()

	modelCfg := unrealmodel.Config{
		InputSize:   env.obsSize,
		ActionCount: env.actions,
		HiddenSize:  hp.HiddenSize,
		Beta:        hp.Beta,
		Gamma:       hp.Gamma,
		Seed:        modelSeed,
	}
	global, err := unrealmodel.New(modelCfg)
	if err != nil {
		t.Fatalf("Building model failed: %v", err)
	}
	opt, err := sharedoptimizer.NewRMSProp(global, hp.LearningRate)
	if err != nil {
		t.Fatalf("Building optimizer failed: %v", err)
	}

	counters := NewSharedCounters()
	stop := &StopSignal{}
	w := &worker{
		rank:     0,
		hp:       hp,
		modelCfg: modelCfg,
		env:      env,
		global:   global,
		opt:      opt,
		counters: counters,
		stop:     stop,
		trial:    trial,
	}
	return w, counters, stop
}

func TestWorkerCompletesInFlightCycleOnStop(t *testing.T) {
	hp := validHyperparameters()
	hp.HiddenSize = 8
	hp.UnrollSteps = 6
	hp.ReplayCapacity = 64

	env := &stubEnv{obsSize: 5, actions: 3}
	var w *worker
	var stop *StopSignal
	env.onStep = func(step int) {
		// Raise the stop signal mid-rollout: the cycle must still finish.
		if step == 2 {
			stop.Set()
		}
	}

	w, counters, stop2 := testWorkerSetup(t, hp, env, &stubTrial{neverPrunes: true})
	stop = stop2

	done := make(chan struct{})
	go func() {
		w.run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not exit after stop signal")
	}

	// Exactly one rollout+update cycle: the stop check happens only at the
	// top of the outer loop.
	if counters.Steps() != int64(hp.UnrollSteps) {
		t.Errorf("Expected exactly %d steps (one in-flight cycle), got %d",
			hp.UnrollSteps, counters.Steps())
	}
	if got := atomic.LoadInt32(&env.closes); got != 1 {
		t.Errorf("Expected environment closed exactly once, got %d", got)
	}
}

func TestWorkerStepCountMatchesEnvironmentSteps(t *testing.T) {
	hp := validHyperparameters()
	hp.HiddenSize = 8
	hp.UnrollSteps = 4
	hp.ReplayCapacity = 64

	env := &stubEnv{obsSize: 5, actions: 3}
	var stop *StopSignal
	env.onStep = func(step int) {
		if step == 11 { // partway through the third rollout
			stop.Set()
		}
	}

	w, counters, s := testWorkerSetup(t, hp, env, &stubTrial{neverPrunes: true})
	stop = s

	w.run(context.Background())

	env.mu.Lock()
	envSteps := env.steps
	env.mu.Unlock()
	if counters.Steps() != int64(envSteps) {
		t.Errorf("Expected shared steps %d to equal environment steps %d",
			counters.Steps(), envSteps)
	}
	// Three full rollouts of 4 steps.
	if counters.Steps() != 12 {
		t.Errorf("Expected 12 steps, got %d", counters.Steps())
	}
}

func TestProgressBonusAppliedOnlyOnIncrement(t *testing.T) {
	hp := validHyperparameters()
	hp.HiddenSize = 8
	hp.UnrollSteps = 6
	hp.ReplayCapacity = 64

	env := &stubEnv{obsSize: 5, actions: 3}
	var stop *StopSignal
	env.onStep = func(step int) {
		if step == 1 {
			stop.Set()
		}
	}
	env.stepFn = func(step int) (float64, float64, bool, error) {
		switch step {
		case 2:
			return 1.0, 2, false, nil // two lines cleared at once
		case 4:
			return 1.0, 2, false, nil // no new lines: no bonus
		case 5:
			return 1.0, 3, false, nil // one more line
		default:
			return 1.0, 0, false, nil
		}
	}
	// step 2 bonus = 10*2, step 5 bonus = 10*1; base reward 1.0 each step.

	w, counters, s := testWorkerSetup(t, hp, env, &stubTrial{neverPrunes: true})
	stop = s

	w.run(context.Background())

	want := 6.0 + 10.0*2 + 10.0*1
	if math.Abs(counters.Rewards()-want) > 1e-9 {
		t.Errorf("Expected total reward %f, got %f", want, counters.Rewards())
	}
}

func TestSupervisorSpawnsAndReleasesAllWorkers(t *testing.T) {
	hp := validHyperparameters()
	hp.NumAgents = 3
	hp.HiddenSize = 8
	hp.UnrollSteps = 4
	hp.ReplayCapacity = 64
	hp.TrainTime = 400 * time.Millisecond
	hp.JoinTimeout = 5 * time.Second

	var envCount int32
	var closeCount int32
	sup := &Supervisor{
		TrialID:      "test-cohort",
		PollInterval: 20 * time.Millisecond,
		EnvFactory: func(seed int64) Environment {
			atomic.AddInt32(&envCount, 1)
			return &countingCloseEnv{stubEnv: stubEnv{obsSize: 5, actions: 3}, closeCounter: &closeCount}
		},
	}

	if _, err := sup.RunTrial(context.Background(), &stubTrial{neverPrunes: true}, hp); err != nil {
		t.Fatalf("RunTrial failed: %v", err)
	}

	// One probe env plus one per worker, all closed.
	if envCount != int32(hp.NumAgents)+1 {
		t.Errorf("Expected %d environments, got %d", hp.NumAgents+1, envCount)
	}
	if closeCount != envCount {
		t.Errorf("Expected every environment closed exactly once: %d created, %d closed",
			envCount, closeCount)
	}
}

type countingCloseEnv struct {
	stubEnv
	closeCounter *int32
}

func (e *countingCloseEnv) Close() error {
	atomic.AddInt32(e.closeCounter, 1)
	return nil
}

func TestSupervisorScoreIsMeanRewardPerStep(t *testing.T) {
	hp := validHyperparameters()
	hp.NumAgents = 2
	hp.HiddenSize = 8
	hp.UnrollSteps = 4
	hp.ReplayCapacity = 64
	hp.TrainTime = 300 * time.Millisecond
	hp.JoinTimeout = 5 * time.Second

	sup := &Supervisor{
		PollInterval: 20 * time.Millisecond,
		EnvFactory: func(seed int64) Environment {
			env := &stubEnv{obsSize: 5, actions: 3}
			env.stepFn = func(step int) (float64, float64, bool, error) {
				return 2.0, 0, false, nil // constant reward per step
			}
			return env
		},
	}

	score, err := sup.RunTrial(context.Background(), &stubTrial{neverPrunes: true}, hp)
	if err != nil {
		t.Fatalf("RunTrial failed: %v", err)
	}
	if math.Abs(score-2.0) > 1e-9 {
		t.Errorf("Expected score 2.0 (constant 2.0 reward per step), got %f", score)
	}
}

func TestSupervisorFailsExplicitlyOnZeroSteps(t *testing.T) {
	hp := validHyperparameters()
	hp.NumAgents = 2
	hp.HiddenSize = 8
	hp.UnrollSteps = 4
	hp.ReplayCapacity = 64
	hp.TrainTime = 2 * time.Second
	hp.JoinTimeout = 5 * time.Second

	bad := errors.New("sensor failure")
	sup := &Supervisor{
		PollInterval: 20 * time.Millisecond,
		EnvFactory: func(seed int64) Environment {
			env := &stubEnv{obsSize: 5, actions: 3}
			env.stepFn = func(step int) (float64, float64, bool, error) {
				return 0, 0, false, bad // every step fails before counting
			}
			return env
		},
	}

	_, err := sup.RunTrial(context.Background(), &stubTrial{neverPrunes: true}, hp)
	if !errors.Is(err, ErrNoSteps) {
		t.Errorf("Expected ErrNoSteps, got %v", err)
	}
}

func TestSupervisorPruneStopsEarly(t *testing.T) {
	hp := validHyperparameters()
	hp.NumAgents = 2
	hp.HiddenSize = 8
	hp.UnrollSteps = 4
	hp.ReplayCapacity = 64
	hp.TrainTime = 30 * time.Second // far longer than the test should take
	hp.JoinTimeout = 5 * time.Second

	sup := &Supervisor{
		PollInterval: 20 * time.Millisecond,
		EnvFactory: func(seed int64) Environment {
			return &stubEnv{obsSize: 5, actions: 3}
		},
	}

	start := time.Now()
	_, err := sup.RunTrial(context.Background(), &stubTrial{pruneAfter: 3}, hp)
	if err != nil {
		t.Fatalf("RunTrial failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Expected prune to stop the trial early, took %s", elapsed)
	}
}

func TestSupervisorEscalatesInterrupt(t *testing.T) {
	hp := validHyperparameters()
	hp.NumAgents = 2
	hp.HiddenSize = 8
	hp.UnrollSteps = 4
	hp.ReplayCapacity = 64
	hp.TrainTime = 30 * time.Second
	hp.JoinTimeout = 5 * time.Second

	sup := &Supervisor{
		PollInterval: 20 * time.Millisecond,
		EnvFactory: func(seed int64) Environment {
			return &stubEnv{obsSize: 5, actions: 3}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := sup.RunTrial(ctx, &stubTrial{neverPrunes: true}, hp)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSupervisorRejectsInvalidSetups(t *testing.T) {
	sup := &Supervisor{}
	if _, err := sup.RunTrial(context.Background(), &stubTrial{}, validHyperparameters()); !errors.Is(err, ErrMissingFactory) {
		t.Errorf("Expected ErrMissingFactory, got %v", err)
	}

	sup = &Supervisor{EnvFactory: func(seed int64) Environment {
		return &stubEnv{obsSize: 5, actions: 3}
	}}
	hp := validHyperparameters()
	hp.LearningRate = -1
	if _, err := sup.RunTrial(context.Background(), &stubTrial{}, hp); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestWorkerZeroReportsOnEpisodeBoundary(t *testing.T) {
	hp := validHyperparameters()
	hp.HiddenSize = 8
	hp.UnrollSteps = 4
	hp.ReplayCapacity = 64

	env := &stubEnv{obsSize: 5, actions: 3}
	var stop *StopSignal
	env.stepFn = func(step int) (float64, float64, bool, error) {
		return 1.0, 0, step%3 == 0, nil // episodes of three steps
	}
	env.onStep = func(step int) {
		if step == 10 {
			stop.Set()
		}
	}

	trial := &stubTrial{neverPrunes: true}
	w, _, s := testWorkerSetup(t, hp, env, trial)
	stop = s

	w.run(context.Background())

	trial.mu.Lock()
	reports := len(trial.reports)
	trial.mu.Unlock()
	if reports == 0 {
		t.Error("Expected worker 0 to report intermediate scores on episode boundaries")
	}
}
