package hypersearch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ErrNoCompletedTrials is returned when a study finishes without a single
// trial reaching the complete state.
var ErrNoCompletedTrials = errors.New("hypersearch: no completed trials")

// Objective evaluates one trial and returns its score. Higher is better.
type Objective func(ctx context.Context, trial *Trial) (float64, error)

// Study runs a sequence of trials, sampling parameters, recording results
// and pruning underperformers.
type Study struct {
	Name    string
	Sampler *Sampler
	Pruner  *MedianPruner
	Storage *Storage
}

// NewStudy assembles a study from its collaborators.
func NewStudy(name string, sampler *Sampler, pruner *MedianPruner, storage *Storage) *Study {
	return &Study{Name: name, Sampler: sampler, Pruner: pruner, Storage: storage}
}

// Trial is one evaluation of the objective. Suggest methods draw
// parameters through the study's sampler and remember them for storage;
// Report and ShouldPrune drive the median pruner from intermediate values.
// Report and ShouldPrune are safe to call from different goroutines: a
// training worker reports while the supervisor polls the prune decision.
type Trial struct {
	study  *Study
	id     string
	number int
	params map[string]float64

	mu        sync.Mutex
	pruned    bool
	lastStep  int
	lastValue float64
	reported  bool
}

// ID returns the trial's storage identity.
func (t *Trial) ID() string { return t.id }

// Number returns the trial's zero-based position in the study.
func (t *Trial) Number() int { return t.number }

// Params returns a copy of every parameter suggested so far.
func (t *Trial) Params() map[string]float64 {
	out := make(map[string]float64, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

// SuggestFloat draws a parameter uniformly from [low, high].
func (t *Trial) SuggestFloat(name string, low, high float64) float64 {
	v := t.study.Sampler.Float(name, low, high)
	t.params[name] = v
	return v
}

// SuggestLogFloat draws a parameter log-uniformly from [low, high].
func (t *Trial) SuggestLogFloat(name string, low, high float64) float64 {
	v := t.study.Sampler.LogFloat(name, low, high)
	t.params[name] = v
	return v
}

// SuggestInt draws an integer parameter from [low, high] inclusive.
func (t *Trial) SuggestInt(name string, low, high int) int {
	v := t.study.Sampler.Int(name, low, high)
	t.params[name] = float64(v)
	return v
}

// Report records an intermediate value at the given step. Storage failures
// are logged rather than returned so training is never interrupted by a
// bookkeeping error.
func (t *Trial) Report(value float64, step int) {
	t.mu.Lock()
	t.lastStep = step
	t.lastValue = value
	t.reported = true
	t.mu.Unlock()

	if err := t.study.Storage.RecordReport(t.id, step, value); err != nil {
		log.Printf("Trial %d: dropping intermediate report: %v", t.number, err)
	}
}

// ShouldPrune consults the median pruner using the latest reported value.
// It returns false until the trial has reported at least once.
func (t *Trial) ShouldPrune() bool {
	t.mu.Lock()
	pruned, reported := t.pruned, t.reported
	lastStep, lastValue := t.lastStep, t.lastValue
	t.mu.Unlock()

	if pruned {
		return true
	}
	if !reported {
		return false
	}
	completed, err := t.study.Storage.CountCompleted(t.study.Name)
	if err != nil {
		log.Printf("Trial %d: prune check skipped: %v", t.number, err)
		return false
	}
	peers, err := t.study.Storage.ReportsAtStep(t.study.Name, lastStep)
	if err != nil {
		log.Printf("Trial %d: prune check skipped: %v", t.number, err)
		return false
	}
	if !t.study.Pruner.ShouldPrune(completed, peers, lastValue) {
		return false
	}
	t.mu.Lock()
	t.pruned = true
	t.mu.Unlock()
	return true
}

// isPruned reports the trial's prune state after the objective returns.
func (t *Trial) isPruned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruned
}

// Optimize runs nTrials evaluations of objective. Pruned trials are
// recorded as pruned, failed trials are recorded and the search continues,
// and a cancelled context stops the loop and escalates. It returns the
// best completed trial.
func (s *Study) Optimize(ctx context.Context, objective Objective, nTrials int) (TrialRecord, error) {
	for number := 0; number < nTrials; number++ {
		if err := ctx.Err(); err != nil {
			return TrialRecord{}, err
		}

		trial := &Trial{
			study:  s,
			id:     uuid.NewString(),
			number: number,
			params: make(map[string]float64),
		}
		if err := s.Storage.CreateTrial(trial.id, s.Name, number); err != nil {
			return TrialRecord{}, err
		}

		score, err := objective(ctx, trial)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			if serr := s.Storage.CompleteTrial(trial.id, StateFailed, 0, trial.params); serr != nil {
				log.Printf("Trial %d: recording interrupt failed: %v", number, serr)
			}
			return TrialRecord{}, err
		case trial.isPruned():
			log.Printf("Trial %d pruned with score %.6f", number, score)
			if serr := s.Storage.CompleteTrial(trial.id, StatePruned, score, trial.params); serr != nil {
				return TrialRecord{}, serr
			}
		case err != nil:
			log.Printf("Trial %d failed: %v", number, err)
			if serr := s.Storage.CompleteTrial(trial.id, StateFailed, 0, trial.params); serr != nil {
				return TrialRecord{}, serr
			}
		default:
			log.Printf("Trial %d complete with score %.6f", number, score)
			if serr := s.Storage.CompleteTrial(trial.id, StateComplete, score, trial.params); serr != nil {
				return TrialRecord{}, serr
			}
			s.Sampler.Observe(trial.params, score)
		}
	}

	best, err := s.Storage.BestTrials(s.Name, 1)
	if err != nil {
		return TrialRecord{}, err
	}
	if len(best) == 0 {
		return TrialRecord{}, fmt.Errorf("%w in study %s", ErrNoCompletedTrials, s.Name)
	}
	return best[0], nil
}
