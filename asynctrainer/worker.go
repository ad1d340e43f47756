package asynctrainer

import (
	"context"
	"log"
	"math/rand"

	"github.com/sandeepkv93/async-rl-tuning/experiencereplay"
	"github.com/sandeepkv93/async-rl-tuning/sharedoptimizer"
	"github.com/sandeepkv93/async-rl-tuning/unrealmodel"
)

// gradClipNorm bounds the global gradient norm of every update.
const gradClipNorm = 10.0

// workerSeedBase offsets per-worker RNG seeds so runs are reproducible but
// workers explore differently.
const workerSeedBase = 42

// worker bundles the shared handles one actor-learner needs. Everything
// shared is passed in explicitly; workers hold no global state.
type worker struct {
	rank     int
	hp       Hyperparameters
	modelCfg unrealmodel.Config
	env      Environment
	global   *unrealmodel.Model
	opt      sharedoptimizer.Optimizer
	counters *SharedCounters
	stop     *StopSignal
	trial    Trial
}

// run is one worker's entire lifetime: rollout collection, multi-view loss
// computation and gradient hand-off, repeated until the stop signal is
// observed at the top of the loop. The environment is released exactly once
// on every exit path.
func (w *worker) run(ctx context.Context) {
	defer func() {
		if err := w.env.Close(); err != nil {
			log.Printf("agent %d: closing environment: %v", w.rank, err)
		}
	}()

	rng := rand.New(rand.NewSource(workerSeedBase + int64(w.rank)))

	local, err := unrealmodel.New(w.modelCfg)
	if err != nil {
		log.Printf("agent %d: building local model: %v", w.rank, err)
		return
	}
	replay := experiencereplay.New(w.hp.ReplayCapacity, rng)

	actions := w.env.ActionCount()
	var (
		obs        []float64
		prevAction = make([]float64, actions)
		prevReward float64
		hidden     = make([]float64, w.hp.HiddenSize)
		prevLines  float64
		done       = true
		numGames   int
		updates    int
		lastLoss   float64
	)

	// The stop check happens only here, so an in-progress rollout+update
	// cycle always completes before exit.
	for !w.stop.IsSet() && ctx.Err() == nil {
		local.ZeroGrads()
		local.CopyWeightsFrom(w.global)

		for i := 0; i < w.hp.UnrollSteps; i++ {
			if done {
				obs, _ = w.env.Reset()
				for j := range prevAction {
					prevAction[j] = 0
				}
				prevReward = 0
				for j := range hidden {
					hidden[j] = 0
				}
				prevLines = 0
				if w.rank == 0 && numGames > 0 {
					w.trial.Report(w.counters.MeanReward(), numGames)
				}
				numGames++
				done = false
			}

			policy, _, nextHidden, err := local.Forward(obs, prevAction, prevReward, hidden)
			if err != nil {
				log.Printf("agent %d: forward pass: %v", w.rank, err)
				return
			}
			hidden = nextHidden
			action := sampleCategorical(policy, rng)

			nextObs, reward, stepDone, truncated, info, err := w.env.Step(action)
			if err != nil {
				log.Printf("agent %d: environment step: %v", w.rank, err)
				return
			}
			w.counters.AddSteps(1)

			if lines := info[ProgressKey]; lines > prevLines {
				reward += ProgressBonus * (lines - prevLines)
				prevLines = lines
			}
			w.counters.AddReward(reward)

			done = stepDone || truncated
			replay.Store(experiencereplay.Transition{
				State:      obs,
				PrevAction: argmax(prevAction),
				PrevReward: prevReward,
				NextState:  nextObs,
				Action:     action,
				Reward:     reward,
				Done:       done,
			})

			for j := range prevAction {
				prevAction[j] = 0
			}
			prevAction[action] = 1
			prevReward = reward
			obs = nextObs
		}

		seq, err := replay.SampleSequential(w.hp.UnrollSteps)
		if err != nil {
			log.Printf("agent %d: sequential sample: %v", w.rank, err)
			continue
		}
		policyLoss, valueLoss, err := local.ActorCriticLoss(seq)
		if err != nil {
			log.Printf("agent %d: actor-critic loss: %v", w.rank, err)
			continue
		}

		rnd, err := replay.SampleRandom(w.hp.UnrollSteps)
		if err != nil {
			log.Printf("agent %d: random sample: %v", w.rank, err)
			continue
		}
		controlLoss, err := local.ControlLoss(rnd, w.hp.TaskWeight)
		if err != nil {
			log.Printf("agent %d: control loss: %v", w.rank, err)
			continue
		}
		valueReplayLoss, err := local.ValueReplayLoss(rnd)
		if err != nil {
			log.Printf("agent %d: value replay loss: %v", w.rank, err)
			continue
		}

		frames, err := replay.SampleRewardPrediction()
		if err != nil {
			log.Printf("agent %d: reward prediction sample: %v", w.rank, err)
			continue
		}
		rpLoss, err := local.RewardPredictionLoss(frames, frames[len(frames)-1].Reward)
		if err != nil {
			log.Printf("agent %d: reward prediction loss: %v", w.rank, err)
			continue
		}

		lastLoss = CompositeLoss(policyLoss, valueLoss, valueReplayLoss,
			controlLoss, rpLoss, w.hp.TaskWeight)

		local.ClipGradNorm(gradClipNorm)
		local.CopyGradsTo(w.global)
		w.opt.Step()
		updates++
	}

	log.Printf("agent %d training finished: %d updates, %d episodes, last loss %.4f",
		w.rank, updates, numGames, lastLoss)
}

// sampleCategorical draws an action index from a probability distribution.
func sampleCategorical(probs []float64, rng *rand.Rand) int {
	threshold := rng.Float64()
	cumulative := 0.0
	for i, p := range probs {
		cumulative += p
		if threshold <= cumulative {
			return i
		}
	}
	return len(probs) - 1
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
