package sharedoptimizer

import (
	"math"
	"sync"
	"testing"

	"github.com/sandeepkv93/async-rl-tuning/experiencereplay"
	"github.com/sandeepkv93/async-rl-tuning/unrealmodel"
)

func newModel(t *testing.T) *unrealmodel.Model {
	t.Helper()
	m, err := unrealmodel.New(unrealmodel.Config{
		InputSize:   4,
		ActionCount: 3,
		HiddenSize:  4,
		Beta:        0.01,
		Gamma:       0.95,
		Seed:        1,
	})
	if err != nil {
		t.Fatalf("New model failed: %v", err)
	}
	return m
}

func seedGradients(t *testing.T, m *unrealmodel.Model) {
	t.Helper()
	batch := make([]experiencereplay.Transition, 5)
	for i := range batch {
		batch[i] = experiencereplay.Transition{
			State:      []float64{0.1, 0.2, 0.3, float64(i) / 5},
			NextState:  []float64{0.2, 0.3, 0.4, float64(i+1) / 5},
			Action:     i % 3,
			PrevAction: (i + 1) % 3,
			Reward:     1.0,
			Done:       i == len(batch)-1,
		}
	}
	if _, _, err := m.ActorCriticLoss(batch); err != nil {
		t.Fatalf("Failed to seed gradients: %v", err)
	}
}

func snapshotParams(m *unrealmodel.Model) []float64 {
	var out []float64
	m.ApplyUpdate(func(slots []unrealmodel.Slot) {
		for _, s := range slots {
			out = append(out, s.W...)
		}
	})
	return out
}

func TestLearningRateValidation(t *testing.T) {
	m := newModel(t)

	if _, err := NewMomentum(m, 0); err != ErrBadLearningRate {
		t.Errorf("Expected ErrBadLearningRate for momentum, got %v", err)
	}
	if _, err := NewRMSProp(m, -0.1); err != ErrBadLearningRate {
		t.Errorf("Expected ErrBadLearningRate for rmsprop, got %v", err)
	}
}

func TestMomentumStepMovesParameters(t *testing.T) {
	m := newModel(t)
	opt, err := NewMomentum(m, 0.01)
	if err != nil {
		t.Fatalf("NewMomentum failed: %v", err)
	}

	before := snapshotParams(m)
	seedGradients(t, m)
	opt.Step()
	after := snapshotParams(m)

	changed := 0
	for i := range before {
		if before[i] != after[i] {
			changed++
		}
	}
	if changed == 0 {
		t.Error("Expected a momentum step to change parameters")
	}
}

func TestMomentumAccumulatesVelocity(t *testing.T) {
	m := newModel(t)
	opt, _ := NewMomentum(m, 0.01)

	seedGradients(t, m)
	p0 := snapshotParams(m)
	opt.Step()
	p1 := snapshotParams(m)
	// Same gradients again: the velocity term makes the second step larger.
	opt.Step()
	p2 := snapshotParams(m)

	step1 := 0.0
	step2 := 0.0
	for i := range p0 {
		step1 += math.Abs(p1[i] - p0[i])
		step2 += math.Abs(p2[i] - p1[i])
	}
	if step2 <= step1 {
		t.Errorf("Expected growing step under constant gradients, got %f then %f", step1, step2)
	}
}

func TestRMSPropStepDirection(t *testing.T) {
	m := newModel(t)
	opt, err := NewRMSProp(m, 0.01)
	if err != nil {
		t.Fatalf("NewRMSProp failed: %v", err)
	}
	if opt.LearningRate() != 0.01 {
		t.Errorf("Expected learning rate 0.01, got %f", opt.LearningRate())
	}

	seedGradients(t, m)
	before := snapshotParams(m)
	opt.Step()
	after := snapshotParams(m)

	changed := false
	for i := range before {
		if before[i] != after[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Error("Expected an RMSProp step to change parameters")
	}
}

func TestZeroGradientStepIsNoOp(t *testing.T) {
	m := newModel(t)
	opt, _ := NewMomentum(m, 0.1)

	before := snapshotParams(m)
	opt.Step()
	after := snapshotParams(m)

	for i := range before {
		if before[i] != after[i] {
			t.Fatal("Expected zero-gradient step not to move parameters")
		}
	}
}

func TestConcurrentStepsDoNotRace(t *testing.T) {
	m := newModel(t)
	opt, _ := NewRMSProp(m, 0.001)
	seedGradients(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				opt.Step()
			}
		}()
	}
	wg.Wait()

	for _, p := range snapshotParams(m) {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Fatal("Parameters diverged to NaN/Inf under concurrent steps")
		}
	}
}
