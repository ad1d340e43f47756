package hypersearch

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// refinementSigma scales the anchored-Gaussian width to a tenth of the
// search range once the sampler starts refining around the best trial.
const refinementSigma = 0.1

// ObservedTrial is one completed trial as seen by the sampler.
type ObservedTrial struct {
	Params map[string]float64
	Score  float64
}

// Sampler draws hyperparameter values for new trials. Before WarmupTrials
// completed observations it samples uniformly over the given range. After
// warm-up it anchors a Gaussian on the best completed trial's value for
// that parameter, falling back to uniform for parameters the best trial
// never suggested. All draws clamp to [low, high].
//
// The full sampler state, including the random source, survives
// EncodeState/RestoreState so a search can resume across runs.
type Sampler struct {
	mu      sync.Mutex
	src     *rand.PCG
	rng     *rand.Rand
	warmup  int
	history []ObservedTrial
}

type samplerState struct {
	RNG     []byte
	Warmup  int
	History []ObservedTrial
}

// NewSampler creates a sampler seeded from seed that refines around the
// best trial once warmupTrials observations have been recorded.
func NewSampler(seed uint64, warmupTrials int) *Sampler {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Sampler{
		src:    src,
		rng:    rand.New(src),
		warmup: warmupTrials,
	}
}

// Observe records a completed trial so later draws can refine around the
// best score seen so far.
func (s *Sampler) Observe(params map[string]float64, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]float64, len(params))
	for k, v := range params {
		copied[k] = v
	}
	s.history = append(s.history, ObservedTrial{Params: copied, Score: score})
}

// Float draws a value in [low, high], uniformly during warm-up and
// anchored on the best trial afterwards.
func (s *Sampler) Float(name string, low, high float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if anchor, ok := s.anchor(name); ok {
		v := anchor + s.rng.NormFloat64()*refinementSigma*(high-low)
		return clamp(v, low, high)
	}
	return low + s.rng.Float64()*(high-low)
}

// LogFloat draws a value in [low, high] uniformly in log space, anchored
// in log space after warm-up. Both bounds must be positive.
func (s *Sampler) LogFloat(name string, low, high float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := math.Log(low), math.Log(high)
	if anchor, ok := s.anchor(name); ok {
		v := math.Log(anchor) + s.rng.NormFloat64()*refinementSigma*(hi-lo)
		return clamp(math.Exp(v), low, high)
	}
	return math.Exp(lo + s.rng.Float64()*(hi-lo))
}

// Int draws an integer in [low, high] inclusive.
func (s *Sampler) Int(name string, low, high int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if anchor, ok := s.anchor(name); ok {
		v := anchor + s.rng.NormFloat64()*refinementSigma*float64(high-low)
		n := int(math.Round(clamp(v, float64(low), float64(high))))
		return n
	}
	return low + s.rng.IntN(high-low+1)
}

// anchor returns the best trial's value for name once warm-up is over.
// Callers must hold s.mu.
func (s *Sampler) anchor(name string) (float64, bool) {
	if len(s.history) < s.warmup {
		return 0, false
	}
	best := -1
	for i := range s.history {
		if best < 0 || s.history[i].Score > s.history[best].Score {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	v, ok := s.history[best].Params[name]
	return v, ok
}

// EncodeState serializes the sampler, random source included, into a gob
// blob suitable for writing to disk.
func (s *Sampler) EncodeState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rngBlob, err := s.src.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding sampler rng: %w", err)
	}
	var buf bytes.Buffer
	state := samplerState{RNG: rngBlob, Warmup: s.warmup, History: s.history}
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, fmt.Errorf("encoding sampler state: %w", err)
	}
	return buf.Bytes(), nil
}

// RestoreState replaces the sampler's state with a blob produced by
// EncodeState.
func (s *Sampler) RestoreState(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state samplerState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&state); err != nil {
		return fmt.Errorf("decoding sampler state: %w", err)
	}
	src := rand.NewPCG(0, 0)
	if err := src.UnmarshalBinary(state.RNG); err != nil {
		return fmt.Errorf("decoding sampler rng: %w", err)
	}
	s.src = src
	s.rng = rand.New(src)
	s.warmup = state.Warmup
	s.history = state.History
	return nil
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
