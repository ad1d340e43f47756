package lineworld

import (
	"errors"
	"math/rand"
	"sync"
)

// Board dimensions and episode limits
const (
	BoardWidth      = 6
	BoardHeight     = 10
	MaxPieceWidth   = 3
	MaxEpisodeSteps = 200
)

// Rewards issued by the environment itself. The trainer layers its own
// progress bonus on top of these via the info payload.
const (
	lineReward    = 1.0
	placeReward   = 0.01
	topoutPenalty = -1.0
)

var (
	ErrClosed      = errors.New("environment is closed")
	ErrEpisodeOver = errors.New("episode is over, call Reset")
	ErrBadAction   = errors.New("action out of range")
)

// Info carries auxiliary episode data alongside each observation.
// "lines_cleared" is monotonically non-decreasing within an episode.
type Info = map[string]float64

// Env is a falling-block line-clearing environment. Horizontal pieces of
// random width drop into a column chosen by the action; completed rows are
// cleared. The episode ends when the stack reaches the top row.
type Env struct {
	board      [BoardHeight][BoardWidth]bool
	pieceWidth int
	lines      int
	pieces     int
	steps      int
	done       bool
	closed     bool
	rng        *rand.Rand
	mu         sync.Mutex
}

// NewEnv creates an environment driven by the given RNG. A nil RNG gets a
// randomly seeded one.
func NewEnv(rng *rand.Rand) *Env {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	e := &Env{rng: rng}
	e.reset()
	return e
}

// ObservationSize returns the length of observation vectors produced by
// Reset and Step.
func ObservationSize() int {
	return BoardWidth*BoardHeight + 1
}

// ActionCount returns the number of discrete actions (drop columns).
func (e *Env) ActionCount() int {
	return BoardWidth
}

// Reset clears the board and returns the initial observation.
func (e *Env) Reset() ([]float64, Info) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reset()
	return e.observe(), e.info()
}

func (e *Env) reset() {
	e.board = [BoardHeight][BoardWidth]bool{}
	e.lines = 0
	e.pieces = 0
	e.steps = 0
	e.done = false
	e.pieceWidth = 1 + e.rng.Intn(MaxPieceWidth)
}

// Step drops the current piece into the chosen column and advances the
// simulation by one placement.
func (e *Env) Step(action int) (obs []float64, reward float64, done, truncated bool, info Info, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, 0, false, false, nil, ErrClosed
	}
	if e.done {
		return nil, 0, false, false, nil, ErrEpisodeOver
	}
	if action < 0 || action >= BoardWidth {
		return nil, 0, false, false, nil, ErrBadAction
	}

	col := action
	if col+e.pieceWidth > BoardWidth {
		col = BoardWidth - e.pieceWidth
	}

	row := e.dropRow(col)
	if row < 0 {
		// No room left in the target columns: topout.
		e.done = true
		return e.observe(), topoutPenalty, true, false, e.info(), nil
	}

	for c := col; c < col+e.pieceWidth; c++ {
		e.board[row][c] = true
	}
	e.pieces++
	e.steps++

	cleared := e.clearFullRows()
	e.lines += cleared

	reward = placeReward + lineReward*float64(cleared)
	truncated = e.steps >= MaxEpisodeSteps
	if truncated {
		e.done = true
	}
	e.pieceWidth = 1 + e.rng.Intn(MaxPieceWidth)

	return e.observe(), reward, false, truncated, e.info(), nil
}

// dropRow returns the lowest row where the piece fits at col, or -1 when the
// columns are full. Row 0 is the top of the board.
func (e *Env) dropRow(col int) int {
	for row := BoardHeight - 1; row >= 0; row-- {
		free := true
		for c := col; c < col+e.pieceWidth; c++ {
			if e.board[row][c] {
				free = false
				break
			}
		}
		if free {
			return row
		}
	}
	return -1
}

func (e *Env) clearFullRows() int {
	cleared := 0
	for row := BoardHeight - 1; row >= 0; row-- {
		full := true
		for c := 0; c < BoardWidth; c++ {
			if !e.board[row][c] {
				full = false
				break
			}
		}
		if !full {
			continue
		}
		cleared++
		for r := row; r > 0; r-- {
			e.board[r] = e.board[r-1]
		}
		e.board[0] = [BoardWidth]bool{}
		row++ // re-check the row that shifted down
	}
	return cleared
}

func (e *Env) observe() []float64 {
	obs := make([]float64, ObservationSize())
	for r := 0; r < BoardHeight; r++ {
		for c := 0; c < BoardWidth; c++ {
			if e.board[r][c] {
				obs[r*BoardWidth+c] = 1.0
			}
		}
	}
	obs[BoardWidth*BoardHeight] = float64(e.pieceWidth) / MaxPieceWidth
	return obs
}

func (e *Env) info() Info {
	return Info{
		"lines_cleared": float64(e.lines),
		"pieces_placed": float64(e.pieces),
	}
}

// Close releases the environment. It is idempotent.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	return nil
}
