package hypersearch

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Trial lifecycle states as stored in the trials table.
const (
	StateRunning  = "running"
	StateComplete = "complete"
	StatePruned   = "pruned"
	StateFailed   = "failed"
)

// TrialRecord is one row of the trials table.
type TrialRecord struct {
	ID        string
	Number    int
	Study     string
	State     string
	Score     float64
	Params    map[string]float64
	CreatedAt time.Time
}

// Storage persists trials and their intermediate reports in a sqlite
// database. A single Storage is safe for concurrent use; database/sql
// serializes access to the underlying connection pool.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens (creating if needed) the sqlite database at path and
// ensures the schema exists.
func OpenStorage(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trial database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring trial database: %w", err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS trials (
			id TEXT PRIMARY KEY,
			number INTEGER NOT NULL,
			study TEXT NOT NULL,
			state TEXT NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			params TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trial_reports (
			trial_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trial_reports_step ON trial_reports(step)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating trial schema: %w", err)
		}
	}
	return &Storage{db: db}, nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

// CreateTrial inserts a new trial in the running state.
func (s *Storage) CreateTrial(id, study string, number int) error {
	_, err := s.db.Exec(
		"INSERT INTO trials(id, number, study, state, score, params, created_at) VALUES(?, ?, ?, ?, 0, '{}', ?)",
		id, number, study, StateRunning, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating trial %s: %w", id, err)
	}
	return nil
}

// CompleteTrial moves a trial to a terminal state and stores its final
// score and parameters.
func (s *Storage) CompleteTrial(id, state string, score float64, params map[string]float64) error {
	blob, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding trial params: %w", err)
	}
	_, err = s.db.Exec(
		"UPDATE trials SET state = ?, score = ?, params = ? WHERE id = ?",
		state, score, string(blob), id,
	)
	if err != nil {
		return fmt.Errorf("finishing trial %s: %w", id, err)
	}
	return nil
}

// RecordReport stores one intermediate value for a running trial.
func (s *Storage) RecordReport(trialID string, step int, value float64) error {
	_, err := s.db.Exec(
		"INSERT INTO trial_reports(trial_id, step, value) VALUES(?, ?, ?)",
		trialID, step, value,
	)
	if err != nil {
		return fmt.Errorf("recording report for trial %s: %w", trialID, err)
	}
	return nil
}

// ReportsAtStep returns the intermediate values completed trials of the
// study reported at the given step.
func (s *Storage) ReportsAtStep(study string, step int) ([]float64, error) {
	rows, err := s.db.Query(
		`SELECT r.value FROM trial_reports r
		 JOIN trials t ON t.id = r.trial_id
		 WHERE t.study = ? AND t.state = ? AND r.step = ?`,
		study, StateComplete, step,
	)
	if err != nil {
		return nil, fmt.Errorf("querying reports at step %d: %w", step, err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning report value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// CountCompleted returns how many trials of the study finished in the
// complete state.
func (s *Storage) CountCompleted(study string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM trials WHERE study = ? AND state = ?",
		study, StateComplete,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting completed trials: %w", err)
	}
	return n, nil
}

// BestTrials returns up to k completed trials of the study ordered by
// descending score.
func (s *Storage) BestTrials(study string, k int) ([]TrialRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, number, state, score, params, created_at FROM trials
		 WHERE study = ? AND state = ? ORDER BY score DESC LIMIT ?`,
		study, StateComplete, k,
	)
	if err != nil {
		return nil, fmt.Errorf("querying best trials: %w", err)
	}
	defer rows.Close()

	var records []TrialRecord
	for rows.Next() {
		var (
			rec       TrialRecord
			paramBlob string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Number, &rec.State, &rec.Score, &paramBlob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning trial row: %w", err)
		}
		rec.Study = study
		if err := json.Unmarshal([]byte(paramBlob), &rec.Params); err != nil {
			return nil, fmt.Errorf("decoding trial params: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			rec.CreatedAt = ts
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
