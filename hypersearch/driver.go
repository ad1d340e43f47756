package hypersearch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
)

// DriverConfig describes one search run.
type DriverConfig struct {
	Study        string `json:"study"`
	Trials       int    `json:"trials"`
	DBPath       string `json:"db_path"`
	SamplerPath  string `json:"sampler_path"`
	Seed         uint64 `json:"seed"`
	WarmupTrials int    `json:"warmup_trials"`
	TopK         int    `json:"top_k"`
}

// Validate checks the configuration before any resources are opened.
func (c DriverConfig) Validate() error {
	if c.Study == "" {
		return errors.New("study name must not be empty")
	}
	if c.Trials <= 0 {
		return fmt.Errorf("trials must be positive, got %d", c.Trials)
	}
	if c.DBPath == "" {
		return errors.New("db path must not be empty")
	}
	if c.SamplerPath == "" {
		return errors.New("sampler path must not be empty")
	}
	return nil
}

// Driver owns one search run end to end: it restores sampler state from a
// previous run if the state file exists, runs the study, reports the best
// trials, and persists sampler state exactly once on every exit path.
type Driver struct {
	cfg      DriverConfig
	sampler  *Sampler
	storage  *Storage
	study    *Study
	persists int
}

// NewDriver opens trial storage and prepares the sampler, restoring its
// state from cfg.SamplerPath when that file already exists.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}
	if cfg.WarmupTrials <= 0 {
		cfg.WarmupTrials = 5
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}

	storage, err := OpenStorage(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	sampler := NewSampler(cfg.Seed, cfg.WarmupTrials)
	if blob, err := os.ReadFile(cfg.SamplerPath); err == nil {
		if rerr := sampler.RestoreState(blob); rerr != nil {
			storage.Close()
			return nil, fmt.Errorf("restoring sampler state from %s: %w", cfg.SamplerPath, rerr)
		}
		log.Printf("Restored sampler state from %s", cfg.SamplerPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		storage.Close()
		return nil, fmt.Errorf("reading sampler state: %w", err)
	}

	d := &Driver{
		cfg:     cfg,
		sampler: sampler,
		storage: storage,
		study:   NewStudy(cfg.Study, sampler, NewMedianPruner(cfg.WarmupTrials), storage),
	}
	return d, nil
}

// Run executes the study. Sampler state is written to the configured path
// on return regardless of how the run ends.
func (d *Driver) Run(ctx context.Context, objective Objective) error {
	defer d.persistSamplerState()

	best, err := d.study.Optimize(ctx, objective, d.cfg.Trials)
	if err != nil {
		return err
	}

	log.Printf("Best trial: number=%d score=%.6f params=%v", best.Number, best.Score, best.Params)
	top, err := d.storage.BestTrials(d.cfg.Study, d.cfg.TopK)
	if err != nil {
		return err
	}
	for i, rec := range top {
		log.Printf("Top %d: trial %d score %.6f params %v", i+1, rec.Number, rec.Score, rec.Params)
	}
	return nil
}

// Close releases trial storage.
func (d *Driver) Close() error {
	return d.storage.Close()
}

func (d *Driver) persistSamplerState() {
	d.persists++
	blob, err := d.sampler.EncodeState()
	if err != nil {
		log.Printf("Sampler state not saved: %v", err)
		return
	}
	if err := os.WriteFile(d.cfg.SamplerPath, blob, 0o644); err != nil {
		log.Printf("Sampler state not saved: %v", err)
		return
	}
	log.Printf("Sampler state saved to %s", d.cfg.SamplerPath)
}
