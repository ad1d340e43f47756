package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sandeepkv93/async-rl-tuning/asynctrainer"
	"github.com/sandeepkv93/async-rl-tuning/hypersearch"
	"github.com/sandeepkv93/async-rl-tuning/lineworld"
	"github.com/sandeepkv93/async-rl-tuning/trainmonitor"
)

type tuneOptions struct {
	study       string
	trials      int
	agents      int
	budget      time.Duration
	unroll      int
	dbPath      string
	samplerPath string
	monitorAddr string
	seed        uint64
	warmup      int
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "hypertuner",
		Short: "Hypertuner searches UNREAL trainer hyperparameters with asynchronous workers on the line-clearing environment.",
	}

	opts := &tuneOptions{}
	tuneCmd := &cobra.Command{
		Use:   "tune",
		Short: "Run a hyperparameter search study",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTune(opts)
		},
	}
	tuneCmd.Flags().StringVar(&opts.study, "study", "", "study name (random when empty)")
	tuneCmd.Flags().IntVar(&opts.trials, "trials", 20, "number of trials to run")
	tuneCmd.Flags().IntVar(&opts.agents, "agents", 4, "asynchronous workers per trial")
	tuneCmd.Flags().DurationVar(&opts.budget, "budget", 2*time.Minute, "training time per trial")
	tuneCmd.Flags().IntVar(&opts.unroll, "unroll", 20, "environment steps per gradient update")
	tuneCmd.Flags().StringVar(&opts.dbPath, "db", "trials.db", "sqlite trial database path")
	tuneCmd.Flags().StringVar(&opts.samplerPath, "sampler-state", "sampler.gob", "sampler state file")
	tuneCmd.Flags().StringVar(&opts.monitorAddr, "monitor-addr", "", "websocket monitor listen address (disabled when empty)")
	tuneCmd.Flags().Uint64Var(&opts.seed, "seed", 42, "sampler random seed")
	tuneCmd.Flags().IntVar(&opts.warmup, "warmup", 5, "completed trials before refinement and pruning")

	for _, envFile := range []string{
		".env",
		"../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(tuneCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTune(opts *tuneOptions) error {
	if opts.study == "" {
		opts.study = "unreal-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Interrupt received, stopping after the current step")
		cancel()
	}()

	var monitor *trainmonitor.Hub
	if opts.monitorAddr != "" {
		monitor = trainmonitor.NewHub()
		defer monitor.Close()
		srv := &http.Server{Addr: opts.monitorAddr, Handler: monitor}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Monitor server stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.Printf("Monitor listening on %s", opts.monitorAddr)
	}

	driver, err := hypersearch.NewDriver(hypersearch.DriverConfig{
		Study:        opts.study,
		Trials:       opts.trials,
		DBPath:       opts.dbPath,
		SamplerPath:  opts.samplerPath,
		Seed:         opts.seed,
		WarmupTrials: opts.warmup,
	})
	if err != nil {
		return err
	}
	defer driver.Close()

	log.Printf("Study %s: %d trials, %d agents, %s budget per trial",
		opts.study, opts.trials, opts.agents, opts.budget)
	return driver.Run(ctx, objective(opts, monitor))
}

// objective wires one search trial to a full asynchronous training run on
// the line-clearing environment.
func objective(opts *tuneOptions, monitor *trainmonitor.Hub) hypersearch.Objective {
	return func(ctx context.Context, trial *hypersearch.Trial) (float64, error) {
		hp := asynctrainer.DefaultHyperparameters()
		hp.LearningRate = trial.SuggestLogFloat("learning_rate", 1e-4, 5e-3)
		hp.TaskWeight = trial.SuggestLogFloat("task_weight", 0.01, 0.1)
		hp.Beta = trial.SuggestLogFloat("beta", 5e-4, 1e-2)
		hp.Gamma = trial.SuggestFloat("gamma", 0.9, 0.999)
		hp.HiddenSize = trial.SuggestInt("hidden_size", 32, 128)
		hp.NumAgents = opts.agents
		hp.UnrollSteps = opts.unroll
		hp.Optimizer = asynctrainer.OptimizerRMSProp
		hp.TrainTime = opts.budget
		hp.JoinTimeout = 10 * time.Second

		sup := &asynctrainer.Supervisor{
			EnvFactory: func(seed int64) asynctrainer.Environment {
				return lineworld.NewEnv(rand.New(rand.NewSource(seed)))
			},
			Monitor: monitor,
			TrialID: trial.ID(),
		}

		log.Printf("Trial %d: params %v", trial.Number(), trial.Params())
		return sup.RunTrial(ctx, trial, hp)
	}
}
