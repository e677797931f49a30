package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kflowerneat/internal/platform"
	"kflowerneat/internal/population"
	"kflowerneat/internal/recorder"
	"kflowerneat/internal/runtimecfg"
	"kflowerneat/internal/status"
	"kflowerneat/internal/storage"
)

type loggerFactory func() (*slog.Logger, error)

// overrideFlags holds the runtime overrides shared by train and config.
type overrideFlags struct {
	runtimeConfig    string
	generations      int
	workers          int
	gamesPerGenome   int
	evalTimeoutSec   int
	maxEvalSteps     int
	opponentPolicy   string
	checkpointEvery  int
	seed             string
	fitnessGoldScale float64
	fitnessWin       float64
	fitnessLoss      float64
	fitnessDraw      float64
	switchSeats      bool
	fixedSeats       bool
	evalScript       string
	store            string
	storePath        string
}

func (o *overrideFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.runtimeConfig, "runtime-config", "", "runtime config file (json or yaml)")
	fs.IntVar(&o.generations, "generations", 0, "override generations")
	fs.IntVar(&o.workers, "workers", 0, "override eval_workers")
	fs.IntVar(&o.gamesPerGenome, "games-per-genome", 0, "override games_per_genome")
	fs.IntVar(&o.evalTimeoutSec, "eval-timeout-sec", 0, "override eval_timeout_sec")
	fs.IntVar(&o.maxEvalSteps, "max-eval-steps", 0, "override max_eval_steps")
	fs.StringVar(&o.opponentPolicy, "opponent-policy", "", "override opponent_policy")
	fs.IntVar(&o.checkpointEvery, "checkpoint-every", 0, "override checkpoint_every")
	fs.StringVar(&o.seed, "seed", "", "override seed")
	fs.Float64Var(&o.fitnessGoldScale, "fitness-gold-scale", 0, "override fitness_gold_scale")
	fs.Float64Var(&o.fitnessWin, "fitness-win-weight", 0, "override fitness_win_weight")
	fs.Float64Var(&o.fitnessLoss, "fitness-loss-weight", 0, "override fitness_loss_weight")
	fs.Float64Var(&o.fitnessDraw, "fitness-draw-weight", 0, "override fitness_draw_weight")
	fs.BoolVar(&o.switchSeats, "switch-seats", false, "alternate seats between games")
	fs.BoolVar(&o.fixedSeats, "fixed-seats", false, "keep the genome in the same seat")
	fs.StringVar(&o.evalScript, "eval-script", "", "override eval_script")
	fs.StringVar(&o.store, "store", "", "mirror store: memory|sqlite|badger")
	fs.StringVar(&o.storePath, "store-path", "", "store path (sqlite file or badger directory)")
}

// overrides returns only the flags given on the command line.
func (o *overrideFlags) overrides(fs *pflag.FlagSet) (runtimecfg.Overrides, error) {
	var out runtimecfg.Overrides
	changed := fs.Changed
	if changed("generations") {
		out.Generations = &o.generations
	}
	if changed("workers") {
		out.EvalWorkers = &o.workers
	}
	if changed("games-per-genome") {
		out.GamesPerGenome = &o.gamesPerGenome
	}
	if changed("eval-timeout-sec") {
		out.EvalTimeoutSec = &o.evalTimeoutSec
	}
	if changed("max-eval-steps") {
		out.MaxEvalSteps = &o.maxEvalSteps
	}
	if changed("opponent-policy") {
		out.OpponentPolicy = &o.opponentPolicy
	}
	if changed("checkpoint-every") {
		out.CheckpointEvery = &o.checkpointEvery
	}
	if changed("seed") {
		out.Seed = &o.seed
	}
	if changed("fitness-gold-scale") {
		out.FitnessGoldScale = &o.fitnessGoldScale
	}
	if changed("fitness-win-weight") {
		out.FitnessWinWeight = &o.fitnessWin
	}
	if changed("fitness-loss-weight") {
		out.FitnessLossWeight = &o.fitnessLoss
	}
	if changed("fitness-draw-weight") {
		out.FitnessDrawWeight = &o.fitnessDraw
	}
	if changed("eval-script") {
		out.EvalScript = &o.evalScript
	}
	if changed("store") {
		out.Store = &o.store
	}
	if changed("store-path") {
		out.StorePath = &o.storePath
	}
	switch {
	case changed("switch-seats") && changed("fixed-seats"):
		return out, errors.New("--switch-seats and --fixed-seats are mutually exclusive")
	case changed("switch-seats"):
		out.SwitchSeats = &o.switchSeats
	case changed("fixed-seats"):
		seats := !o.fixedSeats
		out.SwitchSeats = &seats
	}
	return out, nil
}

// resolve loads the runtime config, applies overrides and validates.
func (o *overrideFlags) resolve(fs *pflag.FlagSet, logger *slog.Logger) (runtimecfg.Runtime, map[string]any, error) {
	ov, err := o.overrides(fs)
	if err != nil {
		return runtimecfg.Runtime{}, nil, err
	}
	rt, err := runtimecfg.Load(o.runtimeConfig, logger)
	if err != nil {
		return runtimecfg.Runtime{}, nil, err
	}
	applied := rt.Apply(ov)
	if err := rt.Validate(); err != nil {
		return runtimecfg.Runtime{}, nil, err
	}
	return rt, applied, nil
}

type trainOptions struct {
	overrideFlags
	outputDir   string
	population  string
	resume      string
	runID       string
	statusAddr  string
	profileName string
	dryRun      bool
}

func newTrainCmd(newLogger loggerFactory) *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Evaluate a population generation by generation and track the curriculum gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			return runTrain(cmd, opts, logger)
		},
	}
	fs := cmd.Flags()
	opts.register(fs)
	fs.StringVar(&opts.outputDir, "output-dir", "", "directory for logs, checkpoints and the winner")
	fs.StringVar(&opts.population, "population", "", "genome file or directory of neat_python_genome_v1 documents")
	fs.StringVar(&opts.resume, "resume", "", "population checkpoint to continue from")
	fs.StringVar(&opts.runID, "run-id", "", "run identifier (default: random uuid)")
	fs.StringVar(&opts.statusAddr, "status-addr", "", "serve /healthz, /gate, /generations/latest and /metrics on this address")
	fs.StringVar(&opts.profileName, "profile-name", "", "profile name recorded in the run summary")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "score genomes by size instead of launching the evaluator")
	_ = cmd.MarkFlagRequired("output-dir")
	cmd.MarkFlagsMutuallyExclusive("population", "resume")
	cmd.MarkFlagsOneRequired("population", "resume")
	return cmd
}

func runTrain(cmd *cobra.Command, opts *trainOptions, logger *slog.Logger) error {
	ctx := cmd.Context()
	rt, applied, err := opts.resolve(cmd.Flags(), logger)
	if err != nil {
		return err
	}
	var (
		pop             *population.Static
		startGeneration int
	)
	if opts.resume != "" {
		var last int
		pop, last, err = population.LoadSnapshot(opts.resume, nil)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		startGeneration = last + 1
		logger.Info("resuming from checkpoint", "path", opts.resume, "start_generation", startGeneration)
	} else {
		pop, err = population.Load(opts.population)
		if err != nil {
			return fmt.Errorf("load population: %w", err)
		}
	}
	rec, err := recorder.New(opts.outputDir)
	if err != nil {
		return err
	}
	runID := opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	cfg := platform.TrainerConfig{
		RunID:             runID,
		ProfileName:       opts.profileName,
		RuntimeConfigPath: opts.runtimeConfig,
		Runtime:           rt,
		AppliedOverrides:  applied,
		DryRun:            opts.dryRun,
		StartGeneration:   startGeneration,
		ResumeCheckpoint:  opts.resume,
		Population:        pop,
		Recorder:          rec,
		Logger:            logger,
	}
	if rt.Store != "" {
		store, err := storage.NewStore(rt.Store, rt.StorePath)
		if err != nil {
			return err
		}
		defer func() {
			_ = storage.CloseIfSupported(store)
		}()
		cfg.Store = store
	}
	if opts.statusAddr != "" {
		srv := status.New(opts.statusAddr, runID, logger)
		cfg.Modules = append(cfg.Modules, srv)
		cfg.Observers = append(cfg.Observers, srv)
	}

	trainer, err := platform.NewTrainer(cfg)
	if err != nil {
		return err
	}
	summary, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), summary)
}
