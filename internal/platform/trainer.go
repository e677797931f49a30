package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"kflowerneat/internal/dispatch"
	"kflowerneat/internal/evaluator"
	"kflowerneat/internal/gate"
	"kflowerneat/internal/model"
	"kflowerneat/internal/recorder"
	"kflowerneat/internal/runtimecfg"
	"kflowerneat/internal/storage"
	"kflowerneat/internal/workerpool"
)

const (
	ModeRealEval = "real_eval"
	ModeDryRun   = "dry_run"
)

// Population supplies the genomes of each generation. The evolutionary
// algorithm behind it is not part of this module.
type Population interface {
	Genomes() []model.Genome
	Advance(ctx context.Context, records []model.EvaluationRecord) error
}

// GenerationObserver is told about every completed generation.
type GenerationObserver interface {
	ObserveGeneration(record model.GenerationRecord)
}

type TrainerConfig struct {
	RunID             string
	ProfileName       string
	RuntimeConfigPath string
	Runtime           runtimecfg.Runtime
	AppliedOverrides  map[string]any
	DryRun            bool

	// StartGeneration continues the generation count of a resumed run;
	// ResumeCheckpoint names the checkpoint it was loaded from.
	StartGeneration  int
	ResumeCheckpoint string

	Population Population
	// Backend overrides the evaluator chosen from Runtime and DryRun.
	Backend evaluator.Backend
	// Codec encodes genomes for the evaluator, checkpoints and the winner.
	Codec     evaluator.GenomeCodec
	Recorder  *recorder.Recorder
	Store     storage.Store
	Modules   []SupportModule
	Observers []GenerationObserver
	Logger    *slog.Logger
}

// Trainer runs the generation loop: dispatch, checkpoint, advance.
type Trainer struct {
	cfg    TrainerConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewTrainer(cfg TrainerConfig) (*Trainer, error) {
	if cfg.Population == nil {
		return nil, errors.New("trainer requires a population")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("trainer requires a recorder")
	}
	if err := cfg.Runtime.Validate(); err != nil {
		return nil, err
	}
	if cfg.StartGeneration < 0 {
		return nil, fmt.Errorf("start generation must be >= 0, got %d", cfg.StartGeneration)
	}
	cfg.Codec = evaluator.CodecOrDefault(cfg.Codec)
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		cfg:    cfg,
		logger: logger.With("run_id", cfg.RunID),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (t *Trainer) RunID() string {
	return t.cfg.RunID
}

func (t *Trainer) mode() string {
	if t.cfg.DryRun {
		return ModeDryRun
	}
	return ModeRealEval
}

func (t *Trainer) backend() (evaluator.Backend, error) {
	if t.cfg.Backend != nil {
		return t.cfg.Backend, nil
	}
	if t.cfg.DryRun {
		return evaluator.DryRunBackend{}, nil
	}
	rt := t.cfg.Runtime
	script, err := filepath.Abs(rt.EvalScript)
	if err != nil {
		return nil, fmt.Errorf("resolve eval script: %w", err)
	}
	return evaluator.NewSubprocessBackend(evaluator.SubprocessConfig{
		Runner:   rt.EvalRunner,
		Script:   script,
		Settings: rt.EvaluatorSettings(),
		Timeout:  rt.EvalTimeout(),
		Codec:    t.cfg.Codec,
		Logger:   t.logger,
	}), nil
}

// Run executes every configured generation and writes the run summary.
// The summary is written even when the loop stops early; its Error field
// then carries the cause.
func (t *Trainer) Run(ctx context.Context) (model.RunSummary, error) {
	rt := t.cfg.Runtime
	if t.cfg.Store != nil {
		if err := t.cfg.Store.Init(ctx); err != nil {
			return model.RunSummary{}, fmt.Errorf("init store: %w", err)
		}
	}
	modules, err := startSupportModules(ctx, t.cfg.Modules)
	if err != nil {
		return model.RunSummary{}, err
	}
	defer stopSupportModules(context.Background(), modules)

	backend, err := t.backend()
	if err != nil {
		return model.RunSummary{}, err
	}
	machine, err := gate.NewMachine(rt.Thresholds())
	if err != nil {
		return model.RunSummary{}, err
	}
	pool, err := workerpool.New(rt.EvalWorkers)
	if err != nil {
		return model.RunSummary{}, err
	}
	defer pool.Close()

	var mirror dispatch.Mirror
	if t.cfg.Store != nil {
		mirror = t.cfg.Store
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		RunID:       t.cfg.RunID,
		Seed:        rt.Seed,
		EvalTimeout: rt.EvalTimeout(),
		Pool:        pool,
		Backend:     backend,
		Gate:        machine,
		Recorder:    t.cfg.Recorder,
		Mirror:      mirror,
		Logger:      t.logger,

		StartGeneration: t.cfg.StartGeneration,
	})
	if err != nil {
		return model.RunSummary{}, err
	}

	t.logger.Info("training started",
		"mode", t.mode(),
		"start_generation", t.cfg.StartGeneration,
		"generations", rt.Generations,
		"workers", rt.EvalWorkers,
		"games_per_genome", rt.GamesPerGenome,
		"gate_mode", rt.GateMode,
	)

	w := winner{fitness: model.FitnessFloor, key: -1}
	completed := 0
	runErr := t.loop(ctx, dispatcher, &w, &completed)
	t.drain(ctx, dispatcher)

	summary := t.summary(machine.Snapshot(), w, completed)
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if w.found && runErr == nil {
		payload, err := t.cfg.Codec.Encode(w.genome)
		if err != nil {
			return summary, fmt.Errorf("encode winner: %w", err)
		}
		path, err := t.cfg.Recorder.WriteWinner(payload)
		if err != nil {
			return summary, fmt.Errorf("write winner: %w", err)
		}
		summary.WinnerJSON = path
	}
	if err := t.cfg.Recorder.WriteRunSummary(summary); err != nil {
		return summary, errors.Join(runErr, fmt.Errorf("write run summary: %w", err))
	}
	if t.cfg.Store != nil {
		if err := t.cfg.Store.SaveRunSummary(context.WithoutCancel(ctx), summary); err != nil {
			return summary, errors.Join(runErr, fmt.Errorf("mirror run summary: %w", err))
		}
	}
	if runErr != nil {
		t.logger.Error("training stopped", "generations_completed", completed, "err", runErr)
		return summary, runErr
	}
	t.logger.Info("training finished",
		"generations_completed", completed,
		"best_fitness", summary.BestFitness,
		"best_genome_key", summary.BestGenomeKey,
		"transition_ready", summary.GateState.TransitionReady,
		"failure_triggered", summary.GateState.FailureTriggered,
	)
	return summary, nil
}

// drain waits for backend calls the dispatcher abandoned on timeout, for at
// most one evaluation timeout.
func (t *Trainer) drain(ctx context.Context, d *dispatch.Dispatcher) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.Runtime.EvalTimeout())
	defer cancel()
	if err := d.Wait(waitCtx); err != nil {
		t.logger.Warn("evaluations still running at shutdown", "err", err)
	}
}

type winner struct {
	genome  model.Genome
	fitness float64
	key     int
	found   bool
}

func (w *winner) offer(genomes []model.Genome, records []model.EvaluationRecord) {
	best, ok := gate.BestRecord(records)
	if !ok {
		return
	}
	if w.found && (best.Fitness < w.fitness || (best.Fitness == w.fitness && best.GenomeKey >= w.key)) {
		return
	}
	for _, g := range genomes {
		if g.Key == best.GenomeKey {
			w.genome, w.fitness, w.key, w.found = g, best.Fitness, g.Key, true
			return
		}
	}
}

func (t *Trainer) loop(ctx context.Context, d *dispatch.Dispatcher, w *winner, completed *int) error {
	rt := t.cfg.Runtime
	for i := 0; i < rt.Generations; i++ {
		genomes := t.cfg.Population.Genomes()
		res, err := d.Evaluate(ctx, genomes)
		if err != nil {
			return err
		}
		*completed = i + 1
		w.offer(genomes, res.Records)
		for _, obs := range t.cfg.Observers {
			obs.ObserveGeneration(res.Summary)
		}

		if (res.Generation+1)%rt.CheckpointEvery == 0 {
			if err := t.checkpoint(ctx, res.Generation, genomes, res.Records); err != nil {
				return err
			}
		}
		if i == rt.Generations-1 {
			break
		}
		if err := t.cfg.Population.Advance(ctx, res.Records); err != nil {
			return fmt.Errorf("advance population after generation %d: %w", res.Generation, err)
		}
	}
	return nil
}

// checkpoint writes the evaluated population to checkpoints/ and the store.
func (t *Trainer) checkpoint(ctx context.Context, generation int, genomes []model.Genome, records []model.EvaluationRecord) error {
	fitness := make(map[int]float64, len(records))
	for _, r := range records {
		fitness[r.GenomeKey] = r.Fitness
	}
	snapshot := model.PopulationSnapshot{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		RunID:      t.cfg.RunID,
		Generation: generation,
		SavedAt:    t.now(),
		Genomes:    make([]model.SnapshotGenome, 0, len(genomes)),
	}
	for _, g := range genomes {
		payload, err := t.cfg.Codec.Encode(g)
		if err != nil {
			return fmt.Errorf("checkpoint genome %d: %w", g.Key, err)
		}
		f, ok := fitness[g.Key]
		if !ok {
			f = model.FitnessFloor
		}
		snapshot.Genomes = append(snapshot.Genomes, model.SnapshotGenome{GenomeKey: g.Key, Fitness: f, Payload: payload})
	}
	path, err := t.cfg.Recorder.WritePopulationSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if t.cfg.Store != nil {
		if err := t.cfg.Store.SavePopulationSnapshot(ctx, t.cfg.RunID, snapshot); err != nil {
			return fmt.Errorf("mirror checkpoint: %w", err)
		}
	}
	t.logger.Info("checkpoint saved", "generation", generation, "path", path, "genomes", len(snapshot.Genomes))
	return nil
}

func (t *Trainer) summary(state model.GateState, w winner, completed int) model.RunSummary {
	rt := t.cfg.Runtime
	rec := t.cfg.Recorder
	applied := t.cfg.AppliedOverrides
	if applied == nil {
		applied = map[string]any{}
	}
	return model.RunSummary{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		RunID:                t.cfg.RunID,
		SavedAt:              t.now(),
		Mode:                 t.mode(),
		ProfileName:          t.cfg.ProfileName,
		Generations:          rt.Generations,
		GenerationsCompleted: completed,
		Workers:              rt.EvalWorkers,
		GamesPerGenome:       rt.GamesPerGenome,
		BestFitness:          w.fitness,
		BestGenomeKey:        w.key,
		AppliedOverrides:     applied,
		RuntimeEffective:     rt.Effective(),
		EvalFailureLog:       rec.EvalFailuresPath(),
		EvalMetricsLog:       rec.EvalMetricsPath(),
		GenerationMetricsLog: rec.GenerationMetricsPath(),
		GateStatePath:        rec.GateStatePath(),
		RuntimeConfig:        t.cfg.RuntimeConfigPath,
		StartGeneration:      t.cfg.StartGeneration,
		ResumeCheckpoint:     t.cfg.ResumeCheckpoint,
		GateState:            state,
	}
}
