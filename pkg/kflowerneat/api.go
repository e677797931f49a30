package kflowerneat

import (
	"context"
	"errors"
	"log/slog"

	"kflowerneat/internal/evaluator"
	"kflowerneat/internal/model"
	"kflowerneat/internal/platform"
	"kflowerneat/internal/population"
	"kflowerneat/internal/recorder"
	"kflowerneat/internal/runtimecfg"
	"kflowerneat/internal/storage"
)

type (
	Genome           = model.Genome
	NodeGene         = model.NodeGene
	ConnectionGene   = model.ConnectionGene
	EvaluationRecord = model.EvaluationRecord
	GenerationRecord = model.GenerationRecord
	GateState        = model.GateState
	RunSummary       = model.RunSummary
	Runtime          = runtimecfg.Runtime
	Overrides        = runtimecfg.Overrides
	Population       = platform.Population
	Backend          = evaluator.Backend
	GenomeCodec      = evaluator.GenomeCodec
)

const defaultStoreKind = "memory"

type Options struct {
	StoreKind string
	StorePath string
	Logger    *slog.Logger
}

// Client trains populations and reads back what the store mirrored.
type Client struct {
	store  storage.Store
	logger *slog.Logger
}

func New(opts Options) (*Client, error) {
	kind := opts.StoreKind
	if kind == "" {
		kind = defaultStoreKind
	}
	store, err := storage.NewStore(kind, opts.StorePath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, logger: logger}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

type TrainRequest struct {
	RunID         string
	ProfileName   string
	OutputDir     string
	RuntimeConfig string
	Overrides     Overrides
	DryRun        bool

	// Population takes precedence over ResumeCheckpoint, which takes
	// precedence over PopulationPath.
	Population       Population
	ResumeCheckpoint string
	PopulationPath   string
	// Backend replaces the evaluator subprocess.
	Backend Backend
	Codec   GenomeCodec
}

// LoadRuntime resolves a runtime config file, applies overrides and
// validates the result.
func LoadRuntime(path string, overrides Overrides, logger *slog.Logger) (Runtime, map[string]any, error) {
	rt, err := runtimecfg.Load(path, logger)
	if err != nil {
		return Runtime{}, nil, err
	}
	applied := rt.Apply(overrides)
	if err := rt.Validate(); err != nil {
		return Runtime{}, nil, err
	}
	return rt, applied, nil
}

func (c *Client) Train(ctx context.Context, req TrainRequest) (RunSummary, error) {
	if req.OutputDir == "" {
		return RunSummary{}, errors.New("output dir is required")
	}
	rt, applied, err := LoadRuntime(req.RuntimeConfig, req.Overrides, c.logger)
	if err != nil {
		return RunSummary{}, err
	}
	pop := req.Population
	start := 0
	switch {
	case pop != nil:
	case req.ResumeCheckpoint != "":
		static, last, err := population.LoadSnapshot(req.ResumeCheckpoint, req.Codec)
		if err != nil {
			return RunSummary{}, err
		}
		pop, start = static, last+1
	case req.PopulationPath != "":
		static, err := population.Load(req.PopulationPath)
		if err != nil {
			return RunSummary{}, err
		}
		pop = static
	default:
		return RunSummary{}, errors.New("population is required")
	}
	rec, err := recorder.New(req.OutputDir)
	if err != nil {
		return RunSummary{}, err
	}
	trainer, err := platform.NewTrainer(platform.TrainerConfig{
		RunID:             req.RunID,
		ProfileName:       req.ProfileName,
		RuntimeConfigPath: req.RuntimeConfig,
		Runtime:           rt,
		AppliedOverrides:  applied,
		DryRun:            req.DryRun,
		StartGeneration:   start,
		ResumeCheckpoint:  req.ResumeCheckpoint,
		Population:        pop,
		Backend:           req.Backend,
		Codec:             req.Codec,
		Recorder:          rec,
		Store:             c.store,
		Logger:            c.logger,
	})
	if err != nil {
		return RunSummary{}, err
	}
	return trainer.Run(ctx)
}

func (c *Client) Runs(ctx context.Context) ([]string, error) {
	return c.store.ListRuns(ctx)
}

func (c *Client) RunSummary(ctx context.Context, runID string) (RunSummary, bool, error) {
	return c.store.GetRunSummary(ctx, runID)
}

func (c *Client) GateState(ctx context.Context, runID string) (GateState, bool, error) {
	return c.store.GetGateState(ctx, runID)
}

func (c *Client) History(ctx context.Context, runID string) ([]GenerationRecord, error) {
	return c.store.ListGenerationRecords(ctx, runID)
}

func (c *Client) Evaluations(ctx context.Context, runID string, generation int) ([]EvaluationRecord, error) {
	return c.store.ListEvaluationRecords(ctx, runID, generation)
}
