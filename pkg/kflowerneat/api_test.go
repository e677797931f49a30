package kflowerneat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kflowerneat/internal/evaluator"
)

// rotatingPopulation shifts every genome key by 10 on each Advance.
type rotatingPopulation struct {
	mu      sync.Mutex
	genomes []Genome
}

func (p *rotatingPopulation) Genomes() []Genome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Genome(nil), p.genomes...)
}

func (p *rotatingPopulation) Advance(_ context.Context, _ []EvaluationRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.genomes {
		p.genomes[i].Key += 10
	}
	return nil
}

func newPopulation(keys ...int) *rotatingPopulation {
	p := &rotatingPopulation{}
	for _, k := range keys {
		p.genomes = append(p.genomes, Genome{
			Key:         k,
			Nodes:       map[int]NodeGene{0: {}},
			Connections: []ConnectionGene{{InNode: -1, OutNode: 0, Weight: 1, Enabled: true}},
		})
	}
	return p
}

func TestClientTrainAndQuery(t *testing.T) {
	client, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	gens, workers, every := 3, 2, 5
	backend := evaluator.BackendFunc(func(ctx context.Context, req evaluator.Request) evaluator.Outcome {
		wr := 0.9
		return evaluator.Success{Report: evaluator.Report{Fitness: float64(req.Genome.Key), WinRate: &wr}}
	})

	summary, err := client.Train(ctx, TrainRequest{
		RunID:      "api-run",
		OutputDir:  t.TempDir(),
		Overrides:  Overrides{Generations: &gens, EvalWorkers: &workers, CheckpointEvery: &every},
		Population: newPopulation(1, 2),
		Backend:    backend,
	})
	require.NoError(t, err)
	assert.Equal(t, 22, summary.BestGenomeKey, "keys advance to 21,22 by the last generation")
	assert.True(t, summary.GateState.TransitionReady)
	require.NotNil(t, summary.GateState.TransitionGeneration)
	assert.Equal(t, 2, *summary.GateState.TransitionGeneration)

	runs, err := client.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-run"}, runs)

	history, err := client.History(ctx, "api-run")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	evals, err := client.Evaluations(ctx, "api-run", 1)
	require.NoError(t, err)
	assert.Len(t, evals, 2)

	state, ok, err := client.GateState(ctx, "api-run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, state.Generation)

	stored, ok, err := client.RunSummary(ctx, "api-run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, summary.RunID, stored.RunID)
}

func TestClientTrainResumesFromCheckpoint(t *testing.T) {
	client, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	gens, workers, every := 2, 2, 1
	first := t.TempDir()
	_, err = client.Train(ctx, TrainRequest{
		RunID:      "first",
		OutputDir:  first,
		Overrides:  Overrides{Generations: &gens, EvalWorkers: &workers, CheckpointEvery: &every},
		Population: newPopulation(1, 2),
		DryRun:     true,
	})
	require.NoError(t, err)

	summary, err := client.Train(ctx, TrainRequest{
		RunID:            "resumed",
		OutputDir:        t.TempDir(),
		Overrides:        Overrides{Generations: &gens, EvalWorkers: &workers, CheckpointEvery: &every},
		ResumeCheckpoint: filepath.Join(first, "checkpoints", "population-gen-1.json"),
		DryRun:           true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.StartGeneration)
	assert.Equal(t, 11, summary.BestGenomeKey, "dry-run fitness ties go to the lower key")

	history, err := client.History(ctx, "resumed")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Generation)

	evals, err := client.Evaluations(ctx, "resumed", 2)
	require.NoError(t, err)
	keys := make([]int, 0, len(evals))
	for _, e := range evals {
		keys = append(keys, e.GenomeKey)
	}
	assert.ElementsMatch(t, []int{11, 12}, keys, "the checkpoint holds the advanced keys")
}

func TestClientTrainValidatesRequest(t *testing.T) {
	client, err := New(Options{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Train(ctx, TrainRequest{Population: newPopulation(1)})
	require.Error(t, err)

	_, err = client.Train(ctx, TrainRequest{OutputDir: t.TempDir()})
	require.Error(t, err)

	_, err = New(Options{StoreKind: "postgres"})
	require.Error(t, err)
}

func TestLoadRuntimeDefaults(t *testing.T) {
	rt, applied, err := LoadRuntime("", Overrides{}, nil)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, 50, rt.Generations)
}
