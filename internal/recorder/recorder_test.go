package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kflowerneat/internal/model"
)

func TestAppendWritesOneLinePerRecord(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)

	wr := 0.5
	require.NoError(t, rec.AppendGenomeRecords([]model.EvaluationRecord{
		{Generation: 0, GenomeKey: 1, Fitness: 2, EvalOK: true, WinRate: &wr},
		{Generation: 0, GenomeKey: 2, Fitness: model.FitnessFloor, FailureReason: "worker_timeout"},
	}))
	require.NoError(t, rec.AppendGenomeRecords([]model.EvaluationRecord{{Generation: 1, GenomeKey: 1}}))
	require.NoError(t, rec.AppendGenomeRecords(nil))

	data, err := os.ReadFile(rec.EvalMetricsPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, 0.5, first["win_rate"])
	assert.Equal(t, true, first["eval_ok"])

	records, err := ReadEvaluationRecords(rec.Dir())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "worker_timeout", records[1].FailureReason)
	assert.Equal(t, 1, records[2].Generation)
}

func TestAppendIsDurableBeforeGateStateAndReportsErrors(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, rec.AppendGenerationRecord(model.GenerationRecord{Generation: 0, BestGenomeKey: 5}))
	require.NoError(t, rec.WriteGateState(model.GateState{Generation: 0}))
	gens, err := ReadGenerationRecords(rec.Dir())
	require.NoError(t, err)
	require.Len(t, gens, 1)
	state, ok, err := ReadGateState(rec.Dir())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, gens[0].Generation, state.Generation)

	require.NoError(t, os.Mkdir(rec.EvalMetricsPath(), 0o755))
	err = rec.AppendGenomeRecords([]model.EvaluationRecord{{GenomeKey: 1}})
	require.Error(t, err, "an unwritable log must fail the append")
}

func TestFailureLogAndGenerationLog(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, rec.AppendFailure(model.FailureRecord{Generation: 0, GenomeKey: 3, Reason: "worker_exit", Detail: "exit status 1"}))
	require.NoError(t, rec.AppendFailures([]model.FailureRecord{{Generation: 0, GenomeKey: 4, Reason: "worker_panic"}}))
	require.NoError(t, rec.AppendGenerationRecord(model.GenerationRecord{Generation: 0, BestGenomeKey: 9}))

	failures, err := ReadFailures(rec.Dir())
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "worker_exit", failures[0].Reason)

	gens, err := ReadGenerationRecords(rec.Dir())
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Equal(t, 9, gens[0].BestGenomeKey)
}

func TestGateStateIsOverwritten(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)

	_, ok, err := ReadGateState(rec.Dir())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rec.WriteGateState(model.GateState{Generation: 0, GateStreak: 1}))
	require.NoError(t, rec.WriteGateState(model.GateState{Generation: 1, GateStreak: 2}))

	state, ok, err := ReadGateState(rec.Dir())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, state.Generation)
	assert.Equal(t, 2, state.GateStreak)

	raw, err := os.ReadFile(rec.GateStatePath())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"transition_generation": null`)

	entries, err := os.ReadDir(rec.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestSnapshotWinnerAndSummaryPaths(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)

	path, err := rec.WritePopulationSnapshot(model.PopulationSnapshot{
		Generation: 4,
		Genomes:    []model.SnapshotGenome{{GenomeKey: 1, Fitness: 2, Payload: json.RawMessage(`{"format_version":"neat_python_genome_v1"}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rec.Dir(), "checkpoints", "population-gen-4.json"), path)

	winner, err := rec.WriteWinner([]byte(`{"nodes":{}}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rec.Dir(), "models", "winner_genome.json"), winner)

	require.NoError(t, rec.WriteRunSummary(model.RunSummary{RunID: "r1", Mode: "real_eval"}))
	summary, ok, err := ReadRunSummary(rec.Dir())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", summary.RunID)
}

func TestReadLinesReportsBadLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GenerationMetricsFile), []byte("{\"generation\":0}\nnot-json\n"), 0o644))
	_, err := ReadGenerationRecords(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
