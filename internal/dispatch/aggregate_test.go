package dispatch

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kflowerneat/internal/model"
)

func validWinRate(r model.EvaluationRecord) bool {
	return r.EvalOK && r.WinRate != nil
}

func TestAggregateMixedRecords(t *testing.T) {
	records := []model.EvaluationRecord{
		{GenomeKey: 3, Fitness: 4, EvalOK: true, WinRate: f64(0.4), EvalTimeMS: f64(30), NumNodes: 5, NumConnections: 7},
		{GenomeKey: 1, Fitness: 2, EvalOK: true, WinRate: f64(0.2), ImitationWeightedScore: f64(0.5), EvalTimeMS: f64(10)},
		{GenomeKey: 2, Fitness: model.FitnessFloor, FailureReason: "worker_timeout"},
		{GenomeKey: 4, Fitness: 4, EvalOK: true, WinRate: f64(0.6), EvalTimeMS: f64(-5)},
	}
	got := Aggregate(2, "13|gen=2", records, validWinRate, time.Unix(0, 0))

	assert.Equal(t, 4, got.PopulationSize)
	assert.Equal(t, 3, got.ValidRecordCount)
	assert.Equal(t, 1, got.InvalidRecordCount)
	assert.Equal(t, model.ValidGeneration, got.DataQuality)
	assert.Equal(t, 3, got.BestGenomeKey, "tie on fitness goes to the lowest key")
	assert.Equal(t, 4.0, got.BestFitness)
	assert.Equal(t, 5, got.BestGenomeNodes)
	assert.Equal(t, 7, got.BestGenomeConnections)
	assert.InDelta(t, (4+2+model.FitnessFloor+4)/4.0, got.MeanFitness, 1e-6)

	m := (4.0 + 2 + 4) / 3
	wantStd := math.Sqrt(((4-m)*(4-m) + (2-m)*(2-m) + (4-m)*(4-m)) / 3)
	assert.InDelta(t, wantStd, got.StdFitness, 1e-12)

	require.NotNil(t, got.MeanWinRate)
	assert.InDelta(t, 0.4, *got.MeanWinRate, 1e-12)
	require.NotNil(t, got.MeanImitationWeightedScore)
	assert.InDelta(t, 0.5, *got.MeanImitationWeightedScore, 1e-12)
	require.NotNil(t, got.BestWinRate)
	assert.InDelta(t, 0.4, *got.BestWinRate, 1e-12)
	assert.Nil(t, got.BestImitationWeightedScore)

	// eval times 30, 10, max(0,-5)=0 -> mean 13.33, p90 index int(2*0.9)=1 -> 10
	require.NotNil(t, got.MeanEvalTimeMS)
	assert.InDelta(t, 40.0/3, *got.MeanEvalTimeMS, 1e-9)
	require.NotNil(t, got.P90EvalTimeMS)
	assert.Equal(t, 10.0, *got.P90EvalTimeMS)
}

func TestAggregateInvalidBestHasNoBestWinRate(t *testing.T) {
	records := []model.EvaluationRecord{
		{GenomeKey: 1, Fitness: 50, EvalOK: true},
		{GenomeKey: 2, Fitness: 1, EvalOK: true, WinRate: f64(0.3)},
	}
	got := Aggregate(0, "s", records, validWinRate, time.Time{})
	assert.Equal(t, 1, got.BestGenomeKey)
	assert.Nil(t, got.BestWinRate)
	assert.Equal(t, 0.0, got.StdFitness)
	assert.Nil(t, got.P90EvalTimeMS)
}

func TestAggregateAllInvalid(t *testing.T) {
	records := []model.EvaluationRecord{
		{GenomeKey: 1, Fitness: model.FitnessFloor},
		{GenomeKey: 2, Fitness: model.FitnessFloor},
	}
	got := Aggregate(0, "s", records, validWinRate, time.Time{})
	assert.Equal(t, model.InvalidGeneration, got.DataQuality)
	assert.Equal(t, 1, got.BestGenomeKey)
	assert.Nil(t, got.MeanWinRate)
	assert.Nil(t, got.MeanEvalTimeMS)
}

func TestQuantileAndStddev(t *testing.T) {
	values := []float64{9, 1, 5, 3, 7, 2, 8, 4, 6, 10}
	assert.Equal(t, 9.0, quantile(values, 0.9))
	assert.Equal(t, 1.0, quantile(values, 0))
	assert.Equal(t, 10.0, quantile(values, 1))
	assert.Equal(t, 0.0, stddev([]float64{3}))
	assert.InDelta(t, 1.0, stddev([]float64{1, 3}), 1e-12)
}

func TestSeedForGeneration(t *testing.T) {
	assert.Equal(t, "13|gen=0", SeedForGeneration("13", 0))
	assert.Equal(t, "abc|gen=17", SeedForGeneration("abc", 17))
}
