package gate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kflowerneat/internal/model"
)

func f64(v float64) *float64 { return &v }

func baseThresholds() model.Thresholds {
	return model.Thresholds{
		GateMode:             model.GateModeWinRateOnly,
		EMAWindow:            5,
		TransitionStreak:     3,
		FailureGenerationMin: 30,
		FailureSlope5Max:     0.005,
		FailureSlopeMetric:   model.SlopeMetricWinRate,
	}
}

func winRecord(key int, fitness, winRate float64) model.EvaluationRecord {
	return model.EvaluationRecord{GenomeKey: key, Fitness: fitness, EvalOK: true, WinRate: f64(winRate)}
}

func newMachine(t *testing.T, th model.Thresholds) *Machine {
	t.Helper()
	m, err := NewMachine(th)
	require.NoError(t, err)
	return m
}

func TestEMASequenceMatchesDirectComputation(t *testing.T) {
	m := newMachine(t, baseThresholds())
	assert.InDelta(t, 1.0/3.0, m.Snapshot().EMAAlpha, 1e-12)

	inputs := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	want := []float64{0.1, 0.1333, 0.1889, 0.2593, 0.3395, 0.4264}
	for gen, wr := range inputs {
		state, err := m.Observe(gen, []model.EvaluationRecord{winRecord(1, 1, wr)}, 1)
		require.NoError(t, err)
		require.NotNil(t, state.EMAWinRate)
		assert.Equal(t, want[gen], math.Round(*state.EMAWinRate*1e4)/1e4, "generation %d", gen)
	}
}

func TestInvalidGenerationFreezesEMAAndResetsStreak(t *testing.T) {
	th := baseThresholds()
	th.TransitionStreak = 10
	m := newMachine(t, th)

	for gen := 0; gen < 2; gen++ {
		_, err := m.Observe(gen, []model.EvaluationRecord{winRecord(1, 1, 0.40)}, 1)
		require.NoError(t, err)
	}
	before := m.Snapshot()
	require.InDelta(t, 0.40, *before.EMAWinRate, 1e-12)
	require.Equal(t, 2, before.GateStreak)

	state, err := m.Observe(2, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, model.InvalidGeneration, state.DataQuality)
	assert.InDelta(t, 0.40, *state.EMAWinRate, 1e-12)
	assert.Equal(t, 0, state.GateStreak)
	assert.Equal(t, 4, state.TotalRecordCount)
	assert.Nil(t, state.LatestWinRate)
	assert.Nil(t, state.LatestImitation)
	assert.Nil(t, state.LatestWinRateSlope5)
}

func TestTransitionTriggersOnThirdPassingGeneration(t *testing.T) {
	th := baseThresholds()
	th.TransitionEMAWinRate = f64(0.45)
	m := newMachine(t, th)

	// 0.1 seeds the EMA below threshold; 1.0 lifts it to 0.4 (still below),
	// then 0.6, 0.733, 0.822 pass.
	rates := []float64{0.1, 1.0, 1.0, 1.0, 1.0}
	var state model.GateState
	for gen, wr := range rates {
		var err error
		state, err = m.Observe(gen, []model.EvaluationRecord{winRecord(1, 1, wr)}, 1)
		require.NoError(t, err)
		if gen < 4 {
			assert.Nil(t, state.TransitionGeneration, "generation %d", gen)
			assert.False(t, state.TransitionReady)
		}
	}
	require.NotNil(t, state.TransitionGeneration)
	assert.Equal(t, 4, *state.TransitionGeneration)
	assert.True(t, state.TransitionReady)
	assert.Equal(t, 3, state.GateStreak)
}

func TestTransitionGenerationIsWriteOnce(t *testing.T) {
	th := baseThresholds()
	th.TransitionEMAWinRate = f64(0.45)
	th.TransitionStreak = 1
	m := newMachine(t, th)

	state, err := m.Observe(0, []model.EvaluationRecord{winRecord(1, 1, 0.9)}, 1)
	require.NoError(t, err)
	require.NotNil(t, state.TransitionGeneration)
	require.Equal(t, 0, *state.TransitionGeneration)

	rates := []float64{0.0, 0.0, 0.0, 0.9, 0.9}
	for i, wr := range rates {
		state, err = m.Observe(i+1, []model.EvaluationRecord{winRecord(1, 1, wr)}, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, *state.TransitionGeneration)
		assert.True(t, state.TransitionReady)
	}
	state, err = m.Observe(10, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, *state.TransitionGeneration)
}

func TestFailureRespectsMinimumGeneration(t *testing.T) {
	th := baseThresholds()
	th.FailureEMAWinRateMax = f64(0.30)
	m := newMachine(t, th)

	state, err := m.Observe(10, []model.EvaluationRecord{winRecord(1, 1, 0.1)}, 1)
	require.NoError(t, err)
	assert.Nil(t, state.FailureGeneration)
	assert.False(t, state.FailureTriggered)

	state, err = m.Observe(30, []model.EvaluationRecord{winRecord(1, 1, 0.1)}, 1)
	require.NoError(t, err)
	require.NotNil(t, state.FailureGeneration)
	assert.Equal(t, 30, *state.FailureGeneration)
	assert.True(t, state.FailureTriggered)

	state, err = m.Observe(31, []model.EvaluationRecord{winRecord(1, 1, 0.1)}, 1)
	require.NoError(t, err)
	assert.Equal(t, 30, *state.FailureGeneration)
}

func TestFailureUsesZeroBasedGenerationPlusOne(t *testing.T) {
	th := baseThresholds()
	th.FailureEMAWinRateMax = f64(0.30)
	m := newMachine(t, th)

	for gen := 0; gen < 29; gen++ {
		state, err := m.Observe(gen, []model.EvaluationRecord{winRecord(1, 1, 0.1)}, 1)
		require.NoError(t, err)
		require.Nil(t, state.FailureGeneration, "generation %d", gen)
	}
	state, err := m.Observe(29, []model.EvaluationRecord{winRecord(1, 1, 0.1)}, 1)
	require.NoError(t, err)
	require.NotNil(t, state.FailureGeneration)
	assert.Equal(t, 29, *state.FailureGeneration)
}

func TestFailureNeedsFlatSlope(t *testing.T) {
	th := baseThresholds()
	th.FailureEMAWinRateMax = f64(0.9)
	th.FailureGenerationMin = 1
	m := newMachine(t, th)

	// Steadily improving: slope 0.05 per generation once five points exist.
	for gen := 0; gen < 10; gen++ {
		state, err := m.Observe(gen, []model.EvaluationRecord{winRecord(1, 1, 0.05*float64(gen))}, 1)
		require.NoError(t, err)
		if gen < 4 {
			// fewer than five points: slope 0 counts as flat
			if gen == 0 {
				require.NotNil(t, state.FailureGeneration)
			}
			continue
		}
		assert.InDelta(t, 0.05, *state.LatestWinRateSlope5, 1e-9)
	}
}

func TestFailureCannotTriggerWithoutCeilings(t *testing.T) {
	th := baseThresholds()
	th.FailureGenerationMin = 1
	m := newMachine(t, th)

	for gen := 0; gen < 40; gen++ {
		state, err := m.Observe(gen, []model.EvaluationRecord{winRecord(1, 1, 0)}, 1)
		require.NoError(t, err)
		require.Nil(t, state.FailureGeneration)
	}
}

func TestFailureRequiresAllCeilings(t *testing.T) {
	th := baseThresholds()
	th.GateMode = model.GateModeWinRateOnly
	th.FailureGenerationMin = 1
	th.FailureEMAWinRateMax = f64(0.3)
	th.FailureImitationMax = f64(0.2)
	m := newMachine(t, th)

	rec := winRecord(1, 1, 0.1)
	rec.ImitationWeightedScore = f64(0.5)
	state, err := m.Observe(0, []model.EvaluationRecord{rec}, 1)
	require.NoError(t, err)
	assert.Nil(t, state.FailureGeneration)

	rec.ImitationWeightedScore = f64(0.1)
	state, err = m.Observe(1, []model.EvaluationRecord{rec}, 1)
	require.NoError(t, err)
	require.NotNil(t, state.FailureGeneration)
	assert.Equal(t, 1, *state.FailureGeneration)
}

func TestFailureImitationCeilingUsesRawBestRecord(t *testing.T) {
	th := baseThresholds()
	th.FailureGenerationMin = 1
	th.FailureImitationMax = f64(0.2)
	m := newMachine(t, th)

	rec := winRecord(1, 1, 0.1)
	rec.ImitationWeightedScore = f64(0.9)
	state, err := m.Observe(0, []model.EvaluationRecord{rec}, 1)
	require.NoError(t, err)
	assert.Nil(t, state.FailureGeneration)

	// An EMA over 0.9 then 0.1 would still sit far above 0.2.
	rec.ImitationWeightedScore = f64(0.1)
	state, err = m.Observe(1, []model.EvaluationRecord{rec}, 1)
	require.NoError(t, err)
	require.NotNil(t, state.FailureGeneration)
	assert.Equal(t, 1, *state.FailureGeneration)
}

func TestHybridModeUnsetImitationThresholdIsSatisfied(t *testing.T) {
	th := baseThresholds()
	th.GateMode = model.GateModeHybrid
	th.TransitionEMAWinRate = f64(0.45)
	th.TransitionStreak = 1
	m := newMachine(t, th)

	rec := winRecord(1, 1, 0.5)
	rec.ImitationWeightedScore = f64(0.0)
	state, err := m.Observe(0, []model.EvaluationRecord{rec}, 1)
	require.NoError(t, err)
	require.NotNil(t, state.TransitionGeneration)
}

func TestHybridModeRequiresImitationThreshold(t *testing.T) {
	th := baseThresholds()
	th.GateMode = model.GateModeHybrid
	th.TransitionEMAWinRate = f64(0.45)
	th.TransitionEMAImitation = f64(0.6)
	th.TransitionStreak = 1
	m := newMachine(t, th)

	rec := winRecord(1, 1, 0.9)
	rec.ImitationWeightedScore = f64(0.5)
	state, err := m.Observe(0, []model.EvaluationRecord{rec}, 1)
	require.NoError(t, err)
	assert.Nil(t, state.TransitionGeneration)
	assert.Equal(t, 0, state.GateStreak)

	rec.ImitationWeightedScore = f64(0.9)
	state, err = m.Observe(1, []model.EvaluationRecord{rec}, 1)
	require.NoError(t, err)
	// ema imitation = 1/3*0.9 + 2/3*0.5 = 0.6333
	require.NotNil(t, state.TransitionGeneration)
	assert.Equal(t, 1, *state.TransitionGeneration)
}

func TestWinRateOnlyIgnoresImitationThreshold(t *testing.T) {
	th := baseThresholds()
	th.TransitionEMAWinRate = f64(0.45)
	th.TransitionEMAImitation = f64(0.99)
	th.TransitionStreak = 1
	m := newMachine(t, th)

	state, err := m.Observe(0, []model.EvaluationRecord{winRecord(1, 1, 0.5)}, 1)
	require.NoError(t, err)
	require.NotNil(t, state.TransitionGeneration)
	assert.InDelta(t, 0.0, *state.EMAImitation, 1e-12)
}

func TestObserveUsesBestValidRecordByFitness(t *testing.T) {
	m := newMachine(t, baseThresholds())
	records := []model.EvaluationRecord{
		winRecord(3, 10, 0.2),
		winRecord(1, 50, 0.7),
		winRecord(2, 50, 0.9),
	}
	state, err := m.Observe(0, records, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, *state.LatestWinRate, 1e-12)
	assert.Equal(t, 3, state.ValidRecordCount)
	assert.Equal(t, 5, state.TotalRecordCount)
}

func TestObserveRejectsNonIncreasingGeneration(t *testing.T) {
	m := newMachine(t, baseThresholds())
	assert.Equal(t, -1, m.Snapshot().Generation)

	_, err := m.Observe(0, nil, 0)
	require.NoError(t, err)
	_, err = m.Observe(0, nil, 0)
	require.ErrorIs(t, err, ErrGenerationOrder)
}

func TestIsValidRecord(t *testing.T) {
	m := newMachine(t, baseThresholds())
	assert.True(t, m.IsValidRecord(winRecord(1, 1, 0.5)))
	assert.False(t, m.IsValidRecord(model.EvaluationRecord{EvalOK: true}))
	assert.False(t, m.IsValidRecord(model.EvaluationRecord{EvalOK: false, WinRate: f64(0.5)}))
	assert.False(t, m.IsValidRecord(model.EvaluationRecord{EvalOK: true, WinRate: f64(math.NaN())}))

	th := baseThresholds()
	th.FailureSlopeMetric = model.SlopeMetricImitation
	hybrid := newMachine(t, th)
	rec := winRecord(1, 1, 0.5)
	assert.False(t, hybrid.IsValidRecord(rec))
	rec.ImitationWeightedScore = f64(math.Inf(1))
	assert.False(t, hybrid.IsValidRecord(rec))
	rec.ImitationWeightedScore = f64(0.3)
	assert.True(t, hybrid.IsValidRecord(rec))
}

func TestNewMachineRejectsBadThresholds(t *testing.T) {
	cases := map[string]func(*model.Thresholds){
		"window":    func(th *model.Thresholds) { th.EMAWindow = 1 },
		"streak":    func(th *model.Thresholds) { th.TransitionStreak = 0 },
		"mode":      func(th *model.Thresholds) { th.GateMode = "strict" },
		"metric":    func(th *model.Thresholds) { th.FailureSlopeMetric = "fitness" },
		"min":       func(th *model.Thresholds) { th.FailureGenerationMin = 0 },
		"nan":       func(th *model.Thresholds) { th.TransitionEMAWinRate = f64(math.NaN()) },
		"slope inf": func(th *model.Thresholds) { th.FailureSlope5Max = math.Inf(1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			th := baseThresholds()
			mutate(&th)
			_, err := NewMachine(th)
			require.ErrorIs(t, err, ErrInvalidThresholds)
		})
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	th := baseThresholds()
	th.TransitionEMAWinRate = f64(0.45)
	m := newMachine(t, th)
	_, err := m.Observe(0, []model.EvaluationRecord{winRecord(1, 1, 0.5)}, 1)
	require.NoError(t, err)

	snap := m.Snapshot()
	*snap.EMAWinRate = 99
	*snap.Thresholds.TransitionEMAWinRate = 99
	assert.InDelta(t, 0.5, *m.Snapshot().EMAWinRate, 1e-12)
	assert.InDelta(t, 0.45, *m.Thresholds().TransitionEMAWinRate, 1e-12)
}
