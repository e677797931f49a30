package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"kflowerneat/internal/model"
)

func TestObserveGenerationPublishesGateGauges(t *testing.T) {
	ema := 0.42
	gen := 3
	before := testutil.ToFloat64(GenerationsTotal)
	ObserveGeneration(model.GenerationRecord{
		BestFitness:      12,
		MeanFitness:      4,
		ValidRecordCount: 9,
		GateState: model.GateState{
			EMAWinRate:           &ema,
			GateStreak:           2,
			TransitionReady:      true,
			TransitionGeneration: &gen,
		},
	})
	assert.Equal(t, before+1, testutil.ToFloat64(GenerationsTotal))
	assert.Equal(t, 12.0, testutil.ToFloat64(BestFitness))
	assert.Equal(t, 9.0, testutil.ToFloat64(ValidRecords))
	assert.Equal(t, 0.42, testutil.ToFloat64(GateEMAWinRate))
	assert.Equal(t, 2.0, testutil.ToFloat64(GateStreak))
	assert.Equal(t, 1.0, testutil.ToFloat64(GateTransitionReady))
	assert.Equal(t, 0.0, testutil.ToFloat64(GateFailureTriggered))
}

func TestSpansWithoutProviderAreNoops(t *testing.T) {
	ctx, span := StartGenerationSpan(context.Background(), 1, 10)
	_, child := StartEvaluationSpan(ctx, 1, 4)
	EndEvaluationSpan(child, false, "worker_timeout")
	span.End()
}
