package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"kflowerneat/internal/model"
)

const namespace = "kflower"

var (
	// Dispatch
	GenerationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "generations_total",
		Help:      "Total generations evaluated",
	})

	GenomeEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "genome_evaluations_total",
		Help:      "Genome evaluations by outcome (ok, failed)",
	}, []string{"outcome"})

	EvaluationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "evaluation_failures_total",
		Help:      "Genome evaluation failures by reason",
	}, []string{"reason"})

	EvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "evaluation_duration_seconds",
		Help:      "Wall time of a single genome evaluation",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "generation_duration_seconds",
		Help:      "Wall time of a whole generation including logging",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 3600},
	})

	PoolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "in_flight",
		Help:      "Genome evaluations currently running",
	})

	// Generation aggregates
	BestFitness = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "best_fitness",
		Help:      "Best fitness of the latest generation",
	})

	MeanFitness = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "mean_fitness",
		Help:      "Mean fitness of the latest generation",
	})

	ValidRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "valid_records",
		Help:      "Valid evaluation records in the latest generation",
	})

	// Gate
	GateEMAWinRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "ema_win_rate",
		Help:      "Smoothed best win rate",
	})

	GateEMAImitation = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "ema_imitation",
		Help:      "Smoothed best imitation score",
	})

	GateStreak = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "streak",
		Help:      "Consecutive generations meeting transition thresholds",
	})

	GateTransitionReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "transition_ready",
		Help:      "1 once the curriculum transition has triggered",
	})

	GateFailureTriggered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "failure_triggered",
		Help:      "1 once training failure has triggered",
	})
)

// ObserveGeneration publishes the aggregates of a finished generation.
func ObserveGeneration(rec model.GenerationRecord) {
	GenerationsTotal.Inc()
	BestFitness.Set(rec.BestFitness)
	MeanFitness.Set(rec.MeanFitness)
	ValidRecords.Set(float64(rec.ValidRecordCount))

	g := rec.GateState
	if g.EMAWinRate != nil {
		GateEMAWinRate.Set(*g.EMAWinRate)
	}
	if g.EMAImitation != nil {
		GateEMAImitation.Set(*g.EMAImitation)
	}
	GateStreak.Set(float64(g.GateStreak))
	GateTransitionReady.Set(boolGauge(g.TransitionReady))
	GateFailureTriggered.Set(boolGauge(g.FailureTriggered))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
