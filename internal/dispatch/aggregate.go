package dispatch

import (
	"fmt"
	"math"
	"sort"
	"time"

	"kflowerneat/internal/gate"
	"kflowerneat/internal/model"
)

// SeedForGeneration derives the seed shared by every genome of a generation.
func SeedForGeneration(seed string, generation int) string {
	return fmt.Sprintf("%s|gen=%d", seed, generation)
}

// Aggregate folds one generation's records into a GenerationRecord. The
// result does not depend on record order. GateState is left for the caller.
func Aggregate(generation int, seed string, records []model.EvaluationRecord, isValid func(model.EvaluationRecord) bool, savedAt time.Time) model.GenerationRecord {
	out := model.GenerationRecord{
		SavedAt:        savedAt,
		Generation:     generation,
		SeedUsed:       seed,
		PopulationSize: len(records),
		DataQuality:    model.InvalidGeneration,
		BestGenomeKey:  -1,
		BestFitness:    model.FitnessFloor,
		MeanFitness:    model.FitnessFloor,
	}
	if len(records) == 0 {
		return out
	}

	sorted := append([]model.EvaluationRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GenomeKey < sorted[j].GenomeKey })

	var (
		fitness      []float64
		validFitness []float64
		winRates     []float64
		imitations   []float64
		evalTimes    []float64
	)
	for _, r := range sorted {
		fitness = append(fitness, r.Fitness)
		if !isValid(r) {
			continue
		}
		validFitness = append(validFitness, r.Fitness)
		winRates = append(winRates, *r.WinRate)
		if r.ImitationWeightedScore != nil && finite(*r.ImitationWeightedScore) {
			imitations = append(imitations, *r.ImitationWeightedScore)
		}
		if r.EvalTimeMS != nil {
			evalTimes = append(evalTimes, math.Max(0, *r.EvalTimeMS))
		}
	}

	best, _ := gate.BestRecord(sorted)
	out.ValidRecordCount = len(validFitness)
	out.InvalidRecordCount = len(sorted) - len(validFitness)
	if out.ValidRecordCount > 0 {
		out.DataQuality = model.ValidGeneration
	}
	out.BestGenomeKey = best.GenomeKey
	out.BestFitness = best.Fitness
	out.MeanFitness = mean(fitness)
	out.StdFitness = stddev(validFitness)
	out.MeanWinRate = optionalMean(winRates)
	out.MeanImitationWeightedScore = optionalMean(imitations)
	if isValid(best) {
		out.BestWinRate = ptr(*best.WinRate)
		if best.ImitationWeightedScore != nil && finite(*best.ImitationWeightedScore) {
			out.BestImitationWeightedScore = ptr(*best.ImitationWeightedScore)
		}
	}
	out.BestGenomeNodes = best.NumNodes
	out.BestGenomeConnections = best.NumConnections
	out.MeanEvalTimeMS = optionalMean(evalTimes)
	if len(evalTimes) > 0 {
		out.P90EvalTimeMS = ptr(quantile(evalTimes, 0.9))
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func optionalMean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	return ptr(mean(values))
}

// stddev is the population standard deviation; 0 for fewer than two values.
func stddev(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	m := mean(values)
	variance := 0.0
	for _, v := range values {
		variance += (v - m) * (v - m)
	}
	variance /= float64(len(values))
	return math.Sqrt(math.Max(0, variance))
}

// quantile picks the element at floor((n-1)*q) of the sorted values.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * q)
	idx = max(0, min(len(sorted)-1, idx))
	return sorted[idx]
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func ptr[T any](v T) *T {
	return &v
}
