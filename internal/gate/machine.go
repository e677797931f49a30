package gate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"kflowerneat/internal/model"
)

var (
	ErrInvalidThresholds = errors.New("invalid gate thresholds")
	ErrGenerationOrder   = errors.New("gate generation must increase")
)

// Machine tracks smoothed per-generation metrics and decides curriculum
// transition readiness and training failure. It is not safe for concurrent
// use; the training controller owns it.
type Machine struct {
	thresholds model.Thresholds
	alpha      float64
	now        func() time.Time

	generation           int
	emaImitation         *float64
	emaWinRate           *float64
	streak               int
	transitionGeneration *int
	failureGeneration    *int
	imitationHistory     []float64
	winRateHistory       []float64

	state model.GateState
}

func NewMachine(thresholds model.Thresholds) (*Machine, error) {
	if err := validateThresholds(thresholds); err != nil {
		return nil, err
	}
	m := &Machine{
		thresholds: thresholds,
		alpha:      Alpha(thresholds.EMAWindow),
		now:        func() time.Time { return time.Now().UTC() },
		generation: -1,
	}
	m.state = model.GateState{
		SavedAt:     m.now(),
		Generation:  -1,
		DataQuality: model.InvalidGeneration,
		EMAWindow:   thresholds.EMAWindow,
		EMAAlpha:    m.alpha,
		Thresholds:  m.thresholdsCopy(),
	}
	return m, nil
}

func validateThresholds(t model.Thresholds) error {
	switch t.GateMode {
	case model.GateModeWinRateOnly, model.GateModeHybrid:
	default:
		return fmt.Errorf("%w: unknown gate mode %q", ErrInvalidThresholds, t.GateMode)
	}
	switch t.FailureSlopeMetric {
	case model.SlopeMetricWinRate, model.SlopeMetricImitation:
	default:
		return fmt.Errorf("%w: unknown failure slope metric %q", ErrInvalidThresholds, t.FailureSlopeMetric)
	}
	if t.EMAWindow < 2 {
		return fmt.Errorf("%w: ema window must be >= 2, got %d", ErrInvalidThresholds, t.EMAWindow)
	}
	if t.TransitionStreak < 1 {
		return fmt.Errorf("%w: transition streak must be >= 1, got %d", ErrInvalidThresholds, t.TransitionStreak)
	}
	if t.FailureGenerationMin < 1 {
		return fmt.Errorf("%w: failure generation min must be >= 1, got %d", ErrInvalidThresholds, t.FailureGenerationMin)
	}
	for name, v := range map[string]*float64{
		"transition_ema_imitation": t.TransitionEMAImitation,
		"transition_ema_win_rate":  t.TransitionEMAWinRate,
		"failure_ema_win_rate_max": t.FailureEMAWinRateMax,
		"failure_imitation_max":    t.FailureImitationMax,
	} {
		if v != nil && !isFinite(*v) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidThresholds, name)
		}
	}
	if !isFinite(t.FailureSlope5Max) {
		return fmt.Errorf("%w: failure_slope_5_max must be finite", ErrInvalidThresholds)
	}
	return nil
}

func (m *Machine) Thresholds() model.Thresholds {
	return m.thresholdsCopy()
}

// IsValidRecord reports whether a record may take part in gating.
func (m *Machine) IsValidRecord(r model.EvaluationRecord) bool {
	if !r.EvalOK {
		return false
	}
	if r.WinRate == nil || !isFinite(*r.WinRate) {
		return false
	}
	if m.thresholds.ImitationRequired() {
		if r.ImitationWeightedScore == nil || !isFinite(*r.ImitationWeightedScore) {
			return false
		}
	}
	return true
}

// ValidRecords filters records down to the ones usable for gating, keeping
// their order.
func (m *Machine) ValidRecords(records []model.EvaluationRecord) []model.EvaluationRecord {
	out := make([]model.EvaluationRecord, 0, len(records))
	for _, r := range records {
		if m.IsValidRecord(r) {
			out = append(out, r)
		}
	}
	return out
}

// Observe folds one generation into the gate. valid must already be
// filtered with IsValidRecord; total is the full population size.
func (m *Machine) Observe(generation int, valid []model.EvaluationRecord, total int) (model.GateState, error) {
	if generation <= m.generation {
		return m.Snapshot(), fmt.Errorf("%w: got %d after %d", ErrGenerationOrder, generation, m.generation)
	}
	m.generation = generation

	best, ok := BestRecord(valid)
	if !ok {
		m.streak = 0
		m.state = m.baseState(model.InvalidGeneration, len(valid), total)
		return m.Snapshot(), nil
	}

	imitation := valueOr(best.ImitationWeightedScore, 0)
	winRate := valueOr(best.WinRate, 0)
	m.imitationHistory = append(m.imitationHistory, imitation)
	m.winRateHistory = append(m.winRateHistory, winRate)

	emaImitation := EMA(m.emaImitation, imitation, m.alpha)
	emaWinRate := EMA(m.emaWinRate, winRate, m.alpha)
	m.emaImitation = &emaImitation
	m.emaWinRate = &emaWinRate

	if m.transitionOK() {
		m.streak++
	} else {
		m.streak = 0
	}
	if m.transitionGeneration == nil && m.streak >= m.thresholds.TransitionStreak {
		g := generation
		m.transitionGeneration = &g
	}

	imitationSlope := FiveGenerationSlope(m.imitationHistory)
	winRateSlope := FiveGenerationSlope(m.winRateHistory)
	slope := winRateSlope
	if m.thresholds.FailureSlopeMetric == model.SlopeMetricImitation {
		slope = imitationSlope
	}
	if m.failureGeneration == nil &&
		generation+1 >= m.thresholds.FailureGenerationMin &&
		m.metricLow(imitation) &&
		slope < m.thresholds.FailureSlope5Max {
		g := generation
		m.failureGeneration = &g
	}

	state := m.baseState(model.ValidGeneration, len(valid), total)
	state.LatestImitation = ptr(imitation)
	state.LatestWinRate = ptr(winRate)
	state.LatestImitationSlope5 = ptr(imitationSlope)
	state.LatestWinRateSlope5 = ptr(winRateSlope)
	m.state = state
	return m.Snapshot(), nil
}

// transitionOK treats an unset threshold as satisfied. The imitation
// threshold only applies in hybrid mode.
func (m *Machine) transitionOK() bool {
	if t := m.thresholds.TransitionEMAWinRate; t != nil && *m.emaWinRate < *t {
		return false
	}
	if m.thresholds.GateMode == model.GateModeHybrid {
		if t := m.thresholds.TransitionEMAImitation; t != nil && *m.emaImitation < *t {
			return false
		}
	}
	return true
}

// metricLow requires every configured failure ceiling to hold. With no
// ceiling configured failure can never trigger.
func (m *Machine) metricLow(imitation float64) bool {
	checked := false
	if t := m.thresholds.FailureEMAWinRateMax; t != nil {
		checked = true
		if !(*m.emaWinRate < *t) {
			return false
		}
	}
	if t := m.thresholds.FailureImitationMax; t != nil {
		checked = true
		if !(imitation < *t) {
			return false
		}
	}
	return checked
}

func (m *Machine) baseState(quality model.DataQuality, valid, total int) model.GateState {
	return model.GateState{
		SavedAt:              m.now(),
		Generation:           m.generation,
		DataQuality:          quality,
		ValidRecordCount:     valid,
		TotalRecordCount:     total,
		EMAWindow:            m.thresholds.EMAWindow,
		EMAAlpha:             m.alpha,
		EMAImitation:         copyFloat(m.emaImitation),
		EMAWinRate:           copyFloat(m.emaWinRate),
		GateStreak:           m.streak,
		TransitionReady:      m.transitionGeneration != nil,
		TransitionGeneration: copyInt(m.transitionGeneration),
		FailureTriggered:     m.failureGeneration != nil,
		FailureGeneration:    copyInt(m.failureGeneration),
		Thresholds:           m.thresholdsCopy(),
	}
}

// Snapshot returns a deep copy of the latest gate state.
func (m *Machine) Snapshot() model.GateState {
	s := m.state
	s.EMAImitation = copyFloat(s.EMAImitation)
	s.EMAWinRate = copyFloat(s.EMAWinRate)
	s.TransitionGeneration = copyInt(s.TransitionGeneration)
	s.FailureGeneration = copyInt(s.FailureGeneration)
	s.LatestImitation = copyFloat(s.LatestImitation)
	s.LatestWinRate = copyFloat(s.LatestWinRate)
	s.LatestImitationSlope5 = copyFloat(s.LatestImitationSlope5)
	s.LatestWinRateSlope5 = copyFloat(s.LatestWinRateSlope5)
	s.Thresholds = m.thresholdsCopy()
	return s
}

func (m *Machine) thresholdsCopy() model.Thresholds {
	t := m.thresholds
	t.TransitionEMAImitation = copyFloat(t.TransitionEMAImitation)
	t.TransitionEMAWinRate = copyFloat(t.TransitionEMAWinRate)
	t.FailureEMAWinRateMax = copyFloat(t.FailureEMAWinRateMax)
	t.FailureImitationMax = copyFloat(t.FailureImitationMax)
	return t
}

// BestRecord picks the highest-fitness record, breaking ties on the lowest
// genome key so the choice does not depend on arrival order.
func BestRecord(records []model.EvaluationRecord) (model.EvaluationRecord, bool) {
	if len(records) == 0 {
		return model.EvaluationRecord{}, false
	}
	best := records[0]
	for _, r := range records[1:] {
		if r.Fitness > best.Fitness || (r.Fitness == best.Fitness && r.GenomeKey < best.GenomeKey) {
			best = r
		}
	}
	return best, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil || !isFinite(*v) {
		return fallback
	}
	return *v
}

func ptr[T any](v T) *T {
	return &v
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return ptr(*v)
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	return ptr(*v)
}
