package runtimecfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"kflowerneat/internal/evaluator"
	"kflowerneat/internal/model"
)

const FormatVersion = "neat_runtime_v1"

// Runtime is the resolved training runtime. JSON names match the keys
// accepted in runtime config files.
type Runtime struct {
	FormatVersion     string  `json:"format_version"`
	Generations       int     `json:"generations" validate:"gte=1"`
	EvalWorkers       int     `json:"eval_workers" validate:"gte=2"`
	GamesPerGenome    int     `json:"games_per_genome" validate:"gte=1"`
	EvalTimeoutSec    int     `json:"eval_timeout_sec" validate:"gte=10"`
	MaxEvalSteps      int     `json:"max_eval_steps" validate:"gte=50"`
	OpponentPolicy    string  `json:"opponent_policy" validate:"required"`
	SwitchSeats       bool    `json:"switch_seats"`
	CheckpointEvery   int     `json:"checkpoint_every" validate:"gte=1"`
	EvalScript        string  `json:"eval_script" validate:"required"`
	EvalRunner        string  `json:"eval_runner" validate:"required"`
	Seed              string  `json:"seed" validate:"required"`
	FitnessGoldScale  float64 `json:"fitness_gold_scale" validate:"gte=1"`
	FitnessWinWeight  float64 `json:"fitness_win_weight"`
	FitnessLossWeight float64 `json:"fitness_loss_weight"`
	FitnessDrawWeight float64 `json:"fitness_draw_weight"`

	GateMode               string   `json:"gate_mode" validate:"oneof=win_rate_only hybrid"`
	GateEMAWindow          int      `json:"gate_ema_window" validate:"gte=2"`
	TransitionEMAImitation *float64 `json:"transition_ema_imitation" validate:"omitempty,gte=0,lte=1"`
	TransitionEMAWinRate   *float64 `json:"transition_ema_win_rate" validate:"omitempty,gte=0,lte=1"`
	TransitionStreak       int      `json:"transition_streak" validate:"gte=1"`
	FailureGenerationMin   int      `json:"failure_generation_min" validate:"gte=1"`
	FailureEMAWinRateMax   *float64 `json:"failure_ema_win_rate_max" validate:"omitempty,gte=0,lte=1"`
	FailureImitationMax    *float64 `json:"failure_imitation_max"`
	FailureSlope5Max       float64  `json:"failure_slope_5_max"`
	FailureSlopeMetric     string   `json:"failure_slope_metric" validate:"oneof=win_rate imitation"`

	Store     string `json:"store" validate:"omitempty,oneof=memory sqlite badger"`
	StorePath string `json:"store_path"`
}

func f64(v float64) *float64 { return &v }

// Default returns the baseline runtime every config file extends.
func Default() Runtime {
	return Runtime{
		FormatVersion:     FormatVersion,
		Generations:       50,
		EvalWorkers:       6,
		GamesPerGenome:    40,
		EvalTimeoutSec:    360,
		MaxEvalSteps:      600,
		OpponentPolicy:    "heuristic_v4",
		SwitchSeats:       true,
		CheckpointEvery:   50,
		EvalScript:        "scripts/neat_eval_worker.mjs",
		EvalRunner:        "node",
		Seed:              "13",
		FitnessGoldScale:  10000.0,
		FitnessWinWeight:  2.5,
		FitnessLossWeight: 1.5,
		FitnessDrawWeight: 0.1,

		GateMode:               string(model.GateModeWinRateOnly),
		GateEMAWindow:          5,
		TransitionEMAImitation: f64(0.60),
		TransitionEMAWinRate:   f64(0.45),
		TransitionStreak:       3,
		FailureGenerationMin:   30,
		FailureEMAWinRateMax:   f64(0.30),
		FailureSlope5Max:       0.005,
		FailureSlopeMetric:     string(model.SlopeMetricWinRate),
	}
}

// ConfigError names the offending config key.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("runtime config %s: %s", e.Field, e.Reason)
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks every bound. The first violation is returned as a
// *ConfigError.
func (r Runtime) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	reason := fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &ConfigError{Field: fe.Field(), Reason: fmt.Sprintf("must satisfy %s, got %v", reason, fe.Value())}
}

func (r Runtime) EvalTimeout() time.Duration {
	return time.Duration(r.EvalTimeoutSec) * time.Second
}

// Thresholds copies the gate controls into the gate machine's form.
func (r Runtime) Thresholds() model.Thresholds {
	return model.Thresholds{
		GateMode:               model.GateMode(r.GateMode),
		EMAWindow:              r.GateEMAWindow,
		TransitionEMAImitation: clonePtr(r.TransitionEMAImitation),
		TransitionEMAWinRate:   clonePtr(r.TransitionEMAWinRate),
		TransitionStreak:       r.TransitionStreak,
		FailureGenerationMin:   r.FailureGenerationMin,
		FailureEMAWinRateMax:   clonePtr(r.FailureEMAWinRateMax),
		FailureImitationMax:    clonePtr(r.FailureImitationMax),
		FailureSlope5Max:       r.FailureSlope5Max,
		FailureSlopeMetric:     model.SlopeMetric(r.FailureSlopeMetric),
	}
}

// EvaluatorSettings returns the per-invocation evaluator arguments.
func (r Runtime) EvaluatorSettings() evaluator.Settings {
	return evaluator.Settings{
		GamesPerGenome:    r.GamesPerGenome,
		MaxEvalSteps:      r.MaxEvalSteps,
		OpponentPolicy:    r.OpponentPolicy,
		SwitchSeats:       r.SwitchSeats,
		FitnessGoldScale:  r.FitnessGoldScale,
		FitnessWinWeight:  r.FitnessWinWeight,
		FitnessLossWeight: r.FitnessLossWeight,
		FitnessDrawWeight: r.FitnessDrawWeight,
	}
}

// Effective renders the runtime as a plain map for run summaries.
func (r Runtime) Effective() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
