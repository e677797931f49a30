package runtimecfg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kflowerneat/internal/model"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	rt, err := LoadValidated("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), rt)
	assert.Equal(t, 6, rt.EvalWorkers)
	assert.Equal(t, "13", rt.Seed)

	th := rt.Thresholds()
	assert.Equal(t, model.GateModeWinRateOnly, th.GateMode)
	assert.Equal(t, 5, th.EMAWindow)
	require.NotNil(t, th.TransitionEMAWinRate)
	assert.Equal(t, 0.45, *th.TransitionEMAWinRate)
	assert.Nil(t, th.FailureImitationMax)
	assert.Equal(t, model.SlopeMetricWinRate, th.FailureSlopeMetric)
}

func TestExtendsChainLocalKeysWin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.json", `{"generations": 10, "eval_workers": 4, "opponent_policy": "random"}`)
	writeFile(t, dir, "profiles/phase.yaml", "extends: ../base.json\ngenerations: 20\ngate_mode: HYBRID\n")
	leaf := writeFile(t, dir, "leaf.json", "\ufeff"+`{"extends": ["profiles/phase.yaml", "missing.json"], "seed": 42, "failure_imitation_max": "0.2"}`)

	rt, err := LoadValidated(leaf, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, rt.Generations)
	assert.Equal(t, 4, rt.EvalWorkers)
	assert.Equal(t, "random", rt.OpponentPolicy)
	assert.Equal(t, "hybrid", rt.GateMode)
	assert.Equal(t, "42", rt.Seed)
	require.NotNil(t, rt.FailureImitationMax)
	assert.Equal(t, 0.2, *rt.FailureImitationMax)
	assert.Equal(t, 360, rt.EvalTimeoutSec, "untouched keys keep defaults")
}

func TestExtendsCycleTerminates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"extends": "b.json", "generations": 3}`)
	b := writeFile(t, dir, "b.json", `{"extends": "a.json", "generations": 7, "games_per_genome": 9}`)

	rt, err := Load(b, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, rt.Generations)
	assert.Equal(t, 9, rt.GamesPerGenome)
}

func TestExtendsDiamondMergesSharedParentOnce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "d.json", `{"generations": 1, "eval_workers": 1, "games_per_genome": 1, "opponent_policy": "random"}`)
	writeFile(t, dir, "b.json", `{"extends": "d.json", "generations": 2, "eval_workers": 2}`)
	writeFile(t, dir, "c.json", `{"extends": "d.json", "eval_workers": 3, "games_per_genome": 3}`)
	a := writeFile(t, dir, "a.json", `{"extends": ["b.json", "c.json"], "seed": "a"}`)

	rt, err := Load(a, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.Generations, "d must not be reapplied over b")
	assert.Equal(t, 3, rt.EvalWorkers, "later parent c wins over b")
	assert.Equal(t, 3, rt.GamesPerGenome, "c overrides d")
	assert.Equal(t, "random", rt.OpponentPolicy, "keys only d sets survive")
	assert.Equal(t, "a", rt.Seed)
}

func TestLooseCoercion(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "loose.json", `{
		"generations": "12",
		"switch_seats": "off",
		"fitness_win_weight": "3.5",
		"transition_ema_imitation": "none",
		"transition_ema_win_rate": null,
		"checkpoint_every": 5.0,
		"gate_ema_window": "7.0"
	}`)
	rt, err := LoadValidated(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, rt.Generations)
	assert.False(t, rt.SwitchSeats)
	assert.Equal(t, 3.5, rt.FitnessWinWeight)
	assert.Nil(t, rt.TransitionEMAImitation)
	assert.Nil(t, rt.TransitionEMAWinRate)
	assert.Equal(t, 5, rt.CheckpointEvery)
	assert.Equal(t, 7, rt.GateEMAWindow)
}

func TestUncoercibleValueIsConfigError(t *testing.T) {
	cases := map[string]struct {
		body  string
		field string
	}{
		"word":              {`{"eval_workers": "many"}`, "eval_workers"},
		"fractional string": {`{"generations": "2.7"}`, "generations"},
		"fractional number": {`{"checkpoint_every": 5.9}`, "checkpoint_every"},
		"out of range":      {`{"max_eval_steps": 1e300}`, "max_eval_steps"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "bad.json", tc.body)
			_, err := Load(path, nil)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestValidateNamesJSONKey(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*Runtime)
		field string
	}{
		{"workers", func(r *Runtime) { r.EvalWorkers = 1 }, "eval_workers"},
		{"timeout", func(r *Runtime) { r.EvalTimeoutSec = 5 }, "eval_timeout_sec"},
		{"gate mode", func(r *Runtime) { r.GateMode = "fast" }, "gate_mode"},
		{"window", func(r *Runtime) { r.GateEMAWindow = 1 }, "gate_ema_window"},
		{"slope metric", func(r *Runtime) { r.FailureSlopeMetric = "loss" }, "failure_slope_metric"},
		{"win rate bound", func(r *Runtime) { r.TransitionEMAWinRate = f64(1.5) }, "transition_ema_win_rate"},
		{"store", func(r *Runtime) { r.Store = "redis" }, "store"},
		{"gold scale", func(r *Runtime) { r.FitnessGoldScale = 0.5 }, "fitness_gold_scale"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := Default()
			tc.edit(&rt)
			err := rt.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestApplyOverridesRecordsApplied(t *testing.T) {
	rt := Default()
	gens, workers, seats, seed := 2, 3, false, "abc"
	applied := rt.Apply(Overrides{Generations: &gens, EvalWorkers: &workers, SwitchSeats: &seats, Seed: &seed})

	assert.Equal(t, map[string]any{
		"generations":  2,
		"eval_workers": 3,
		"switch_seats": false,
		"seed":         "abc",
	}, applied)
	assert.Equal(t, 2, rt.Generations)
	assert.False(t, rt.SwitchSeats)
	assert.Equal(t, 40, rt.GamesPerGenome)

	one := 1
	rt.Apply(Overrides{EvalWorkers: &one})
	require.Error(t, rt.Validate(), "overrides are validated like file values")
}

func TestEffectiveAndSettings(t *testing.T) {
	rt := Default()
	eff := rt.Effective()
	assert.Equal(t, "heuristic_v4", eff["opponent_policy"])
	assert.Contains(t, eff, "failure_imitation_max")
	assert.Nil(t, eff["failure_imitation_max"])

	s := rt.EvaluatorSettings()
	assert.Equal(t, 40, s.GamesPerGenome)
	assert.Equal(t, 600, s.MaxEvalSteps)
	assert.True(t, s.SwitchSeats)
	assert.Equal(t, 10000.0, s.FitnessGoldScale)
	assert.Equal(t, "6m0s", rt.EvalTimeout().String())
}
