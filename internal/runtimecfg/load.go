package runtimecfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Load resolves a runtime config file and its extends chain on top of
// Default. An empty path yields Default. The result is not validated so
// callers can apply overrides first.
func Load(path string, logger *slog.Logger) (Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw := map[string]any{}
	if path != "" {
		if err := resolve(path, raw, map[string]struct{}{}, logger); err != nil {
			return Runtime{}, err
		}
	}
	rt, err := fromMap(raw, logger)
	if err != nil {
		return Runtime{}, err
	}
	if rt.GateMode == "hybrid" && rt.TransitionEMAImitation == nil {
		logger.Warn("hybrid gate without transition_ema_imitation; imitation condition always passes")
	}
	return rt, nil
}

// LoadValidated is Load followed by Validate.
func LoadValidated(path string, logger *slog.Logger) (Runtime, error) {
	rt, err := Load(path, logger)
	if err != nil {
		return Runtime{}, err
	}
	if err := rt.Validate(); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

// resolve merges path into dst after merging everything it extends.
// Parents apply first so local keys win. A file already merged, whether
// through a cycle or a shared ancestor, is skipped.
func resolve(path string, dst map[string]any, seen map[string]struct{}, logger *slog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve runtime config %s: %w", path, err)
	}
	if _, ok := seen[abs]; ok {
		return nil
	}
	seen[abs] = struct{}{}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("runtime config not found, skipping", "path", abs)
			return nil
		}
		return fmt.Errorf("read runtime config %s: %w", abs, err)
	}
	doc, err := decodeDocument(abs, data)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	for _, parent := range extendsList(doc["extends"]) {
		if !filepath.IsAbs(parent) {
			parent = filepath.Join(filepath.Dir(abs), parent)
		}
		if err := resolve(filepath.Clean(parent), dst, seen, logger); err != nil {
			return err
		}
	}
	delete(doc, "extends")
	deepMerge(dst, doc)
	return nil
}

func decodeDocument(path string, data []byte) (map[string]any, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode runtime config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode runtime config %s: %w", path, err)
		}
	}
	return doc, nil
}

func extendsList(v any) []string {
	switch x := v.(type) {
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				deepMerge(dm, sm)
				continue
			}
			cp := map[string]any{}
			deepMerge(cp, sm)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

func fromMap(raw map[string]any, logger *slog.Logger) (Runtime, error) {
	rt := Default()
	for key, v := range raw {
		if err := assign(&rt, key, v); err != nil {
			return Runtime{}, err
		}
	}
	for key := range raw {
		if _, ok := knownKeys[key]; !ok {
			logger.Debug("ignoring unknown runtime config key", "key", key)
		}
	}
	return rt, nil
}

var knownKeys = func() map[string]struct{} {
	out := map[string]struct{}{}
	for k := range Default().Effective() {
		out[k] = struct{}{}
	}
	return out
}()

func assign(rt *Runtime, key string, v any) error {
	var err error
	switch key {
	case "format_version":
		rt.FormatVersion, err = asString(key, v, rt.FormatVersion)
	case "generations":
		rt.Generations, err = asInt(key, v, rt.Generations)
	case "eval_workers":
		rt.EvalWorkers, err = asInt(key, v, rt.EvalWorkers)
	case "games_per_genome":
		rt.GamesPerGenome, err = asInt(key, v, rt.GamesPerGenome)
	case "eval_timeout_sec":
		rt.EvalTimeoutSec, err = asInt(key, v, rt.EvalTimeoutSec)
	case "max_eval_steps":
		rt.MaxEvalSteps, err = asInt(key, v, rt.MaxEvalSteps)
	case "opponent_policy":
		rt.OpponentPolicy, err = asString(key, v, rt.OpponentPolicy)
	case "switch_seats":
		rt.SwitchSeats, err = asBool(key, v, rt.SwitchSeats)
	case "checkpoint_every":
		rt.CheckpointEvery, err = asInt(key, v, rt.CheckpointEvery)
	case "eval_script":
		rt.EvalScript, err = asString(key, v, rt.EvalScript)
	case "eval_runner":
		rt.EvalRunner, err = asString(key, v, rt.EvalRunner)
	case "seed":
		rt.Seed, err = asString(key, v, rt.Seed)
	case "fitness_gold_scale":
		rt.FitnessGoldScale, err = asFloat64(key, v, rt.FitnessGoldScale)
	case "fitness_win_weight":
		rt.FitnessWinWeight, err = asFloat64(key, v, rt.FitnessWinWeight)
	case "fitness_loss_weight":
		rt.FitnessLossWeight, err = asFloat64(key, v, rt.FitnessLossWeight)
	case "fitness_draw_weight":
		rt.FitnessDrawWeight, err = asFloat64(key, v, rt.FitnessDrawWeight)
	case "gate_mode":
		rt.GateMode, err = asString(key, v, rt.GateMode)
		rt.GateMode = strings.ToLower(rt.GateMode)
	case "gate_ema_window":
		rt.GateEMAWindow, err = asInt(key, v, rt.GateEMAWindow)
	case "transition_ema_imitation":
		rt.TransitionEMAImitation, err = asOptionalFloat64(key, v)
	case "transition_ema_win_rate":
		rt.TransitionEMAWinRate, err = asOptionalFloat64(key, v)
	case "transition_streak":
		rt.TransitionStreak, err = asInt(key, v, rt.TransitionStreak)
	case "failure_generation_min":
		rt.FailureGenerationMin, err = asInt(key, v, rt.FailureGenerationMin)
	case "failure_ema_win_rate_max":
		rt.FailureEMAWinRateMax, err = asOptionalFloat64(key, v)
	case "failure_imitation_max":
		rt.FailureImitationMax, err = asOptionalFloat64(key, v)
	case "failure_slope_5_max":
		rt.FailureSlope5Max, err = asFloat64(key, v, rt.FailureSlope5Max)
	case "failure_slope_metric":
		rt.FailureSlopeMetric, err = asString(key, v, rt.FailureSlopeMetric)
		rt.FailureSlopeMetric = strings.ToLower(rt.FailureSlopeMetric)
	case "store":
		rt.Store, err = asString(key, v, rt.Store)
		rt.Store = strings.ToLower(rt.Store)
	case "store_path":
		rt.StorePath, err = asString(key, v, rt.StorePath)
	}
	return err
}

// Scalar coercion. Null keeps the default; blank strings keep the default
// for required strings.

func asString(key string, v any, def string) (string, error) {
	switch x := v.(type) {
	case nil:
		return def, nil
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return s, nil
		}
		return def, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", &ConfigError{Field: key, Reason: fmt.Sprintf("expected a string, got %T", v)}
	}
}

func asInt(key string, v any, def int) (int, error) {
	switch x := v.(type) {
	case nil:
		return def, nil
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if integral(x) {
			return int(x), nil
		}
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && integral(f) {
			return int(f), nil
		}
	}
	return 0, &ConfigError{Field: key, Reason: fmt.Sprintf("expected an integer, got %v", v)}
}

// integral accepts 12 and 12.0 but not 12.5 or values outside int range.
func integral(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return false
	}
	return f >= math.MinInt64 && f < math.MaxInt64
}

func asFloat64(key string, v any, def float64) (float64, error) {
	switch x := v.(type) {
	case nil:
		return def, nil
	case float64:
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			return x, nil
		}
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, nil
		}
	}
	return 0, &ConfigError{Field: key, Reason: fmt.Sprintf("expected a finite number, got %v", v)}
}

// asOptionalFloat64 maps null, "", "none" and "null" to an unset threshold.
func asOptionalFloat64(key string, v any) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "", "none", "null":
			return nil, nil
		}
	}
	f, err := asFloat64(key, v, 0)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func asBool(key string, v any, def bool) (bool, error) {
	switch x := v.(type) {
	case nil:
		return def, nil
	case bool:
		return x, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "y", "on":
			return true, nil
		case "0", "false", "no", "n", "off":
			return false, nil
		}
	}
	return false, &ConfigError{Field: key, Reason: fmt.Sprintf("expected a boolean, got %v", v)}
}
