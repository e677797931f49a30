package evaluator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const reportSchemaURL = "kflowerneat://evaluator/report.schema.json"

const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["fitness"],
  "properties": {
    "fitness": {"type": "number"},
    "win_rate": {"type": ["number", "null"], "minimum": 0, "maximum": 1},
    "loss_rate": {"type": ["number", "null"], "minimum": 0, "maximum": 1},
    "draw_rate": {"type": ["number", "null"], "minimum": 0, "maximum": 1},
    "imitation_weighted_score": {"type": ["number", "null"]},
    "mean_gold_delta": {"type": ["number", "null"]},
    "eval_time_ms": {"type": ["number", "null"], "minimum": 0},
    "wins": {"type": ["integer", "null"], "minimum": 0},
    "losses": {"type": ["integer", "null"], "minimum": 0},
    "draws": {"type": ["integer", "null"], "minimum": 0}
  }
}`

var (
	ErrEmptyReport = errors.New("evaluator report is empty")

	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func reportSchemaValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(reportSchemaURL, strings.NewReader(reportSchema)); err != nil {
			schemaErr = fmt.Errorf("add report schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(reportSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile report schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

type wireReport struct {
	Fitness                *float64 `json:"fitness"`
	WinRate                *float64 `json:"win_rate"`
	LossRate               *float64 `json:"loss_rate"`
	DrawRate               *float64 `json:"draw_rate"`
	ImitationWeightedScore *float64 `json:"imitation_weighted_score"`
	MeanGoldDelta          *float64 `json:"mean_gold_delta"`
	EvalTimeMS             *float64 `json:"eval_time_ms"`
	Wins                   *float64 `json:"wins"`
	Losses                 *float64 `json:"losses"`
	Draws                  *float64 `json:"draws"`
}

// LastLine returns the last non-blank line of out, trimmed.
func LastLine(out []byte) string {
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return string(line)
		}
	}
	return ""
}

// ParseReport validates one report line against the report schema and
// decodes it.
func ParseReport(line string) (Report, error) {
	if strings.TrimSpace(line) == "" {
		return Report{}, ErrEmptyReport
	}
	schema, err := reportSchemaValidator()
	if err != nil {
		return Report{}, err
	}
	var payload any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return Report{}, fmt.Errorf("report schema: %w", err)
	}
	var wire wireReport
	if err := json.Unmarshal([]byte(line), &wire); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	if wire.Fitness == nil || !finite(*wire.Fitness) {
		return Report{}, errors.New("report fitness is missing or non-finite")
	}
	return Report{
		Fitness:                *wire.Fitness,
		WinRate:                wire.WinRate,
		LossRate:               wire.LossRate,
		DrawRate:               wire.DrawRate,
		ImitationWeightedScore: wire.ImitationWeightedScore,
		MeanGoldDelta:          wire.MeanGoldDelta,
		EvalTimeMS:             wire.EvalTimeMS,
		Wins:                   toInt(wire.Wins),
		Losses:                 toInt(wire.Losses),
		Draws:                  toInt(wire.Draws),
	}, nil
}

func toInt(v *float64) *int {
	if v == nil {
		return nil
	}
	n := int(math.Round(*v))
	return &n
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
