package model

import (
	"encoding/json"
	"time"
)

// FitnessFloor is the fitness assigned to a genome whose evaluation failed.
const FitnessFloor = -1e9

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type DataQuality string

const (
	ValidGeneration   DataQuality = "valid_generation"
	InvalidGeneration DataQuality = "invalid_generation"
)

type GateMode string

const (
	GateModeWinRateOnly GateMode = "win_rate_only"
	GateModeHybrid      GateMode = "hybrid"
)

type SlopeMetric string

const (
	SlopeMetricWinRate   SlopeMetric = "win_rate"
	SlopeMetricImitation SlopeMetric = "imitation"
)

// EvaluationRecord is one (generation, genome) evaluation result.
type EvaluationRecord struct {
	SavedAt                time.Time `json:"saved_at"`
	Generation             int       `json:"generation"`
	GenomeKey              int       `json:"genome_key"`
	SeedUsed               string    `json:"seed_used"`
	Fitness                float64   `json:"fitness"`
	EvalOK                 bool      `json:"eval_ok"`
	WinRate                *float64  `json:"win_rate,omitempty"`
	LossRate               *float64  `json:"loss_rate,omitempty"`
	DrawRate               *float64  `json:"draw_rate,omitempty"`
	ImitationWeightedScore *float64  `json:"imitation_weighted_score,omitempty"`
	MeanGoldDelta          *float64  `json:"mean_gold_delta,omitempty"`
	EvalTimeMS             *float64  `json:"eval_time_ms,omitempty"`
	Wins                   *int      `json:"wins,omitempty"`
	Losses                 *int      `json:"losses,omitempty"`
	Draws                  *int      `json:"draws,omitempty"`
	NumNodes               int       `json:"num_nodes"`
	NumConnections         int       `json:"num_connections"`
	NumConnectionsTotal    int       `json:"num_connections_total"`
	FailureReason          string    `json:"failure_reason,omitempty"`
	FailureDetail          string    `json:"failure_detail,omitempty"`
}

// FailureRecord is one line of the evaluation failure log.
type FailureRecord struct {
	SavedAt    time.Time `json:"saved_at"`
	Generation int       `json:"generation"`
	GenomeKey  int       `json:"genome_key"`
	SeedUsed   string    `json:"seed_used"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail"`
}

// Thresholds is the gate configuration active for a run. It never changes
// after the run starts.
type Thresholds struct {
	GateMode               GateMode    `json:"gate_mode"`
	EMAWindow              int         `json:"ema_window"`
	TransitionEMAImitation *float64    `json:"transition_ema_imitation"`
	TransitionEMAWinRate   *float64    `json:"transition_ema_win_rate"`
	TransitionStreak       int         `json:"transition_streak"`
	FailureGenerationMin   int         `json:"failure_generation_min"`
	FailureEMAWinRateMax   *float64    `json:"failure_ema_win_rate_max"`
	FailureImitationMax    *float64    `json:"failure_imitation_max"`
	FailureSlope5Max       float64     `json:"failure_slope_5_max"`
	FailureSlopeMetric     SlopeMetric `json:"failure_slope_metric"`
}

// ImitationRequired reports whether records need an imitation score to be
// usable for gating.
func (t Thresholds) ImitationRequired() bool {
	return t.GateMode == GateModeHybrid ||
		t.FailureSlopeMetric == SlopeMetricImitation ||
		t.FailureImitationMax != nil
}

type GateState struct {
	SavedAt               time.Time   `json:"saved_at"`
	Generation            int         `json:"generation"`
	DataQuality           DataQuality `json:"data_quality"`
	ValidRecordCount      int         `json:"valid_record_count"`
	TotalRecordCount      int         `json:"total_record_count"`
	EMAWindow             int         `json:"ema_window"`
	EMAAlpha              float64     `json:"ema_alpha"`
	EMAImitation          *float64    `json:"ema_imitation"`
	EMAWinRate            *float64    `json:"ema_win_rate"`
	GateStreak            int         `json:"gate_streak"`
	TransitionReady       bool        `json:"transition_ready"`
	TransitionGeneration  *int        `json:"transition_generation"`
	FailureTriggered      bool        `json:"failure_triggered"`
	FailureGeneration     *int        `json:"failure_generation"`
	LatestImitation       *float64    `json:"latest_imitation"`
	LatestWinRate         *float64    `json:"latest_win_rate"`
	LatestImitationSlope5 *float64    `json:"latest_imitation_slope_5"`
	LatestWinRateSlope5   *float64    `json:"latest_win_rate_slope_5"`
	Thresholds            Thresholds  `json:"thresholds"`
}

type GenerationRecord struct {
	SavedAt                    time.Time   `json:"saved_at"`
	Generation                 int         `json:"generation"`
	SeedUsed                   string      `json:"seed_used"`
	PopulationSize             int         `json:"population_size"`
	ValidRecordCount           int         `json:"valid_record_count"`
	InvalidRecordCount         int         `json:"invalid_record_count"`
	DataQuality                DataQuality `json:"data_quality"`
	BestGenomeKey              int         `json:"best_genome_key"`
	BestFitness                float64     `json:"best_fitness"`
	MeanFitness                float64     `json:"mean_fitness"`
	StdFitness                 float64     `json:"std_fitness"`
	MeanWinRate                *float64    `json:"mean_win_rate"`
	MeanImitationWeightedScore *float64    `json:"mean_imitation_weighted_score"`
	BestWinRate                *float64    `json:"best_win_rate"`
	BestImitationWeightedScore *float64    `json:"best_imitation_weighted_score"`
	BestGenomeNodes            int         `json:"best_genome_nodes"`
	BestGenomeConnections      int         `json:"best_genome_connections"`
	MeanEvalTimeMS             *float64    `json:"mean_eval_time_ms"`
	P90EvalTimeMS              *float64    `json:"p90_eval_time_ms"`
	GateState                  GateState   `json:"gate_state"`
}

// PopulationSnapshot is a periodic copy of the evaluated population.
type PopulationSnapshot struct {
	VersionedRecord
	RunID      string           `json:"run_id"`
	Generation int              `json:"generation"`
	SavedAt    time.Time        `json:"saved_at"`
	Genomes    []SnapshotGenome `json:"genomes"`
}

type SnapshotGenome struct {
	GenomeKey int             `json:"genome_key"`
	Fitness   float64         `json:"fitness"`
	Payload   json.RawMessage `json:"payload"`
}

// RunSummary is written once when a training run ends.
type RunSummary struct {
	VersionedRecord
	RunID                string         `json:"run_id"`
	SavedAt              time.Time      `json:"saved_at"`
	Mode                 string         `json:"mode"`
	ProfileName          string         `json:"profile_name"`
	Generations          int            `json:"generations"`
	GenerationsCompleted int            `json:"generations_completed"`
	Workers              int            `json:"workers"`
	GamesPerGenome       int            `json:"games_per_genome"`
	BestFitness          float64        `json:"best_fitness"`
	BestGenomeKey        int            `json:"best_genome_key"`
	AppliedOverrides     map[string]any `json:"applied_overrides"`
	RuntimeEffective     map[string]any `json:"runtime_effective"`
	EvalFailureLog       string         `json:"eval_failure_log"`
	EvalMetricsLog       string         `json:"eval_metrics_log"`
	GenerationMetricsLog string         `json:"generation_metrics_log"`
	GateStatePath        string         `json:"gate_state_path"`
	WinnerJSON           string         `json:"winner_json,omitempty"`
	RuntimeConfig        string         `json:"runtime_config,omitempty"`
	StartGeneration      int            `json:"start_generation"`
	ResumeCheckpoint     string         `json:"resume_checkpoint,omitempty"`
	GateState            GateState      `json:"gate_state"`
	Error                string         `json:"error,omitempty"`
}
