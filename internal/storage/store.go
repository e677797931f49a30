package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kflowerneat/internal/model"
)

var ErrInvalidRunID = errors.New("invalid run id")

// Store mirrors the artifacts of training runs so they can be queried
// without parsing the NDJSON logs.
type Store interface {
	Init(ctx context.Context) error
	SaveEvaluationRecords(ctx context.Context, runID string, records []model.EvaluationRecord) error
	ListEvaluationRecords(ctx context.Context, runID string, generation int) ([]model.EvaluationRecord, error)
	SaveGenerationRecord(ctx context.Context, runID string, record model.GenerationRecord) error
	ListGenerationRecords(ctx context.Context, runID string) ([]model.GenerationRecord, error)
	SaveGateState(ctx context.Context, runID string, state model.GateState) error
	GetGateState(ctx context.Context, runID string) (model.GateState, bool, error)
	SavePopulationSnapshot(ctx context.Context, runID string, snapshot model.PopulationSnapshot) error
	GetPopulationSnapshot(ctx context.Context, runID string, generation int) (model.PopulationSnapshot, bool, error)
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
	ListRuns(ctx context.Context) ([]string, error)
}

func validateRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRunID)
	}
	if strings.ContainsAny(runID, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}
