package evaluator

import (
	"context"

	"kflowerneat/internal/model"
)

// FailureReason classifies why a single genome evaluation produced no report.
type FailureReason string

const (
	ReasonTimeout       FailureReason = "worker_timeout"
	ReasonCrash         FailureReason = "worker_crash"
	ReasonExit          FailureReason = "worker_exit"
	ReasonEmptyStdout   FailureReason = "worker_empty_stdout"
	ReasonProtocolError FailureReason = "worker_protocol_error"
	ReasonPanic         FailureReason = "worker_panic"
	ReasonScriptMissing FailureReason = "eval_script_missing"
	ReasonGenomeEncode  FailureReason = "genome_encode_failed"
	ReasonCanceled      FailureReason = "canceled"
)

// Request is one genome evaluation. Seed is the generation seed string and
// is passed to the evaluator verbatim.
type Request struct {
	Generation int
	Genome     model.Genome
	Seed       string
}

// Report is the evaluator's per-genome summary. Optional fields stay nil
// when the evaluator omits them or reports null.
type Report struct {
	Fitness                float64
	WinRate                *float64
	LossRate               *float64
	DrawRate               *float64
	ImitationWeightedScore *float64
	MeanGoldDelta          *float64
	EvalTimeMS             *float64
	Wins                   *int
	Losses                 *int
	Draws                  *int
}

// Outcome is either a Success or a Failure.
type Outcome interface {
	outcome()
}

type Success struct {
	Report Report
}

type Failure struct {
	Reason FailureReason
	Detail string
}

func (Success) outcome() {}
func (Failure) outcome() {}

// Backend evaluates one genome. Implementations must honor ctx cancellation
// and report every problem as a Failure rather than an error.
type Backend interface {
	Evaluate(ctx context.Context, req Request) Outcome
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) Outcome

func (f BackendFunc) Evaluate(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}
