package evaluator

import "context"

// DryRunBackend scores genomes by size alone, without launching the
// evaluator. Reports carry fitness only, so dry-run records never count
// toward gating.
type DryRunBackend struct{}

func (DryRunBackend) Evaluate(ctx context.Context, req Request) Outcome {
	if err := ctx.Err(); err != nil {
		return Failure{Reason: ReasonCanceled, Detail: err.Error()}
	}
	g := req.Genome
	fitness := float64(g.NumConnectionsTotal())*0.001 + float64(g.NumNodes())*0.0001
	return Success{Report: Report{Fitness: fitness}}
}
