package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"kflowerneat/internal/evaluator"
	"kflowerneat/internal/gate"
	"kflowerneat/internal/model"
	"kflowerneat/internal/telemetry"
	"kflowerneat/internal/workerpool"
)

// guardGrace is added to the evaluation timeout before the dispatcher gives
// up on a backend call that ignores its own deadline.
const guardGrace = 5 * time.Second

var ErrNoPool = errors.New("dispatcher requires a worker pool")

// Recorder receives the per-generation artifacts in order: genome records,
// failures, the generation record, then the gate checkpoint.
type Recorder interface {
	AppendGenomeRecords(records []model.EvaluationRecord) error
	AppendFailures(failures []model.FailureRecord) error
	AppendGenerationRecord(record model.GenerationRecord) error
	WriteGateState(state model.GateState) error
}

// Mirror copies generation artifacts into a queryable store.
type Mirror interface {
	SaveEvaluationRecords(ctx context.Context, runID string, records []model.EvaluationRecord) error
	SaveGenerationRecord(ctx context.Context, runID string, record model.GenerationRecord) error
	SaveGateState(ctx context.Context, runID string, state model.GateState) error
}

type Config struct {
	RunID       string
	Seed        string
	EvalTimeout time.Duration
	Pool        *workerpool.Pool
	Backend     evaluator.Backend
	Gate        *gate.Machine
	Recorder    Recorder
	Mirror      Mirror
	Logger      *slog.Logger

	// StartGeneration is the index of the first generation, non-zero when
	// a run resumes from a checkpoint.
	StartGeneration int
}

// Result is everything a generation produced.
type Result struct {
	Generation int
	Seed       string
	Records    []model.EvaluationRecord
	Summary    model.GenerationRecord
	GateState  model.GateState
}

// Dispatcher evaluates whole generations on a shared worker pool and feeds
// the results to the recorder and the gate. Evaluate calls must not overlap.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	grace  time.Duration

	// slots holds one token per running backend call. A call abandoned by
	// the guard keeps its token until the backend returns, so no more than
	// pool size calls ever run at once.
	slots chan struct{}

	generation int

	mu     sync.RWMutex
	latest *model.GenerationRecord
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Pool == nil {
		return nil, ErrNoPool
	}
	if cfg.Backend == nil {
		return nil, errors.New("dispatcher requires an evaluation backend")
	}
	if cfg.Gate == nil {
		return nil, errors.New("dispatcher requires a gate")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("dispatcher requires a recorder")
	}
	if cfg.StartGeneration < 0 {
		return nil, fmt.Errorf("start generation must be >= 0, got %d", cfg.StartGeneration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		grace:      guardGrace,
		slots:      make(chan struct{}, cfg.Pool.Size()),
		generation: cfg.StartGeneration - 1,
	}, nil
}

// Generation is the index of the last generation started, StartGeneration-1
// before the first Evaluate.
func (d *Dispatcher) Generation() int {
	return d.generation
}

// Latest returns the most recent generation record.
func (d *Dispatcher) Latest() (model.GenerationRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.latest == nil {
		return model.GenerationRecord{}, false
	}
	return *d.latest, true
}

// Wait blocks until no backend call is running, including calls the guard
// gave up on in earlier generations. It must not overlap Evaluate.
func (d *Dispatcher) Wait(ctx context.Context) error {
	held := 0
	defer func() {
		for ; held > 0; held-- {
			<-d.slots
		}
	}()
	for held < cap(d.slots) {
		select {
		case d.slots <- struct{}{}:
			held++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Evaluate runs one generation and sets Fitness on every element of
// genomes. Per-genome failures become floor-fitness records; only pool,
// recorder, and cancellation problems return an error. Calls left over from
// the previous generation finish before any of this generation start.
func (d *Dispatcher) Evaluate(ctx context.Context, genomes []model.Genome) (Result, error) {
	d.generation++
	generation := d.generation
	seed := SeedForGeneration(d.cfg.Seed, generation)
	if err := d.Wait(ctx); err != nil {
		return Result{Generation: generation, Seed: seed}, fmt.Errorf("generation %d: wait for previous evaluations: %w", generation, err)
	}
	started := time.Now()

	ctx, span := telemetry.StartGenerationSpan(ctx, generation, len(genomes))
	defer span.End()

	records := make([]model.EvaluationRecord, len(genomes))
	filled := make([]bool, len(genomes))
	errs, err := d.cfg.Pool.Run(ctx, len(genomes), func(ctx context.Context, i int) error {
		records[i] = d.evaluateOne(ctx, generation, seed, genomes[i])
		filled[i] = true
		return nil
	})
	if err != nil {
		return Result{Generation: generation, Seed: seed}, fmt.Errorf("generation %d: %w", generation, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{Generation: generation, Seed: seed}, fmt.Errorf("generation %d: %w", generation, err)
	}
	for i := range records {
		if filled[i] {
			continue
		}
		reason, detail := evaluator.ReasonCanceled, "job did not run"
		var pe *workerpool.PanicError
		if errors.As(errs[i], &pe) {
			reason, detail = evaluator.ReasonPanic, fmt.Sprintf("%v", pe.Value)
		} else if errs[i] != nil {
			detail = errs[i].Error()
		}
		records[i] = d.record(generation, seed, genomes[i], evaluator.Failure{Reason: reason, Detail: detail})
	}
	for i := range genomes {
		genomes[i].Fitness = records[i].Fitness
	}

	var failures []model.FailureRecord
	for _, r := range records {
		if r.EvalOK {
			telemetry.GenomeEvaluations.WithLabelValues("ok").Inc()
			continue
		}
		telemetry.GenomeEvaluations.WithLabelValues("failed").Inc()
		telemetry.EvaluationFailures.WithLabelValues(r.FailureReason).Inc()
		failures = append(failures, model.FailureRecord{
			SavedAt:    r.SavedAt,
			Generation: r.Generation,
			GenomeKey:  r.GenomeKey,
			SeedUsed:   r.SeedUsed,
			Reason:     r.FailureReason,
			Detail:     r.FailureDetail,
		})
		d.logger.Warn("genome evaluation failed",
			"generation", generation,
			"genome_key", r.GenomeKey,
			"reason", r.FailureReason,
			"detail", r.FailureDetail,
		)
	}

	valid := d.cfg.Gate.ValidRecords(records)
	state, err := d.cfg.Gate.Observe(generation, valid, len(records))
	if err != nil {
		return Result{Generation: generation, Seed: seed}, err
	}
	summary := Aggregate(generation, seed, records, d.cfg.Gate.IsValidRecord, d.now())
	summary.GateState = state

	if err := d.persist(ctx, records, failures, summary, state); err != nil {
		return Result{Generation: generation, Seed: seed}, err
	}

	d.mu.Lock()
	latest := summary
	d.latest = &latest
	d.mu.Unlock()

	telemetry.ObserveGeneration(summary)
	telemetry.GenerationDuration.Observe(time.Since(started).Seconds())
	d.logGeneration(summary)

	return Result{
		Generation: generation,
		Seed:       seed,
		Records:    records,
		Summary:    summary,
		GateState:  state,
	}, nil
}

func (d *Dispatcher) persist(ctx context.Context, records []model.EvaluationRecord, failures []model.FailureRecord, summary model.GenerationRecord, state model.GateState) error {
	if err := d.cfg.Recorder.AppendGenomeRecords(records); err != nil {
		return fmt.Errorf("append genome records: %w", err)
	}
	if err := d.cfg.Recorder.AppendFailures(failures); err != nil {
		return fmt.Errorf("append evaluation failures: %w", err)
	}
	if err := d.cfg.Recorder.AppendGenerationRecord(summary); err != nil {
		return fmt.Errorf("append generation record: %w", err)
	}
	if err := d.cfg.Recorder.WriteGateState(state); err != nil {
		return fmt.Errorf("write gate state: %w", err)
	}
	if d.cfg.Mirror == nil {
		return nil
	}
	if err := d.cfg.Mirror.SaveEvaluationRecords(ctx, d.cfg.RunID, records); err != nil {
		return fmt.Errorf("mirror evaluation records: %w", err)
	}
	if err := d.cfg.Mirror.SaveGenerationRecord(ctx, d.cfg.RunID, summary); err != nil {
		return fmt.Errorf("mirror generation record: %w", err)
	}
	if err := d.cfg.Mirror.SaveGateState(ctx, d.cfg.RunID, state); err != nil {
		return fmt.Errorf("mirror gate state: %w", err)
	}
	return nil
}

func (d *Dispatcher) evaluateOne(ctx context.Context, generation int, seed string, genome model.Genome) model.EvaluationRecord {
	ctx, span := telemetry.StartEvaluationSpan(ctx, generation, genome.Key)
	telemetry.PoolInFlight.Inc()
	started := time.Now()

	outcome := d.guardedEvaluate(ctx, evaluator.Request{Generation: generation, Genome: genome, Seed: seed})

	telemetry.PoolInFlight.Dec()
	telemetry.EvaluationLatency.Observe(time.Since(started).Seconds())
	failure, failed := outcome.(evaluator.Failure)
	telemetry.EndEvaluationSpan(span, !failed, string(failure.Reason))
	return d.record(generation, seed, genome, outcome)
}

// guardedEvaluate calls the backend on its own goroutine so that a backend
// that hangs or panics cannot take a pool worker with it. An abandoned call
// keeps its slot until it returns.
func (d *Dispatcher) guardedEvaluate(ctx context.Context, req evaluator.Request) evaluator.Outcome {
	guardCtx := ctx
	if d.cfg.EvalTimeout > 0 {
		var cancel context.CancelFunc
		guardCtx, cancel = context.WithTimeout(ctx, d.cfg.EvalTimeout+d.grace)
		defer cancel()
	}

	select {
	case d.slots <- struct{}{}:
	case <-guardCtx.Done():
		return d.guardFailure(ctx, "no evaluation slot freed")
	}

	done := make(chan evaluator.Outcome, 1)
	go func() {
		defer func() { <-d.slots }()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("evaluation backend panic",
					"generation", req.Generation,
					"genome_key", req.Genome.Key,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- evaluator.Failure{Reason: evaluator.ReasonPanic, Detail: fmt.Sprintf("%v", r)}
			}
		}()
		done <- d.cfg.Backend.Evaluate(guardCtx, req)
	}()

	select {
	case out := <-done:
		if out == nil {
			return evaluator.Failure{Reason: evaluator.ReasonProtocolError, Detail: "backend returned no outcome"}
		}
		return out
	case <-guardCtx.Done():
		return d.guardFailure(ctx, "backend did not return")
	}
}

func (d *Dispatcher) guardFailure(ctx context.Context, what string) evaluator.Outcome {
	if ctx.Err() != nil {
		return evaluator.Failure{Reason: evaluator.ReasonCanceled, Detail: ctx.Err().Error()}
	}
	return evaluator.Failure{
		Reason: evaluator.ReasonTimeout,
		Detail: fmt.Sprintf("%s within %s", what, d.cfg.EvalTimeout+d.grace),
	}
}

func (d *Dispatcher) record(generation int, seed string, genome model.Genome, outcome evaluator.Outcome) model.EvaluationRecord {
	r := model.EvaluationRecord{
		SavedAt:             d.now(),
		Generation:          generation,
		GenomeKey:           genome.Key,
		SeedUsed:            seed,
		Fitness:             model.FitnessFloor,
		NumNodes:            genome.NumNodes(),
		NumConnections:      genome.NumConnections(),
		NumConnectionsTotal: genome.NumConnectionsTotal(),
	}
	switch out := outcome.(type) {
	case evaluator.Success:
		rep := out.Report
		if !finite(rep.Fitness) {
			r.FailureReason = string(evaluator.ReasonProtocolError)
			r.FailureDetail = "non-finite fitness"
			return r
		}
		r.Fitness = rep.Fitness
		r.EvalOK = true
		r.WinRate = finiteOrNil(rep.WinRate)
		r.LossRate = finiteOrNil(rep.LossRate)
		r.DrawRate = finiteOrNil(rep.DrawRate)
		r.ImitationWeightedScore = finiteOrNil(rep.ImitationWeightedScore)
		r.MeanGoldDelta = finiteOrNil(rep.MeanGoldDelta)
		r.EvalTimeMS = finiteOrNil(rep.EvalTimeMS)
		r.Wins = rep.Wins
		r.Losses = rep.Losses
		r.Draws = rep.Draws
	case evaluator.Failure:
		r.FailureReason = string(out.Reason)
		r.FailureDetail = out.Detail
	}
	return r
}

// finiteOrNil drops values that cannot be logged as JSON numbers.
func finiteOrNil(v *float64) *float64 {
	if v == nil || !finite(*v) {
		return nil
	}
	return ptr(*v)
}

func (d *Dispatcher) logGeneration(rec model.GenerationRecord) {
	g := rec.GateState
	attrs := []any{
		"generation", rec.Generation,
		"data_quality", rec.DataQuality,
		"valid", rec.ValidRecordCount,
		"invalid", rec.InvalidRecordCount,
		"best_fitness", rec.BestFitness,
		"best_genome_key", rec.BestGenomeKey,
		"gate_streak", g.GateStreak,
		"transition_ready", g.TransitionReady,
		"failure_triggered", g.FailureTriggered,
	}
	if g.EMAWinRate != nil {
		attrs = append(attrs, "ema_win_rate", *g.EMAWinRate)
	}
	if g.EMAImitation != nil {
		attrs = append(attrs, "ema_imitation", *g.EMAImitation)
	}
	d.logger.Info("generation evaluated", attrs...)
}
