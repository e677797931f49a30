package runtimecfg

// Overrides are command-line values applied on top of a resolved runtime.
// Nil fields are left alone.
type Overrides struct {
	Generations       *int
	EvalWorkers       *int
	GamesPerGenome    *int
	EvalTimeoutSec    *int
	MaxEvalSteps      *int
	OpponentPolicy    *string
	CheckpointEvery   *int
	Seed              *string
	FitnessGoldScale  *float64
	FitnessWinWeight  *float64
	FitnessLossWeight *float64
	FitnessDrawWeight *float64
	SwitchSeats       *bool
	EvalScript        *string
	Store             *string
	StorePath         *string
}

// Apply writes every set override into r and returns the applied values
// keyed by config name.
func (r *Runtime) Apply(o Overrides) map[string]any {
	applied := map[string]any{}
	set(applied, "generations", &r.Generations, o.Generations)
	set(applied, "eval_workers", &r.EvalWorkers, o.EvalWorkers)
	set(applied, "games_per_genome", &r.GamesPerGenome, o.GamesPerGenome)
	set(applied, "eval_timeout_sec", &r.EvalTimeoutSec, o.EvalTimeoutSec)
	set(applied, "max_eval_steps", &r.MaxEvalSteps, o.MaxEvalSteps)
	set(applied, "checkpoint_every", &r.CheckpointEvery, o.CheckpointEvery)
	set(applied, "opponent_policy", &r.OpponentPolicy, o.OpponentPolicy)
	set(applied, "seed", &r.Seed, o.Seed)
	set(applied, "eval_script", &r.EvalScript, o.EvalScript)
	set(applied, "store", &r.Store, o.Store)
	set(applied, "store_path", &r.StorePath, o.StorePath)
	set(applied, "fitness_gold_scale", &r.FitnessGoldScale, o.FitnessGoldScale)
	set(applied, "fitness_win_weight", &r.FitnessWinWeight, o.FitnessWinWeight)
	set(applied, "fitness_loss_weight", &r.FitnessLossWeight, o.FitnessLossWeight)
	set(applied, "fitness_draw_weight", &r.FitnessDrawWeight, o.FitnessDrawWeight)
	set(applied, "switch_seats", &r.SwitchSeats, o.SwitchSeats)
	return applied
}

func set[T any](applied map[string]any, key string, dst *T, v *T) {
	if v == nil {
		return
	}
	*dst = *v
	applied[key] = *v
}
