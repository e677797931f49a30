package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kflowerneat/internal/curriculum"
)

const exitFailureTriggered = 3

// decisionError carries the first curriculum decision out of the watchers.
type decisionError struct {
	dir  string
	kind curriculum.EventKind
}

func (e *decisionError) Error() string {
	return string(e.kind) + " in " + e.dir
}

func newWatchCmd(newLogger loggerFactory) *cobra.Command {
	var (
		dirs           []string
		exitOnDecision bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow gate checkpoints and report curriculum decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), dirs, exitOnDecision, logger)
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "output-dir", nil, "trainer output directory (repeatable)")
	cmd.Flags().BoolVar(&exitOnDecision, "exit-on-decision", false, "exit 0 on transition and 3 on failure")
	_ = cmd.MarkFlagRequired("output-dir")
	return cmd
}

func runWatch(ctx context.Context, dirs []string, exitOnDecision bool, logger *slog.Logger) error {
	watchers := make([]*curriculum.Watcher, 0, len(dirs))
	defer func() {
		for _, w := range watchers {
			_ = w.Close()
		}
	}()
	for _, dir := range dirs {
		w, err := curriculum.NewWatcher(dir, logger)
		if err != nil {
			return err
		}
		watchers = append(watchers, w)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range watchers {
		w := w
		dir := dirs[i]
		g.Go(func() error {
			return w.Run(gctx, func(ev curriculum.Event) error {
				logEvent(logger, dir, ev)
				if exitOnDecision && ev.Kind != curriculum.EventUpdate {
					return &decisionError{dir: dir, kind: ev.Kind}
				}
				return nil
			})
		})
	}
	err := g.Wait()

	var decision *decisionError
	switch {
	case errors.As(err, &decision):
		if decision.kind == curriculum.EventFailureTriggered {
			return &exitError{code: exitFailureTriggered}
		}
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

func logEvent(logger *slog.Logger, dir string, ev curriculum.Event) {
	s := ev.State
	attrs := []any{
		"dir", dir,
		"generation", s.Generation,
		"data_quality", s.DataQuality,
		"gate_streak", s.GateStreak,
		"age", ev.Age(time.Now()).Round(time.Second),
	}
	if s.EMAWinRate != nil {
		attrs = append(attrs, "ema_win_rate", *s.EMAWinRate)
	}
	if s.EMAImitation != nil {
		attrs = append(attrs, "ema_imitation", *s.EMAImitation)
	}
	switch ev.Kind {
	case curriculum.EventTransitionReady:
		logger.Info("transition ready", append(attrs, "transition_generation", *s.TransitionGeneration)...)
	case curriculum.EventFailureTriggered:
		logger.Warn("failure triggered", append(attrs, "failure_generation", *s.FailureGeneration)...)
	default:
		logger.Info("gate updated", attrs...)
	}
}
