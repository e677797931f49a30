package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kflowerneat/internal/model"
	"kflowerneat/internal/recorder"
	"kflowerneat/internal/storage"
)

func newConfigCmd(newLogger loggerFactory) *cobra.Command {
	opts := &overrideFlags{}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved and validated runtime config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			rt, applied, err := opts.resolve(cmd.Flags(), logger)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"runtime":           rt,
				"applied_overrides": applied,
			})
		},
	}
	opts.register(cmd.Flags())
	return cmd
}

// sourceFlags selects an output directory or a store run as the source of
// recorded artifacts.
type sourceFlags struct {
	outputDir string
	store     string
	storePath string
	runID     string
}

func (s *sourceFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&s.outputDir, "output-dir", "", "trainer output directory")
	fs.StringVar(&s.store, "store", "", "read from a store instead: sqlite|badger")
	fs.StringVar(&s.storePath, "store-path", "", "store path")
	fs.StringVar(&s.runID, "run-id", "", "run id in the store")
}

func (s *sourceFlags) validate() error {
	switch {
	case s.store == "" && s.outputDir == "":
		return errors.New("either --output-dir or --store is required")
	case s.store != "" && s.runID == "":
		return errors.New("--run-id is required with --store")
	}
	return nil
}

func (s *sourceFlags) withStore(ctx context.Context, fn func(storage.Store) error) error {
	store, err := storage.NewStore(s.store, s.storePath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}
	return fn(store)
}

func newGateCmd() *cobra.Command {
	src := &sourceFlags{}
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Print the latest gate checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := src.validate(); err != nil {
				return err
			}
			var (
				state model.GateState
				ok    bool
			)
			if src.store != "" {
				err := src.withStore(cmd.Context(), func(store storage.Store) error {
					var err error
					state, ok, err = store.GetGateState(cmd.Context(), src.runID)
					return err
				})
				if err != nil {
					return err
				}
			} else {
				var err error
				state, ok, err = recorder.ReadGateState(src.outputDir)
				if err != nil {
					return err
				}
			}
			if !ok {
				return errors.New("no gate checkpoint found")
			}
			return writeJSON(cmd.OutOrStdout(), state)
		},
	}
	src.register(cmd)
	return cmd
}

func newHistoryCmd() *cobra.Command {
	src := &sourceFlags{}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Tabulate the generation log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := src.validate(); err != nil {
				return err
			}
			var records []model.GenerationRecord
			if src.store != "" {
				err := src.withStore(cmd.Context(), func(store storage.Store) error {
					var err error
					records, err = store.ListGenerationRecords(cmd.Context(), src.runID)
					return err
				})
				if err != nil {
					return err
				}
			} else {
				var err error
				records, err = recorder.ReadGenerationRecords(src.outputDir)
				if err != nil {
					return err
				}
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return writeHistory(cmd.OutOrStdout(), records)
		},
	}
	src.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as a JSON array")
	return cmd
}

func writeHistory(w io.Writer, records []model.GenerationRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GEN\tQUALITY\tVALID\tBEST\tMEAN\tEMA_WIN\tEMA_IMIT\tSTREAK\tDECISION")
	for _, r := range records {
		g := r.GateState
		decision := "-"
		switch {
		case g.FailureGeneration != nil:
			decision = fmt.Sprintf("failure@%d", *g.FailureGeneration)
		case g.TransitionGeneration != nil:
			decision = fmt.Sprintf("transition@%d", *g.TransitionGeneration)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%.4f\t%.4f\t%s\t%s\t%d\t%s\n",
			r.Generation, r.DataQuality, r.ValidRecordCount, r.PopulationSize,
			r.BestFitness, r.MeanFitness, optional(g.EMAWinRate), optional(g.EMAImitation),
			g.GateStreak, decision)
	}
	return tw.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
