package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError ends the process with a specific status and no message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type logOptions struct {
	level   string
	format  string
	verbose bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	opts := &logOptions{}
	root := &cobra.Command{
		Use:           "kflowerctl",
		Short:         "Parallel NEAT evaluation with curriculum gating",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.level, "log-level", "info", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&opts.format, "log-format", "text", "log format: text|json")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "shorthand for --log-level debug")

	logger := func() (*slog.Logger, error) { return newLogger(logOut, opts) }
	root.AddCommand(
		newTrainCmd(logger),
		newConfigCmd(logger),
		newGateCmd(),
		newHistoryCmd(),
		newWatchCmd(logger),
	)
	return root
}

func newLogger(w io.Writer, opts *logOptions) (*slog.Logger, error) {
	var level slog.Level
	name := opts.level
	if opts.verbose {
		name = "debug"
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", opts.level)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(opts.format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", opts.format)
	}
}
