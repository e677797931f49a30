package evaluator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

const (
	DefaultRunner  = "node"
	stderrTailSize = 2048
	waitDelay      = 2 * time.Second
)

// Settings are the per-run evaluation parameters forwarded to the evaluator.
type Settings struct {
	GamesPerGenome    int
	MaxEvalSteps      int
	OpponentPolicy    string
	SwitchSeats       bool
	FitnessGoldScale  float64
	FitnessWinWeight  float64
	FitnessLossWeight float64
	FitnessDrawWeight float64
}

type SubprocessConfig struct {
	Runner   string
	Script   string
	Settings Settings
	Timeout  time.Duration
	TempDir  string
	Codec    GenomeCodec
	Logger   *slog.Logger
}

// SubprocessBackend runs the evaluator script once per genome and reads a
// JSON report from the last non-blank stdout line.
type SubprocessBackend struct {
	runner   string
	script   string
	settings Settings
	timeout  time.Duration
	tempDir  string
	codec    GenomeCodec
	logger   *slog.Logger
}

func NewSubprocessBackend(cfg SubprocessConfig) *SubprocessBackend {
	runner := cfg.Runner
	if runner == "" {
		runner = DefaultRunner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessBackend{
		runner:   runner,
		script:   cfg.Script,
		settings: cfg.Settings,
		timeout:  cfg.Timeout,
		tempDir:  cfg.TempDir,
		codec:    CodecOrDefault(cfg.Codec),
		logger:   logger,
	}
}

// Args builds the evaluator command line for one genome file.
func (b *SubprocessBackend) Args(genomePath, seed string) []string {
	s := b.settings
	switchSeats := "0"
	if s.SwitchSeats {
		switchSeats = "1"
	}
	return []string{
		b.script,
		"--genome", genomePath,
		"--games", strconv.Itoa(s.GamesPerGenome),
		"--seed", seed,
		"--max-steps", strconv.Itoa(s.MaxEvalSteps),
		"--opponent-policy", s.OpponentPolicy,
		"--switch-seats", switchSeats,
		"--fitness-gold-scale", formatFloat(s.FitnessGoldScale),
		"--fitness-win-weight", formatFloat(s.FitnessWinWeight),
		"--fitness-loss-weight", formatFloat(s.FitnessLossWeight),
		"--fitness-draw-weight", formatFloat(s.FitnessDrawWeight),
	}
}

func (b *SubprocessBackend) Evaluate(ctx context.Context, req Request) Outcome {
	if b.script == "" {
		return Failure{Reason: ReasonScriptMissing, Detail: "eval script not configured"}
	}
	if _, err := os.Stat(b.script); err != nil {
		return Failure{Reason: ReasonScriptMissing, Detail: fmt.Sprintf("eval script %s: %v", b.script, err)}
	}

	payload, err := b.codec.Encode(req.Genome)
	if err != nil {
		return Failure{Reason: ReasonGenomeEncode, Detail: err.Error()}
	}
	genomePath, err := writeTempGenome(b.tempDir, payload)
	if err != nil {
		return Failure{Reason: ReasonGenomeEncode, Detail: err.Error()}
	}
	defer func() {
		if err := os.Remove(genomePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("remove genome temp file", "path", genomePath, "error", err)
		}
	}()

	cmdCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, b.runner, b.Args(genomePath, req.Seed)...)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return Failure{Reason: ReasonCanceled, Detail: ctx.Err().Error()}
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return Failure{
			Reason: ReasonTimeout,
			Detail: withStderr(fmt.Sprintf("evaluation exceeded %s", b.timeout), &stderr),
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				return Failure{
					Reason: ReasonExit,
					Detail: withStderr(fmt.Sprintf("exit status %d", code), &stderr),
				}
			}
		}
		return Failure{Reason: ReasonCrash, Detail: withStderr(runErr.Error(), &stderr)}
	}

	line := LastLine(stdout.Bytes())
	if line == "" {
		return Failure{Reason: ReasonEmptyStdout, Detail: withStderr("no report on stdout", &stderr)}
	}
	report, err := ParseReport(line)
	if err != nil {
		return Failure{Reason: ReasonProtocolError, Detail: withStderr(err.Error(), &stderr)}
	}
	return Success{Report: report}
}

func writeTempGenome(dir string, payload []byte) (string, error) {
	f, err := os.CreateTemp(dir, "*_neat_python_genome.json")
	if err != nil {
		return "", fmt.Errorf("create genome temp file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write genome temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close genome temp file: %w", err)
	}
	return f.Name(), nil
}

func withStderr(msg string, stderr *bytes.Buffer) string {
	tail := bytes.TrimSpace(stderr.Bytes())
	if len(tail) == 0 {
		return msg
	}
	if len(tail) > stderrTailSize {
		tail = tail[len(tail)-stderrTailSize:]
	}
	return msg + ": " + string(tail)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
