package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"kflowerneat/internal/model"
)

const (
	EvalMetricsFile       = "eval_metrics.ndjson"
	GenerationMetricsFile = "generation_metrics.ndjson"
	EvalFailuresFile      = "eval_failures.log"
	GateStateFile         = "gate_state.json"
	RunSummaryFile        = "run_summary.json"
	CheckpointsDir        = "checkpoints"
	ModelsDir             = "models"
	WinnerGenomeFile      = "winner_genome.json"
)

// Recorder appends run artifacts under one output directory. Each append
// is a single write of whole lines, so a reader never sees a partial
// generation block from a completed call.
type Recorder struct {
	dir string
	mu  sync.Mutex
}

func New(outputDir string) (*Recorder, error) {
	if outputDir == "" {
		return nil, errors.New("output dir is required")
	}
	abs, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: abs}, nil
}

func (r *Recorder) Dir() string {
	return r.dir
}

// Paths of the files this recorder writes.
func (r *Recorder) EvalMetricsPath() string { return filepath.Join(r.dir, EvalMetricsFile) }
func (r *Recorder) GenerationMetricsPath() string { return filepath.Join(r.dir, GenerationMetricsFile) }
func (r *Recorder) EvalFailuresPath() string { return filepath.Join(r.dir, EvalFailuresFile) }
func (r *Recorder) GateStatePath() string { return filepath.Join(r.dir, GateStateFile) }
func (r *Recorder) RunSummaryPath() string { return filepath.Join(r.dir, RunSummaryFile) }
func (r *Recorder) WinnerPath() string { return filepath.Join(r.dir, ModelsDir, WinnerGenomeFile) }

func (r *Recorder) CheckpointPath(generation int) string {
	return filepath.Join(r.dir, CheckpointsDir, fmt.Sprintf("population-gen-%d.json", generation))
}

func (r *Recorder) AppendGenomeRecords(records []model.EvaluationRecord) error {
	return appendLines(&r.mu, r.EvalMetricsPath(), records)
}

func (r *Recorder) AppendGenerationRecord(record model.GenerationRecord) error {
	return appendLines(&r.mu, r.GenerationMetricsPath(), []model.GenerationRecord{record})
}

func (r *Recorder) AppendFailure(failure model.FailureRecord) error {
	return r.AppendFailures([]model.FailureRecord{failure})
}

func (r *Recorder) AppendFailures(failures []model.FailureRecord) error {
	return appendLines(&r.mu, r.EvalFailuresPath(), failures)
}

// WriteGateState replaces gate_state.json. The file is swapped in by rename
// so watchers never read a half-written checkpoint.
func (r *Recorder) WriteGateState(state model.GateState) error {
	return writeJSONAtomic(r.GateStatePath(), state)
}

func (r *Recorder) WriteRunSummary(summary model.RunSummary) error {
	return writeJSONAtomic(r.RunSummaryPath(), summary)
}

func (r *Recorder) WritePopulationSnapshot(snapshot model.PopulationSnapshot) (string, error) {
	path := r.CheckpointPath(snapshot.Generation)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, writeJSONAtomic(path, snapshot)
}

// WriteWinner stores the encoded best genome.
func (r *Recorder) WriteWinner(payload []byte) (string, error) {
	path := r.WinnerPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, payload); err != nil {
		return "", err
	}
	return path, nil
}

func appendLines[T any](mu *sync.Mutex, path string, records []T) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode %s line: %w", filepath.Base(path), err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	// Lines must reach disk before gate_state.json is replaced.
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeJSONAtomic(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadGateState loads gate_state.json from an output directory.
func ReadGateState(outputDir string) (model.GateState, bool, error) {
	var state model.GateState
	ok, err := readJSON(filepath.Join(outputDir, GateStateFile), &state)
	return state, ok, err
}

// ReadRunSummary loads run_summary.json from an output directory.
func ReadRunSummary(outputDir string) (model.RunSummary, bool, error) {
	var summary model.RunSummary
	ok, err := readJSON(filepath.Join(outputDir, RunSummaryFile), &summary)
	return summary, ok, err
}

// ReadGenerationRecords parses generation_metrics.ndjson in file order.
func ReadGenerationRecords(outputDir string) ([]model.GenerationRecord, error) {
	return readLines[model.GenerationRecord](filepath.Join(outputDir, GenerationMetricsFile))
}

// ReadEvaluationRecords parses eval_metrics.ndjson in file order.
func ReadEvaluationRecords(outputDir string) ([]model.EvaluationRecord, error) {
	return readLines[model.EvaluationRecord](filepath.Join(outputDir, EvalMetricsFile))
}

// ReadFailures parses eval_failures.log in file order.
func ReadFailures(outputDir string) ([]model.FailureRecord, error) {
	return readLines[model.FailureRecord](filepath.Join(outputDir, EvalFailuresFile))
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
