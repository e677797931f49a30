package population

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"kflowerneat/internal/evaluator"
	"kflowerneat/internal/model"
	"kflowerneat/internal/storage"
)

var ErrEmptyPopulation = errors.New("population has no genomes")

// Static re-evaluates a fixed set of genomes every generation. It serves
// as the harness for genomes evolved elsewhere.
type Static struct {
	mu       sync.Mutex
	genomes  []model.Genome
	advances int
}

func NewStatic(genomes []model.Genome) (*Static, error) {
	if len(genomes) == 0 {
		return nil, ErrEmptyPopulation
	}
	seen := make(map[int]struct{}, len(genomes))
	for _, g := range genomes {
		if _, ok := seen[g.Key]; ok {
			return nil, fmt.Errorf("duplicate genome key %d", g.Key)
		}
		seen[g.Key] = struct{}{}
	}
	out := append([]model.Genome(nil), genomes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return &Static{genomes: out}, nil
}

// Load reads neat_python_genome_v1 documents from a file or from every
// *.json file in a directory. Documents without genome_key are numbered
// in path order starting at 1.
func Load(path string) (*Static, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		files = files[:0]
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		sort.Strings(files)
	}

	genomes := make([]model.Genome, 0, len(files))
	for i, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		g, err := evaluator.DecodeGenome(bytes.TrimPrefix(data, []byte{0xef, 0xbb, 0xbf}), i+1)
		if err != nil {
			return nil, fmt.Errorf("load genome %s: %w", file, err)
		}
		genomes = append(genomes, g)
	}
	return NewStatic(genomes)
}

// LoadSnapshot restores the population saved in a checkpoint written by the
// trainer. Genomes keep the fitness recorded in the snapshot. The returned
// generation is the one the snapshot was taken after.
func LoadSnapshot(path string, codec evaluator.GenomeCodec) (*Static, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	snapshot, err := storage.DecodePopulationSnapshot(bytes.TrimPrefix(data, []byte{0xef, 0xbb, 0xbf}))
	if err != nil {
		return nil, 0, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	codec = evaluator.CodecOrDefault(codec)
	genomes := make([]model.Genome, 0, len(snapshot.Genomes))
	for _, sg := range snapshot.Genomes {
		g, err := codec.Decode(sg.Payload, sg.GenomeKey)
		if err != nil {
			return nil, 0, fmt.Errorf("load checkpoint %s: genome %d: %w", path, sg.GenomeKey, err)
		}
		g.Key = sg.GenomeKey
		g.Fitness = sg.Fitness
		genomes = append(genomes, g)
	}
	static, err := NewStatic(genomes)
	if err != nil {
		return nil, 0, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	return static, snapshot.Generation, nil
}

func (s *Static) Genomes() []model.Genome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Genome(nil), s.genomes...)
}

// Advance keeps the genome set and stores the fitness each genome earned.
func (s *Static) Advance(_ context.Context, records []model.EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fitness := make(map[int]float64, len(records))
	for _, r := range records {
		fitness[r.GenomeKey] = r.Fitness
	}
	for i := range s.genomes {
		if f, ok := fitness[s.genomes[i].Key]; ok {
			s.genomes[i].Fitness = f
		}
	}
	s.advances++
	return nil
}

func (s *Static) Advances() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advances
}
