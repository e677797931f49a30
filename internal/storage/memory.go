package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"kflowerneat/internal/model"
)

type runData struct {
	evaluations map[int]map[int]model.EvaluationRecord
	generations map[int]model.GenerationRecord
	gate        *model.GateState
	snapshots   map[int]model.PopulationSnapshot
	summary     *model.RunSummary
}

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]*runData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]*runData)
	return nil
}

func (s *MemoryStore) run(runID string) (*runData, error) {
	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	rd, ok := s.runs[runID]
	if !ok {
		rd = &runData{
			evaluations: make(map[int]map[int]model.EvaluationRecord),
			generations: make(map[int]model.GenerationRecord),
			snapshots:   make(map[int]model.PopulationSnapshot),
		}
		s.runs[runID] = rd
	}
	return rd, nil
}

func (s *MemoryStore) lookup(runID string) (*runData, bool, error) {
	if !s.initialized {
		return nil, false, errors.New("store is not initialized")
	}
	if err := validateRunID(runID); err != nil {
		return nil, false, err
	}
	rd, ok := s.runs[runID]
	return rd, ok, nil
}

func (s *MemoryStore) SaveEvaluationRecords(_ context.Context, runID string, records []model.EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, err := s.run(runID)
	if err != nil {
		return err
	}
	for _, r := range records {
		gen, ok := rd.evaluations[r.Generation]
		if !ok {
			gen = make(map[int]model.EvaluationRecord)
			rd.evaluations[r.Generation] = gen
		}
		gen[r.GenomeKey] = r
	}
	return nil
}

func (s *MemoryStore) ListEvaluationRecords(_ context.Context, runID string, generation int) ([]model.EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rd, ok, err := s.lookup(runID)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]model.EvaluationRecord, 0, len(rd.evaluations[generation]))
	for _, r := range rd.evaluations[generation] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GenomeKey < out[j].GenomeKey })
	return out, nil
}

func (s *MemoryStore) SaveGenerationRecord(_ context.Context, runID string, record model.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, err := s.run(runID)
	if err != nil {
		return err
	}
	rd.generations[record.Generation] = record
	return nil
}

func (s *MemoryStore) ListGenerationRecords(_ context.Context, runID string) ([]model.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rd, ok, err := s.lookup(runID)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]model.GenerationRecord, 0, len(rd.generations))
	for _, r := range rd.generations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (s *MemoryStore) SaveGateState(_ context.Context, runID string, state model.GateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, err := s.run(runID)
	if err != nil {
		return err
	}
	rd.gate = &state
	return nil
}

func (s *MemoryStore) GetGateState(_ context.Context, runID string) (model.GateState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rd, ok, err := s.lookup(runID)
	if err != nil || !ok || rd.gate == nil {
		return model.GateState{}, false, err
	}
	return *rd.gate, true, nil
}

func (s *MemoryStore) SavePopulationSnapshot(_ context.Context, runID string, snapshot model.PopulationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, err := s.run(runID)
	if err != nil {
		return err
	}
	snapshot.Genomes = append([]model.SnapshotGenome(nil), snapshot.Genomes...)
	rd.snapshots[snapshot.Generation] = snapshot
	return nil
}

func (s *MemoryStore) GetPopulationSnapshot(_ context.Context, runID string, generation int) (model.PopulationSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rd, ok, err := s.lookup(runID)
	if err != nil || !ok {
		return model.PopulationSnapshot{}, false, err
	}
	snapshot, ok := rd.snapshots[generation]
	return snapshot, ok, nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, err := s.run(summary.RunID)
	if err != nil {
		return err
	}
	rd.summary = &summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rd, ok, err := s.lookup(runID)
	if err != nil || !ok || rd.summary == nil {
		return model.RunSummary{}, false, err
	}
	return *rd.summary, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
