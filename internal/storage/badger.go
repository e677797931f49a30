package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"kflowerneat/internal/model"
)

const (
	prefixEval     = "eval/"
	prefixGen      = "gen/"
	prefixGate     = "gate/"
	prefixSnapshot = "pop/"
	prefixSummary  = "run/"
	prefixRuns     = "runs/"
)

// BadgerStore keeps run artifacts in an embedded key-value database.
// Generations are zero-padded in keys so prefix iteration returns them in
// order.
type BadgerStore struct {
	path string

	mu sync.RWMutex
	db *badger.DB
}

// NewBadgerStore opens path on Init; an empty path keeps everything in
// memory.
func NewBadgerStore(path string) *BadgerStore {
	return &BadgerStore{path: path}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	var opts badger.Options
	if s.path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.path, 0o750); err != nil {
			return fmt.Errorf("create badger directory %s: %w", s.path, err)
		}
		opts = badger.DefaultOptions(s.path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db
	return nil
}

func evalPrefix(runID string, generation int) string {
	return fmt.Sprintf("%s%s/%s/", prefixEval, runID, genKey(generation))
}

func genKey(generation int) string {
	return fmt.Sprintf("%010d", generation)
}

func (s *BadgerStore) SaveEvaluationRecords(_ context.Context, runID string, records []model.EvaluationRecord) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()
	if err := wb.Set([]byte(prefixRuns+runID), nil); err != nil {
		return err
	}
	for _, r := range records {
		payload, err := EncodeEvaluationRecord(r)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s%d", evalPrefix(runID, r.Generation), r.GenomeKey)
		if err := wb.Set([]byte(key), payload); err != nil {
			return fmt.Errorf("save evaluation record %d/%d: %w", r.Generation, r.GenomeKey, err)
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) ListEvaluationRecords(_ context.Context, runID string, generation int) ([]model.EvaluationRecord, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	var out []model.EvaluationRecord
	err := s.scan(evalPrefix(runID, generation), func(value []byte) error {
		record, err := DecodeEvaluationRecord(value)
		if err != nil {
			return fmt.Errorf("decode evaluation record: %w", err)
		}
		out = append(out, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GenomeKey < out[j].GenomeKey })
	return out, nil
}

func (s *BadgerStore) SaveGenerationRecord(_ context.Context, runID string, record model.GenerationRecord) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	payload, err := EncodeGenerationRecord(record)
	if err != nil {
		return err
	}
	return s.put(runID, prefixGen+runID+"/"+genKey(record.Generation), payload)
}

func (s *BadgerStore) ListGenerationRecords(_ context.Context, runID string) ([]model.GenerationRecord, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	var out []model.GenerationRecord
	err := s.scan(prefixGen+runID+"/", func(value []byte) error {
		record, err := DecodeGenerationRecord(value)
		if err != nil {
			return fmt.Errorf("decode generation record: %w", err)
		}
		out = append(out, record)
		return nil
	})
	return out, err
}

func (s *BadgerStore) SaveGateState(_ context.Context, runID string, state model.GateState) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	payload, err := EncodeGateState(state)
	if err != nil {
		return err
	}
	return s.put(runID, prefixGate+runID, payload)
}

func (s *BadgerStore) GetGateState(_ context.Context, runID string) (model.GateState, bool, error) {
	if err := validateRunID(runID); err != nil {
		return model.GateState{}, false, err
	}
	payload, ok, err := s.get(prefixGate + runID)
	if err != nil || !ok {
		return model.GateState{}, false, err
	}
	state, err := DecodeGateState(payload)
	if err != nil {
		return model.GateState{}, false, fmt.Errorf("decode gate state %s: %w", runID, err)
	}
	return state, true, nil
}

func (s *BadgerStore) SavePopulationSnapshot(_ context.Context, runID string, snapshot model.PopulationSnapshot) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	payload, err := EncodePopulationSnapshot(snapshot)
	if err != nil {
		return err
	}
	return s.put(runID, prefixSnapshot+runID+"/"+genKey(snapshot.Generation), payload)
}

func (s *BadgerStore) GetPopulationSnapshot(_ context.Context, runID string, generation int) (model.PopulationSnapshot, bool, error) {
	if err := validateRunID(runID); err != nil {
		return model.PopulationSnapshot{}, false, err
	}
	payload, ok, err := s.get(prefixSnapshot + runID + "/" + genKey(generation))
	if err != nil || !ok {
		return model.PopulationSnapshot{}, false, err
	}
	snapshot, err := DecodePopulationSnapshot(payload)
	if err != nil {
		return model.PopulationSnapshot{}, false, fmt.Errorf("decode population snapshot %s/%d: %w", runID, generation, err)
	}
	return snapshot, true, nil
}

func (s *BadgerStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	if err := validateRunID(summary.RunID); err != nil {
		return err
	}
	payload, err := EncodeRunSummary(summary)
	if err != nil {
		return err
	}
	return s.put(summary.RunID, prefixSummary+summary.RunID, payload)
}

func (s *BadgerStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	if err := validateRunID(runID); err != nil {
		return model.RunSummary{}, false, err
	}
	payload, ok, err := s.get(prefixSummary + runID)
	if err != nil || !ok {
		return model.RunSummary{}, false, err
	}
	summary, err := DecodeRunSummary(payload)
	if err != nil {
		return model.RunSummary{}, false, fmt.Errorf("decode run summary %s: %w", runID, err)
	}
	return summary, true, nil
}

func (s *BadgerStore) ListRuns(_ context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var out []string
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixRuns)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), prefixRuns))
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// put writes key and registers runID in the run index in one transaction.
func (s *BadgerStore) put(runID, key string, payload []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixRuns+runID), nil); err != nil {
			return err
		}
		return txn.Set([]byte(key), payload)
	})
}

func (s *BadgerStore) get(key string) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}
	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *BadgerStore) scan(prefix string, fn func(value []byte) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}
