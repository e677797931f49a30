package storage

import (
	"encoding/json"
	"errors"

	"kflowerneat/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// envelope wraps records that carry no version fields of their own.
type envelope struct {
	model.VersionedRecord
	Payload json.RawMessage `json:"payload"`
}

func currentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func encodeEnvelope(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{VersionedRecord: currentVersion(), Payload: payload})
}

func decodeEnvelope[T any](data []byte) (T, error) {
	var zero T
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, err
	}
	if err := checkVersion(env.VersionedRecord); err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return zero, err
	}
	return out, nil
}

func EncodeEvaluationRecord(r model.EvaluationRecord) ([]byte, error) {
	return encodeEnvelope(r)
}

func DecodeEvaluationRecord(data []byte) (model.EvaluationRecord, error) {
	return decodeEnvelope[model.EvaluationRecord](data)
}

func EncodeGenerationRecord(r model.GenerationRecord) ([]byte, error) {
	return encodeEnvelope(r)
}

func DecodeGenerationRecord(data []byte) (model.GenerationRecord, error) {
	return decodeEnvelope[model.GenerationRecord](data)
}

func EncodeGateState(s model.GateState) ([]byte, error) {
	return encodeEnvelope(s)
}

func DecodeGateState(data []byte) (model.GateState, error) {
	return decodeEnvelope[model.GateState](data)
}

// EncodePopulationSnapshot stamps the current versions onto the snapshot.
func EncodePopulationSnapshot(s model.PopulationSnapshot) ([]byte, error) {
	s.VersionedRecord = currentVersion()
	return json.Marshal(s)
}

func DecodePopulationSnapshot(data []byte) (model.PopulationSnapshot, error) {
	var snapshot model.PopulationSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.PopulationSnapshot{}, err
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.PopulationSnapshot{}, err
	}
	return snapshot, nil
}

// EncodeRunSummary stamps the current versions onto the summary.
func EncodeRunSummary(s model.RunSummary) ([]byte, error) {
	s.VersionedRecord = currentVersion()
	return json.Marshal(s)
}

func DecodeRunSummary(data []byte) (model.RunSummary, error) {
	var summary model.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return model.RunSummary{}, err
	}
	if err := checkVersion(summary.VersionedRecord); err != nil {
		return model.RunSummary{}, err
	}
	return summary, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
