package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxStreamIDLength bounds stream identifiers so they fit an index key on every backend.
const MaxStreamIDLength = 255

var (
	nullJSON        = json.RawMessage("null")
	emptyObjectJSON = json.RawMessage("{}")
)

// ValidateStreamID rejects empty and oversized identifiers.
func ValidateStreamID(id StreamID) error {
	if id == "" {
		return &ValidationError{Field: "stream_id", Reason: "must not be empty"}
	}
	if len(id) > MaxStreamIDLength {
		return &ValidationError{Field: "stream_id", Reason: fmt.Sprintf("longer than %d bytes", MaxStreamIDLength)}
	}
	return nil
}

// PrepareEvents validates a batch and returns normalized copies that share no
// memory with the caller's slices. Payload defaults to JSON null and metadata
// to an empty object. Only JSON well-formedness is checked, never shape.
func PrepareEvents(id StreamID, events []NewEvent) ([]NewEvent, error) {
	if err := ValidateStreamID(id); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &ValidationError{Field: "events", Reason: "batch is empty"}
	}
	out := make([]NewEvent, len(events))
	for i, e := range events {
		if e.Type == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("events[%d].event_type", i), Reason: "must not be empty"}
		}
		payload, err := normalizeJSON(e.Payload, nullJSON)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("events[%d].payload", i), Reason: err.Error()}
		}
		metadata, err := normalizeJSON(e.Metadata, emptyObjectJSON)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("events[%d].metadata", i), Reason: err.Error()}
		}
		out[i] = NewEvent{
			Type:       e.Type,
			Payload:    payload,
			Metadata:   metadata,
			OccurredAt: Timestamp(e.OccurredAt),
		}
	}
	return out, nil
}

// PrepareSnapshot validates s and fills SnapshotID and CreatedAt.
func PrepareSnapshot(s Snapshot, now time.Time) (Snapshot, error) {
	if err := ValidateStreamID(s.StreamID); err != nil {
		return Snapshot{}, err
	}
	if s.Version < 0 {
		return Snapshot{}, &ValidationError{Field: "version", Reason: "must not be negative"}
	}
	if len(bytes.TrimSpace(s.State)) == 0 {
		return Snapshot{}, &ValidationError{Field: "state", Reason: "must not be empty"}
	}
	if !json.Valid(s.State) {
		return Snapshot{}, &ValidationError{Field: "state", Reason: "invalid json"}
	}
	s.State = Clone(s.State)
	if s.SnapshotID == "" {
		s.SnapshotID = uuid.NewString()
	}
	s.CreatedAt = Timestamp(now)
	return s, nil
}

// Envelopes assigns versions current+1.. and fresh event ids to a prepared batch.
// Seq is left for the backend to fill.
func Envelopes(id StreamID, current Version, events []NewEvent, recordedAt time.Time) []EventEnvelope {
	recordedAt = Timestamp(recordedAt)
	out := make([]EventEnvelope, len(events))
	for i, e := range events {
		out[i] = EventEnvelope{
			EventID:    uuid.NewString(),
			StreamID:   id,
			Version:    current + Version(i+1),
			Type:       e.Type,
			Payload:    e.Payload,
			Metadata:   e.Metadata,
			OccurredAt: e.OccurredAt,
			RecordedAt: recordedAt,
		}
	}
	return out
}

// CheckExpected compares the guard against the current version.
func CheckExpected(id StreamID, expected ExpectedVersion, current Version) error {
	want, ok := expected.Value()
	if !ok || want == current {
		return nil
	}
	return &VersionConflictError{StreamID: id, Expected: want, Actual: current}
}

// Timestamp normalizes t to UTC at microsecond precision, the finest
// resolution every backend can round-trip.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Microsecond)
}

// Clone copies raw JSON so stored bytes never alias caller memory.
func Clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// CloneEnvelope returns a deep copy of e.
func CloneEnvelope(e EventEnvelope) EventEnvelope {
	e.Payload = Clone(e.Payload)
	e.Metadata = Clone(e.Metadata)
	return e
}

func normalizeJSON(raw json.RawMessage, def json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Clone(def), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid json")
	}
	return Clone(raw), nil
}
