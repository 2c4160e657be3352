// Package store defines the append-only event log and snapshot contracts.
// Implementations must provide identical semantics across backends
// so that the adapter choice never changes observable behaviour.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// StreamID identifies a sequence of events.
type StreamID string

func (id StreamID) String() string { return string(id) }

// Version is the per-stream position of an event. The first event of a
// stream has version 1; an unknown stream is at version 0.
type Version int64

// ExpectedVersion is the optimistic-concurrency guard passed to Append.
// The zero value disables the check.
type ExpectedVersion struct {
	v   Version
	set bool
}

var (
	// AnyVersion appends unconditionally. Reserved for trusted internal callers.
	AnyVersion = ExpectedVersion{}
	// NoStream requires the stream to not exist yet.
	NoStream = ExpectedVersion{v: 0, set: true}
)

// ExactVersion requires the stream to be at exactly v.
func ExactVersion(v Version) ExpectedVersion { return ExpectedVersion{v: v, set: true} }

// Value reports the expected version and whether the check is enabled.
func (e ExpectedVersion) Value() (Version, bool) { return e.v, e.set }

// NewEvent is a candidate event supplied to Append.
type NewEvent struct {
	Type     string
	Payload  json.RawMessage
	Metadata json.RawMessage
	// OccurredAt is caller-provided and kept apart from the store's RecordedAt.
	OccurredAt time.Time
}

// EventEnvelope is the immutable unit of storage.
type EventEnvelope struct {
	EventID  string          `json:"event_id"`
	StreamID StreamID        `json:"stream_id"`
	Version  Version         `json:"version"`
	Type     string          `json:"event_type"`
	Payload  json.RawMessage `json:"payload"`
	Metadata json.RawMessage `json:"metadata"`
	// Seq is the global sequence shared by all streams. It carries no causal meaning.
	Seq        int64     `json:"global_seq"`
	OccurredAt time.Time `json:"occurred_at,omitzero"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Snapshot stores a materialized state up to a given stream version.
type Snapshot struct {
	SnapshotID    string          `json:"snapshot_id"`
	StreamID      StreamID        `json:"stream_id"`
	Version       Version         `json:"version"`
	AggregateType string          `json:"aggregate_type"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EventStore appends events under an optimistic lock and reads them back in version order.
type EventStore interface {
	// Append persists events as one unit and returns the new current version.
	Append(ctx context.Context, id StreamID, events []NewEvent, expected ExpectedVersion) (Version, error)
	// Load returns every event of the stream; an unknown stream yields an empty slice.
	Load(ctx context.Context, id StreamID) ([]EventEnvelope, error)
	// LoadFrom returns the events with version >= from.
	LoadFrom(ctx context.Context, id StreamID, from Version) ([]EventEnvelope, error)
	Exists(ctx context.Context, id StreamID) (bool, error)
	CurrentVersion(ctx context.Context, id StreamID) (Version, error)
}

// SnapshotStore defines operations for reading/writing snapshots.
type SnapshotStore interface {
	// SaveSnapshot adds a snapshot; prior snapshots are never overwritten.
	SaveSnapshot(ctx context.Context, s Snapshot) (Snapshot, error)
	// LoadSnapshot returns the highest-version snapshot. ok is false when none exists.
	LoadSnapshot(ctx context.Context, id StreamID) (s Snapshot, ok bool, err error)
}

// Reader provides paginated and point reads.
type Reader interface {
	// ReadEvent returns a single event or a NotFoundError.
	ReadEvent(ctx context.Context, id StreamID, v Version) (EventEnvelope, error)
	// ReadRange returns at most limit events with version >= from. limit <= 0 means no limit.
	ReadRange(ctx context.Context, id StreamID, from Version, limit int) ([]EventEnvelope, error)
	// ReadAll lists events of all streams with Seq > afterSeq in global sequence order.
	// Seq is assigned at insert, not at commit: on PostgreSQL a transaction that
	// commits after one holding a higher Seq becomes visible behind a reader that
	// already advanced afterSeq past it, and is skipped. Seq orders rows; it does
	// not encode causality across streams.
	ReadAll(ctx context.Context, afterSeq int64, limit int) ([]EventEnvelope, error)
}

// Store aggregates event and snapshot stores.
type Store interface {
	EventStore
	SnapshotStore
	Reader
}

// Admin holds administrative operations that break the append-only rule.
// It is intentionally not part of Store.
type Admin interface {
	// DeleteStream removes all events and snapshots of a stream and returns the number of events removed.
	DeleteStream(ctx context.Context, id StreamID) (int64, error)
}
