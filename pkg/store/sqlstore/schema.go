package sqlstore

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	"github.com/wilhg/estore/pkg/store"
)

const (
	tableEvents    = "events"
	tableSnapshots = "snapshots"

	colID            = "id"
	colEventID       = "event_id"
	colSnapshotID    = "snapshot_id"
	colStreamID      = "stream_id"
	colVersion       = "version"
	colEventType     = "event_type"
	colPayload       = "payload"
	colMetadata      = "metadata"
	colOccurredAt    = "occurred_at"
	colRecordedAt    = "recorded_at"
	colAggregateType = "aggregate_type"
	colState         = "state"
	colCreatedAt     = "created_at"
)

var (
	// JSON is kept as text on Postgres so payload bytes round-trip unchanged.
	jsonType = map[string]string{dialect.Postgres: "json"}
	timeType = map[string]string{
		dialect.Postgres: "TIMESTAMPTZ",
		dialect.SQLite:   "DATETIME",
	}

	// EventsColumns holds the columns for the "events" table. The id column is
	// the global sequence shared by all streams.
	EventsColumns = []*schema.Column{
		{Name: colID, Type: field.TypeInt64, Increment: true},
		{Name: colEventID, Type: field.TypeString, Unique: true, Size: 36},
		{Name: colStreamID, Type: field.TypeString, Size: store.MaxStreamIDLength},
		{Name: colVersion, Type: field.TypeInt64},
		{Name: colEventType, Type: field.TypeString},
		{Name: colPayload, Type: field.TypeJSON, SchemaType: jsonType},
		{Name: colMetadata, Type: field.TypeJSON, SchemaType: jsonType},
		{Name: colOccurredAt, Type: field.TypeTime, Nullable: true, SchemaType: timeType},
		{Name: colRecordedAt, Type: field.TypeTime, SchemaType: timeType},
	}
	// EventsTable holds the schema information for the "events" table.
	EventsTable = &schema.Table{
		Name:       tableEvents,
		Columns:    EventsColumns,
		PrimaryKey: []*schema.Column{EventsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "events_stream_id_version",
				Unique:  true,
				Columns: []*schema.Column{EventsColumns[2], EventsColumns[3]},
			},
		},
	}

	// SnapshotsColumns holds the columns for the "snapshots" table.
	SnapshotsColumns = []*schema.Column{
		{Name: colID, Type: field.TypeInt64, Increment: true},
		{Name: colSnapshotID, Type: field.TypeString, Unique: true, Size: 36},
		{Name: colStreamID, Type: field.TypeString, Size: store.MaxStreamIDLength},
		{Name: colVersion, Type: field.TypeInt64},
		{Name: colAggregateType, Type: field.TypeString, Default: ""},
		{Name: colState, Type: field.TypeJSON, SchemaType: jsonType},
		{Name: colCreatedAt, Type: field.TypeTime, SchemaType: timeType},
	}
	// SnapshotsTable holds the schema information for the "snapshots" table.
	// The index is not unique: every save adds a row.
	SnapshotsTable = &schema.Table{
		Name:       tableSnapshots,
		Columns:    SnapshotsColumns,
		PrimaryKey: []*schema.Column{SnapshotsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "snapshots_stream_id_version",
				Columns: []*schema.Column{SnapshotsColumns[2], SnapshotsColumns[3]},
				Annotation: &entsql.IndexAnnotation{
					DescColumns: map[string]bool{colVersion: true},
				},
			},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		EventsTable,
		SnapshotsTable,
	}
)

var (
	eventColumns = []string{
		colID, colEventID, colStreamID, colVersion, colEventType,
		colPayload, colMetadata, colOccurredAt, colRecordedAt,
	}
	snapshotColumns = []string{
		colSnapshotID, colStreamID, colVersion, colAggregateType, colState, colCreatedAt,
	}
)
