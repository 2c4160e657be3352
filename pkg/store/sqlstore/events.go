package sqlstore

import (
	"context"
	"database/sql"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/estore/pkg/store"
)

// Append implements store.EventStore.
func (s *Store) Append(ctx context.Context, id store.StreamID, events []store.NewEvent, expected store.ExpectedVersion) (store.Version, error) {
	batch, err := store.PrepareEvents(id, events)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.WrapStorage("append: begin tx", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockStream(ctx, tx, id); err != nil {
		return 0, store.WrapStorage("append: lock stream", id, err)
	}
	current, err := s.currentVersion(ctx, tx, id)
	if err != nil {
		return 0, store.WrapStorage("append: current version", id, err)
	}
	if err := store.CheckExpected(id, expected, current); err != nil {
		return 0, err
	}

	envs := store.Envelopes(id, current, batch, s.now())
	for _, e := range envs {
		if err := s.insertEvent(ctx, tx, e); err != nil {
			_ = tx.Rollback()
			if isUniqueViolation(err) {
				return 0, s.conflict(ctx, id, expected, current)
			}
			return 0, store.WrapStorage("append: insert", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return 0, s.conflict(ctx, id, expected, current)
		}
		return 0, store.WrapStorage("append: commit", id, err)
	}

	next := current + store.Version(len(envs))
	s.log.Debug("append",
		slog.String("stream_id", id.String()),
		slog.Int64("from_version", int64(current)+1),
		slog.Int64("to_version", int64(next)),
		slog.Int("num_events", len(envs)),
	)
	return next, nil
}

// lockStream takes a per-stream lock held until the transaction ends.
// Other streams hash to other keys and are not blocked.
func (s *Store) lockStream(ctx context.Context, tx *sql.Tx, id store.StreamID) error {
	if s.dialect != dialect.Postgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", string(id))
	return err
}

// conflict is called after a unique violation slipped past the lock. The
// transaction must already be rolled back.
func (s *Store) conflict(ctx context.Context, id store.StreamID, expected store.ExpectedVersion, believed store.Version) error {
	want, ok := expected.Value()
	if !ok {
		want = believed
	}
	actual, err := s.currentVersion(ctx, s.db, id)
	if err != nil {
		return store.WrapStorage("append: reread version", id, err)
	}
	return &store.VersionConflictError{StreamID: id, Expected: want, Actual: actual}
}

func (s *Store) currentVersion(ctx context.Context, q querier, id store.StreamID) (store.Version, error) {
	query, args := s.builder().
		Select(entsql.Max(colVersion)).
		From(entsql.Table(tableEvents)).
		Where(entsql.EQ(colStreamID, string(id))).
		Query()
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, err
	}
	return store.Version(v.Int64), nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, e store.EventEnvelope) error {
	query, args := s.builder().
		Insert(tableEvents).
		Columns(colEventID, colStreamID, colVersion, colEventType, colPayload, colMetadata, colOccurredAt, colRecordedAt).
		Values(e.EventID, string(e.StreamID), int64(e.Version), e.Type, string(e.Payload), string(e.Metadata), nullableTime(e.OccurredAt), e.RecordedAt).
		Query()
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// Load implements store.EventStore.
func (s *Store) Load(ctx context.Context, id store.StreamID) ([]store.EventEnvelope, error) {
	return s.ReadRange(ctx, id, 1, 0)
}

// LoadFrom implements store.EventStore.
func (s *Store) LoadFrom(ctx context.Context, id store.StreamID, from store.Version) ([]store.EventEnvelope, error) {
	return s.ReadRange(ctx, id, from, 0)
}

// ReadRange implements store.Reader.
func (s *Store) ReadRange(ctx context.Context, id store.StreamID, from store.Version, limit int) ([]store.EventEnvelope, error) {
	if err := store.ValidateStreamID(id); err != nil {
		return nil, err
	}
	sel := s.builder().
		Select(eventColumns...).
		From(entsql.Table(tableEvents)).
		Where(entsql.EQ(colStreamID, string(id)))
	if from > 1 {
		sel = sel.Where(entsql.GTE(colVersion, int64(from)))
	}
	sel = sel.OrderBy(colVersion)
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	out, err := s.queryEvents(ctx, sel)
	return out, store.WrapStorage("load", id, err)
}

// ReadEvent implements store.Reader.
func (s *Store) ReadEvent(ctx context.Context, id store.StreamID, v store.Version) (store.EventEnvelope, error) {
	if err := store.ValidateStreamID(id); err != nil {
		return store.EventEnvelope{}, err
	}
	sel := s.builder().
		Select(eventColumns...).
		From(entsql.Table(tableEvents)).
		Where(entsql.And(
			entsql.EQ(colStreamID, string(id)),
			entsql.EQ(colVersion, int64(v)),
		))
	out, err := s.queryEvents(ctx, sel)
	if err != nil {
		return store.EventEnvelope{}, store.WrapStorage("read event", id, err)
	}
	if len(out) == 0 {
		return store.EventEnvelope{}, &store.NotFoundError{StreamID: id, Version: v}
	}
	return out[0], nil
}

// ReadAll implements store.Reader.
func (s *Store) ReadAll(ctx context.Context, afterSeq int64, limit int) ([]store.EventEnvelope, error) {
	sel := s.builder().
		Select(eventColumns...).
		From(entsql.Table(tableEvents)).
		Where(entsql.GT(colID, afterSeq)).
		OrderBy(colID)
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	out, err := s.queryEvents(ctx, sel)
	return out, store.WrapStorage("read all", "", err)
}

// Exists implements store.EventStore.
func (s *Store) Exists(ctx context.Context, id store.StreamID) (bool, error) {
	v, err := s.CurrentVersion(ctx, id)
	return v > 0, err
}

// CurrentVersion implements store.EventStore.
func (s *Store) CurrentVersion(ctx context.Context, id store.StreamID) (store.Version, error) {
	if err := store.ValidateStreamID(id); err != nil {
		return 0, err
	}
	v, err := s.currentVersion(ctx, s.db, id)
	if err != nil {
		return 0, store.WrapStorage("current version", id, err)
	}
	return v, nil
}

// DeleteStream implements store.Admin.
func (s *Store) DeleteStream(ctx context.Context, id store.StreamID) (int64, error) {
	if err := store.ValidateStreamID(id); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.WrapStorage("delete stream: begin tx", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockStream(ctx, tx, id); err != nil {
		return 0, store.WrapStorage("delete stream: lock stream", id, err)
	}
	query, args := s.builder().Delete(tableEvents).Where(entsql.EQ(colStreamID, string(id))).Query()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, store.WrapStorage("delete stream: events", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.WrapStorage("delete stream: rows affected", id, err)
	}
	query, args = s.builder().Delete(tableSnapshots).Where(entsql.EQ(colStreamID, string(id))).Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, store.WrapStorage("delete stream: snapshots", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, store.WrapStorage("delete stream: commit", id, err)
	}
	s.log.Warn("stream deleted", slog.String("stream_id", id.String()), slog.Int64("events", n))
	return n, nil
}

func (s *Store) queryEvents(ctx context.Context, sel *entsql.Selector) ([]store.EventEnvelope, error) {
	query, args := sel.Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.EventEnvelope, 0)
	for rows.Next() {
		var (
			e                  store.EventEnvelope
			streamID           string
			version            int64
			payload, metadata  []byte
			occurred, recorded nullTime
		)
		if err := rows.Scan(&e.Seq, &e.EventID, &streamID, &version, &e.Type, &payload, &metadata, &occurred, &recorded); err != nil {
			return nil, err
		}
		e.StreamID = store.StreamID(streamID)
		e.Version = store.Version(version)
		e.Payload = payload
		e.Metadata = metadata
		e.OccurredAt = occurred.Time
		e.RecordedAt = recorded.Time
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
