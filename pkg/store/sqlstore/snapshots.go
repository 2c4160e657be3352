package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/estore/pkg/store"
)

// SaveSnapshot implements store.SnapshotStore. Every call inserts a new row.
func (s *Store) SaveSnapshot(ctx context.Context, sn store.Snapshot) (store.Snapshot, error) {
	sn, err := store.PrepareSnapshot(sn, s.now())
	if err != nil {
		return store.Snapshot{}, err
	}
	query, args := s.builder().
		Insert(tableSnapshots).
		Columns(snapshotColumns...).
		Values(sn.SnapshotID, string(sn.StreamID), int64(sn.Version), sn.AggregateType, string(sn.State), sn.CreatedAt).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return store.Snapshot{}, store.WrapStorage("save snapshot", sn.StreamID, err)
	}
	return sn, nil
}

// LoadSnapshot implements store.SnapshotStore. Ties on version go to the
// most recently saved row.
func (s *Store) LoadSnapshot(ctx context.Context, id store.StreamID) (store.Snapshot, bool, error) {
	if err := store.ValidateStreamID(id); err != nil {
		return store.Snapshot{}, false, err
	}
	query, args := s.builder().
		Select(snapshotColumns...).
		From(entsql.Table(tableSnapshots)).
		Where(entsql.EQ(colStreamID, string(id))).
		OrderBy(entsql.Desc(colVersion), entsql.Desc(colID)).
		Limit(1).
		Query()

	var (
		sn       store.Snapshot
		streamID string
		version  int64
		state    []byte
		created  nullTime
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&sn.SnapshotID, &streamID, &version, &sn.AggregateType, &state, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, store.WrapStorage("load snapshot", id, err)
	}
	sn.StreamID = store.StreamID(streamID)
	sn.Version = store.Version(version)
	sn.State = state
	sn.CreatedAt = created.Time
	return sn, true, nil
}
