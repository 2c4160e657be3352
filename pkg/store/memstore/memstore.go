// Package memstore is an in-memory store.Store intended for tests and for
// embedding the event store without a database.
package memstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wilhg/estore/pkg/store"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for RecordedAt and CreatedAt.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

type logRef struct {
	seq    int64
	stream store.StreamID
	idx    int
}

// Store keeps one lock per logical table: events and snapshots.
// Appends to a stream run read-check-write inside the events critical section.
type Store struct {
	log *slog.Logger
	now func() time.Time

	evMu    sync.RWMutex
	seq     int64
	streams map[store.StreamID][]store.EventEnvelope
	global  []logRef // ascending seq

	snapMu    sync.RWMutex
	snapshots map[store.StreamID][]store.Snapshot // save order
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		log:       slog.Default(),
		now:       time.Now,
		streams:   make(map[store.StreamID][]store.EventEnvelope),
		snapshots: make(map[store.StreamID][]store.Snapshot),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(slog.String("store", "memory"))
	return s
}

// Append implements store.EventStore.
func (s *Store) Append(ctx context.Context, id store.StreamID, events []store.NewEvent, expected store.ExpectedVersion) (store.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.WrapStorage("append", id, err)
	}
	batch, err := store.PrepareEvents(id, events)
	if err != nil {
		return 0, err
	}

	s.evMu.Lock()
	defer s.evMu.Unlock()

	cur := s.streams[id]
	current := store.Version(len(cur))
	if err := store.CheckExpected(id, expected, current); err != nil {
		return 0, err
	}

	envs := store.Envelopes(id, current, batch, s.now())
	for i := range envs {
		s.seq++
		envs[i].Seq = s.seq
		s.global = append(s.global, logRef{seq: s.seq, stream: id, idx: len(cur) + i})
	}
	s.streams[id] = append(cur, envs...)
	next := current + store.Version(len(envs))

	s.log.Debug("append",
		slog.String("stream_id", id.String()),
		slog.Int64("from_version", int64(current)+1),
		slog.Int64("to_version", int64(next)),
		slog.Int("num_events", len(envs)),
	)
	return next, nil
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
	if err := ctx.Err(); err != nil {
		return nil, store.WrapStorage("load", id, err)
	}
	if err := store.ValidateStreamID(id); err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}

	s.evMu.RLock()
	defer s.evMu.RUnlock()

	cur := s.streams[id]
	if int64(from) > int64(len(cur)) {
		return []store.EventEnvelope{}, nil
	}
	// versions are gapless, so version v lives at index v-1
	tail := cur[from-1:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]store.EventEnvelope, len(tail))
	for i, e := range tail {
		out[i] = store.CloneEnvelope(e)
	}
	return out, nil
}

// ReadEvent implements store.Reader.
func (s *Store) ReadEvent(ctx context.Context, id store.StreamID, v store.Version) (store.EventEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return store.EventEnvelope{}, store.WrapStorage("read event", id, err)
	}
	if err := store.ValidateStreamID(id); err != nil {
		return store.EventEnvelope{}, err
	}

	s.evMu.RLock()
	defer s.evMu.RUnlock()

	cur := s.streams[id]
	if v < 1 || int64(v) > int64(len(cur)) {
		return store.EventEnvelope{}, &store.NotFoundError{StreamID: id, Version: v}
	}
	return store.CloneEnvelope(cur[v-1]), nil
}

// ReadAll implements store.Reader.
func (s *Store) ReadAll(ctx context.Context, afterSeq int64, limit int) ([]store.EventEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.WrapStorage("read all", "", err)
	}

	s.evMu.RLock()
	defer s.evMu.RUnlock()

	start := sort.Search(len(s.global), func(i int) bool { return s.global[i].seq > afterSeq })
	refs := s.global[start:]
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	out := make([]store.EventEnvelope, len(refs))
	for i, r := range refs {
		out[i] = store.CloneEnvelope(s.streams[r.stream][r.idx])
	}
	return out, nil
}

// Exists implements store.EventStore.
func (s *Store) Exists(ctx context.Context, id store.StreamID) (bool, error) {
	v, err := s.CurrentVersion(ctx, id)
	return v > 0, err
}

// CurrentVersion implements store.EventStore.
func (s *Store) CurrentVersion(ctx context.Context, id store.StreamID) (store.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.WrapStorage("current version", id, err)
	}
	if err := store.ValidateStreamID(id); err != nil {
		return 0, err
	}
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	return store.Version(len(s.streams[id])), nil
}

// SaveSnapshot implements store.SnapshotStore.
func (s *Store) SaveSnapshot(ctx context.Context, sn store.Snapshot) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, store.WrapStorage("save snapshot", sn.StreamID, err)
	}
	sn, err := store.PrepareSnapshot(sn, s.now())
	if err != nil {
		return store.Snapshot{}, err
	}

	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snapshots[sn.StreamID] = append(s.snapshots[sn.StreamID], sn)

	out := sn
	out.State = store.Clone(sn.State)
	return out, nil
}

// LoadSnapshot implements store.SnapshotStore. Among snapshots with equal
// version the most recently saved wins.
func (s *Store) LoadSnapshot(ctx context.Context, id store.StreamID) (store.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, false, store.WrapStorage("load snapshot", id, err)
	}
	if err := store.ValidateStreamID(id); err != nil {
		return store.Snapshot{}, false, err
	}

	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	history := s.snapshots[id]
	if len(history) == 0 {
		return store.Snapshot{}, false, nil
	}
	best := 0
	for i := 1; i < len(history); i++ {
		if history[i].Version >= history[best].Version {
			best = i
		}
	}
	out := history[best]
	out.State = store.Clone(out.State)
	return out, true, nil
}

// DeleteStream implements store.Admin.
func (s *Store) DeleteStream(ctx context.Context, id store.StreamID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.WrapStorage("delete stream", id, err)
	}
	if err := store.ValidateStreamID(id); err != nil {
		return 0, err
	}

	s.evMu.Lock()
	n := int64(len(s.streams[id]))
	if n > 0 {
		delete(s.streams, id)
		kept := s.global[:0]
		for _, r := range s.global {
			if r.stream != id {
				kept = append(kept, r)
			}
		}
		s.global = kept
	}
	s.evMu.Unlock()

	s.snapMu.Lock()
	delete(s.snapshots, id)
	s.snapMu.Unlock()

	s.log.Warn("stream deleted", slog.String("stream_id", id.String()), slog.Int64("events", n))
	return n, nil
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Admin = (*Store)(nil)
)
