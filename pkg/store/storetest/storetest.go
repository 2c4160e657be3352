// Package storetest is a conformance suite every store.Store adapter must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilhg/estore/pkg/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st store.Store)
	}{
		{"example scenario", testExampleScenario},
		{"monotonic versioning", testMonotonicVersioning},
		{"optimistic lock", testOptimisticLock},
		{"new stream sentinel", testNewStreamSentinel},
		{"unconditional append", testUnconditionalAppend},
		{"validation", testValidation},
		{"unknown stream", testUnknownStream},
		{"load from", testLoadFrom},
		{"read idempotence", testReadIdempotence},
		{"read event", testReadEvent},
		{"read range", testReadRange},
		{"read all global order", testReadAll},
		{"defaults and timestamps", testDefaultsAndTimestamps},
		{"defensive copies", testDefensiveCopies},
		{"cancelled context", testCancelledContext},
		{"snapshot round trip", testSnapshotRoundTrip},
		{"snapshot history", testSnapshotHistory},
		{"snapshot validation", testSnapshotValidation},
		{"replay", testReplay},
		{"concurrent stale writers", testConcurrentStaleWriters},
		{"concurrent unconditional writers", testConcurrentUnconditionalWriters},
		{"concurrent streams", testConcurrentStreams},
		{"admin delete", testAdminDelete},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func ev(typ string, payload string) store.NewEvent {
	return store.NewEvent{Type: typ, Payload: json.RawMessage(payload)}
}

func evs(n int, typ string) []store.NewEvent {
	out := make([]store.NewEvent, n)
	for i := range out {
		out[i] = ev(typ, fmt.Sprintf(`{"n":%d}`, i))
	}
	return out
}

func requireVersions(t *testing.T, events []store.EventEnvelope, from, to store.Version) {
	t.Helper()
	require.Len(t, events, int(to-from+1))
	for i, e := range events {
		require.Equal(t, from+store.Version(i), e.Version, "event %d", i)
	}
}

func testExampleScenario(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("order-42")

	v, err := st.CurrentVersion(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.Version(0), v)

	v, err = st.Append(ctx, id, []store.NewEvent{ev("E1", `{"i":1}`)}, store.NoStream)
	require.NoError(t, err)
	require.Equal(t, store.Version(1), v)

	v, err = st.Append(ctx, id, []store.NewEvent{ev("E2", `{"i":2}`), ev("E3", `{"i":3}`)}, store.ExactVersion(1))
	require.NoError(t, err)
	require.Equal(t, store.Version(3), v)

	_, err = st.Append(ctx, id, []store.NewEvent{ev("E4", `{"i":4}`)}, store.ExactVersion(1))
	require.ErrorIs(t, err, store.ErrVersionConflict)
	var vc *store.VersionConflictError
	require.ErrorAs(t, err, &vc)
	require.Equal(t, store.Version(1), vc.Expected)
	require.Equal(t, store.Version(3), vc.Actual)
	require.Equal(t, id, vc.StreamID)

	got, err := st.Load(ctx, id)
	require.NoError(t, err)
	requireVersions(t, got, 1, 3)
	require.Equal(t, []string{"E1", "E2", "E3"}, []string{got[0].Type, got[1].Type, got[2].Type})
	for _, e := range got {
		require.Equal(t, id, e.StreamID)
		require.NotEmpty(t, e.EventID)
	}
}

func testMonotonicVersioning(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("mono")
	var total store.Version
	for i, k := range []int{1, 3, 2, 5, 1} {
		v, err := st.Append(ctx, id, evs(k, "tick"), store.ExactVersion(total))
		require.NoError(t, err, "append %d", i)
		total += store.Version(k)
		require.Equal(t, total, v)
	}
	cur, err := st.CurrentVersion(ctx, id)
	require.NoError(t, err)
	require.Equal(t, total, cur)

	got, err := st.Load(ctx, id)
	require.NoError(t, err)
	requireVersions(t, got, 1, total)

	ids := map[string]bool{}
	for _, e := range got {
		require.False(t, ids[e.EventID], "duplicate event id %s", e.EventID)
		ids[e.EventID] = true
	}
}

func testOptimisticLock(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("lock")
	_, err := st.Append(ctx, id, evs(2, "a"), store.NoStream)
	require.NoError(t, err)

	for _, stale := range []store.Version{1, 3, 7} {
		_, err := st.Append(ctx, id, evs(1, "b"), store.ExactVersion(stale))
		var vc *store.VersionConflictError
		require.ErrorAs(t, err, &vc)
		require.Equal(t, stale, vc.Expected)
		require.Equal(t, store.Version(2), vc.Actual)
		require.NotErrorIs(t, err, store.ErrStreamAlreadyExists)
		require.NotErrorIs(t, err, store.ErrStorage)
	}

	got, err := st.Load(ctx, id)
	require.NoError(t, err)
	requireVersions(t, got, 1, 2)

	v, err := st.Append(ctx, id, evs(3, "c"), store.ExactVersion(2))
	require.NoError(t, err)
	require.Equal(t, store.Version(5), v)
}

func testNewStreamSentinel(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("fresh")
	v, err := st.Append(ctx, id, evs(2, "created"), store.NoStream)
	require.NoError(t, err)
	require.Equal(t, store.Version(2), v)

	_, err = st.Append(ctx, id, evs(2, "created"), store.NoStream)
	require.ErrorIs(t, err, store.ErrStreamAlreadyExists)
	require.ErrorIs(t, err, store.ErrVersionConflict)

	cur, err := st.CurrentVersion(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.Version(2), cur)
}

func testUnconditionalAppend(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("any")
	v, err := st.Append(ctx, id, evs(1, "x"), store.AnyVersion)
	require.NoError(t, err)
	require.Equal(t, store.Version(1), v)
	v, err = st.Append(ctx, id, evs(2, "x"), store.AnyVersion)
	require.NoError(t, err)
	require.Equal(t, store.Version(3), v)
}

func testValidation(t *testing.T, st store.Store) {
	ctx := t.Context()
	cases := map[string]struct {
		id     store.StreamID
		events []store.NewEvent
	}{
		"empty batch":      {"v", nil},
		"empty stream id":  {"", evs(1, "x")},
		"empty event type": {"v", []store.NewEvent{{Payload: json.RawMessage(`{}`)}}},
		"bad payload":      {"v", []store.NewEvent{ev("x", `{"broken"`)}},
		"bad metadata":     {"v", []store.NewEvent{{Type: "x", Metadata: json.RawMessage(`[1,`)}}},
		"partly invalid":   {"v", []store.NewEvent{ev("x", `{}`), ev("", `{}`)}},
	}
	for name, c := range cases {
		_, err := st.Append(ctx, c.id, c.events, store.AnyVersion)
		require.ErrorIs(t, err, store.ErrValidation, name)
	}
	ok, err := st.Exists(ctx, "v")
	require.NoError(t, err)
	require.False(t, ok, "rejected batches must not create the stream")
}

func testUnknownStream(t *testing.T, st store.Store) {
	ctx := t.Context()
	got, err := st.Load(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = st.LoadFrom(ctx, "nope", 5)
	require.NoError(t, err)
	require.Empty(t, got)

	ok, err := st.Exists(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	_, found, err := st.LoadSnapshot(ctx, "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func testLoadFrom(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("suffix")
	_, err := st.Append(ctx, id, evs(5, "x"), store.NoStream)
	require.NoError(t, err)

	got, err := st.LoadFrom(ctx, id, 3)
	require.NoError(t, err)
	requireVersions(t, got, 3, 5)

	got, err = st.LoadFrom(ctx, id, 0)
	require.NoError(t, err)
	requireVersions(t, got, 1, 5)

	got, err = st.LoadFrom(ctx, id, 6)
	require.NoError(t, err)
	require.Empty(t, got)
}

func testReadIdempotence(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("pure")
	_, err := st.Append(ctx, id, evs(4, "x"), store.NoStream)
	require.NoError(t, err)

	first, err := st.Load(ctx, id)
	require.NoError(t, err)
	firstFrom, err := st.LoadFrom(ctx, id, 2)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := st.Load(ctx, id)
		require.NoError(t, err)
		require.Equal(t, first, again)
		againFrom, err := st.LoadFrom(ctx, id, 2)
		require.NoError(t, err)
		require.Equal(t, firstFrom, againFrom)
	}
}

func testReadEvent(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("point")
	_, err := st.Append(ctx, id, []store.NewEvent{ev("a", `{"k":"a"}`), ev("b", `{"k":"b"}`)}, store.NoStream)
	require.NoError(t, err)

	e, err := st.ReadEvent(ctx, id, 2)
	require.NoError(t, err)
	require.Equal(t, "b", e.Type)
	require.JSONEq(t, `{"k":"b"}`, string(e.Payload))

	for _, v := range []store.Version{0, 3} {
		_, err = st.ReadEvent(ctx, id, v)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	_, err = st.ReadEvent(ctx, "missing", 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testReadRange(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("paged")
	_, err := st.Append(ctx, id, evs(7, "x"), store.NoStream)
	require.NoError(t, err)

	page, err := st.ReadRange(ctx, id, 1, 3)
	require.NoError(t, err)
	requireVersions(t, page, 1, 3)
	page, err = st.ReadRange(ctx, id, 7, 3)
	require.NoError(t, err)
	requireVersions(t, page, 7, 7)
	page, err = st.ReadRange(ctx, id, 2, 0)
	require.NoError(t, err)
	requireVersions(t, page, 2, 7)
}

func testReadAll(t *testing.T, st store.Store) {
	ctx := t.Context()
	a, b := store.StreamID("all-a"), store.StreamID("all-b")
	_, err := st.Append(ctx, a, evs(2, "a"), store.NoStream)
	require.NoError(t, err)
	_, err = st.Append(ctx, b, evs(1, "b"), store.NoStream)
	require.NoError(t, err)
	_, err = st.Append(ctx, a, evs(1, "a"), store.ExactVersion(2))
	require.NoError(t, err)

	all, err := st.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	order := make([]string, len(all))
	for i, e := range all {
		order[i] = fmt.Sprintf("%s@%d", e.StreamID, e.Version)
		if i > 0 {
			require.Greater(t, e.Seq, all[i-1].Seq)
		}
	}
	require.Equal(t, []string{"all-a@1", "all-a@2", "all-b@1", "all-a@3"}, order)

	page, err := st.ReadAll(ctx, all[1].Seq, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, all[2].EventID, page[0].EventID)

	rest, err := st.ReadAll(ctx, all[3].Seq, 10)
	require.NoError(t, err)
	require.Empty(t, rest)
}

func testDefaultsAndTimestamps(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("defaults")
	occurred := time.Date(2024, 3, 1, 12, 30, 0, 123456000, time.FixedZone("X", 3600))
	before := time.Now().Add(-time.Second)
	_, err := st.Append(ctx, id, []store.NewEvent{
		{Type: "bare"},
		{Type: "full", Payload: json.RawMessage(`{"a":1}`), Metadata: json.RawMessage(`{"actor":"u1"}`), OccurredAt: occurred},
	}, store.NoStream)
	require.NoError(t, err)

	got, err := st.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.JSONEq(t, `null`, string(got[0].Payload))
	require.JSONEq(t, `{}`, string(got[0].Metadata))
	require.True(t, got[0].OccurredAt.IsZero())

	require.JSONEq(t, `{"a":1}`, string(got[1].Payload))
	require.JSONEq(t, `{"actor":"u1"}`, string(got[1].Metadata))
	require.True(t, occurred.Equal(got[1].OccurredAt), "occurred_at %v != %v", got[1].OccurredAt, occurred)

	for _, e := range got {
		require.False(t, e.RecordedAt.IsZero())
		require.True(t, e.RecordedAt.After(before))
	}
}

func testDefensiveCopies(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("alias")
	payload := json.RawMessage(`{"v":"original"}`)
	_, err := st.Append(ctx, id, []store.NewEvent{{Type: "x", Payload: payload}}, store.NoStream)
	require.NoError(t, err)
	copy(payload, `{"v":"mutated!"}`)

	got, err := st.Load(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"original"}`, string(got[0].Payload))
	for i := range got[0].Payload {
		got[0].Payload[i] = ' '
	}

	again, err := st.Load(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"original"}`, string(again[0].Payload))

	state := json.RawMessage(`{"s":1}`)
	_, err = st.SaveSnapshot(ctx, store.Snapshot{StreamID: id, Version: 1, State: state})
	require.NoError(t, err)
	copy(state, `{"s":2}`)
	sn, ok, err := st.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"s":1}`, string(sn.State))
}

func testCancelledContext(t *testing.T, st store.Store) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := st.Append(ctx, "cancelled", evs(1, "x"), store.NoStream)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled) || errors.Is(err, store.ErrStorage), "got %v", err)

	ok, err := st.Exists(t.Context(), "cancelled")
	require.NoError(t, err)
	require.False(t, ok)
}

func testSnapshotRoundTrip(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("snap")
	saved, err := st.SaveSnapshot(ctx, store.Snapshot{
		StreamID:      id,
		Version:       3,
		AggregateType: "order",
		State:         json.RawMessage(`{"total":30}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.SnapshotID)
	require.False(t, saved.CreatedAt.IsZero())

	got, ok, err := st.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.Version(3), got.Version)
	require.Equal(t, "order", got.AggregateType)
	require.Equal(t, saved.SnapshotID, got.SnapshotID)
	require.JSONEq(t, `{"total":30}`, string(got.State))
}

func testSnapshotHistory(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("snap-history")
	for _, v := range []store.Version{2, 5} {
		_, err := st.SaveSnapshot(ctx, store.Snapshot{StreamID: id, Version: v, State: json.RawMessage(fmt.Sprintf(`{"v":%d}`, v))})
		require.NoError(t, err)
	}
	got, ok, err := st.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.Version(5), got.Version)

	// an older snapshot saved later never shadows the newer one
	_, err = st.SaveSnapshot(ctx, store.Snapshot{StreamID: id, Version: 4, State: json.RawMessage(`{"v":4}`)})
	require.NoError(t, err)
	got, _, err = st.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.Version(5), got.Version)
	require.JSONEq(t, `{"v":5}`, string(got.State))

	// equal version: the latest save wins
	_, err = st.SaveSnapshot(ctx, store.Snapshot{StreamID: id, Version: 5, State: json.RawMessage(`{"v":"5b"}`)})
	require.NoError(t, err)
	got, _, err = st.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"5b"}`, string(got.State))

	// snapshots are per stream
	_, ok, err = st.LoadSnapshot(ctx, "snap-other")
	require.NoError(t, err)
	require.False(t, ok)
}

func testSnapshotValidation(t *testing.T, st store.Store) {
	ctx := t.Context()
	for name, sn := range map[string]store.Snapshot{
		"empty stream":     {Version: 1, State: json.RawMessage(`{}`)},
		"negative version": {StreamID: "s", Version: -1, State: json.RawMessage(`{}`)},
		"empty state":      {StreamID: "s", Version: 1},
		"bad state":        {StreamID: "s", Version: 1, State: json.RawMessage(`{`)},
	} {
		_, err := st.SaveSnapshot(ctx, sn)
		require.ErrorIs(t, err, store.ErrValidation, name)
	}
}

type counter struct {
	Count int `json:"count"`
}

func testReplay(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("replay")
	fold := func(c counter, e store.EventEnvelope) (counter, error) {
		var p struct{ N int }
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return c, err
		}
		c.Count += p.N
		return c, nil
	}
	add := func(n int) store.NewEvent { return ev("added", fmt.Sprintf(`{"n":%d}`, n)) }

	_, err := st.Append(ctx, id, []store.NewEvent{add(1), add(2), add(3)}, store.NoStream)
	require.NoError(t, err)

	state, v, err := store.Replay(ctx, st, id, counter{}, nil, fold)
	require.NoError(t, err)
	require.Equal(t, 6, state.Count)
	require.Equal(t, store.Version(3), v)

	raw, err := json.Marshal(state)
	require.NoError(t, err)
	_, err = st.SaveSnapshot(ctx, store.Snapshot{StreamID: id, Version: v, AggregateType: "counter", State: raw})
	require.NoError(t, err)

	_, err = st.Append(ctx, id, []store.NewEvent{add(10)}, store.ExactVersion(3))
	require.NoError(t, err)

	state, v, err = store.Replay(ctx, st, id, counter{}, nil, fold)
	require.NoError(t, err)
	require.Equal(t, 16, state.Count)
	require.Equal(t, store.Version(4), v)
}

func testConcurrentStaleWriters(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("race")
	_, err := st.Append(ctx, id, evs(1, "seed"), store.NoStream)
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := st.Append(ctx, id, evs(2, "racer"), store.ExactVersion(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case store.IsConflict(err):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	require.Equal(t, 1, successes)
	require.Equal(t, writers-1, conflicts)

	cur, err := st.CurrentVersion(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.Version(3), cur)
	got, err := st.Load(ctx, id)
	require.NoError(t, err)
	requireVersions(t, got, 1, 3)
}

func testConcurrentUnconditionalWriters(t *testing.T, st store.Store) {
	ctx := t.Context()
	id := store.StreamID("pile")
	const writers, perBatch = 6, 3

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Append(ctx, id, evs(perBatch, "x"), store.AnyVersion)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := st.Load(ctx, id)
	require.NoError(t, err)
	requireVersions(t, got, 1, writers*perBatch)
}

func testConcurrentStreams(t *testing.T, st store.Store) {
	ctx := t.Context()
	const streams = 6

	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := store.StreamID(fmt.Sprintf("par-%d", i))
			var v store.Version
			for j := 0; j < 3; j++ {
				next, err := st.Append(ctx, id, evs(1, "x"), store.ExactVersion(v))
				if err != nil {
					errs <- err
					return
				}
				v = next
			}
			errs <- nil
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for i := 0; i < streams; i++ {
		cur, err := st.CurrentVersion(ctx, store.StreamID(fmt.Sprintf("par-%d", i)))
		require.NoError(t, err)
		require.Equal(t, store.Version(3), cur)
	}
}

func testAdminDelete(t *testing.T, st store.Store) {
	admin, ok := st.(store.Admin)
	if !ok {
		t.Skip("store does not implement store.Admin")
	}
	ctx := t.Context()
	id := store.StreamID("doomed")
	_, err := st.Append(ctx, id, evs(3, "x"), store.NoStream)
	require.NoError(t, err)
	_, err = st.Append(ctx, "survivor", evs(1, "x"), store.NoStream)
	require.NoError(t, err)
	_, err = st.SaveSnapshot(ctx, store.Snapshot{StreamID: id, Version: 3, State: json.RawMessage(`{}`)})
	require.NoError(t, err)

	n, err := admin.DeleteStream(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	ok, err = st.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
	_, found, err := st.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.False(t, found)

	all, err := st.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, store.StreamID("survivor"), all[0].StreamID)

	// the stream can start over from version 1
	v, err := st.Append(ctx, id, evs(1, "x"), store.NoStream)
	require.NoError(t, err)
	require.Equal(t, store.Version(1), v)
}
