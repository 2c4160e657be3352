package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Fold applies a single event to state.
type Fold[S any] func(state S, e EventEnvelope) (S, error)

// SnapshotDecoder turns a stored snapshot back into state.
type SnapshotDecoder[S any] func(s Snapshot) (S, error)

// Replayable is what Replay needs from a backend.
type Replayable interface {
	EventStore
	SnapshotStore
}

// Replay rebuilds the state of a stream. When a snapshot exists it is decoded
// and only events after its version are folded; otherwise every event is
// folded onto initial. A nil decode falls back to json.Unmarshal into S.
// The returned version is the last version reflected in the state.
func Replay[S any](ctx context.Context, st Replayable, id StreamID, initial S, decode SnapshotDecoder[S], fold Fold[S]) (S, Version, error) {
	state := initial
	var upto Version

	sn, ok, err := st.LoadSnapshot(ctx, id)
	if err != nil {
		return initial, 0, err
	}
	var events []EventEnvelope
	if ok {
		if decode == nil {
			decode = jsonDecoder[S]
		}
		if state, err = decode(sn); err != nil {
			return initial, 0, fmt.Errorf("replay %q: decode snapshot %s: %w", id, sn.SnapshotID, err)
		}
		upto = sn.Version
		events, err = st.LoadFrom(ctx, id, sn.Version+1)
	} else {
		events, err = st.Load(ctx, id)
	}
	if err != nil {
		return initial, 0, err
	}

	for _, e := range events {
		if state, err = fold(state, e); err != nil {
			return initial, 0, fmt.Errorf("replay %q: fold version %d: %w", id, e.Version, err)
		}
		upto = e.Version
	}
	return state, upto, nil
}

func jsonDecoder[S any](s Snapshot) (S, error) {
	var state S
	err := json.Unmarshal(s.State, &state)
	return state, err
}
