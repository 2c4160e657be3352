package memstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/wilhg/estore/pkg/store"
	"github.com/wilhg/estore/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestClockIsUsedForRecordedAt(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 6789, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))

	if _, err := s.Append(t.Context(), "c", []store.NewEvent{{Type: "t"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(t.Context(), "c")
	if err != nil {
		t.Fatal(err)
	}
	if want := fixed.Truncate(time.Microsecond); !got[0].RecordedAt.Equal(want) {
		t.Fatalf("recorded_at=%v want %v", got[0].RecordedAt, want)
	}

	sn, err := s.SaveSnapshot(t.Context(), store.Snapshot{StreamID: "c", Version: 1, State: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if !sn.CreatedAt.Equal(fixed.Truncate(time.Microsecond)) {
		t.Fatalf("created_at=%v", sn.CreatedAt)
	}
}

func TestGlobalSeqSkipsDeletedStreams(t *testing.T) {
	ctx := t.Context()
	s := New()
	for _, id := range []store.StreamID{"a", "b", "a"} {
		if _, err := s.Append(ctx, id, []store.NewEvent{{Type: "t"}}, store.AnyVersion); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.DeleteStream(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "c", []store.NewEvent{{Type: "t"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	all, err := s.ReadAll(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].StreamID != "b" || all[1].StreamID != "c" {
		t.Fatalf("unexpected log: %+v", all)
	}
	// sequence numbers are never reused
	if all[1].Seq != 4 {
		t.Fatalf("seq=%d want 4", all[1].Seq)
	}
}
