package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"entgo.io/ent/dialect"

	"github.com/wilhg/estore/pkg/store"
	"github.com/wilhg/estore/pkg/store/storetest"
)

func openSQLite(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "estore.db")
	st, err := Open(t.Context(), "sqlite:file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(t.Context()); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openSQLite(t) })
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	st := openSQLite(t)
	if _, err := st.Append(t.Context(), "m", []store.NewEvent{{Type: "t"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := st.Migrate(t.Context()); err != nil {
			t.Fatalf("migrate #%d: %v", i, err)
		}
	}
	v, err := st.CurrentVersion(t.Context(), "m")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("version=%d want 1 after re-migrate", v)
	}
}

func TestSQLiteReopenKeepsEvents(t *testing.T) {
	ctx := context.Background()
	dsn := "sqlite:file:" + filepath.Join(t.TempDir(), "durable.db")

	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	payload := json.RawMessage(`{"k":"v"}`)
	if _, err := st.Append(ctx, "durable", []store.NewEvent{{Type: "a", Payload: payload}, {Type: "b"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st2.Close() })
	got, err := st2.Load(ctx, "durable")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Version != 1 || got[1].Version != 2 {
		t.Fatalf("unexpected events after reopen: %+v", got)
	}
	if string(got[0].Payload) != `{"k":"v"}` {
		t.Fatalf("payload=%s", got[0].Payload)
	}
}

func TestSQLiteRecordedAtUsesClock(t *testing.T) {
	fixed := time.Date(2025, 6, 7, 8, 9, 10, 111222333, time.UTC)
	st := openSQLite(t, WithClock(func() time.Time { return fixed }))
	if _, err := st.Append(t.Context(), "clock", []store.NewEvent{{Type: "t"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	e, err := st.ReadEvent(t.Context(), "clock", 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := fixed.Truncate(time.Microsecond); !e.RecordedAt.Equal(want) {
		t.Fatalf("recorded_at=%v want %v", e.RecordedAt, want)
	}
}

func TestSQLiteDuplicateVersionIsUniqueViolation(t *testing.T) {
	st := openSQLite(t)
	ctx := t.Context()
	if _, err := st.Append(ctx, "dup", []store.NewEvent{{Type: "t"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tx.Rollback() }()
	env := store.Envelopes("dup", 0, []store.NewEvent{{Type: "t", Payload: json.RawMessage("null"), Metadata: json.RawMessage("{}")}}, time.Now())[0]
	err = st.insertEvent(ctx, tx, env)
	if err == nil {
		t.Fatal("expected unique violation for version 1")
	}
	if !isUniqueViolation(err) {
		t.Fatalf("isUniqueViolation(%v) = false", err)
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatal("plain error classified as unique violation")
	}
}

// A row that lands on the same (stream_id, version) after the version check
// must surface from Append as a version conflict, not a storage error.
func TestSQLiteAppendUniqueViolationIsConflict(t *testing.T) {
	st := openSQLite(t)
	ctx := t.Context()
	if _, err := st.Append(ctx, "collide", []store.NewEvent{{Type: "a"}, {Type: "b"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	const trigger = `CREATE TRIGGER events_collide BEFORE INSERT ON events
WHEN NEW.event_id <> 'intruder'
BEGIN
	INSERT INTO events (event_id, stream_id, version, event_type, payload, metadata, recorded_at)
	VALUES ('intruder', NEW.stream_id, NEW.version, 'intruder', 'null', '{}', NEW.recorded_at);
END`
	if _, err := st.db.ExecContext(ctx, trigger); err != nil {
		t.Fatal(err)
	}

	for name, expected := range map[string]store.ExpectedVersion{
		"exact": store.ExactVersion(2),
		"any":   store.AnyVersion,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := st.Append(ctx, "collide", []store.NewEvent{{Type: "c"}}, expected)
			if !errors.Is(err, store.ErrVersionConflict) {
				t.Fatalf("err=%v want version conflict", err)
			}
			if errors.Is(err, store.ErrStorage) {
				t.Fatalf("conflict classified as storage error: %v", err)
			}
			var vc *store.VersionConflictError
			if !errors.As(err, &vc) {
				t.Fatalf("err=%T", err)
			}
			if vc.StreamID != "collide" || vc.Expected != 2 || vc.Actual != 2 {
				t.Fatalf("conflict=%+v want expected 2 actual 2", vc)
			}
		})
	}

	got, err := st.Load(ctx, "collide")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d want 2: failed append must not leave rows", len(got))
	}
	for _, e := range got {
		if e.EventID == "intruder" {
			t.Fatal("colliding row survived the rollback")
		}
	}
}

func TestSQLiteStorageErrorsAreWrapped(t *testing.T) {
	st := openSQLite(t)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := st.CurrentVersion(context.Background(), "closed")
	if !errors.Is(err, store.ErrStorage) {
		t.Fatalf("err=%v want storage error", err)
	}
	var se *store.StorageError
	if !errors.As(err, &se) || se.StreamID != "closed" || se.Op != "current version" {
		t.Fatalf("unexpected storage error: %#v", err)
	}
	if _, err := st.Append(context.Background(), "closed", []store.NewEvent{{Type: "t"}}, store.NoStream); !errors.Is(err, store.ErrStorage) {
		t.Fatalf("append on closed db: %v", err)
	}
}

func TestParseURL(t *testing.T) {
	cases := []struct {
		in      string
		drv     string
		dialect string
		wantErr bool
	}{
		{in: "sqlite:file:x.db", drv: "sqlite3", dialect: dialect.SQLite},
		{in: "sqlite:", drv: "sqlite3", dialect: dialect.SQLite},
		{in: "postgres://u:p@localhost:5432/db?sslmode=disable", drv: "pgx", dialect: dialect.Postgres},
		{in: "postgresql://localhost/db", drv: "pgx", dialect: dialect.Postgres},
		{in: "host=localhost user=u dbname=db", drv: "pgx", dialect: dialect.Postgres},
		{in: "mysql://localhost/db", wantErr: true},
		{in: "nonsense", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, c := range cases {
		drv, _, d, err := parseURL(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseURL(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseURL(%q): %v", c.in, err)
			continue
		}
		if drv != c.drv || d != c.dialect {
			t.Errorf("parseURL(%q) = %s/%s want %s/%s", c.in, drv, d, c.drv, c.dialect)
		}
	}

	_, dsn, _, _ := parseURL("sqlite:file:x.db?_pragma=busy_timeout(5000)")
	if dsn != "file:x.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)" {
		t.Fatalf("dsn=%s", dsn)
	}
}

func TestNullTimeScan(t *testing.T) {
	want := time.Date(2024, 3, 1, 11, 30, 0, 123456000, time.UTC)
	for _, in := range []any{
		want,
		want.In(time.FixedZone("X", 3600)),
		"2024-03-01T11:30:00.123456Z",
		"2024-03-01 12:30:00.123456+01:00",
		[]byte("2024-03-01T11:30:00.123456789Z"),
	} {
		var n nullTime
		if err := n.Scan(in); err != nil {
			t.Fatalf("scan %v: %v", in, err)
		}
		if !n.Valid || !n.Time.Equal(want) || n.Time.Location() != time.UTC {
			t.Fatalf("scan %v = %v", in, n.Time)
		}
	}
	var n nullTime
	if err := n.Scan(nil); err != nil || n.Valid {
		t.Fatalf("nil scan: %v %v", n, err)
	}
	if err := n.Scan(42); err == nil {
		t.Fatal("expected error for int")
	}
}
