package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wilhg/estore/pkg/store"
	"github.com/wilhg/estore/pkg/store/memstore"
	"github.com/wilhg/estore/pkg/store/metrics"
)

func newServer(t *testing.T, opts ...Option) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	srv := httptest.NewServer(New(st, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	c, _ := e["code"].(string)
	return c
}

func appendBody(expected int, types ...string) string {
	evs := make([]string, len(types))
	for i, ty := range types {
		evs[i] = fmt.Sprintf(`{"event_type":%q,"payload":{"i":%d}}`, ty, i)
	}
	return fmt.Sprintf(`{"expected_version":%d,"events":[%s]}`, expected, strings.Join(evs, ","))
}

func TestAppendAndConflict(t *testing.T) {
	srv, _ := newServer(t)
	url := srv.URL + "/v1/streams/order-42/events"

	code, body := do(t, "POST", url, appendBody(-1, "OrderCreated", "ItemAdded"))
	if code != http.StatusCreated || body["version"] != float64(2) || body["stream_id"] != "order-42" {
		t.Fatalf("append: %d %v", code, body)
	}

	code, body = do(t, "POST", url, appendBody(0, "OrderCreated"))
	if code != http.StatusConflict || errCode(body) != "STREAM_ALREADY_EXISTS" {
		t.Fatalf("new-stream guard: %d %v", code, body)
	}

	code, body = do(t, "POST", url, appendBody(1, "ItemAdded"))
	if code != http.StatusConflict || errCode(body) != "VERSION_CONFLICT" {
		t.Fatalf("stale guard: %d %v", code, body)
	}

	code, body = do(t, "POST", url, appendBody(2, "OrderPaid"))
	if code != http.StatusCreated || body["version"] != float64(3) {
		t.Fatalf("append at 2: %d %v", code, body)
	}
}

func TestAppendValidation(t *testing.T) {
	srv, _ := newServer(t)
	url := srv.URL + "/v1/streams/s/events"
	for name, body := range map[string]string{
		"malformed":        `{"expected_version":0,`,
		"missing expected": `{"events":[{"event_type":"a"}]}`,
		"empty batch":      `{"expected_version":0,"events":[]}`,
		"empty type":       `{"expected_version":0,"events":[{"event_type":""}]}`,
		"metadata array":   `{"expected_version":0,"events":[{"event_type":"a","metadata":[1]}]}`,
		"bad occurred_at":  `{"expected_version":0,"events":[{"event_type":"a","occurred_at":"yesterday"}]}`,
		"below -1":         `{"expected_version":-2,"events":[{"event_type":"a"}]}`,
		"unknown field":    `{"expected_version":0,"events":[{"event_type":"a"}],"extra":true}`,
	} {
		t.Run(name, func(t *testing.T) {
			code, resp := do(t, "POST", url, body)
			if code != http.StatusBadRequest || errCode(resp) != "VALIDATION_ERROR" {
				t.Fatalf("%d %v", code, resp)
			}
		})
	}
}

func TestAppendKeepsOccurredAtAndMetadata(t *testing.T) {
	srv, st := newServer(t)
	body := `{"expected_version":0,"events":[{"event_type":"a","payload":null,"metadata":{"correlation_id":"c1"},"occurred_at":"2025-01-02T03:04:05.123456Z"}]}`
	if code, resp := do(t, "POST", srv.URL+"/v1/streams/s/events", body); code != http.StatusCreated {
		t.Fatalf("%d %v", code, resp)
	}
	e, err := st.ReadEvent(t.Context(), "s", 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Metadata) != `{"correlation_id":"c1"}` || string(e.Payload) != "null" {
		t.Fatalf("envelope: %+v", e)
	}
	if e.OccurredAt.Format("2006-01-02T15:04:05.000000Z07:00") != "2025-01-02T03:04:05.123456Z" {
		t.Fatalf("occurred_at=%v", e.OccurredAt)
	}
}

func TestListStreamEventsPagination(t *testing.T) {
	srv, st := newServer(t)
	var events []store.NewEvent
	for i := 0; i < 5; i++ {
		events = append(events, store.NewEvent{Type: "tick"})
	}
	if _, err := st.Append(t.Context(), "p", events, store.NoStream); err != nil {
		t.Fatal(err)
	}

	code, body := do(t, "GET", srv.URL+"/v1/streams/p/events?page_size=2", "")
	if code != http.StatusOK {
		t.Fatalf("%d %v", code, body)
	}
	if got := len(body["events"].([]any)); got != 2 || body["has_next"] != true || body["total_count"] != float64(5) || body["page"] != float64(1) {
		t.Fatalf("page 1: %v", body)
	}

	_, body = do(t, "GET", srv.URL+"/v1/streams/p/events?page_size=2&page=3", "")
	evs := body["events"].([]any)
	if len(evs) != 1 || body["has_next"] != false {
		t.Fatalf("page 3: %v", body)
	}
	if evs[0].(map[string]any)["version"] != float64(5) {
		t.Fatalf("last page first version: %v", evs[0])
	}

	_, body = do(t, "GET", srv.URL+"/v1/streams/p/events?from_version=4", "")
	if len(body["events"].([]any)) != 2 || body["total_count"] != float64(2) || body["page_size"] != float64(200) {
		t.Fatalf("from_version: %v", body)
	}

	_, body = do(t, "GET", srv.URL+"/v1/streams/p/events?page=9", "")
	if len(body["events"].([]any)) != 0 || body["has_next"] != false {
		t.Fatalf("past the end: %v", body)
	}

	code, body = do(t, "GET", srv.URL+"/v1/streams/p/events?page_size=0", "")
	if code != http.StatusBadRequest || errCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("page_size=0: %d %v", code, body)
	}
	code, _ = do(t, "GET", srv.URL+"/v1/streams/p/events?page=abc", "")
	if code != http.StatusBadRequest {
		t.Fatalf("page=abc: %d", code)
	}
}

func TestFarPageIsEmpty(t *testing.T) {
	srv, st := newServer(t)
	if _, err := st.Append(t.Context(), "p", []store.NewEvent{{Type: "a"}, {Type: "b"}, {Type: "c"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	// (page-1)*page_size wraps to 0 in int64 for these values.
	for _, q := range []string{
		"page=2305843009213693953&page_size=200",
		"page=9223372036854775807&page_size=200",
		"page=9223372036854775807&from_version=9223372036854775807",
		"page=2&page_size=3",
	} {
		code, body := do(t, "GET", srv.URL+"/v1/streams/p/events?"+q, "")
		if code != http.StatusOK {
			t.Fatalf("%s: %d %v", q, code, body)
		}
		if n := len(body["events"].([]any)); n != 0 || body["has_next"] != false {
			t.Fatalf("%s: far page returned %d events", q, n)
		}
	}
	_, body := do(t, "GET", srv.URL+"/v1/streams/p/events?page=1&page_size=3", "")
	if len(body["events"].([]any)) != 3 {
		t.Fatalf("first page: %v", body)
	}
}

func TestPageSizeIsCapped(t *testing.T) {
	srv, st := newServer(t, WithMaxPageSize(3))
	for i := 0; i < 4; i++ {
		if _, err := st.Append(t.Context(), "c", []store.NewEvent{{Type: "t"}}, store.AnyVersion); err != nil {
			t.Fatal(err)
		}
	}
	_, body := do(t, "GET", srv.URL+"/v1/streams/c/events?page_size=1000", "")
	if body["page_size"] != float64(3) || len(body["events"].([]any)) != 3 || body["has_next"] != true {
		t.Fatalf("cap: %v", body)
	}
}

func TestUnknownStream(t *testing.T) {
	srv, _ := newServer(t)
	for _, path := range []string{"/v1/streams/ghost/events", "/v1/streams/ghost"} {
		code, body := do(t, "GET", srv.URL+path, "")
		if code != http.StatusNotFound || errCode(body) != "STREAM_NOT_FOUND" {
			t.Fatalf("%s: %d %v", path, code, body)
		}
	}
}

func TestGetEventAndStream(t *testing.T) {
	srv, st := newServer(t)
	if _, err := st.Append(t.Context(), "g", []store.NewEvent{{Type: "a"}, {Type: "b"}}, store.NoStream); err != nil {
		t.Fatal(err)
	}
	code, body := do(t, "GET", srv.URL+"/v1/streams/g/events/2", "")
	if code != http.StatusOK || body["event_type"] != "b" || body["version"] != float64(2) {
		t.Fatalf("event: %d %v", code, body)
	}
	code, body = do(t, "GET", srv.URL+"/v1/streams/g/events/3", "")
	if code != http.StatusNotFound || errCode(body) != "EVENT_NOT_FOUND" {
		t.Fatalf("missing event: %d %v", code, body)
	}
	code, _ = do(t, "GET", srv.URL+"/v1/streams/g/events/zero", "")
	if code != http.StatusBadRequest {
		t.Fatalf("bad version: %d", code)
	}
	code, body = do(t, "GET", srv.URL+"/v1/streams/g", "")
	if code != http.StatusOK || body["current_version"] != float64(2) {
		t.Fatalf("stream: %d %v", code, body)
	}
}

func TestListAllEvents(t *testing.T) {
	srv, st := newServer(t)
	ctx := t.Context()
	for _, id := range []store.StreamID{"a", "b", "a"} {
		if _, err := st.Append(ctx, id, []store.NewEvent{{Type: "t"}}, store.AnyVersion); err != nil {
			t.Fatal(err)
		}
	}
	_, body := do(t, "GET", srv.URL+"/v1/events?page_size=2", "")
	if len(body["events"].([]any)) != 2 || body["has_next"] != true {
		t.Fatalf("first page: %v", body)
	}
	next := body["next_after_seq"].(float64)
	_, body = do(t, "GET", fmt.Sprintf("%s/v1/events?page_size=2&after_seq=%d", srv.URL, int64(next)), "")
	evs := body["events"].([]any)
	if len(evs) != 1 || body["has_next"] != false || evs[0].(map[string]any)["stream_id"] != "a" {
		t.Fatalf("second page: %v", body)
	}
	_, body = do(t, "GET", srv.URL+"/v1/events?after_seq=99", "")
	if len(body["events"].([]any)) != 0 || body["next_after_seq"] != float64(99) {
		t.Fatalf("after end: %v", body)
	}
}

func TestSnapshots(t *testing.T) {
	srv, _ := newServer(t)
	url := srv.URL + "/v1/streams/acc/snapshots"

	code, body := do(t, "GET", url+"/latest", "")
	if code != http.StatusNotFound || errCode(body) != "SNAPSHOT_NOT_FOUND" {
		t.Fatalf("none yet: %d %v", code, body)
	}
	code, body = do(t, "POST", url, `{"version":3,"aggregate_type":"Account","state":{"balance":10}}`)
	if code != http.StatusCreated || body["snapshot_id"] == "" {
		t.Fatalf("save: %d %v", code, body)
	}
	if code, _ = do(t, "POST", url, `{"version":1,"state":{"balance":1}}`); code != http.StatusCreated {
		t.Fatalf("save older: %d", code)
	}
	code, body = do(t, "GET", url+"/latest", "")
	if code != http.StatusOK || body["version"] != float64(3) || body["aggregate_type"] != "Account" {
		t.Fatalf("latest: %d %v", code, body)
	}
	code, body = do(t, "POST", url, `{"version":-1,"state":{}}`)
	if code != http.StatusBadRequest || errCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("negative version: %d %v", code, body)
	}
	if code, _ = do(t, "POST", url, `{"version":1}`); code != http.StatusBadRequest {
		t.Fatalf("missing state: %d", code)
	}
}

func TestAdminDelete(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, st := newServer(t)
		if _, err := st.Append(t.Context(), "d", []store.NewEvent{{Type: "t"}}, store.NoStream); err != nil {
			t.Fatal(err)
		}
		code, body := do(t, "DELETE", srv.URL+"/v1/admin/streams/d", "")
		if code != http.StatusForbidden || errCode(body) != "FORBIDDEN" {
			t.Fatalf("%d %v", code, body)
		}
	})
	t.Run("enabled", func(t *testing.T) {
		st := memstore.New()
		srv := httptest.NewServer(New(st, WithAdmin(st), WithLogger(slog.New(slog.DiscardHandler))).Handler())
		t.Cleanup(srv.Close)
		if _, err := st.Append(t.Context(), "d", []store.NewEvent{{Type: "t"}, {Type: "u"}}, store.NoStream); err != nil {
			t.Fatal(err)
		}
		code, body := do(t, "DELETE", srv.URL+"/v1/admin/streams/d", "")
		if code != http.StatusOK || body["deleted_events"] != float64(2) {
			t.Fatalf("%d %v", code, body)
		}
		code, body = do(t, "DELETE", srv.URL+"/v1/admin/streams/d", "")
		if code != http.StatusNotFound || errCode(body) != "STREAM_NOT_FOUND" {
			t.Fatalf("second delete: %d %v", code, body)
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	st := metrics.Wrap(memstore.New(), reg)
	srv := httptest.NewServer(New(st, WithGatherer(reg), WithLogger(slog.New(slog.DiscardHandler))).Handler())
	t.Cleanup(srv.Close)

	if code, _ := do(t, "GET", srv.URL+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code, _ := do(t, "POST", srv.URL+"/v1/streams/m/events", appendBody(0, "a")); code != http.StatusCreated {
		t.Fatalf("append: %d", code)
	}
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "estore_events_appended_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", raw)
	}
}
