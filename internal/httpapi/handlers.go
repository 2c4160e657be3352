package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wilhg/estore/pkg/errmodel"
	"github.com/wilhg/estore/pkg/store"
)

type eventInput struct {
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   json.RawMessage `json:"metadata"`
	OccurredAt *time.Time      `json:"occurred_at"`
}

type appendRequest struct {
	ExpectedVersion int64        `json:"expected_version"`
	Events          []eventInput `json:"events"`
}

type appendResponse struct {
	StreamID store.StreamID `json:"stream_id"`
	Version  store.Version  `json:"version"`
}

type pageResponse struct {
	Events     []store.EventEnvelope `json:"events"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	TotalCount int64                 `json:"total_count"`
	HasNext    bool                  `json:"has_next"`
}

type globalPageResponse struct {
	Events       []store.EventEnvelope `json:"events"`
	PageSize     int                   `json:"page_size"`
	HasNext      bool                  `json:"has_next"`
	NextAfterSeq int64                 `json:"next_after_seq"`
}

type streamResponse struct {
	StreamID       store.StreamID `json:"stream_id"`
	CurrentVersion store.Version  `json:"current_version"`
}

type snapshotRequest struct {
	Version       int64           `json:"version"`
	AggregateType string          `json:"aggregate_type"`
	State         json.RawMessage `json:"state"`
}

type deleteResponse struct {
	StreamID      store.StreamID `json:"stream_id"`
	DeletedEvents int64          `json:"deleted_events"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errmodel.Validation("request body too large", map[string]any{"limit_bytes": tooLarge.Limit})
		}
		return nil, errmodel.Validation("cannot read request body", nil)
	}
	return body, nil
}

func streamID(r *http.Request) store.StreamID { return store.StreamID(r.PathValue("stream_id")) }

// expectedFromWire maps the REST guard: -1 and 0 both require a new stream.
func expectedFromWire(v int64) store.ExpectedVersion {
	if v <= 0 {
		return store.NoStream
	}
	return store.ExactVersion(store.Version(v))
}

func (a *API) appendEvents(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req appendRequest
	if err := appendValidator.decode(body, &req); err != nil {
		a.writeError(w, r, errmodel.Validation(err.Error(), nil))
		return
	}
	events := make([]store.NewEvent, len(req.Events))
	for i, in := range req.Events {
		events[i] = store.NewEvent{Type: in.EventType, Payload: in.Payload, Metadata: in.Metadata}
		if in.OccurredAt != nil {
			events[i].OccurredAt = *in.OccurredAt
		}
	}
	id := streamID(r)
	v, err := a.st.Append(r.Context(), id, events, expectedFromWire(req.ExpectedVersion))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendResponse{StreamID: id, Version: v})
}

// intParam parses an optional integer query parameter with a lower bound.
func intParam(r *http.Request, name string, def, lo int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < lo {
		return 0, errmodel.Validation(name+" must be an integer >= "+strconv.FormatInt(lo, 10), map[string]any{name: raw})
	}
	return n, nil
}

func (a *API) pageSize(r *http.Request) (int, error) {
	n, err := intParam(r, "page_size", int64(min(DefaultPageSize, a.maxPage)), 1)
	if err != nil {
		return 0, err
	}
	return int(min(n, int64(a.maxPage))), nil
}

// requireStream returns the current version or a NotFoundError for an unknown stream.
func (a *API) requireStream(r *http.Request, id store.StreamID) (store.Version, error) {
	cur, err := a.st.CurrentVersion(r.Context(), id)
	if err != nil {
		return 0, err
	}
	if cur == 0 {
		return 0, &store.NotFoundError{StreamID: id}
	}
	return cur, nil
}

func (a *API) listStreamEvents(w http.ResponseWriter, r *http.Request) {
	from, err := intParam(r, "from_version", 1, 1)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	page, err := intParam(r, "page", 1, 1)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	size, err := a.pageSize(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id := streamID(r)
	cur, err := a.requireStream(r, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := pageResponse{Events: []store.EventEnvelope{}, Page: int(page), PageSize: size}
	if total := int64(cur) - from + 1; total > 0 {
		resp.TotalCount = total
	}
	// Pages past the end are empty; checking before multiplying keeps the
	// offset from overflowing.
	if skip := page - 1; from <= int64(cur) && skip <= (int64(cur)-from)/int64(size) {
		start := from + skip*int64(size)
		evs, err := a.st.ReadRange(r.Context(), id, store.Version(start), size+1)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if len(evs) > size {
			evs, resp.HasNext = evs[:size], true
		}
		if len(evs) > 0 {
			resp.Events = evs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseInt(r.PathValue("version"), 10, 64)
	if err != nil || v < 1 {
		a.writeError(w, r, errmodel.Validation("version must be a positive integer", map[string]any{"version": r.PathValue("version")}))
		return
	}
	e, err := a.st.ReadEvent(r.Context(), streamID(r), store.Version(v))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) getStream(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	cur, err := a.requireStream(r, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streamResponse{StreamID: id, CurrentVersion: cur})
}

func (a *API) listAllEvents(w http.ResponseWriter, r *http.Request) {
	after, err := intParam(r, "after_seq", 0, 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	size, err := a.pageSize(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	evs, err := a.st.ReadAll(r.Context(), after, size+1)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := globalPageResponse{Events: []store.EventEnvelope{}, PageSize: size, NextAfterSeq: after}
	if len(evs) > size {
		evs, resp.HasNext = evs[:size], true
	}
	if len(evs) > 0 {
		resp.Events, resp.NextAfterSeq = evs, evs[len(evs)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req snapshotRequest
	if err := snapshotValidator.decode(body, &req); err != nil {
		a.writeError(w, r, errmodel.Validation(err.Error(), nil))
		return
	}
	sn, err := a.st.SaveSnapshot(r.Context(), store.Snapshot{
		StreamID:      streamID(r),
		Version:       store.Version(req.Version),
		AggregateType: req.AggregateType,
		State:         req.State,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sn)
}

func (a *API) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	sn, ok, err := a.st.LoadSnapshot(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !ok {
		a.writeError(w, r, errmodel.NotFound(errmodel.CodeSnapshotNotFound, "no snapshot for stream", map[string]any{"stream_id": string(id)}))
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (a *API) deleteStream(w http.ResponseWriter, r *http.Request) {
	if a.admin == nil {
		a.writeError(w, r, errmodel.Policy(errmodel.CodeForbidden, "stream deletion is disabled", nil))
		return
	}
	id := streamID(r)
	n, err := a.admin.DeleteStream(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if n == 0 {
		a.writeError(w, r, &store.NotFoundError{StreamID: id})
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{StreamID: id, DeletedEvents: n})
}
