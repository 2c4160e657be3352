// Package metrics instruments a store.Store with Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wilhg/estore/pkg/store"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5,
}

// Result label values.
const (
	resultOK         = "ok"
	resultConflict   = "conflict"
	resultNotFound   = "not_found"
	resultValidation = "validation"
	resultError      = "error"
)

type collectors struct {
	opDuration     *prometheus.HistogramVec
	ops            *prometheus.CounterVec
	eventsAppended prometheus.Counter
	eventsRead     *prometheus.CounterVec
	conflicts      prometheus.Counter
	snapshotHits   *prometheus.CounterVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "estore_operation_duration_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"op"}),

		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estore_operations_total",
			Help: "Total number of store operations by outcome",
		}, []string{"op", "result"}),

		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estore_events_appended_total",
			Help: "Total number of events appended",
		}),

		eventsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estore_events_read_total",
			Help: "Total number of events returned by reads",
		}, []string{"op"}),

		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estore_version_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}),

		snapshotHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estore_snapshot_loads_total",
			Help: "Snapshot loads by whether a snapshot was found",
		}, []string{"found"}),
	}

	reg.MustRegister(
		c.opDuration,
		c.ops,
		c.eventsAppended,
		c.eventsRead,
		c.conflicts,
		c.snapshotHits,
	)
	return c
}

// Store wraps a store.Store and records latency and outcome of every call.
type Store struct {
	next store.Store
	m    *collectors
}

// Wrap registers the collectors on reg and returns the instrumented store.
// It panics if the collectors are already registered on reg.
func Wrap(next store.Store, reg prometheus.Registerer) *Store {
	return &Store{next: next, m: newCollectors(reg)}
}

func (s *Store) observe(op string, start time.Time, err error) {
	s.m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.m.ops.WithLabelValues(op, result(err)).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, store.ErrVersionConflict):
		return resultConflict
	case errors.Is(err, store.ErrNotFound):
		return resultNotFound
	case errors.Is(err, store.ErrValidation):
		return resultValidation
	default:
		return resultError
	}
}

func (s *Store) Append(ctx context.Context, id store.StreamID, events []store.NewEvent, expected store.ExpectedVersion) (store.Version, error) {
	start := time.Now()
	v, err := s.next.Append(ctx, id, events, expected)
	s.observe("append", start, err)
	switch {
	case err == nil:
		s.m.eventsAppended.Add(float64(len(events)))
	case errors.Is(err, store.ErrVersionConflict):
		s.m.conflicts.Inc()
	}
	return v, err
}

func (s *Store) Load(ctx context.Context, id store.StreamID) ([]store.EventEnvelope, error) {
	start := time.Now()
	out, err := s.next.Load(ctx, id)
	s.observe("load", start, err)
	s.m.eventsRead.WithLabelValues("load").Add(float64(len(out)))
	return out, err
}

func (s *Store) LoadFrom(ctx context.Context, id store.StreamID, from store.Version) ([]store.EventEnvelope, error) {
	start := time.Now()
	out, err := s.next.LoadFrom(ctx, id, from)
	s.observe("load_from", start, err)
	s.m.eventsRead.WithLabelValues("load_from").Add(float64(len(out)))
	return out, err
}

func (s *Store) Exists(ctx context.Context, id store.StreamID) (bool, error) {
	start := time.Now()
	ok, err := s.next.Exists(ctx, id)
	s.observe("exists", start, err)
	return ok, err
}

func (s *Store) CurrentVersion(ctx context.Context, id store.StreamID) (store.Version, error) {
	start := time.Now()
	v, err := s.next.CurrentVersion(ctx, id)
	s.observe("current_version", start, err)
	return v, err
}

func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) (store.Snapshot, error) {
	start := time.Now()
	out, err := s.next.SaveSnapshot(ctx, snap)
	s.observe("save_snapshot", start, err)
	return out, err
}

func (s *Store) LoadSnapshot(ctx context.Context, id store.StreamID) (store.Snapshot, bool, error) {
	start := time.Now()
	snap, ok, err := s.next.LoadSnapshot(ctx, id)
	s.observe("load_snapshot", start, err)
	if err == nil {
		found := "false"
		if ok {
			found = "true"
		}
		s.m.snapshotHits.WithLabelValues(found).Inc()
	}
	return snap, ok, err
}

func (s *Store) ReadEvent(ctx context.Context, id store.StreamID, v store.Version) (store.EventEnvelope, error) {
	start := time.Now()
	e, err := s.next.ReadEvent(ctx, id, v)
	s.observe("read_event", start, err)
	return e, err
}

func (s *Store) ReadRange(ctx context.Context, id store.StreamID, from store.Version, limit int) ([]store.EventEnvelope, error) {
	start := time.Now()
	out, err := s.next.ReadRange(ctx, id, from, limit)
	s.observe("read_range", start, err)
	s.m.eventsRead.WithLabelValues("read_range").Add(float64(len(out)))
	return out, err
}

func (s *Store) ReadAll(ctx context.Context, afterSeq int64, limit int) ([]store.EventEnvelope, error) {
	start := time.Now()
	out, err := s.next.ReadAll(ctx, afterSeq, limit)
	s.observe("read_all", start, err)
	s.m.eventsRead.WithLabelValues("read_all").Add(float64(len(out)))
	return out, err
}

var _ store.Store = (*Store)(nil)
