// Package tracing wraps a store.Store with OpenTelemetry spans.
package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/estore/pkg/store"
)

const instrumentation = "github.com/wilhg/estore/pkg/store"

// Option configures the tracing decorator.
type Option func(*Store)

// WithTracerProvider uses tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) { s.tr = tp.Tracer(instrumentation) }
}

// Store starts one span per call and records failures on it.
type Store struct {
	next store.Store
	tr   trace.Tracer
}

// Wrap returns next instrumented with spans named "estore.<Op>".
func Wrap(next store.Store, opts ...Option) *Store {
	s := &Store{next: next, tr: otel.Tracer(instrumentation)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tr.Start(ctx, "estore."+op, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// end records err on the span. Conflicts and misses are expected outcomes for
// callers and do not mark the span as failed.
func end(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		span.SetAttributes(attribute.Bool("estore.conflict", true))
	case errors.Is(err, store.ErrNotFound):
	default:
		span.SetStatus(codes.Error, err.Error())
	}
}

func streamAttr(id store.StreamID) attribute.KeyValue {
	return attribute.String("stream.id", string(id))
}

func expectedAttr(e store.ExpectedVersion) attribute.KeyValue {
	v, ok := e.Value()
	if !ok {
		return attribute.String("stream.expected_version", "any")
	}
	return attribute.Int64("stream.expected_version", int64(v))
}

func (s *Store) Append(ctx context.Context, id store.StreamID, events []store.NewEvent, expected store.ExpectedVersion) (store.Version, error) {
	ctx, span := s.start(ctx, "Append", streamAttr(id), expectedAttr(expected), attribute.Int("events.count", len(events)))
	v, err := s.next.Append(ctx, id, events, expected)
	if err == nil {
		span.SetAttributes(attribute.Int64("stream.version", int64(v)))
	}
	end(span, err)
	return v, err
}

func (s *Store) Load(ctx context.Context, id store.StreamID) ([]store.EventEnvelope, error) {
	ctx, span := s.start(ctx, "Load", streamAttr(id))
	out, err := s.next.Load(ctx, id)
	span.SetAttributes(attribute.Int("events.count", len(out)))
	end(span, err)
	return out, err
}

func (s *Store) LoadFrom(ctx context.Context, id store.StreamID, from store.Version) ([]store.EventEnvelope, error) {
	ctx, span := s.start(ctx, "LoadFrom", streamAttr(id), attribute.Int64("stream.from_version", int64(from)))
	out, err := s.next.LoadFrom(ctx, id, from)
	span.SetAttributes(attribute.Int("events.count", len(out)))
	end(span, err)
	return out, err
}

func (s *Store) Exists(ctx context.Context, id store.StreamID) (bool, error) {
	ctx, span := s.start(ctx, "Exists", streamAttr(id))
	ok, err := s.next.Exists(ctx, id)
	end(span, err)
	return ok, err
}

func (s *Store) CurrentVersion(ctx context.Context, id store.StreamID) (store.Version, error) {
	ctx, span := s.start(ctx, "CurrentVersion", streamAttr(id))
	v, err := s.next.CurrentVersion(ctx, id)
	span.SetAttributes(attribute.Int64("stream.version", int64(v)))
	end(span, err)
	return v, err
}

func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) (store.Snapshot, error) {
	ctx, span := s.start(ctx, "SaveSnapshot", streamAttr(snap.StreamID), attribute.Int64("snapshot.version", int64(snap.Version)))
	out, err := s.next.SaveSnapshot(ctx, snap)
	end(span, err)
	return out, err
}

func (s *Store) LoadSnapshot(ctx context.Context, id store.StreamID) (store.Snapshot, bool, error) {
	ctx, span := s.start(ctx, "LoadSnapshot", streamAttr(id))
	snap, ok, err := s.next.LoadSnapshot(ctx, id)
	span.SetAttributes(attribute.Bool("snapshot.found", ok))
	if ok {
		span.SetAttributes(attribute.Int64("snapshot.version", int64(snap.Version)))
	}
	end(span, err)
	return snap, ok, err
}

func (s *Store) ReadEvent(ctx context.Context, id store.StreamID, v store.Version) (store.EventEnvelope, error) {
	ctx, span := s.start(ctx, "ReadEvent", streamAttr(id), attribute.Int64("stream.version", int64(v)))
	e, err := s.next.ReadEvent(ctx, id, v)
	end(span, err)
	return e, err
}

func (s *Store) ReadRange(ctx context.Context, id store.StreamID, from store.Version, limit int) ([]store.EventEnvelope, error) {
	ctx, span := s.start(ctx, "ReadRange", streamAttr(id),
		attribute.Int64("stream.from_version", int64(from)),
		attribute.Int("read.limit", limit),
	)
	out, err := s.next.ReadRange(ctx, id, from, limit)
	span.SetAttributes(attribute.Int("events.count", len(out)))
	end(span, err)
	return out, err
}

func (s *Store) ReadAll(ctx context.Context, afterSeq int64, limit int) ([]store.EventEnvelope, error) {
	ctx, span := s.start(ctx, "ReadAll", attribute.Int64("read.after_seq", afterSeq), attribute.Int("read.limit", limit))
	out, err := s.next.ReadAll(ctx, afterSeq, limit)
	span.SetAttributes(attribute.Int("events.count", len(out)))
	end(span, err)
	return out, err
}

var _ store.Store = (*Store)(nil)
