// Package httpapi exposes a store.Store over a JSON REST interface.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/estore/internal/config"
	"github.com/wilhg/estore/pkg/errmodel"
	"github.com/wilhg/estore/pkg/store"
)

// DefaultPageSize is used when a request does not specify page_size.
const DefaultPageSize = 200

const maxBodyBytes = 4 << 20

// Option configures an API.
type Option func(*API)

// WithAdmin enables DELETE /v1/admin/streams/{stream_id}.
func WithAdmin(a store.Admin) Option { return func(api *API) { api.admin = a } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(api *API) { api.log = l } }

// WithMaxPageSize caps page_size. Values outside [1, config.HardMaxPageSize] are ignored.
func WithMaxPageSize(n int) Option {
	return func(api *API) {
		if n >= 1 && n <= config.HardMaxPageSize {
			api.maxPage = n
		}
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(api *API) { api.gatherer = g } }

// API serves the REST routes.
type API struct {
	st       store.Store
	admin    store.Admin
	log      *slog.Logger
	maxPage  int
	gatherer prometheus.Gatherer
}

// New builds an API over st.
func New(st store.Store, opts ...Option) *API {
	a := &API{st: st, log: slog.Default(), maxPage: DefaultPageSize, gatherer: prometheus.DefaultGatherer}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handler returns the routed, traced handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/streams/{stream_id}/events", a.appendEvents)
	mux.HandleFunc("GET /v1/streams/{stream_id}/events", a.listStreamEvents)
	mux.HandleFunc("GET /v1/streams/{stream_id}/events/{version}", a.getEvent)
	mux.HandleFunc("GET /v1/streams/{stream_id}", a.getStream)
	mux.HandleFunc("GET /v1/events", a.listAllEvents)
	mux.HandleFunc("POST /v1/streams/{stream_id}/snapshots", a.saveSnapshot)
	mux.HandleFunc("GET /v1/streams/{stream_id}/snapshots/latest", a.latestSnapshot)
	mux.HandleFunc("DELETE /v1/admin/streams/{stream_id}", a.deleteStream)

	return otelhttp.NewHandler(a.logRequests(mux), "estore.http")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.LogAttrs(r.Context(), slog.LevelDebug, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// writeError renders err with errmodel and logs server-side failures.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ce := errmodel.From(err)
	if errmodel.HTTPStatus(ce) >= http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
	}
	errmodel.WriteHTTP(w, r, ce)
}
