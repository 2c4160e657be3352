package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wilhg/estore/internal/config"
	"github.com/wilhg/estore/internal/httpapi"
	"github.com/wilhg/estore/pkg/otel"
	"github.com/wilhg/estore/pkg/store"
	"github.com/wilhg/estore/pkg/store/memstore"
	"github.com/wilhg/estore/pkg/store/metrics"
	"github.com/wilhg/estore/pkg/store/sqlstore"
	"github.com/wilhg/estore/pkg/store/tracing"
)

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configFile string
	v          *viper.Viper
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:           "estore",
		Short:         "estore - append-only event store",
		Long:          "An event store with optimistic concurrency, snapshots, and a REST API over SQLite or PostgreSQL.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "config file (yaml, toml, or json)")
	pf.String("database-url", "sqlite:", "database url: memory:, sqlite:<dsn>, or postgres://...")
	pf.String("log-level", "info", "log level (debug|info|warn|error)")
	_ = opts.v.BindPFlag(config.KeyDatabaseURL, pf.Lookup("database-url"))
	_ = opts.v.BindPFlag(config.KeyLogLevel, pf.Lookup("log-level"))

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.v, o.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(log)
	return cfg, log, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "http listen address")
	f.Bool("admin-allow-delete", false, "enable DELETE /v1/admin/streams/{stream_id}")
	f.Bool("trace-stdout", false, "export traces to stdout")
	f.Float64("trace-sample-ratio", 1, "fraction of root spans sampled, in [0, 1]")
	f.Int("max-page-size", 200, "maximum page_size accepted by list endpoints")
	_ = opts.v.BindPFlag(config.KeyAddr, f.Lookup("addr"))
	_ = opts.v.BindPFlag(config.KeyAdminAllowDelete, f.Lookup("admin-allow-delete"))
	_ = opts.v.BindPFlag(config.KeyTraceStdout, f.Lookup("trace-stdout"))
	_ = opts.v.BindPFlag(config.KeyTraceSampleRatio, f.Lookup("trace-sample-ratio"))
	_ = opts.v.BindPFlag(config.KeyMaxPageSize, f.Lookup("max-page-size"))
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			_, _, closeFn, err := openStore(cmd.Context(), cfg.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "estore %s (commit=%s, date=%s)\n", version, commit, date)
		},
	}
}

// openStore opens the backend named by databaseURL. SQL backends are migrated
// before use. The returned Admin is the undecorated backend.
func openStore(ctx context.Context, databaseURL string, log *slog.Logger) (store.Store, store.Admin, func() error, error) {
	if strings.HasPrefix(databaseURL, "memory:") {
		st := memstore.New(memstore.WithLogger(log))
		return st, st, func() error { return nil }, nil
	}
	st, err := sqlstore.Open(ctx, databaseURL, sqlstore.WithLogger(log))
	if err != nil {
		return nil, nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}
	return st, st, st.Close, nil
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "estore",
		ServiceVersion: version,
		UseStdout:      cfg.TraceStdout,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	backend, admin, closeFn, err := openStore(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	st := metrics.Wrap(tracing.Wrap(backend), reg)

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithGatherer(reg),
		httpapi.WithMaxPageSize(cfg.MaxPageSize),
	}
	if cfg.AdminAllowDelete {
		apiOpts = append(apiOpts, httpapi.WithAdmin(admin))
		log.Warn("admin stream deletion enabled")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.New(st, apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.Addr))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(sctx)
}
