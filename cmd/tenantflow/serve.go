package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/api"
	audithook "github.com/xraph/tenantflow/audit_hook"
	"github.com/xraph/tenantflow/cluster"
	"github.com/xraph/tenantflow/engine"
	"github.com/xraph/tenantflow/observability"
	"github.com/xraph/tenantflow/store"
	"github.com/xraph/tenantflow/store/memory"
	"github.com/xraph/tenantflow/store/postgres"
	"github.com/xraph/tenantflow/store/redis"
	"github.com/xraph/tenantflow/stream"
	"github.com/xraph/tenantflow/template"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Long: `serve starts the scheduler, worker pool and HTTP API.

Without postgres.dsn the engine keeps state in memory. With redis.addr the
step lock, result cache and event bus move to Redis so several replicas can
share one database; otherwise the Postgres lease table provides the lock.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("templates", "", "directory of template YAML files to publish at startup")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("templates", cmd.Flags().Lookup("templates"))
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	logger := newLogger(v)
	cfg := engineConfig(v)

	st, pg, err := openStore(ctx, v, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []engine.Option{
		engine.WithExtension(observability.NewPrometheusExtension(reg)),
	}
	if v.GetBool("events.enabled") {
		opts = append(opts, engine.WithStreamBroker(
			stream.WithBufferSize(v.GetInt("events.buffer_size")),
		))
	}
	if v.GetBool("audit.enabled") {
		auditOpts := []audithook.Option{audithook.WithLogger(logger)}
		if actions := v.GetStringSlice("audit.actions"); len(actions) > 0 {
			auditOpts = append(auditOpts, audithook.WithActions(actions...))
		}
		recorder := audithook.LogRecorder(logger.With(slog.String("log", "audit")))
		opts = append(opts, engine.WithExtension(audithook.New(recorder, auditOpts...)))
	}
	if addr := v.GetString("redis.addr"); addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		busOpts := []redis.BusOption{redis.WithBusLogger(logger)}
		if name := v.GetString("redis.stream"); name != "" {
			busOpts = append(busOpts, redis.WithStream(name))
		}
		opts = append(opts,
			engine.WithLocker(redis.NewLocker(client)),
			engine.WithCacheBackend(redis.NewCache(client)),
			engine.WithBus(redis.NewBus(client, busOpts...)),
		)
		logger.Info("using redis for locks, cache and events", slog.String("addr", addr))
	} else if pg != nil {
		opts = append(opts, engine.WithLocker(postgres.NewLocker(pg)))
	}
	if v.GetBool("cluster.leader_election") {
		opts = append(opts, engine.WithLeaderElection(cluster.WithLogger(logger)))
	}

	rt, err := tenantflow.New(
		tenantflow.WithStore(st),
		tenantflow.WithConfig(cfg),
		tenantflow.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	eng, err := engine.Build(rt, opts...)
	if err != nil {
		return err
	}

	if dir := v.GetString("templates"); dir != "" {
		if err := publishDir(ctx, eng, dir, logger); err != nil {
			return err
		}
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", api.New(eng, api.WithLogger(logger)).Handler())

	srv := &http.Server{
		Addr:              v.GetString("http.addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if herr := srv.Shutdown(shutdownCtx); herr != nil {
		logger.Warn("http shutdown", slog.String("error", herr.Error()))
	}
	return errors.Join(err, eng.Stop(shutdownCtx))
}

// openStore returns the Postgres store when a DSN is configured, the memory
// store otherwise. The second result is non-nil only for Postgres.
func openStore(ctx context.Context, v *viper.Viper, logger *slog.Logger) (store.Store, *postgres.Store, error) {
	dsn := v.GetString("postgres.dsn")
	if dsn == "" {
		logger.Warn("no postgres.dsn configured, state is kept in memory")
		return memory.New(), nil, nil
	}
	pg, err := postgres.New(ctx, dsn, postgres.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	if v.GetBool("postgres.migrate") {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
	}
	return pg, pg, nil
}

func publishDir(ctx context.Context, eng *engine.Engine, dir string, logger *slog.Logger) error {
	tpls, err := template.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, t := range tpls {
		published, err := eng.PublishTemplate(ctx, t)
		if err != nil {
			return fmt.Errorf("publish %s: %w", t.Name, err)
		}
		logger.Info("template published",
			slog.String("template", published.Name),
			slog.Int("version", published.Version),
		)
	}
	return nil
}
