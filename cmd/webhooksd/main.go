// Command webhooksd serves the webhook HTTP API and runs the retry sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"

	"github.com/xraph/webhooks"
	"github.com/xraph/webhooks/api"
	"github.com/xraph/webhooks/config"
	"github.com/xraph/webhooks/observability"
	"github.com/xraph/webhooks/store"
	"github.com/xraph/webhooks/store/memory"
	mongostore "github.com/xraph/webhooks/store/mongo"
	pgstore "github.com/xraph/webhooks/store/postgres"
	redisstore "github.com/xraph/webhooks/store/redis"
	sqlitestore "github.com/xraph/webhooks/store/sqlite"
	"github.com/xraph/webhooks/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "webhooksd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, rdb, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d, err := webhooks.New(
		webhooks.WithStore(st),
		webhooks.WithLogger(logger),
		webhooks.WithConfig(cfg.Engine()),
		webhooks.WithMetrics(observability.NewMetrics(reg)),
		webhooks.WithTracer(observability.NewTracer()),
	)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	exporter, err := observability.NewStatsExporter(reg, d.Snapshot)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(sctx); err != nil {
			logger.Warn("shutdown stats exporter", "error", err)
		}
	}()

	if cfg.Sweeper.Enabled {
		var opts []worker.Option
		opts = append(opts, worker.WithLogger(logger))
		if cfg.Sweeper.Lock && rdb != nil {
			opts = append(opts, worker.WithLocker(redislock.New(rdb)))
		}
		sweeper := worker.NewSweeper(d, worker.Config{
			Interval:   cfg.Sweeper.Interval,
			BatchLimit: cfg.Delivery.SweepBatchLimit,
			LockTTL:    cfg.Sweeper.LockTTL,
		}, opts...)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/", api.NewHandler(d, logger))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhooksd listening", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore opens the configured backend. For redis it also returns the
// client the sweep lock shares.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, goredis.UniversalClient, error) {
	var (
		st  store.Store
		rdb goredis.UniversalClient
	)
	switch cfg.Driver {
	case "redis":
		drv := redisdriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, nil, fmt.Errorf("open redis: %w", err)
		}
		kvStore, err := kv.Open(drv)
		if err != nil {
			_ = drv.Close()
			return nil, nil, fmt.Errorf("open kv store: %w", err)
		}
		st, rdb = redisstore.New(kvStore), redisdriver.UnwrapClient(kvStore)
	case "postgres":
		drv := pgdriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			_ = drv.Close()
			return nil, nil, fmt.Errorf("open grove: %w", err)
		}
		st = pgstore.New(db)
	case "sqlite":
		drv := sqlitedriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			_ = drv.Close()
			return nil, nil, fmt.Errorf("open grove: %w", err)
		}
		st = sqlitestore.New(db)
	case "mongo":
		drv := mongodriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, nil, fmt.Errorf("open mongo: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			_ = drv.Close()
			return nil, nil, fmt.Errorf("open grove: %w", err)
		}
		st = mongostore.New(db)
	default:
		return memory.New(), nil, nil
	}

	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	return st, rdb, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}
