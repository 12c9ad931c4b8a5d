// Command datapusher runs the data ingestion service: it accepts push
// jobs from the catalog, analyzes the files with the external qsv
// toolkit, and bulk-loads them into the datastore's Postgres tables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"datapusher/internal/config"
	"datapusher/internal/infrastructure"
	"datapusher/internal/jobs"
	"datapusher/internal/qsv"
	"datapusher/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "datapusher: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := qsv.New(cfg.QSV.Bin, cfg.QSV.Timeout, logger)
	if err := runner.CheckVersion(ctx); err != nil {
		return fmt.Errorf("qsv check failed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(registry)

	store := jobs.NewMemoryStore()
	jobRunner := server.NewRunner(cfg, store, runner, nil, nil, metrics, logger)
	srv := server.New(cfg, store, jobRunner, metrics, registry, logger)

	logger.Info("datapusher starting",
		slog.Int("port", cfg.Server.Port),
		slog.String("qsv_bin", cfg.QSV.Bin))

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("datapusher stopped")
	return nil
}
