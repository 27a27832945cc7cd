// Package main runs a distributed dazzle worker: it executes pending
// process runs over shared storage, driven by configuration loaded from
// dazzle.yaml and DAZZLE_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	dazzle "github.com/manwithacat/dazzle-sub009"
	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/config"
	"github.com/manwithacat/dazzle-sub009/process"
	"github.com/manwithacat/dazzle-sub009/retry"
)

func main() {
	configPath := flag.String("config", "", "Directory containing dazzle.yaml")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger, *configPath); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	settings, err := config.Load(paths...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	b, err := buildBus(settings)
	if err != nil {
		return err
	}

	opts := []dazzle.Option{
		dazzle.WithDatabaseURL(settings.Database.URL),
		dazzle.WithMode(dazzle.ModeDistributed),
		dazzle.WithBus(b),
		dazzle.WithLogger(logger),
		dazzle.WithOutboxPollInterval(settings.Outbox.PollInterval),
		dazzle.WithOutboxBatchSize(settings.Outbox.BatchSize),
		dazzle.WithOutboxRetryPolicy(retry.Exponential(
			settings.Outbox.MaxRetries, 500*time.Millisecond, 30*time.Second, 2.0)),
	}
	if settings.Worker.ID != "" {
		opts = append(opts, dazzle.WithInstanceID(settings.Worker.ID))
	}
	app := dazzle.NewApp(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start app: %w", err)
	}

	adapter, ok := app.Adapter().(*process.DistributedAdapter)
	if !ok {
		return fmt.Errorf("distributed mode did not yield a distributed adapter")
	}

	workerOpts := []process.WorkerOption{
		process.WithWorkerLogger(logger),
	}
	if settings.Worker.ID != "" {
		workerOpts = append(workerOpts, process.WithWorkerID(settings.Worker.ID))
	}
	if settings.Worker.Concurrency > 0 {
		workerOpts = append(workerOpts, process.WithWorkerConcurrency(settings.Worker.Concurrency))
	}
	if settings.Worker.PollInterval > 0 {
		workerOpts = append(workerOpts, process.WithPollInterval(settings.Worker.PollInterval))
	}
	if settings.Worker.Listen {
		workerOpts = append(workerOpts, process.WithNotifyListener(settings.Database.URL))
	}
	worker := process.NewWorker(adapter, workerOpts...)

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	logger.Info("worker running",
		"worker_id", settings.Worker.ID,
		"broker", settings.Broker.Type,
		"listen", settings.Worker.Listen)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := worker.Stop(shutdownCtx); err != nil {
		logger.Error("worker stop failed", "error", err)
	}
	return app.Shutdown(shutdownCtx)
}

func buildBus(settings *config.Settings) (bus.Bus, error) {
	switch settings.Broker.Type {
	case "amqp":
		b, err := bus.NewAMQPBus(settings.Broker.URL, settings.Broker.Exchange)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		return b, nil
	default:
		return bus.NewMemoryBus(), nil
	}
}
