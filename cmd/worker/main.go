// Package main is the standalone outbox dispatcher worker: it drains the
// event_outbox table, delivers to configured sinks, and runs the periodic
// maintenance sweeps (outbox retention, idempotency TTL cleanup).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"validahub-core/internal/config"
	"validahub-core/internal/infrastructure/storage/postgres"
	"validahub-core/internal/outbox"
	"validahub-core/pkg/logger"
)

type workerFlags struct {
	pollInterval  time.Duration
	batchSize     int
	maxAttempts   int
	cleanupPeriod time.Duration
}

func main() {
	flags := workerFlags{}

	rootCmd := &cobra.Command{
		Use:   "worker",
		Short: "validahub-core outbox dispatcher",
		Long: "Drains the transactional outbox and delivers domain events to " +
			"configured subscribers with retry, backoff and a dead-letter path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	fs := rootCmd.Flags()
	fs.DurationVar(&flags.pollInterval, "poll-interval", 0, "outbox poll interval (overrides OUTBOX_POLL_INTERVAL)")
	fs.IntVar(&flags.batchSize, "batch-size", 0, "entries per dispatch batch (overrides OUTBOX_BATCH_SIZE)")
	fs.IntVar(&flags.maxAttempts, "max-attempts", 0, "delivery attempts before dead-letter (overrides OUTBOX_MAX_ATTEMPTS)")
	fs.DurationVar(&flags.cleanupPeriod, "cleanup-period", time.Hour, "how often expired idempotency records are purged")
	fs.SortFlags = false
	pflag.CommandLine.AddFlagSet(fs)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags workerFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: !cfg.IsProduction(),
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	log = log.WithComponent("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting validahub-core worker")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool)
	outboxStore := postgres.NewOutboxStore(pool, txManager)
	idempotencyStore := postgres.NewIdempotencyStore(pool, txManager)

	dispatcherCfg := outbox.DefaultDispatcherConfig()
	dispatcherCfg.PollInterval = cfg.OutboxPollInterval
	dispatcherCfg.BatchSize = cfg.OutboxBatchSize
	dispatcherCfg.MaxAttempts = cfg.OutboxMaxAttempts
	dispatcherCfg.Retention = cfg.OutboxRetention
	if flags.pollInterval > 0 {
		dispatcherCfg.PollInterval = flags.pollInterval
	}
	if flags.batchSize > 0 {
		dispatcherCfg.BatchSize = flags.batchSize
	}
	if flags.maxAttempts > 0 {
		dispatcherCfg.MaxAttempts = flags.maxAttempts
	}

	dispatcher := outbox.NewDispatcher(outboxStore,
		[]outbox.Subscriber{outbox.LogSubscriber{}}, dispatcherCfg)
	go dispatcher.Run(ctx)

	// Idempotency TTL sweep, alongside the dispatcher's own retention purge.
	go func() {
		ticker := time.NewTicker(flags.cleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := idempotencyStore.CleanupExpired(ctx)
				if err != nil {
					log.Errorw("idempotency cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					log.Infow("cleaned up expired idempotency records", "count", removed)
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()
	<-dispatcher.Done()
	log.Info("worker stopped")
	return nil
}
