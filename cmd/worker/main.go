package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cassiomorais/paygate/internal/bootstrap"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	retryLockKey   = "paygate:lock:webhook-retry"
	syncLockKey    = "paygate:lock:status-sync"
	expiryLockKey  = "paygate:lock:expiry-sweep"
	cleanupLockKey = "paygate:lock:cleanup"

	staleClaimIdle  = time.Minute
	cleanupInterval = 24 * time.Hour
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "paygate-worker", "paygate_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	svc, err := app.Services()
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to build services")
	}

	workerCfg := app.Config.Worker
	batch := int(workerCfg.BatchSize)
	producer := infraRedis.NewStreamProducer(app.Redis)
	publisher := service.NewOutboxPublisher(svc.Outbox, svc.UnitOfWork, producer, observability.Component(app.Logger, "outbox_publisher"))

	consumer := infraRedis.NewStreamConsumer(
		app.Redis,
		infraRedis.EventStream,
		workerCfg.ConsumerGroup,
		app.Config.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
	)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to create consumer group")
	}
	notifier := service.NewNotifier(consumer, producer, service.NotifierConfig{
		SigningSecret: app.Config.Notifications.SigningSecret,
		Timeout:       app.Config.Notifications.Timeout,
		MaxAttempts:   app.Config.Notifications.MaxAttempts,
	}, app.Metrics, observability.Component(app.Logger, "notifier"))

	app.Logger.Info().
		Str("stream", infraRedis.EventStream).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", app.Config.InstanceID).
		Msg("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	w := &worker{app: app, logger: app.Logger}
	g, gCtx := errgroup.WithContext(ctx)

	// 1. Expiry sweep.
	g.Go(func() error {
		return w.every(gCtx, "expiry", workerCfg.ExpiryInterval, func(ctx context.Context) error {
			return w.exclusive(ctx, expiryLockKey, func(ctx context.Context) error {
				n, err := svc.Orchestrator.SyncExpired(ctx, time.Now().UTC(), batch)
				if n > 0 {
					w.logger.Info().Int("expired", n).Msg("Expired stale payments")
				}
				return err
			})
		})
	})

	// 2. Webhook retry scheduler. Only one instance runs a pass at a time.
	g.Go(func() error {
		return w.every(gCtx, "webhook_retry", workerCfg.RetryInterval, func(ctx context.Context) error {
			return w.exclusive(ctx, retryLockKey, func(ctx context.Context) error {
				_, err := svc.Webhooks.RetryFailed(ctx, service.RetryFilter{Limit: batch})
				return err
			})
		})
	})

	// 3. Status reconciliation for pending payments.
	g.Go(func() error {
		return w.every(gCtx, "status_sync", workerCfg.SyncInterval, func(ctx context.Context) error {
			return w.exclusive(ctx, syncLockKey, func(ctx context.Context) error {
				report, err := svc.Orchestrator.SyncPending(ctx, transaction.SyncFilter{Limit: batch})
				if report != nil && report.Synced > 0 {
					w.logger.Info().Int("synced", report.Synced).Int("changed", report.Changed).Int("failed", report.Failed).Msg("Status sync finished")
				}
				return err
			})
		})
	})

	// 4. Outbox publisher (polls the outbox table and publishes to Redis Streams).
	g.Go(func() error {
		return w.every(gCtx, "outbox", workerCfg.OutboxPollInterval, func(ctx context.Context) error {
			_, err := publisher.PublishPending(ctx, batch)
			return err
		})
	})

	// 5. Merchant notifications (reads from Redis Streams).
	g.Go(func() error {
		return w.notify(gCtx, notifier)
	})

	// 6. Retention cleanup.
	if days := app.Config.Webhooks.RetentionDays; days > 0 {
		g.Go(func() error {
			return w.every(gCtx, "cleanup", cleanupInterval, func(ctx context.Context) error {
				return w.exclusive(ctx, cleanupLockKey, func(ctx context.Context) error {
					report, err := svc.Orchestrator.Cleanup(ctx, service.CleanupInput{Days: days})
					if report != nil {
						w.logger.Info().
							Int64("transactions_retired", report.TransactionsRetired).
							Int64("webhook_logs_deleted", report.WebhookLogsDeleted).
							Int64("outbox_events_deleted", report.OutboxEventsDeleted).
							Int64("idempotency_keys_deleted", report.IdempotencyKeysDeleted).
							Msg("Retention cleanup finished")
					}
					return err
				})
			})
		})
	}

	// 7. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

type worker struct {
	app    *bootstrap.App
	logger zerolog.Logger
}

// every runs fn once immediately and then on each tick until ctx is done.
// A failing pass is logged and retried on the next tick.
func (w *worker) every(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	logger := observability.Component(w.logger, job)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status := "success"
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			status = "error"
			logger.Error().Err(err).Msg("Job pass failed")
		}
		w.app.Metrics.WorkerRun(job, status)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *worker) exclusive(ctx context.Context, key string, fn func(context.Context) error) error {
	ran, err := infraRedis.RunExclusive(ctx, w.app.Redis, key, w.app.Config.Worker.LockTTL, fn)
	if !ran && err == nil {
		w.logger.Debug().Str("lock", key).Msg("Another instance holds the lock, skipping pass")
	}
	return err
}

func (w *worker) notify(ctx context.Context, notifier *service.Notifier) error {
	if _, err := notifier.Reclaim(ctx, staleClaimIdle); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to reclaim stale events")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := notifier.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("Failed to read from stream")
			time.Sleep(time.Second)
		}
	}
}
