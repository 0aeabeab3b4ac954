package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/repository/postgres"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/cassiomorais/paygate/internal/signature"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).
		With().Str("service", serviceName).Str("instance", cfg.InstanceID).Logger()
	logger.Info().Strs("providers", cfg.EnabledProviders()).Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	return &App{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	}, nil
}

func (a *App) Close() {
	a.Redis.Close()
	a.Pool.Close()
}

// Services is the wired domain layer shared by the API, the worker and the CLI.
type Services struct {
	Registry     *providers.Registry
	Orchestrator *service.PaymentOrchestrator
	Webhooks     *service.WebhookProcessor
	Keys         *service.APIKeyService

	Transactions *postgres.TransactionRepository
	WebhookLogs  *postgres.WebhookLogRepository
	Outbox       *postgres.OutboxRepository
	Idempotency  *postgres.IdempotencyRepository
	UnitOfWork   *postgres.UnitOfWork
}

func (a *App) Services() (*Services, error) {
	cfg := a.Config

	verifier := signature.NewVerifier(ProviderSecrets(cfg))
	registry, err := providers.BuildRegistry(cfg, verifier, a.Metrics, observability.Component(a.Logger, "providers"))
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	s := &Services{
		Registry:     registry,
		Transactions: postgres.NewTransactionRepository(a.Pool),
		WebhookLogs:  postgres.NewWebhookLogRepository(a.Pool),
		Outbox:       postgres.NewOutboxRepository(a.Pool),
		Idempotency:  postgres.NewIdempotencyRepository(a.Pool),
		UnitOfWork:   postgres.NewUnitOfWork(a.Pool),
	}
	payments := postgres.NewPaymentRepository(a.Pool)

	s.Orchestrator = service.NewPaymentOrchestrator(service.OrchestratorDeps{
		Transactions: s.Transactions,
		Payments:     payments,
		WebhookLogs:  s.WebhookLogs,
		Outbox:       s.Outbox,
		Idempotency:  s.Idempotency,
		UnitOfWork:   s.UnitOfWork,
		Registry:     registry,
		Metrics:      a.Metrics,
		Logger:       observability.Component(a.Logger, "orchestrator"),
	}, service.OrchestratorConfig{
		DefaultProvider:   cfg.Payment.DefaultProvider,
		PaymentTimeout:    cfg.Payment.Timeout,
		ReferenceAttempts: cfg.Payment.ReferenceAttempts,
	})

	s.Webhooks = service.NewWebhookProcessor(service.WebhookDeps{
		WebhookLogs:  s.WebhookLogs,
		Transactions: s.Transactions,
		Payments:     payments,
		Outbox:       s.Outbox,
		UnitOfWork:   s.UnitOfWork,
		Registry:     registry,
		Verifier:     verifier,
		Metrics:      a.Metrics,
		Logger:       observability.Component(a.Logger, "webhooks"),
	}, service.WebhookConfig{
		VerifySignatures: cfg.Webhooks.VerifySignatures,
		Tolerance:        cfg.Webhooks.Tolerance,
		IgnoredEvents:    cfg.Webhooks.IgnoredEvents,
	}, service.RetryPolicy{
		BaseDelay:   cfg.Webhooks.RetryDelay,
		MaxAttempts: cfg.Webhooks.MaxRetryAttempts,
		Schedule:    cfg.Webhooks.RetrySchedule,
	})

	s.Keys = service.NewAPIKeyService(
		postgres.NewAPIKeyRepository(a.Pool),
		cfg.API.KeyPepper,
		observability.Component(a.Logger, "api_keys"),
	)

	return s, nil
}

// ProviderSecrets collects the signing secrets of every enabled provider.
func ProviderSecrets(cfg *config.Config) map[string]signature.Secrets {
	secrets := make(map[string]signature.Secrets)
	for _, name := range cfg.EnabledProviders() {
		p := cfg.Providers[name]
		secrets[name] = signature.Secrets{WebhookSecret: p.WebhookSecret, APISecret: p.APISecret}
	}
	return secrets
}
