package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/paygate/internal/middleware"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	Orchestrator *service.PaymentOrchestrator
	Webhooks     *service.WebhookProcessor
	WebhookLogs  webhook.Repository
	Keys         customMW.Authenticator
	Limiter      customMW.Limiter
	Idempotency  customMW.IdempotencyStore
	Metrics      *observability.Metrics
	// MetricsHandler serves /metrics. Defaults to the global prometheus registry.
	MetricsHandler http.Handler
	DatabasePing   Pinger
	RedisPing      Pinger
	Config         *config.Config
	Logger         zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	cfg := deps.Config
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing("paygate"))
	r.Use(chimw.RealIP)
	r.Use(customMW.AccessLog(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", customMW.IdempotencyHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Idempotency-Replayed"},
		AllowCredentials: cfg.Server.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.DatabasePing, deps.RedisPing)
	paymentH := NewPaymentController(deps.Orchestrator)
	providerH := NewProviderController(deps.Orchestrator)
	webhookH := NewWebhookController(deps.Webhooks, deps.WebhookLogs, cfg.Logging.SensitiveFields, observability.Component(deps.Logger, "webhook_controller"))

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	if cfg.Observability.EnableMetrics {
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = promhttp.Handler()
		}
		r.Handle("/metrics", metricsHandler)
	}

	// Provider callbacks authenticate by signature, not API key.
	r.Route("/webhooks", func(r chi.Router) {
		if cfg.Webhooks.RateLimit > 0 {
			r.Use(customMW.IPRateLimit(cfg.Webhooks.RateLimit, time.Minute))
		}
		for _, p := range providerRoutes {
			r.Post("/"+p, webhookH.Receive(p))
		}
		r.Post("/payment/{provider}", webhookH.ReceiveGeneric)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(customMW.APIKeyAuth(deps.Keys, deps.Limiter, customMW.APIKeyAuthConfig{
			Window:       cfg.API.RateLimitWindow,
			DefaultLimit: cfg.API.RateLimit,
		}, deps.Logger))

		read := customMW.RequireScope(apikey.ScopePaymentsRead)
		idempotency := customMW.Idempotency(deps.Idempotency, cfg.Payment.IdempotencyTTL, deps.Logger)

		// Payments
		r.With(customMW.RequireScope(apikey.ScopePaymentsCreate), idempotency).Post("/payments", paymentH.CreatePayment)
		r.With(read).Get("/payments", paymentH.ListPayments)
		r.With(read).Get("/payments/{id}", paymentH.GetPayment)
		r.With(read).Get("/payments/{id}/status", paymentH.GetStatus)
		r.With(customMW.RequireScope(apikey.ScopePaymentsCancel)).Post("/payments/{id}/cancel", paymentH.CancelPayment)

		// Providers
		r.With(read).Get("/providers", providerH.ListProviders)
		r.With(read).Get("/providers/{provider}", providerH.GetProvider)
		r.With(read).Post("/validate/phone", providerH.ValidatePhone)
		r.With(read).Get("/currencies", providerH.Currencies)
		r.With(read).Get("/currencies/{provider}", providerH.Currencies)

		r.Route("/admin", func(r chi.Router) {
			adminRead := customMW.RequireScope(apikey.ScopeAdminRead)
			adminWrite := customMW.RequireScope(apikey.ScopeAdminWrite)

			r.With(adminRead).Get("/webhooks", webhookH.ListLogs)
			r.With(adminWrite).Post("/webhooks/retry-failed", webhookH.RetryFailed)
			r.With(adminRead).Get("/webhooks/{id}", webhookH.GetLog)
			r.With(adminWrite).Post("/webhooks/{id}/retry", webhookH.Retry)
		})
	})

	return r
}
