package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/repository/postgres"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/cassiomorais/paygate/internal/signature"
	"github.com/cassiomorais/paygate/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_controller"

type memoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]*postgres.IdempotencyEntry
}

func (m *memoryIdempotency) Get(ctx context.Context, key string) (*postgres.IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *memoryIdempotency) Set(ctx context.Context, e *postgres.IdempotencyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

type testServer struct {
	handler     http.Handler
	keys        *service.APIKeyService
	txRepo      *testutil.MockTransactionRepository
	webhookRepo *testutil.MockWebhookLogRepository
	outboxRepo  *testutil.MockOutboxRepository
	sim         *providers.Simulator
	orch        *service.PaymentOrchestrator
}

type serverOptions struct {
	sim     []providers.SimulatorOption
	dbPing  Pinger
	cfgEdit func(*config.Config)
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	om, sim, err := providers.NewSimulated(providers.OrangeMoney, opts.sim...)
	require.NoError(t, err)
	cards, _, err := providers.NewSimulated(providers.Cards)
	require.NoError(t, err)
	registry, err := providers.NewRegistry(om, cards)
	require.NoError(t, err)

	s := &testServer{
		keys:        service.NewAPIKeyService(testutil.NewMockAPIKeyRepository(), "pepper", zerolog.Nop()),
		txRepo:      testutil.NewMockTransactionRepository(),
		webhookRepo: testutil.NewMockWebhookLogRepository(),
		outboxRepo:  testutil.NewMockOutboxRepository(),
		sim:         sim,
	}
	paymentRepo := testutil.NewMockPaymentRepository()
	uow := testutil.NewMockUnitOfWork()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("paygate_test", reg)

	s.orch = service.NewPaymentOrchestrator(service.OrchestratorDeps{
		Transactions: s.txRepo,
		Payments:     paymentRepo,
		WebhookLogs:  s.webhookRepo,
		Outbox:       s.outboxRepo,
		Idempotency:  &testutil.MockIdempotencyCleaner{},
		UnitOfWork:   uow,
		Registry:     registry,
		Metrics:      metrics,
		Logger:       zerolog.Nop(),
	}, service.OrchestratorConfig{
		DefaultProvider: providers.OrangeMoney,
		PaymentTimeout:  30 * time.Minute,
	})
	processor := service.NewWebhookProcessor(service.WebhookDeps{
		WebhookLogs:  s.webhookRepo,
		Transactions: s.txRepo,
		Payments:     paymentRepo,
		Outbox:       s.outboxRepo,
		UnitOfWork:   uow,
		Registry:     registry,
		Verifier: signature.NewVerifier(map[string]signature.Secrets{
			providers.OrangeMoney: {WebhookSecret: testWebhookSecret},
		}),
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	}, service.WebhookConfig{VerifySignatures: true}, service.RetryPolicy{BaseDelay: time.Minute, MaxAttempts: 3})

	cfg := &config.Config{}
	cfg.Observability.EnableMetrics = true
	cfg.Logging.SensitiveFields = []string{"phone"}
	cfg.API.RateLimitWindow = time.Minute
	if opts.cfgEdit != nil {
		opts.cfgEdit(cfg)
	}

	s.handler = NewRouter(RouterDeps{
		Orchestrator:   s.orch,
		Webhooks:       processor,
		WebhookLogs:    s.webhookRepo,
		Keys:           s.keys,
		Idempotency:    &memoryIdempotency{entries: make(map[string]*postgres.IdempotencyEntry)},
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		DatabasePing:   opts.dbPing,
		Config:         cfg,
		Logger:         zerolog.Nop(),
	})
	return s
}

// credential issues a key with the given scopes and returns "<key_id>.<secret>".
func (s *testServer) credential(t *testing.T, scopes ...string) string {
	t.Helper()
	issued, err := s.keys.Generate(context.Background(), service.GenerateKeyInput{Name: "test", Scopes: scopes})
	require.NoError(t, err)
	return issued.Credential()
}

func (s *testServer) do(t *testing.T, method, path, cred string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func orangeMoneyPayment() CreatePaymentRequest {
	return CreatePaymentRequest{
		Provider:    providers.OrangeMoney,
		Amount:      10000,
		Currency:    "XOF",
		Phone:       "+22607123456",
		Description: "Order 42",
		CallbackURL: "https://merchant.example.com/callback",
	}
}
