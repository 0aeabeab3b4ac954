package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/signature"
	"github.com/cassiomorais/paygate/internal/testutil"
	"github.com/cassiomorais/paygate/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

type recordingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{counts: make(map[string]int)}
}

func (r *recordingRecorder) inc(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
}

func (r *recordingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func (r *recordingRecorder) TransactionStatus(provider, status string) {
	r.inc(fmt.Sprintf("tx:%s:%s", provider, status))
}
func (r *recordingRecorder) UnknownStatus(provider string) { r.inc("unknown:" + provider) }
func (r *recordingRecorder) Webhook(provider, status string) {
	r.inc(fmt.Sprintf("webhook:%s:%s", provider, status))
}
func (r *recordingRecorder) WebhookRetry(provider, result string) {
	r.inc(fmt.Sprintf("retry:%s:%s", provider, result))
}
func (r *recordingRecorder) Notification(eventType, result string) {
	r.inc(fmt.Sprintf("notify:%s:%s", eventType, result))
}

type fixture struct {
	txRepo      *testutil.MockTransactionRepository
	paymentRepo *testutil.MockPaymentRepository
	webhookRepo *testutil.MockWebhookLogRepository
	outboxRepo  *testutil.MockOutboxRepository
	idempotency *testutil.MockIdempotencyCleaner
	uow         *testutil.MockUnitOfWork
	sim         *providers.Simulator
	registry    *providers.Registry
	metrics     *recordingRecorder
	orch        *PaymentOrchestrator
	processor   *WebhookProcessor
}

type fixtureOptions struct {
	sim     []providers.SimulatorOption
	webhook WebhookConfig
	policy  RetryPolicy
	logger  *zerolog.Logger
	// wrap replaces the Orange Money adapter before it is registered.
	wrap func(providers.Adapter) providers.Adapter
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	om, sim, err := providers.NewSimulated(providers.OrangeMoney, opts.sim...)
	require.NoError(t, err)
	if opts.wrap != nil {
		om = opts.wrap(om)
	}
	cards, _, err := providers.NewSimulated(providers.Cards)
	require.NoError(t, err)
	registry, err := providers.NewRegistry(om, cards)
	require.NoError(t, err)

	f := &fixture{
		txRepo:      testutil.NewMockTransactionRepository(),
		paymentRepo: testutil.NewMockPaymentRepository(),
		webhookRepo: testutil.NewMockWebhookLogRepository(),
		outboxRepo:  testutil.NewMockOutboxRepository(),
		idempotency: &testutil.MockIdempotencyCleaner{},
		uow:         testutil.NewMockUnitOfWork(),
		sim:         sim,
		registry:    registry,
		metrics:     newRecordingRecorder(),
	}

	f.orch = NewPaymentOrchestrator(OrchestratorDeps{
		Transactions: f.txRepo,
		Payments:     f.paymentRepo,
		WebhookLogs:  f.webhookRepo,
		Outbox:       f.outboxRepo,
		Idempotency:  f.idempotency,
		UnitOfWork:   f.uow,
		Registry:     registry,
		Metrics:      f.metrics,
		Logger:       zerolog.Nop(),
	}, OrchestratorConfig{
		DefaultProvider: providers.OrangeMoney,
		PaymentTimeout:  30 * time.Minute,
		StatusRetry:     &retry.Config{MaxAttempts: 2},
	})

	policy := opts.policy
	if policy.MaxAttempts == 0 {
		policy = RetryPolicy{BaseDelay: 5 * time.Minute, MaxAttempts: 3}
	}
	logger := zerolog.Nop()
	if opts.logger != nil {
		logger = *opts.logger
	}
	f.processor = NewWebhookProcessor(WebhookDeps{
		WebhookLogs:  f.webhookRepo,
		Transactions: f.txRepo,
		Payments:     f.paymentRepo,
		Outbox:       f.outboxRepo,
		UnitOfWork:   f.uow,
		Registry:     registry,
		Verifier: signature.NewVerifier(map[string]signature.Secrets{
			providers.OrangeMoney: {WebhookSecret: testWebhookSecret},
		}),
		Metrics: f.metrics,
		Logger:  logger,
	}, opts.webhook, policy)

	return f
}
