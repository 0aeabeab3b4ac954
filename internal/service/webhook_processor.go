package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/outbox"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/signature"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TimestampHeader optionally carries the unix time a provider signed the callback at.
const TimestampHeader = "X-Webhook-Timestamp"

type WebhookConfig struct {
	VerifySignatures bool
	// Tolerance bounds the age of TimestampHeader. Zero disables the check.
	Tolerance        time.Duration
	IgnoredEvents    []string
}

type WebhookDeps struct {
	WebhookLogs  webhook.Repository
	Transactions transaction.Repository
	Payments     transaction.PaymentRepository
	Outbox       outbox.Repository
	UnitOfWork   UnitOfWork
	Registry     *providers.Registry
	Verifier     *signature.Verifier
	Metrics      Recorder
	Logger       zerolog.Logger
}

// WebhookProcessor ingests provider callbacks and applies them to transactions.
type WebhookProcessor struct {
	webhookRepo webhook.Repository
	txRepo      transaction.Repository
	paymentRepo transaction.PaymentRepository
	uow         UnitOfWork
	registry    *providers.Registry
	verifier    *signature.Verifier
	writer      statusWriter
	policy      RetryPolicy
	cfg         WebhookConfig
	metrics     Recorder
	logger      zerolog.Logger
	now         func() time.Time
}

func NewWebhookProcessor(deps WebhookDeps, cfg WebhookConfig, policy RetryPolicy) *WebhookProcessor {
	metrics := recorderOrNop(deps.Metrics)
	return &WebhookProcessor{
		webhookRepo: deps.WebhookLogs,
		txRepo:      deps.Transactions,
		paymentRepo: deps.Payments,
		uow:         deps.UnitOfWork,
		registry:    deps.Registry,
		verifier:    deps.Verifier,
		writer: statusWriter{
			txRepo:      deps.Transactions,
			paymentRepo: deps.Payments,
			outboxRepo:  deps.Outbox,
			metrics:     metrics,
		},
		policy:  policy,
		cfg:     cfg,
		metrics: metrics,
		logger:  deps.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process records, authenticates and applies one callback. The log is written before
// anything else so every delivery is auditable. The returned outcome is non-nil whenever
// the log was stored, including on error.
func (p *WebhookProcessor) Process(ctx context.Context, provider string, rawBody []byte, headers http.Header) (*WebhookOutcome, error) {
	now := p.now()
	log := webhook.NewLog(provider, rawBody, headers, headers.Get(signature.SignatureHeader(provider)), now)
	if payload, err := webhook.Decode(rawBody); err == nil {
		log.EventType = webhook.ExtractEventType(payload)
	}
	if err := p.webhookRepo.Create(ctx, log); err != nil {
		return nil, fmt.Errorf("record webhook: %w", err)
	}
	logger := p.logger.With().Str("webhook_id", log.ID.String()).Str("provider", provider).Logger()

	if p.cfg.VerifySignatures {
		if err := p.verify(provider, rawBody, headers, now); err != nil {
			logger.Warn().Err(err).Msg("webhook rejected")
			p.finish(ctx, log, func() error { return log.Fail(err.Error(), nil, p.now()) })
			return outcomeOf(log, nil), err
		}
	}

	if transaction.IsKnownEvent(log.EventType) && slices.Contains(p.cfg.IgnoredEvents, log.EventType) {
		p.finish(ctx, log, func() error { return log.Ignore("event type "+log.EventType+" is ignored", p.now()) })
		logger.Info().Str("event_type", log.EventType).Msg("webhook ignored")
		return outcomeOf(log, nil), nil
	}

	if err := log.Start(p.now()); err != nil {
		return nil, err
	}
	return p.run(ctx, log, logger)
}

// Reject records a callback refused before its body could be read. The log is
// stored without a payload, failed and out of every retry path.
func (p *WebhookProcessor) Reject(ctx context.Context, provider string, headers http.Header, reason string) (*WebhookOutcome, error) {
	now := p.now()
	log := webhook.NewLog(provider, nil, headers, headers.Get(signature.SignatureHeader(provider)), now)
	if err := log.FailPermanently(reason, now); err != nil {
		return nil, err
	}
	if err := p.webhookRepo.Create(ctx, log); err != nil {
		return nil, fmt.Errorf("record rejected webhook: %w", err)
	}
	p.metrics.Webhook(provider, string(log.Status))
	p.logger.Warn().Str("webhook_id", log.ID.String()).Str("provider", provider).Str("reason", reason).Msg("webhook rejected before processing")
	return outcomeOf(log, nil), nil
}

func (p *WebhookProcessor) verify(provider string, rawBody []byte, headers http.Header, now time.Time) error {
	if err := p.verifier.Verify(provider, rawBody, headers.Get(signature.SignatureHeader(provider))); err != nil {
		return err
	}
	ts := headers.Get(TimestampHeader)
	if ts == "" || p.cfg.Tolerance <= 0 {
		return nil
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &domainErrors.SignatureVerificationError{Provider: provider, Reason: "malformed " + TimestampHeader}
	}
	age := now.Sub(time.Unix(secs, 0))
	if age > p.cfg.Tolerance || age < -p.cfg.Tolerance {
		return &domainErrors.SignatureVerificationError{Provider: provider, Reason: "timestamp outside tolerance"}
	}
	return nil
}

// applied is what one successful pass through handle touched.
type applied struct {
	transactionID uuid.UUID
	paymentID     *uuid.UUID
	status        transaction.Status
	changed       bool
}

// run executes handle for a log already in processing and records the result on the log.
func (p *WebhookProcessor) run(ctx context.Context, log *webhook.Log, logger zerolog.Logger) (*WebhookOutcome, error) {
	res, err := p.handle(ctx, log)
	if err != nil {
		if !p.retryable(err) {
			p.finish(ctx, log, func() error { return log.FailPermanently(err.Error(), p.now()) })
			logger.Error().Err(err).Msg("webhook processing failed permanently")
			return outcomeOf(log, nil), err
		}
		var next *time.Time
		if log.RetryCount < p.policy.MaxAttempts {
			at := p.policy.NextRetryAt(log.RetryCount, p.now())
			next = &at
		}
		p.finish(ctx, log, func() error { return log.Fail(err.Error(), next, p.now()) })
		logger.Error().Err(err).Int("retry_count", log.RetryCount).Msg("webhook processing failed")
		return outcomeOf(log, nil), err
	}

	txID := res.transactionID
	p.finish(ctx, log, func() error { return log.Succeed(&txID, res.paymentID, p.now()) })
	logger.Info().
		Str("transaction_id", txID.String()).
		Str("status", string(res.status)).
		Bool("changed", res.changed).
		Msg("webhook processed")
	return outcomeOf(log, res), nil
}

// retryable excludes failures a replay of the same body cannot fix. An unknown
// reference stays retryable because the transaction may not be committed yet.
func (p *WebhookProcessor) retryable(err error) bool {
	if errors.Is(err, domainErrors.ErrInvalidStateTransition) || errors.Is(err, domainErrors.ErrMalformedPayload) {
		return false
	}
	var refErr *domainErrors.WebhookReferenceNotFoundError
	if errors.As(err, &refErr) && refErr.Reference == "" {
		return false
	}
	return true
}

// finish applies a log transition and persists it even when ctx is already done.
func (p *WebhookProcessor) finish(ctx context.Context, log *webhook.Log, transition func() error) {
	if err := transition(); err != nil {
		p.logger.Error().Err(err).Str("webhook_id", log.ID.String()).Msg("invalid webhook log transition")
		return
	}
	if err := p.webhookRepo.Update(context.WithoutCancel(ctx), log); err != nil {
		p.logger.Error().Err(err).Str("webhook_id", log.ID.String()).Msg("failed to update webhook log")
	}
	p.metrics.Webhook(log.Provider, string(log.Status))
}

func outcomeOf(log *webhook.Log, res *applied) *WebhookOutcome {
	out := &WebhookOutcome{
		LogID:         log.ID,
		Status:        log.Status,
		TransactionID: log.TransactionID,
		PaymentID:     log.PaymentID,
	}
	if res != nil {
		out.TransactionStatus = res.status
		out.Changed = res.changed
	}
	return out
}

// handle decodes the stored body and applies it to the referenced transaction.
// Signatures are checked by the callers.
func (p *WebhookProcessor) handle(ctx context.Context, log *webhook.Log) (*applied, error) {
	payload, err := webhook.Decode(log.Payload)
	if err != nil {
		return nil, err
	}

	status, rawStatus, providerRef := p.normalize(log, payload)
	ref, ok := webhook.ExtractReference(payload)
	if !ok {
		ref = providerRef
	}
	if ref == "" {
		return nil, &domainErrors.WebhookReferenceNotFoundError{}
	}

	res := &applied{}
	err = p.uow.Atomically(ctx, func(txCtx context.Context) error {
		t, err := p.txRepo.FindForUpdate(txCtx, ref)
		if errors.Is(err, domainErrors.ErrTransactionNotFound) {
			return &domainErrors.WebhookReferenceNotFoundError{Reference: ref}
		}
		if err != nil {
			return err
		}
		res.transactionID = t.ID
		id := t.ID
		log.Link(&id, nil)

		if !providers.IsRecognizedStatus(p.statusTable(log.Provider), rawStatus) {
			p.metrics.UnknownStatus(log.Provider)
			p.logger.Warn().Str("reference", t.Reference).Str("raw_status", rawStatus).
				Msg("unrecognised provider status, treating as pending")
		}

		// A settled transaction only accepts a redelivery of its own outcome.
		if t.IsFinal() {
			res.status = t.Status
			if status.IsTerminal() {
				_, err := t.ApplyStatus(status, p.now())
				return err
			}
			return nil
		}

		prev := t.Status
		now := p.now()
		if res.changed, err = t.ApplyStatus(status, now); err != nil {
			return err
		}
		t.MergeProviderData(payload)
		t.UpdatedAt = now
		res.status = t.Status

		if res.paymentID, err = p.upsertPayment(txCtx, t, payload, status, now); err != nil {
			return err
		}
		return p.writer.commit(txCtx, t, prev)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// normalize prefers the registered adapter's interpretation and falls back to the
// lenient table for providers that are not configured.
func (p *WebhookProcessor) normalize(log *webhook.Log, payload map[string]any) (transaction.Status, string, string) {
	if p.registry != nil {
		if a, err := p.registry.Resolve(log.Provider); err == nil {
			headers := make(http.Header, len(log.Headers))
			for k, v := range log.Headers {
				headers.Set(k, v)
			}
			if res, err := a.ProcessWebhook(payload, headers); err == nil {
				return res.Status, res.RawStatus, res.ProviderReference
			}
		}
	}
	raw := webhook.ExtractStatus(payload)
	return providers.NormalizeStatus(providers.GenericProvider, raw), raw, ""
}

func (p *WebhookProcessor) statusTable(provider string) string {
	if p.registry != nil && p.registry.Has(provider) {
		return provider
	}
	return providers.GenericProvider
}

// upsertPayment records the payment leg a callback describes, if it names one.
func (p *WebhookProcessor) upsertPayment(ctx context.Context, t *transaction.Transaction, payload map[string]any, status transaction.Status, now time.Time) (*uuid.UUID, error) {
	providerPaymentID := webhook.StringField(payload, "transaction_id")
	if providerPaymentID == "" {
		providerPaymentID = webhook.StringField(payload, "provider_transaction_id")
	}
	if providerPaymentID == "" {
		return nil, nil
	}

	amount := t.Amount
	if v, ok := transaction.MinorFromAny(payload["amount"]); ok {
		amount.Minor = v
	}
	if c := webhook.StringField(payload, "currency"); c != "" {
		amount.Currency = c
	}

	leg, err := p.paymentRepo.GetByProviderPaymentID(ctx, t.ID, providerPaymentID)
	switch {
	case errors.Is(err, domainErrors.ErrPaymentNotFound):
		leg, err = transaction.NewPayment(t.ID, providerPaymentID, webhook.StringField(payload, "transaction_type"), amount, now)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		leg.Amount = amount
		leg.UpdatedAt = now
	}

	if method := webhook.StringField(payload, "payment_method"); method != "" {
		leg.Method = method
	}
	fees, _ := transaction.MinorFromAny(payload["fees"])
	providerFees, _ := transaction.MinorFromAny(payload["provider_fees"])
	var net *int64
	if v, ok := transaction.MinorFromAny(payload["net_amount"]); ok {
		net = &v
	}
	leg.SetFees(fees, providerFees, net)
	leg.MergeProviderData(payload)
	if _, err := leg.ApplyStatus(status, now); err != nil {
		return nil, err
	}
	if err := p.paymentRepo.Save(ctx, leg); err != nil {
		return nil, err
	}
	return &leg.ID, nil
}
