package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/outbox"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultReferenceAttempts = 5
	defaultSyncLimit         = 50
	defaultExpiryBatch       = 100
	defaultCleanupDays       = 30
)

// UnitOfWork runs fn in one database transaction carried on the context.
type UnitOfWork interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// IdempotencyCleaner purges expired Idempotency-Key responses.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, dryRun bool) (int64, error)
}

type OrchestratorConfig struct {
	DefaultProvider   string
	PaymentTimeout    time.Duration
	ReferenceAttempts int
	// StatusRetry governs polling a provider for status. Zero value uses retry.DefaultConfig.
	StatusRetry *retry.Config
}

type OrchestratorDeps struct {
	Transactions transaction.Repository
	Payments     transaction.PaymentRepository
	WebhookLogs  webhook.Repository
	Outbox       outbox.Repository
	Idempotency  IdempotencyCleaner
	UnitOfWork   UnitOfWork
	Registry     *providers.Registry
	Metrics      Recorder
	Logger       zerolog.Logger
}

// PaymentOrchestrator owns the payment lifecycle: creation, cancellation and reconciliation.
type PaymentOrchestrator struct {
	txRepo      transaction.Repository
	paymentRepo transaction.PaymentRepository
	webhookRepo webhook.Repository
	outboxRepo  outbox.Repository
	idempotency IdempotencyCleaner
	uow         UnitOfWork
	registry    *providers.Registry
	writer      statusWriter
	metrics     Recorder
	logger      zerolog.Logger
	cfg         OrchestratorConfig
	statusRetry retry.Config
	now         func() time.Time
}

func NewPaymentOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *PaymentOrchestrator {
	if cfg.ReferenceAttempts <= 0 {
		cfg.ReferenceAttempts = defaultReferenceAttempts
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = transaction.DefaultTimeout
	}
	statusRetry := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
	if cfg.StatusRetry != nil {
		statusRetry = *cfg.StatusRetry
	}
	statusRetry.RetryIf = isAmbiguous

	metrics := recorderOrNop(deps.Metrics)
	return &PaymentOrchestrator{
		txRepo:      deps.Transactions,
		paymentRepo: deps.Payments,
		webhookRepo: deps.WebhookLogs,
		outboxRepo:  deps.Outbox,
		idempotency: deps.Idempotency,
		uow:         deps.UnitOfWork,
		registry:    deps.Registry,
		writer: statusWriter{
			txRepo:      deps.Transactions,
			paymentRepo: deps.Payments,
			outboxRepo:  deps.Outbox,
			metrics:     metrics,
		},
		metrics:     metrics,
		logger:      deps.Logger,
		cfg:         cfg,
		statusRetry: statusRetry,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreatePayment persists a pending transaction and initiates it with the provider.
// When the provider call fails after the transaction was stored, the stored
// transaction is returned together with the error.
func (o *PaymentOrchestrator) CreatePayment(ctx context.Context, in CreatePaymentInput) (*transaction.Transaction, error) {
	// 1. Validate input and provider eligibility
	if in.Provider == "" {
		in.Provider = o.cfg.DefaultProvider
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	adapter, err := o.registry.Resolve(in.Provider)
	if err != nil {
		return nil, err
	}
	if err := checkEligibility(adapter, in); err != nil {
		return nil, err
	}

	// 2. Persist as pending under a fresh reference
	t, err := o.insertPending(ctx, in)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With().Str("reference", t.Reference).Str("provider", t.Provider).Logger()

	// 3. Call the provider exactly once
	result, callErr := adapter.CreatePayment(ctx, providers.CreateRequest{
		Reference:   t.Reference,
		AmountMinor: t.Amount.Minor,
		Currency:    t.Amount.Currency,
		Phone:       t.Phone,
		Email:       t.Email,
		Description: t.Description,
		CallbackURL: t.CallbackURL,
		ReturnURL:   t.ReturnURL,
		Metadata:    t.Metadata,
	})

	// 4. Record the outcome even if the caller went away
	persistCtx := context.WithoutCancel(ctx)
	err = o.uow.Atomically(persistCtx, func(txCtx context.Context) error {
		locked, err := o.txRepo.LockByID(txCtx, t.ID)
		if err != nil {
			return err
		}
		prev := locked.Status
		now := o.now()

		switch {
		case callErr == nil:
			locked.AttachProvider(result.ExternalID, result.ProviderReference, result.ProviderData, now)
			if _, err := locked.ApplyStatus(result.Status, now); err != nil {
				return err
			}
		case isDefinitive(callErr):
			if err := locked.MarkFailed(callErr.Error(), now); err != nil {
				return err
			}
		default:
			locked.RecordError(callErr.Error(), now)
		}

		if err := o.writer.commit(txCtx, locked, prev); err != nil {
			return err
		}
		t = locked
		return nil
	})
	if err != nil {
		logger.Error().Err(err).AnErr("provider_error", callErr).Msg("failed to persist provider result")
		return nil, fmt.Errorf("persist provider result for %s: %w", t.Reference, err)
	}

	if callErr != nil {
		if isDefinitive(callErr) {
			logger.Warn().Err(callErr).Msg("provider rejected payment")
		} else {
			logger.Warn().Err(callErr).Msg("provider outcome unknown, leaving payment pending")
		}
		return t, callErr
	}

	logger.Info().Str("status", string(t.Status)).Msg("payment initiated")
	return t, nil
}

func checkEligibility(a providers.Adapter, in CreatePaymentInput) error {
	if !a.Capabilities().Create {
		return domainErrors.NewDomainError("CAPABILITY_NOT_SUPPORTED",
			fmt.Sprintf("%s does not support payment creation", a.Name()), domainErrors.ErrCapabilityNotSupported)
	}
	if !slices.Contains(a.SupportedCurrencies(), in.Currency) {
		return domainErrors.NewDomainError("UNSUPPORTED_CURRENCY",
			fmt.Sprintf("currency %s is not supported by %s", in.Currency, a.Name()), domainErrors.ErrInvalidCurrency)
	}

	minAmount, maxAmount := a.AmountLimits()
	if minAmount > 0 && in.Amount < minAmount {
		return domainErrors.NewDomainError("AMOUNT_TOO_SMALL",
			fmt.Sprintf("amount must be at least %s", transaction.Amount{Minor: minAmount, Currency: in.Currency}), domainErrors.ErrInvalidAmount)
	}
	if maxAmount > 0 && in.Amount > maxAmount {
		return domainErrors.NewDomainError("AMOUNT_TOO_LARGE",
			fmt.Sprintf("amount must be at most %s", transaction.Amount{Minor: maxAmount, Currency: in.Currency}), domainErrors.ErrInvalidAmount)
	}

	if a.RequiresPhone() {
		if in.Phone == "" {
			return domainErrors.NewValidationError("phone", "is required by "+a.Name())
		}
		if !a.ValidatePhoneNumber(in.Phone) {
			return domainErrors.NewValidationError("phone", "is not a valid number for "+a.Name())
		}
	}
	return nil
}

func isDuplicateReference(err error) bool {
	return errors.Is(err, domainErrors.ErrDuplicateReference)
}

// insertPending generates references until one is free, then stores the transaction
// and its creation event together.
func (o *PaymentOrchestrator) insertPending(ctx context.Context, in CreatePaymentInput) (*transaction.Transaction, error) {
	attempts := uint(o.cfg.ReferenceAttempts)
	return retry.DoWithResult(ctx, retry.Immediate(attempts, isDuplicateReference), func() (*transaction.Transaction, error) {
		ref, err := transaction.GenerateReference()
		if err != nil {
			return nil, err
		}
		exists, err := o.txRepo.ReferenceExists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &domainErrors.DuplicateReferenceError{Reference: ref}
		}

		t, err := transaction.NewTransaction(transaction.NewTransactionParams{
			Reference:   ref,
			Provider:    in.Provider,
			Amount:      transaction.Amount{Minor: in.Amount, Currency: in.Currency},
			Phone:       in.Phone,
			Email:       in.Email,
			Description: in.Description,
			CallbackURL: in.CallbackURL,
			ReturnURL:   in.ReturnURL,
			Metadata:    in.Metadata,
		}, o.cfg.PaymentTimeout, o.now())
		if err != nil {
			return nil, err
		}

		err = o.uow.Atomically(ctx, func(txCtx context.Context) error {
			if err := o.txRepo.Create(txCtx, t); err != nil {
				return err
			}
			return o.writer.outboxRepo.Insert(txCtx, outbox.NewTransactionEvent(t))
		})
		if err != nil {
			return nil, err
		}
		o.metrics.TransactionStatus(t.Provider, string(t.Status))
		return t, nil
	})
}

// CancelPayment cancels a payment that is still open, first with the provider and then locally.
// A transaction the provider never acknowledged is cancelled locally only.
func (o *PaymentOrchestrator) CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*transaction.Transaction, error) {
	t, err := o.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.CanBeCanceled(o.now()) {
		return nil, domainErrors.NewInvalidStateTransition("transaction", string(t.Status), string(transaction.StatusCanceled))
	}

	adapter, err := o.registry.Resolve(t.Provider)
	if err != nil {
		return nil, err
	}
	if !adapter.Capabilities().Cancel {
		return nil, domainErrors.NewDomainError("CAPABILITY_NOT_SUPPORTED",
			fmt.Sprintf("%s does not support cancellation", t.Provider), domainErrors.ErrCapabilityNotSupported)
	}

	var cancelData map[string]any
	if t.ProviderReference != nil {
		res, err := adapter.CancelPayment(ctx, *t.ProviderReference)
		if err != nil {
			return nil, err
		}
		cancelData = res.Raw
	}

	err = o.uow.Atomically(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		locked, err := o.txRepo.LockByID(txCtx, id)
		if err != nil {
			return err
		}
		prev := locked.Status
		if err := locked.MarkCanceled(reason, o.now()); err != nil {
			return err
		}
		if cancelData != nil {
			locked.MergeProviderData(map[string]any{"cancel_response": cancelData})
		}
		if err := o.writer.commit(txCtx, locked, prev); err != nil {
			return err
		}
		t = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info().Str("reference", t.Reference).Msg("payment canceled")
	return t, nil
}

// SyncStatus polls the provider and applies its answer under a row lock.
// It reports whether the transaction status changed.
func (o *PaymentOrchestrator) SyncStatus(ctx context.Context, id uuid.UUID) (*transaction.Transaction, bool, error) {
	t, err := o.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if t.IsFinal() {
		return t, false, nil
	}

	var res *providers.StatusResult
	if t.ProviderReference != nil {
		adapter, err := o.registry.Resolve(t.Provider)
		if err != nil {
			return nil, false, err
		}
		res, err = retry.DoWithResult(ctx, o.statusRetry, func() (*providers.StatusResult, error) {
			return adapter.GetPaymentStatus(ctx, *t.ProviderReference)
		})
		if err != nil {
			return nil, false, err
		}
	}

	changed := false
	err = o.uow.Atomically(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		locked, err := o.txRepo.LockByID(txCtx, id)
		if err != nil {
			return err
		}
		if locked.IsFinal() {
			t = locked
			return nil
		}
		prev := locked.Status
		now := o.now()

		switch {
		case res == nil || res.NotFound:
			if locked.IsExpired(now) {
				if _, err := locked.MarkExpired(now); err != nil {
					return err
				}
			}
		default:
			if !providers.IsRecognizedStatus(locked.Provider, res.RawStatus) {
				o.metrics.UnknownStatus(locked.Provider)
				o.logger.Warn().Str("reference", locked.Reference).Str("raw_status", res.RawStatus).
					Msg("unrecognised provider status, treating as pending")
			}
			if res.Raw != nil {
				locked.MergeProviderData(map[string]any{"status_response": res.Raw})
				locked.UpdatedAt = now
			}
			if _, err := locked.ApplyStatus(res.Status, now); err != nil {
				return err
			}
		}

		if err := o.writer.commit(txCtx, locked, prev); err != nil {
			return err
		}
		changed = locked.Status != prev
		t = locked
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return t, changed, nil
}

// SyncPending reconciles open transactions that the provider has acknowledged.
// Failures are counted and do not stop the pass.
func (o *PaymentOrchestrator) SyncPending(ctx context.Context, filter transaction.SyncFilter) (*SyncReport, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultSyncLimit
	}
	rows, err := o.txRepo.ListSyncable(ctx, filter)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{}
	for _, t := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, changed, err := o.SyncStatus(ctx, t.ID)
		if err != nil {
			report.Failed++
			o.logger.Warn().Err(err).Str("reference", t.Reference).Msg("status sync failed")
			continue
		}
		report.Synced++
		if changed {
			report.Changed++
		}
	}
	return report, nil
}

// SyncExpired marks open transactions past expires_at as expired. Re-running it is harmless.
func (o *PaymentOrchestrator) SyncExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultExpiryBatch
	}
	expired := 0
	err := o.uow.Atomically(ctx, func(txCtx context.Context) error {
		rows, err := o.txRepo.ListExpirable(txCtx, now, limit)
		if err != nil {
			return err
		}
		for _, t := range rows {
			prev := t.Status
			changed, err := t.MarkExpired(now)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := o.writer.commit(txCtx, t, prev); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		o.logger.Info().Int("count", expired).Msg("expired stale payments")
	}
	return expired, nil
}

func (o *PaymentOrchestrator) ListPayments(ctx context.Context, filter transaction.ListFilter) (*PaymentList, error) {
	items, err := o.txRepo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := o.txRepo.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &PaymentList{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (o *PaymentOrchestrator) GetPayment(ctx context.Context, id uuid.UUID) (*PaymentDetails, error) {
	t, err := o.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.withLegs(ctx, t)
}

func (o *PaymentOrchestrator) GetPaymentByReference(ctx context.Context, reference string) (*PaymentDetails, error) {
	t, err := o.txRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return o.withLegs(ctx, t)
}

func (o *PaymentOrchestrator) withLegs(ctx context.Context, t *transaction.Transaction) (*PaymentDetails, error) {
	legs, err := o.paymentRepo.ListByTransaction(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &PaymentDetails{Transaction: t, Payments: legs}, nil
}

func (o *PaymentOrchestrator) ProviderNames() []string {
	return o.registry.Names()
}

func (o *PaymentOrchestrator) ProviderInfo(name string) (*ProviderInfo, error) {
	a, err := o.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	minAmount, maxAmount := a.AmountLimits()
	return &ProviderInfo{
		Name:          a.Name(),
		Currencies:    a.SupportedCurrencies(),
		Capabilities:  a.Capabilities(),
		RequiresPhone: a.RequiresPhone(),
		MinAmount:     minAmount,
		MaxAmount:     maxAmount,
	}, nil
}

func (o *PaymentOrchestrator) ListProviders() []ProviderInfo {
	names := o.registry.Names()
	out := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		info, err := o.ProviderInfo(name)
		if err != nil {
			continue
		}
		out = append(out, *info)
	}
	return out
}

// ValidatePhone checks a number against the provider's format. Providers without
// a phone requirement accept any non-empty number.
func (o *PaymentOrchestrator) ValidatePhone(provider, phone string) (bool, error) {
	a, err := o.registry.Resolve(provider)
	if err != nil {
		return false, err
	}
	if !a.RequiresPhone() {
		return strings.TrimSpace(phone) != "", nil
	}
	return a.ValidatePhoneNumber(phone), nil
}

// SupportedCurrencies lists one provider's currencies, or the sorted union across
// all providers when provider is empty.
func (o *PaymentOrchestrator) SupportedCurrencies(provider string) ([]string, error) {
	if provider != "" {
		a, err := o.registry.Resolve(provider)
		if err != nil {
			return nil, err
		}
		return a.SupportedCurrencies(), nil
	}

	var all []string
	for _, name := range o.registry.Names() {
		a, err := o.registry.Resolve(name)
		if err != nil {
			continue
		}
		all = append(all, a.SupportedCurrencies()...)
	}
	slices.Sort(all)
	return slices.Compact(all), nil
}

// Cleanup retires old terminal transactions and purges webhook logs, settled
// outbox events and idempotency keys.
func (o *PaymentOrchestrator) Cleanup(ctx context.Context, in CleanupInput) (*CleanupReport, error) {
	if in.Days <= 0 {
		in.Days = defaultCleanupDays
	}
	report := &CleanupReport{
		Cutoff: o.now().Add(-time.Duration(in.Days) * 24 * time.Hour),
		DryRun: in.DryRun,
	}

	var err error
	if report.TransactionsRetired, err = o.txRepo.RetireOlderThan(ctx, report.Cutoff, in.DryRun); err != nil {
		return nil, fmt.Errorf("retire transactions: %w", err)
	}
	if report.WebhookLogsDeleted, err = o.webhookRepo.DeleteOlderThan(ctx, report.Cutoff, in.DryRun); err != nil {
		return nil, fmt.Errorf("purge webhook logs: %w", err)
	}
	if report.OutboxEventsDeleted, err = o.outboxRepo.PurgeSettled(ctx, report.Cutoff, in.DryRun); err != nil {
		return nil, fmt.Errorf("purge outbox: %w", err)
	}
	if o.idempotency != nil {
		if report.IdempotencyKeysDeleted, err = o.idempotency.Cleanup(ctx, in.DryRun); err != nil {
			return nil, fmt.Errorf("purge idempotency keys: %w", err)
		}
	}

	o.logger.Info().
		Bool("dry_run", in.DryRun).
		Time("cutoff", report.Cutoff).
		Int64("transactions", report.TransactionsRetired).
		Int64("webhook_logs", report.WebhookLogsDeleted).
		Int64("outbox_events", report.OutboxEventsDeleted).
		Int64("idempotency_keys", report.IdempotencyKeysDeleted).
		Msg("cleanup finished")
	return report, nil
}
