package service

import (
	"context"
	"errors"
	"reflect"
	"strings"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/outbox"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func validateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("input", err.Error())
	}
	return nil
}

// statusWriter persists a transaction and the side effects of a status change.
// Callers hold the row lock and run inside a database transaction.
type statusWriter struct {
	txRepo      transaction.Repository
	paymentRepo transaction.PaymentRepository
	outboxRepo  outbox.Repository
	metrics     Recorder
}

func (w statusWriter) commit(ctx context.Context, t *transaction.Transaction, prev transaction.Status) error {
	if err := w.txRepo.Update(ctx, t); err != nil {
		return err
	}
	if t.Status == prev {
		return nil
	}

	if t.IsFinal() {
		legs, err := w.paymentRepo.ListByTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, leg := range legs {
			if !leg.SyncWithParent(t.Status, t.UpdatedAt) {
				continue
			}
			if err := w.paymentRepo.Save(ctx, leg); err != nil {
				return err
			}
		}
	}

	if err := w.outboxRepo.Insert(ctx, outbox.NewTransactionEvent(t)); err != nil {
		return err
	}
	w.metrics.TransactionStatus(t.Provider, string(t.Status))
	return nil
}

// isDefinitive reports a provider failure where the provider certainly did not act.
// A request that could not be built because of missing configuration never left.
func isDefinitive(err error) bool {
	if errors.Is(err, domainErrors.ErrConfiguration) {
		return true
	}
	var pe *domainErrors.ProviderError
	return errors.As(err, &pe) && !pe.Retryable()
}

func isAmbiguous(err error) bool {
	var pe *domainErrors.ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}
