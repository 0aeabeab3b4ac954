package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const paymentColumns = `id, transaction_id, provider_payment_id, type, payment_method,
	amount, fees, provider_fees, net_amount, currency,
	status, provider_data, processed_at, created_at, updated_at`

// PaymentRepository implements transaction.PaymentRepository using PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *PaymentRepository) GetByProviderPaymentID(ctx context.Context, transactionID uuid.UUID, providerPaymentID string) (*transaction.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE transaction_id = $1 AND provider_payment_id = $2`, transactionID, providerPaymentID))
}

// Save upserts a payment leg keyed by (transaction_id, provider_payment_id).
// On conflict the stored id is kept and written back to p.
func (r *PaymentRepository) Save(ctx context.Context, p *transaction.Payment) error {
	providerData, err := marshalMap(p.ProviderData)
	if err != nil {
		return err
	}

	err = r.db(ctx).QueryRow(ctx,
		`INSERT INTO payments
		 (id, transaction_id, provider_payment_id, type, payment_method, amount, fees, provider_fees,
		  net_amount, currency, status, provider_data, processed_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (transaction_id, provider_payment_id) DO UPDATE SET
		  type = EXCLUDED.type,
		  payment_method = COALESCE(EXCLUDED.payment_method, payments.payment_method),
		  amount = EXCLUDED.amount,
		  fees = EXCLUDED.fees,
		  provider_fees = EXCLUDED.provider_fees,
		  net_amount = EXCLUDED.net_amount,
		  status = EXCLUDED.status,
		  provider_data = payments.provider_data || EXCLUDED.provider_data,
		  processed_at = COALESCE(payments.processed_at, EXCLUDED.processed_at),
		  updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		p.ID, p.TransactionID, p.ProviderPaymentID, p.Type, nullString(p.Method),
		p.Amount.Minor, p.Fees, p.ProviderFees,
		p.NetAmount, p.Amount.Currency, string(p.Status), providerData,
		p.ProcessedAt, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*transaction.Payment, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1 ORDER BY created_at ASC, id ASC`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []*transaction.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// scanPayment scans a payment from any source implementing the scanner interface.
func scanPayment(s scanner) (*transaction.Payment, error) {
	p := &transaction.Payment{}
	var (
		method       *string
		status       string
		providerData []byte
	)
	err := s.Scan(
		&p.ID, &p.TransactionID, &p.ProviderPaymentID, &p.Type, &method,
		&p.Amount.Minor, &p.Fees, &p.ProviderFees, &p.NetAmount, &p.Amount.Currency,
		&status, &providerData, &p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	p.Amount.Currency = strings.TrimSpace(p.Amount.Currency)
	p.Method = deref(method)
	p.Status = transaction.Status(status)
	if p.ProviderData, err = unmarshalMap(providerData); err != nil {
		return nil, err
	}
	return p, nil
}
