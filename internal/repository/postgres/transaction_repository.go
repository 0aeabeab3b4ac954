package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// allowedSortColumns is a whitelist of columns valid for ORDER BY.
var allowedSortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"expires_at": "expires_at",
	"amount":     "amount",
	"status":     "status",
	"provider":   "provider",
}

const transactionColumns = `id, reference, provider, external_id, provider_reference,
	amount, currency, phone, email, description, callback_url, return_url,
	metadata, provider_data, status, expires_at, completed_at, retired_at, created_at, updated_at`

// TransactionRepository implements transaction.Repository using PostgreSQL.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func (r *TransactionRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Create inserts a new transaction.
func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	metadata, err := marshalMap(t.Metadata)
	if err != nil {
		return err
	}
	providerData, err := marshalMap(t.ProviderData)
	if err != nil {
		return err
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO transactions
		 (id, reference, provider, external_id, provider_reference, amount, currency,
		  phone, email, description, callback_url, return_url, metadata, provider_data,
		  status, expires_at, completed_at, retired_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		t.ID, t.Reference, t.Provider, t.ExternalID, t.ProviderReference,
		t.Amount.Minor, t.Amount.Currency,
		nullString(t.Phone), nullString(t.Email), nullString(t.Description),
		nullString(t.CallbackURL), nullString(t.ReturnURL), metadata, providerData,
		string(t.Status), t.ExpiresAt, t.CompletedAt, t.RetiredAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domainErrors.DuplicateReferenceError{Reference: t.Reference}
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by its ID.
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 AND retired_at IS NULL`, id))
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	return scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = $1 AND retired_at IS NULL`, reference))
}

func (r *TransactionRepository) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE reference = $1)`, reference,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reference: %w", err)
	}
	return exists, nil
}

// FindForUpdate locks the row matching ref by our reference first, then by
// the provider's reference.
func (r *TransactionRepository) FindForUpdate(ctx context.Context, ref string) (*transaction.Transaction, error) {
	return scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE (reference = $1 OR provider_reference = $1) AND retired_at IS NULL
		 ORDER BY (reference = $1) DESC, created_at ASC
		 LIMIT 1
		 FOR UPDATE`, ref))
}

func (r *TransactionRepository) LockByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

// Update persists the mutable fields of a transaction.
func (r *TransactionRepository) Update(ctx context.Context, t *transaction.Transaction) error {
	metadata, err := marshalMap(t.Metadata)
	if err != nil {
		return err
	}
	providerData, err := marshalMap(t.ProviderData)
	if err != nil {
		return err
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE transactions SET
		  external_id=$1, provider_reference=$2, metadata=$3, provider_data=$4,
		  status=$5, completed_at=$6, retired_at=$7, updated_at=$8
		 WHERE id=$9`,
		t.ExternalID, t.ProviderReference, metadata, providerData,
		string(t.Status), t.CompletedAt, t.RetiredAt, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrTransactionNotFound
	}
	return nil
}

func buildWhere(f transaction.ListFilter) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(clause, len(args))
	}

	if !f.IncludeRetired {
		where += " AND retired_at IS NULL"
	}
	if f.Status != nil {
		add(" AND status = $%d", string(*f.Status))
	}
	if f.Provider != nil {
		add(" AND provider = $%d", *f.Provider)
	}
	if f.Currency != nil {
		add(" AND currency = $%d", strings.ToUpper(*f.Currency))
	}
	if f.From != nil {
		add(" AND created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add(" AND created_at <= $%d", *f.To)
	}
	if f.MinAmount != nil {
		add(" AND amount >= $%d", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		add(" AND amount <= $%d", *f.MaxAmount)
	}
	return where, args
}

// List lists transactions with optional filters. Ties on the sort column are
// broken by created_at then id so paging is stable.
func (r *TransactionRepository) List(ctx context.Context, f transaction.ListFilter) ([]*transaction.Transaction, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where

	// Strict whitelist for sort column
	sortBy := "created_at"
	if col, ok := allowedSortColumns[f.SortBy]; ok {
		sortBy = col
	}
	sortOrder := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		sortOrder = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, created_at %s, id %s", sortBy, sortOrder, sortOrder, sortOrder)

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	return r.query(ctx, query, args...)
}

func (r *TransactionRepository) Count(ctx context.Context, f transaction.ListFilter) (int64, error) {
	where, args := buildWhere(f)
	var n int64
	if err := r.db(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// ListExpirable returns open rows past expires_at. Rows locked by another
// sweeper are skipped; call inside a database transaction to keep the locks.
func (r *TransactionRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*transaction.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status IN ('pending', 'processing') AND expires_at <= $1 AND retired_at IS NULL
		 ORDER BY expires_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, now, limit)
}

func (r *TransactionRepository) ListSyncable(ctx context.Context, f transaction.SyncFilter) ([]*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		 WHERE status IN ('pending', 'processing') AND provider_reference IS NOT NULL AND retired_at IS NULL`
	args := []any{}
	if f.Reference != "" {
		args = append(args, f.Reference)
		query += fmt.Sprintf(" AND reference = $%d", len(args))
	}
	if f.Provider != "" {
		args = append(args, f.Provider)
		query += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))

	return r.query(ctx, query, args...)
}

// RetireOlderThan soft-deletes terminal rows created before cutoff.
func (r *TransactionRepository) RetireOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	const cond = ` WHERE created_at < $1 AND retired_at IS NULL
		 AND status IN ('success', 'failed', 'canceled', 'expired')`
	if dryRun {
		var n int64
		if err := r.db(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+cond, cutoff).Scan(&n); err != nil {
			return 0, fmt.Errorf("count retirable transactions: %w", err)
		}
		return n, nil
	}
	tag, err := r.db(ctx).Exec(ctx, `UPDATE transactions SET retired_at = NOW(), updated_at = NOW()`+cond, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retire transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *TransactionRepository) query(ctx context.Context, query string, args ...any) ([]*transaction.Transaction, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(s scanner) (*transaction.Transaction, error) {
	t := &transaction.Transaction{}
	var (
		phone, email, description, callbackURL, returnURL *string
		metadata, providerData                            []byte
		status                                            string
	)
	err := s.Scan(
		&t.ID, &t.Reference, &t.Provider, &t.ExternalID, &t.ProviderReference,
		&t.Amount.Minor, &t.Amount.Currency, &phone, &email, &description, &callbackURL, &returnURL,
		&metadata, &providerData, &status, &t.ExpiresAt, &t.CompletedAt, &t.RetiredAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Amount.Currency = strings.TrimSpace(t.Amount.Currency)
	t.Phone, t.Email, t.Description = deref(phone), deref(email), deref(description)
	t.CallbackURL, t.ReturnURL = deref(callbackURL), deref(returnURL)
	t.Status = transaction.Status(status)
	if t.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	if t.ProviderData, err = unmarshalMap(providerData); err != nil {
		return nil, err
	}
	return t, nil
}
