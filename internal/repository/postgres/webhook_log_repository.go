package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const webhookLogColumns = `id, transaction_id, payment_id, provider, event_type, payload, headers,
	signature, status, error_message, retry_count, next_retry_at, permanent, processed_at, created_at, updated_at`

type WebhookLogRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookLogRepository(pool *pgxpool.Pool) *WebhookLogRepository {
	return &WebhookLogRepository{pool: pool}
}

func (r *WebhookLogRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *WebhookLogRepository) Create(ctx context.Context, l *webhook.Log) error {
	headers, err := json.Marshal(l.Headers)
	if err != nil {
		return fmt.Errorf("marshal webhook headers: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO webhook_logs
		 (id, transaction_id, payment_id, provider, event_type, payload, headers, signature,
		  status, error_message, retry_count, next_retry_at, permanent, processed_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		l.ID, l.TransactionID, l.PaymentID, l.Provider, l.EventType, string(l.Payload), headers,
		nullString(l.Signature), string(l.Status), nullString(l.ErrorMessage), l.RetryCount,
		l.NextRetryAt, l.Permanent, l.ProcessedAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

func (r *WebhookLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*webhook.Log, error) {
	return scanWebhookLog(r.db(ctx).QueryRow(ctx,
		`SELECT `+webhookLogColumns+` FROM webhook_logs WHERE id = $1`, id))
}

func (r *WebhookLogRepository) LockByID(ctx context.Context, id uuid.UUID) (*webhook.Log, error) {
	return scanWebhookLog(r.db(ctx).QueryRow(ctx,
		`SELECT `+webhookLogColumns+` FROM webhook_logs WHERE id = $1 FOR UPDATE`, id))
}

func (r *WebhookLogRepository) Update(ctx context.Context, l *webhook.Log) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE webhook_logs SET
		  transaction_id=$1, payment_id=$2, event_type=$3, status=$4, error_message=$5,
		  retry_count=$6, next_retry_at=$7, permanent=$8, processed_at=$9, updated_at=$10
		 WHERE id=$11`,
		l.TransactionID, l.PaymentID, l.EventType, string(l.Status), nullString(l.ErrorMessage),
		l.RetryCount, l.NextRetryAt, l.Permanent, l.ProcessedAt, l.UpdatedAt, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update webhook log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrWebhookNotFound
	}
	return nil
}

func (r *WebhookLogRepository) List(ctx context.Context, f webhook.ListFilter) ([]*webhook.Log, error) {
	query := `SELECT ` + webhookLogColumns + ` FROM webhook_logs WHERE 1=1`
	args := []any{}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Provider != nil {
		args = append(args, *f.Provider)
		query += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	return r.query(ctx, query, args...)
}

// ListRetryable returns failed logs under the attempt cap whose next_retry_at
// is unset or due.
func (r *WebhookLogRepository) ListRetryable(ctx context.Context, f webhook.RetryFilter) ([]*webhook.Log, error) {
	args := []any{f.MaxAttempts, f.Now}
	query := `SELECT ` + webhookLogColumns + ` FROM webhook_logs
		 WHERE status = 'failed' AND NOT permanent AND retry_count < $1
		   AND (next_retry_at IS NULL OR next_retry_at <= $2)`
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

func (r *WebhookLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var n int64
		if err := r.db(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM webhook_logs WHERE created_at < $1`, cutoff).Scan(&n); err != nil {
			return 0, fmt.Errorf("count webhook logs: %w", err)
		}
		return n, nil
	}
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM webhook_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete webhook logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *WebhookLogRepository) query(ctx context.Context, query string, args ...any) ([]*webhook.Log, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	var logs []*webhook.Log
	for rows.Next() {
		l, err := scanWebhookLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanWebhookLog(s scanner) (*webhook.Log, error) {
	l := &webhook.Log{}
	var (
		payload           string
		headers           []byte
		signature, errMsg *string
		status            string
	)
	err := s.Scan(
		&l.ID, &l.TransactionID, &l.PaymentID, &l.Provider, &l.EventType, &payload, &headers,
		&signature, &status, &errMsg, &l.RetryCount, &l.NextRetryAt, &l.Permanent, &l.ProcessedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrWebhookNotFound
		}
		return nil, fmt.Errorf("scan webhook log: %w", err)
	}

	l.Payload = []byte(payload)
	l.Signature = deref(signature)
	l.ErrorMessage = deref(errMsg)
	l.Status = webhook.Status(status)
	l.Headers = make(map[string]string)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &l.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal webhook headers: %w", err)
		}
	}
	return l, nil
}
