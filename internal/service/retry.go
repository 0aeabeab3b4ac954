package service

import (
	"context"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/google/uuid"
)

const defaultRetryBatch = 50

// RetryPolicy schedules webhook replays. Delays grow linearly with the retry count
// unless an explicit Schedule is configured.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
	Schedule    []time.Duration
}

// Delay returns the wait before the next attempt after retryCount retries. It never decreases.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	n := max(retryCount, 1)
	if len(p.Schedule) > 0 {
		return p.Schedule[min(n, len(p.Schedule))-1]
	}
	return p.BaseDelay * time.Duration(n)
}

func (p RetryPolicy) NextRetryAt(retryCount int, now time.Time) time.Time {
	return now.Add(p.Delay(retryCount))
}

// RetryFilter narrows a bulk retry run.
type RetryFilter struct {
	Provider string
	Limit    int
}

// RetryFailed replays eligible failed webhooks. Each replay is independent; the count of
// logs that reached success is returned.
func (p *WebhookProcessor) RetryFailed(ctx context.Context, filter RetryFilter) (int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultRetryBatch
	}
	logs, err := p.webhookRepo.ListRetryable(ctx, webhook.RetryFilter{
		Provider:    filter.Provider,
		MaxAttempts: p.policy.MaxAttempts,
		Now:         p.now(),
		Limit:       filter.Limit,
	})
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, l := range logs {
		if err := ctx.Err(); err != nil {
			return succeeded, err
		}
		out, err := p.RetryOne(ctx, l.ID)
		if err != nil {
			p.logger.Warn().Err(err).Str("webhook_id", l.ID.String()).Msg("webhook retry failed")
			continue
		}
		if out.Status == webhook.StatusSuccess {
			succeeded++
		}
	}

	if len(logs) > 0 {
		p.logger.Info().Int("eligible", len(logs)).Int("succeeded", succeeded).Msg("webhook retry pass finished")
	}
	return succeeded, nil
}

// RetryOne replays a single failed webhook regardless of next_retry_at, within the attempt cap.
func (p *WebhookProcessor) RetryOne(ctx context.Context, id uuid.UUID) (*WebhookOutcome, error) {
	var log *webhook.Log
	err := p.uow.Atomically(ctx, func(txCtx context.Context) error {
		l, err := p.webhookRepo.LockByID(txCtx, id)
		if err != nil {
			return err
		}
		if l.Status != webhook.StatusFailed || l.Permanent {
			return domainErrors.ErrWebhookNotRetryable
		}
		if !l.CanRetry(p.policy.MaxAttempts) {
			return domainErrors.ErrMaxRetriesExceeded
		}
		if err := l.IncrementRetry(p.now()); err != nil {
			return err
		}
		if err := p.webhookRepo.Update(txCtx, l); err != nil {
			return err
		}
		log = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := p.logger.With().
		Str("webhook_id", log.ID.String()).
		Str("provider", log.Provider).
		Int("retry_count", log.RetryCount).
		Logger()

	// The stored signature is re-checked so a callback rejected at receipt can never be applied.
	if p.cfg.VerifySignatures {
		if err := p.verifier.Verify(log.Provider, log.Payload, log.Signature); err != nil {
			p.finish(ctx, log, func() error { return log.Fail(err.Error(), nil, p.now()) })
			p.metrics.WebhookRetry(log.Provider, "rejected")
			return outcomeOf(log, nil), err
		}
	}

	out, err := p.run(ctx, log, logger)
	result := "success"
	if err != nil {
		result = "failed"
	}
	p.metrics.WebhookRetry(log.Provider, result)
	return out, err
}
